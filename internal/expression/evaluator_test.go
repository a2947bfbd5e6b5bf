package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalJSON(t *testing.T, text string, env Configuration, fns FunctionMap) (Pointer, error) {
	t.Helper()
	return Evaluate(mustParse(t, text), env, fns)
}

func mustEval(t *testing.T, text string, env Configuration, fns FunctionMap) Pointer {
	t.Helper()
	result, err := evalJSON(t, text, env, fns)
	require.NoError(t, err)
	return result
}

func TestEvaluateLiterals(t *testing.T) {
	env := EmptyConfiguration()
	assert.True(t, mustEval(t, `42`, env, nil).Equal(Number(42)))
	assert.True(t, mustEval(t, `"x"`, env, nil).Equal(String("x")))
	assert.True(t, mustEval(t, `[1, 2]`, env, nil).Equal(mustParse(t, `[1, 2]`)))
	assert.True(t, mustEval(t, `{"a": 1}`, env, nil).Equal(mustParse(t, `{"a": 1}`)))
}

func TestEvaluateVarAndDefault(t *testing.T) {
	env := mustConfig(t, `{"CC": "gcc"}`)
	assert.True(t, mustEval(t, `{"type": "var", "name": "CC"}`, env, nil).Equal(String("gcc")))
	assert.True(t, mustEval(t, `{"type": "var", "name": "CXX", "default": "g++"}`, env, nil).Equal(String("g++")))
	assert.True(t, mustEval(t, `{"type": "var", "name": "CXX"}`, env, nil).IsNone())
}

func TestEvaluateLetScoping(t *testing.T) {
	env := EmptyConfiguration()
	result := mustEval(t, `{
		"type": "let*",
		"bindings": [["x", "a"], ["y", {"type": "join", "$1": [{"type": "var", "name": "x"}, "b"]}]],
		"body": {"type": "var", "name": "y"}
	}`, env, nil)
	assert.True(t, result.Equal(String("ab")))
}

func TestEvaluateIfAndShortCircuit(t *testing.T) {
	env := EmptyConfiguration()
	assert.True(t, mustEval(t, `{"type": "if", "cond": true, "then": 1, "else": 2}`, env, nil).Equal(Number(1)))
	assert.True(t, mustEval(t, `{"type": "if", "cond": [], "then": 1, "else": 2}`, env, nil).Equal(Number(2)))

	// The second operand would fail; short-circuit must avoid it.
	result := mustEval(t, `{"type": "and", "$1": [false, {"type": "fail", "msg": "boom"}]}`, env, nil)
	assert.True(t, result.Equal(Boolean(false)))

	result = mustEval(t, `{"type": "or", "$1": [true, {"type": "fail", "msg": "boom"}]}`, env, nil)
	assert.True(t, result.Equal(Boolean(true)))
}

func TestEvaluateArithmeticAndLists(t *testing.T) {
	env := EmptyConfiguration()
	assert.True(t, mustEval(t, `{"type": "+", "$1": [1, 2, 3]}`, env, nil).Equal(Number(6)))
	assert.True(t, mustEval(t, `{"type": "*", "$1": [2, 3, 4]}`, env, nil).Equal(Number(24)))
	assert.True(t, mustEval(t, `{"type": "++", "$1": [[1], [2, 3]]}`, env, nil).Equal(mustParse(t, `[1, 2, 3]`)))
	assert.True(t, mustEval(t, `{"type": "nub_right", "$1": ["a", "b", "a"]}`, env, nil).Equal(mustParse(t, `["b", "a"]`)))
	assert.True(t, mustEval(t, `{"type": "join", "separator": ",", "$1": ["a", "b"]}`, env, nil).Equal(String("a,b")))
}

func TestEvaluateMapPrimitives(t *testing.T) {
	env := EmptyConfiguration()
	assert.True(t, mustEval(t, `{"type": "keys", "$1": {"b": 1, "a": 2}}`, env, nil).Equal(mustParse(t, `["a", "b"]`)))
	assert.True(t, mustEval(t, `{"type": "values", "$1": {"b": 1, "a": 2}}`, env, nil).Equal(mustParse(t, `[2, 1]`)))
	assert.True(t, mustEval(t, `{"type": "lookup", "map": {"a": 1}, "key": "a"}`, env, nil).Equal(Number(1)))
	assert.True(t, mustEval(t, `{"type": "lookup", "map": {}, "key": "a", "default": 9}`, env, nil).Equal(Number(9)))
	assert.True(t, mustEval(t, `{"type": "singleton_map", "key": "k", "value": 1}`, env, nil).Equal(mustParse(t, `{"k": 1}`)))
	assert.True(t, mustEval(t, `{"type": "map_union", "$1": [{"a": 1}, {"a": 2, "b": 3}]}`, env, nil).Equal(mustParse(t, `{"a": 2, "b": 3}`)))
	assert.True(t, mustEval(t, `{"type": "to_subdir", "subdir": "out", "$1": {"a": 1}}`, env, nil).Equal(mustParse(t, `{"out/a": 1}`)))
}

func TestEvaluateIterationOrder(t *testing.T) {
	env := EmptyConfiguration()
	result := mustEval(t, `{
		"type": "foreach_map",
		"var_key": "k",
		"range": {"b": 1, "a": 2, "c": 3},
		"body": {"type": "var", "name": "k"}
	}`, env, nil)
	assert.True(t, result.Equal(mustParse(t, `["a", "b", "c"]`)), "map iteration is key-sorted")
}

func TestEvaluateForeachAndFoldl(t *testing.T) {
	env := EmptyConfiguration()
	result := mustEval(t, `{
		"type": "foreach",
		"var": "x",
		"range": [1, 2, 3],
		"body": {"type": "+", "$1": [{"type": "var", "name": "x"}, 10]}
	}`, env, nil)
	assert.True(t, result.Equal(mustParse(t, `[11, 12, 13]`)))

	result = mustEval(t, `{
		"type": "foldl",
		"var": "x",
		"accum_var": "acc",
		"start": 0,
		"range": [1, 2, 3],
		"body": {"type": "+", "$1": [{"type": "var", "name": "acc"}, {"type": "var", "name": "x"}]}
	}`, env, nil)
	assert.True(t, result.Equal(Number(6)))
}

func TestEvaluateCase(t *testing.T) {
	env := mustConfig(t, `{"MODE": "debug"}`)
	result := mustEval(t, `{
		"type": "case",
		"expr": {"type": "var", "name": "MODE"},
		"case": {"debug": "-O0", "release": "-O2"},
		"default": "-O1"
	}`, env, nil)
	assert.True(t, result.Equal(String("-O0")))

	result = mustEval(t, `{
		"type": "case*",
		"expr": 2,
		"case": [[1, "one"], [2, "two"]],
		"default": "many"
	}`, env, nil)
	assert.True(t, result.Equal(String("two")))
}

func TestEvaluateFailAndBreadcrumbs(t *testing.T) {
	env := EmptyConfiguration()
	_, err := evalJSON(t, `{
		"type": "context",
		"msg": "top level",
		"$1": {"type": "fail", "msg": "user error"}
	}`, env, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "user error")
	assert.ErrorContains(t, err, "top level")
	assert.ErrorContains(t, err, `while evaluating "fail" expression`)
}

func TestEvaluateUnknownSymbol(t *testing.T) {
	_, err := evalJSON(t, `{"type": "frobnicate"}`, EmptyConfiguration(), nil)
	assert.ErrorContains(t, err, `unknown expression type "frobnicate"`)
}

func TestEvaluatePurity(t *testing.T) {
	env := mustConfig(t, `{"N": 3}`)
	text := `{
		"type": "foreach",
		"var": "x",
		"range": [1, 2, 3],
		"body": {"type": "*", "$1": [{"type": "var", "name": "x"}, {"type": "var", "name": "N"}]}
	}`
	a := mustEval(t, text, env, nil)
	b := mustEval(t, text, env, nil)
	assert.Equal(t, a.ID(), b.ID())
}

func TestHostFunctionsShadowBuiltins(t *testing.T) {
	fns := FunctionMap{
		"join": func(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
			return String("shadowed"), nil
		},
	}
	result := mustEval(t, `{"type": "join", "$1": ["a", "b"]}`, EmptyConfiguration(), fns)
	assert.True(t, result.Equal(String("shadowed")))
}

func TestEvaluateQuote(t *testing.T) {
	result := mustEval(t, `{"type": "'", "$1": {"type": "fail", "msg": "not evaluated"}}`, EmptyConfiguration(), nil)
	assert.True(t, result.IsMap(), "quoted expression is returned unevaluated")
	assert.True(t, result.Equal(mustParse(t, `{"type": "fail", "msg": "not evaluated"}`)))
}

func TestEvaluateAssertNonEmpty(t *testing.T) {
	env := EmptyConfiguration()
	result := mustEval(t, `{"type": "assert_non_empty", "msg": "m", "$1": ["x"]}`, env, nil)
	assert.True(t, result.Equal(mustParse(t, `["x"]`)))

	_, err := evalJSON(t, `{"type": "assert_non_empty", "msg": "list empty", "$1": []}`, env, nil)
	assert.ErrorContains(t, err, "list empty")
}
