package basemaps_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiao-bo/justbuild/internal/asyncmap"
	"github.com/qiao-bo/justbuild/internal/basemaps"
	"github.com/qiao-bo/justbuild/internal/expression"
	"github.com/qiao-bo/justbuild/internal/repo"
	"github.com/qiao-bo/justbuild/internal/testutil"
)

func newRuleMaps(repos *repo.Config) (*basemaps.UserRuleMap, *basemaps.ExpressionMap) {
	ruleFiles := basemaps.NewRulesFileMap(repos)
	exprFiles := basemaps.NewExpressionFileMap(repos)
	expressions := basemaps.NewExpressionMap(exprFiles)
	return basemaps.NewUserRuleMap(ruleFiles, expressions), expressions
}

func ruleName(name string) expression.EntityName {
	return expression.NamedEntity("", ".", name, expression.RefTarget)
}

func TestUserRuleMap(t *testing.T) {
	ts := asyncmap.NewTaskSystem(4)
	defer ts.Shutdown()

	repos := testutil.SingleRepo(t, map[string]string{
		"RULES": `{
			"empty": {"expression": {"type": "RESULT"}},
			"fields": {
				"string_fields": ["foo"],
				"target_fields": ["bar"],
				"config_fields": ["baz"],
				"config_transitions": {"bar": [{"exists": true}]},
				"expression": {"type": "RESULT"}
			},
			"tainted": {
				"tainted": ["test", "benchmark"],
				"expression": {"type": "RESULT"}
			},
			"importing": {
				"imports": {"helper": "make_result"},
				"expression": {"type": "CALL_EXPRESSION", "name": "helper"}
			},
			"by_name": {"expression": "make_result"},
			"string_kw_conflict": {"string_fields": ["type"], "expression": {"type": "RESULT"}},
			"dup_field": {
				"string_fields": ["x"],
				"target_fields": ["x"],
				"expression": {"type": "RESULT"}
			},
			"unknown_key": {"surprise": true, "expression": {"type": "RESULT"}},
			"no_expression": {"config_fields": ["x"]},
			"anon": {
				"target_fields": ["deps"],
				"anonymous": {"nodes": {"target": "deps", "provider": "p", "rule_map": {"N": "empty"}}},
				"expression": {"type": "RESULT"}
			},
			"anon_bad_target": {
				"string_fields": ["s"],
				"anonymous": {"nodes": {"target": "s", "provider": "p", "rule_map": {}}},
				"expression": {"type": "RESULT"}
			}
		}`,
		"EXPRESSIONS": `{"make_result": {"type": "RESULT"}}`,
	})
	rules, _ := newRuleMaps(repos)

	t.Run("empty rule", func(t *testing.T) {
		rule, _, ok := consumeOne(t, ts, rules, ruleName("empty"))
		require.True(t, ok)
		assert.Empty(t, rule.ConfigFields)
		assert.Empty(t, rule.TargetFields)
		assert.NotNil(t, rule.Expr)
	})

	t.Run("declared fields", func(t *testing.T) {
		rule, _, ok := consumeOne(t, ts, rules, ruleName("fields"))
		require.True(t, ok)
		assert.Equal(t, []string{"foo"}, rule.StringFields)
		assert.Equal(t, []string{"bar"}, rule.TargetFields)
		assert.Equal(t, []string{"baz"}, rule.ConfigFields)
	})

	t.Run("declared transition is kept", func(t *testing.T) {
		rule, _, ok := consumeOne(t, ts, rules, ruleName("fields"))
		require.True(t, ok)
		declared := rule.ConfigTransitions["bar"]
		value, err := expression.Evaluate(declared, expression.EmptyConfiguration(), nil)
		require.NoError(t, err)
		want, err := expression.Parse([]byte(`[{"exists": true}]`))
		require.NoError(t, err)
		assert.True(t, value.Equal(want))
	})

	t.Run("tainted is sorted", func(t *testing.T) {
		rule, _, ok := consumeOne(t, ts, rules, ruleName("tainted"))
		require.True(t, ok)
		assert.Equal(t, []string{"benchmark", "test"}, rule.Tainted)
		assert.True(t, rule.IsTainted("test"))
		assert.False(t, rule.IsTainted("fuzzing"))
	})

	t.Run("imports are resolved", func(t *testing.T) {
		rule, _, ok := consumeOne(t, ts, rules, ruleName("importing"))
		require.True(t, ok)
		helper, found := rule.Imports["helper"]
		require.True(t, found)
		assert.True(t, helper.IsMap())
	})

	t.Run("expression by entity name", func(t *testing.T) {
		rule, _, ok := consumeOne(t, ts, rules, ruleName("by_name"))
		require.True(t, ok)
		typeExpr, found := rule.Expr.Find("type")
		require.True(t, found)
		assert.True(t, typeExpr.Equal(expression.String("RESULT")))
	})

	t.Run("anonymous definition", func(t *testing.T) {
		rule, _, ok := consumeOne(t, ts, rules, ruleName("anon"))
		require.True(t, ok)
		def, found := rule.AnonymousDefs["nodes"]
		require.True(t, found)
		assert.Equal(t, "deps", def.Target)
		assert.Equal(t, "p", def.Provider)
		mapped, found := def.RuleMap.Find("N")
		require.True(t, found)
		assert.True(t, mapped.IsName())
	})

	t.Run("failures", func(t *testing.T) {
		cases := map[string]string{
			"string_kw_conflict": "reserved keyword",
			"dup_field":          "declared in both",
			"unknown_key":        "unknown key",
			"no_expression":      "does not define an expression",
			"anon_bad_target":    "not a target field",
			"does_not_exist":     "not found",
		}
		for name, want := range cases {
			t.Run(name, func(t *testing.T) {
				_, failMsg, ok := consumeOne(t, ts, rules, ruleName(name))
				assert.False(t, ok)
				assert.Contains(t, failMsg, want)
			})
		}
	})
}

func TestExpressionMap(t *testing.T) {
	ts := asyncmap.NewTaskSystem(4)
	defer ts.Shutdown()

	repos := testutil.SingleRepo(t, map[string]string{
		"EXPRESSIONS": `{"double": {"type": "+", "$1": [1, 1]}}`,
	})
	_, expressions := newRuleMaps(repos)

	ast, _, ok := consumeOne(t, ts, expressions, ruleName("double"))
	require.True(t, ok)
	value, err := expression.Evaluate(ast, expression.EmptyConfiguration(), nil)
	require.NoError(t, err)
	assert.True(t, value.Equal(expression.Number(2)))

	_, failMsg, ok := consumeOne(t, ts, expressions, ruleName("missing"))
	assert.False(t, ok)
	assert.Contains(t, failMsg, "not found")
}
