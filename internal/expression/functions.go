package expression

import (
	"fmt"
	"path"
)

// builtins is the table of special forms available to every evaluation.
// Host functions supplied by the caller shadow entries of the same name.
var builtins FunctionMap

func init() {
	builtins = FunctionMap{
		"var":              evalVar,
		"'":                evalQuote,
		"if":               evalIf,
		"==":               evalEqual,
		"and":              evalAnd,
		"or":               evalOr,
		"not":              evalNot,
		"+":                evalSum,
		"*":                evalProduct,
		"++":               evalConcat,
		"nub_right":        evalNubRight,
		"join":             evalJoin,
		"keys":             evalKeys,
		"values":           evalValues,
		"lookup":           evalLookup,
		"empty_map":        evalEmptyMap,
		"singleton_map":    evalSingletonMap,
		"map_union":        evalMapUnion,
		"to_subdir":        evalToSubdir,
		"foreach":          evalForeach,
		"foreach_map":      evalForeachMap,
		"foldl":            evalFoldl,
		"let*":             evalLet,
		"env":              evalEnv,
		"case":             evalCase,
		"case*":            evalCaseSeq,
		"fail":             evalFail,
		"context":          evalContext,
		"assert_non_empty": evalAssertNonEmpty,
	}
}

func literalString(expr Pointer, key, fallback string) (string, error) {
	v, ok := expr.Find(key)
	if !ok {
		return fallback, nil
	}
	s, err := v.AsString()
	if err != nil {
		return "", fmt.Errorf("argument %q must be a literal string: %w", key, err)
	}
	return s, nil
}

func evalVar(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	name, err := literalString(expr, "name", "")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("missing variable name")
	}
	value := env.Lookup(name)
	if !value.IsNone() {
		return value, nil
	}
	return eval(expr.Get("default", None()), env)
}

func evalQuote(_ Eval, expr Pointer, _ Configuration) (Pointer, error) {
	return expr.Get("$1", None()), nil
}

func evalIf(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	cond, err := eval(expr.Get("cond", None()), env)
	if err != nil {
		return nil, err
	}
	if cond.IsTrue() {
		return eval(expr.Get("then", EmptyList), env)
	}
	return eval(expr.Get("else", EmptyList), env)
}

func evalEqual(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	lhs, err := eval(expr.Get("$1", None()), env)
	if err != nil {
		return nil, err
	}
	rhs, err := eval(expr.Get("$2", None()), env)
	if err != nil {
		return nil, err
	}
	return Boolean(lhs.Equal(rhs)), nil
}

// shortCircuit evaluates the elements of the "$1" argument left to right and
// stops as soon as one has truthiness stop. If "$1" is not a literal list it
// is evaluated first and its values are inspected instead.
func shortCircuit(eval Eval, expr Pointer, env Configuration, stop bool) (Pointer, error) {
	arg := expr.Get("$1", EmptyList)
	elems, err := arg.AsList()
	if err != nil {
		evaluated, evalErr := eval(arg, env)
		if evalErr != nil {
			return nil, evalErr
		}
		if elems, err = evaluated.AsList(); err != nil {
			return nil, err
		}
		for _, entry := range elems {
			if entry.IsTrue() == stop {
				return Boolean(stop), nil
			}
		}
		return Boolean(!stop), nil
	}
	for _, entry := range elems {
		value, err := eval(entry, env)
		if err != nil {
			return nil, err
		}
		if value.IsTrue() == stop {
			return Boolean(stop), nil
		}
	}
	return Boolean(!stop), nil
}

func evalAnd(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	return shortCircuit(eval, expr, env, false)
}

func evalOr(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	return shortCircuit(eval, expr, env, true)
}

func evalNot(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	value, err := eval(expr.Get("$1", None()), env)
	if err != nil {
		return nil, err
	}
	return Boolean(!value.IsTrue()), nil
}

func numericFold(eval Eval, expr Pointer, env Configuration, start float64, op func(a, b float64) float64) (Pointer, error) {
	arg, err := eval(expr.Get("$1", EmptyList), env)
	if err != nil {
		return nil, err
	}
	elems, err := arg.AsList()
	if err != nil {
		return nil, err
	}
	acc := start
	for _, entry := range elems {
		n, err := entry.AsNumber()
		if err != nil {
			return nil, err
		}
		acc = op(acc, n)
	}
	return Number(acc), nil
}

func evalSum(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	return numericFold(eval, expr, env, 0, func(a, b float64) float64 { return a + b })
}

func evalProduct(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	return numericFold(eval, expr, env, 1, func(a, b float64) float64 { return a * b })
}

func evalConcat(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	arg, err := eval(expr.Get("$1", EmptyList), env)
	if err != nil {
		return nil, err
	}
	lists, err := arg.AsList()
	if err != nil {
		return nil, err
	}
	var out []Pointer
	for _, entry := range lists {
		elems, err := entry.AsList()
		if err != nil {
			return nil, fmt.Errorf("argument must be a list of lists: %w", err)
		}
		out = append(out, elems...)
	}
	return List(out), nil
}

func evalNubRight(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	arg, err := eval(expr.Get("$1", EmptyList), env)
	if err != nil {
		return nil, err
	}
	elems, err := arg.AsList()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(elems))
	keep := make([]bool, len(elems))
	for i := len(elems) - 1; i >= 0; i-- {
		id := elems[i].ID()
		if !seen[id] {
			seen[id] = true
			keep[i] = true
		}
	}
	out := make([]Pointer, 0, len(seen))
	for i, entry := range elems {
		if keep[i] {
			out = append(out, entry)
		}
	}
	return List(out), nil
}

func evalJoin(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	sepExpr, err := eval(expr.Get("separator", String("")), env)
	if err != nil {
		return nil, err
	}
	sep, err := sepExpr.AsString()
	if err != nil {
		return nil, err
	}
	arg, err := eval(expr.Get("$1", EmptyList), env)
	if err != nil {
		return nil, err
	}
	if arg.IsString() {
		return arg, nil
	}
	elems, err := arg.AsList()
	if err != nil {
		return nil, err
	}
	joined := ""
	for i, entry := range elems {
		s, err := entry.AsString()
		if err != nil {
			return nil, fmt.Errorf("can only join strings: %w", err)
		}
		if i > 0 {
			joined += sep
		}
		joined += s
	}
	return String(joined), nil
}

func evalKeys(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	arg, err := eval(expr.Get("$1", EmptyMap), env)
	if err != nil {
		return nil, err
	}
	if !arg.IsMap() {
		return nil, typeError("map", arg)
	}
	keys := arg.Keys()
	out := make([]Pointer, 0, len(keys))
	for _, k := range keys {
		out = append(out, String(k))
	}
	return List(out), nil
}

func evalValues(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	arg, err := eval(expr.Get("$1", EmptyMap), env)
	if err != nil {
		return nil, err
	}
	if !arg.IsMap() {
		return nil, typeError("map", arg)
	}
	out := make([]Pointer, 0, arg.Len())
	for _, k := range arg.Keys() {
		v, _ := arg.Find(k)
		out = append(out, v)
	}
	return List(out), nil
}

func evalLookup(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	m, err := eval(expr.Get("map", EmptyMap), env)
	if err != nil {
		return nil, err
	}
	if !m.IsMap() {
		return nil, typeError("map", m)
	}
	keyExpr, err := eval(expr.Get("key", None()), env)
	if err != nil {
		return nil, err
	}
	key, err := keyExpr.AsString()
	if err != nil {
		return nil, err
	}
	if v, ok := m.Find(key); ok && !v.IsNone() {
		return v, nil
	}
	return eval(expr.Get("default", None()), env)
}

func evalEmptyMap(_ Eval, _ Pointer, _ Configuration) (Pointer, error) {
	return EmptyMap, nil
}

func evalSingletonMap(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	keyExpr, err := eval(expr.Get("key", None()), env)
	if err != nil {
		return nil, err
	}
	key, err := keyExpr.AsString()
	if err != nil {
		return nil, err
	}
	value, err := eval(expr.Get("value", None()), env)
	if err != nil {
		return nil, err
	}
	return Map(map[string]Pointer{key: value}), nil
}

func evalMapUnion(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	arg, err := eval(expr.Get("$1", EmptyList), env)
	if err != nil {
		return nil, err
	}
	if arg.IsMap() {
		return arg, nil
	}
	maps, err := arg.AsList()
	if err != nil {
		return nil, err
	}
	items := map[string]Pointer{}
	for _, entry := range maps {
		if !entry.IsMap() {
			return nil, fmt.Errorf("argument must be a list of maps, but found %s", entry.Describe())
		}
		for _, k := range entry.Keys() {
			v, _ := entry.Find(k)
			items[k] = v
		}
	}
	return Map(items), nil
}

func evalToSubdir(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	subdirExpr, err := eval(expr.Get("subdir", String(".")), env)
	if err != nil {
		return nil, err
	}
	subdir, err := subdirExpr.AsString()
	if err != nil {
		return nil, err
	}
	arg, err := eval(expr.Get("$1", EmptyMap), env)
	if err != nil {
		return nil, err
	}
	if !arg.IsMap() {
		return nil, typeError("map", arg)
	}
	items := make(map[string]Pointer, arg.Len())
	for _, k := range arg.Keys() {
		v, _ := arg.Find(k)
		moved := path.Join(subdir, k)
		if prev, ok := items[moved]; ok && !prev.Equal(v) {
			return nil, fmt.Errorf("staging conflict for path %q", moved)
		}
		items[moved] = v
	}
	return Map(items), nil
}

func evalForeach(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	varName, err := literalString(expr, "var", "_")
	if err != nil {
		return nil, err
	}
	rangeExpr, err := eval(expr.Get("range", EmptyList), env)
	if err != nil {
		return nil, err
	}
	elems, err := rangeExpr.AsList()
	if err != nil {
		return nil, err
	}
	body := expr.Get("body", EmptyList)
	out := make([]Pointer, 0, len(elems))
	for _, entry := range elems {
		scoped, err := env.Update(Map(map[string]Pointer{varName: entry}))
		if err != nil {
			return nil, err
		}
		res, err := eval(body, scoped)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return List(out), nil
}

func evalForeachMap(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	keyVar, err := literalString(expr, "var_key", "_")
	if err != nil {
		return nil, err
	}
	valVar, err := literalString(expr, "var_val", "$_")
	if err != nil {
		return nil, err
	}
	rangeExpr, err := eval(expr.Get("range", EmptyMap), env)
	if err != nil {
		return nil, err
	}
	if !rangeExpr.IsMap() {
		return nil, typeError("map", rangeExpr)
	}
	body := expr.Get("body", EmptyList)
	out := make([]Pointer, 0, rangeExpr.Len())
	for _, k := range rangeExpr.Keys() {
		v, _ := rangeExpr.Find(k)
		scoped, err := env.Update(Map(map[string]Pointer{keyVar: String(k), valVar: v}))
		if err != nil {
			return nil, err
		}
		res, err := eval(body, scoped)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return List(out), nil
}

func evalFoldl(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	varName, err := literalString(expr, "var", "_")
	if err != nil {
		return nil, err
	}
	accumVar, err := literalString(expr, "accum_var", "$1")
	if err != nil {
		return nil, err
	}
	acc, err := eval(expr.Get("start", EmptyList), env)
	if err != nil {
		return nil, err
	}
	rangeExpr, err := eval(expr.Get("range", EmptyList), env)
	if err != nil {
		return nil, err
	}
	elems, err := rangeExpr.AsList()
	if err != nil {
		return nil, err
	}
	body := expr.Get("body", EmptyList)
	for _, entry := range elems {
		scoped, err := env.Update(Map(map[string]Pointer{varName: entry, accumVar: acc}))
		if err != nil {
			return nil, err
		}
		if acc, err = eval(body, scoped); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func evalLet(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	bindings, err := expr.Get("bindings", EmptyList).AsList()
	if err != nil {
		return nil, fmt.Errorf("bindings must be a literal list: %w", err)
	}
	for _, binding := range bindings {
		pair, err := binding.AsList()
		if err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("binding must be a [name, expression] pair, but found %s", binding.Describe())
		}
		name, err := pair[0].AsString()
		if err != nil {
			return nil, err
		}
		value, err := eval(pair[1], env)
		if err != nil {
			return nil, fmt.Errorf("while binding %q:\n%w", name, err)
		}
		if env, err = env.Update(Map(map[string]Pointer{name: value})); err != nil {
			return nil, err
		}
	}
	return eval(expr.Get("body", EmptyList), env)
}

func evalEnv(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	varsExpr, err := eval(expr.Get("vars", EmptyList), env)
	if err != nil {
		return nil, err
	}
	vars, err := varsExpr.AsList()
	if err != nil {
		return nil, err
	}
	items := make(map[string]Pointer, len(vars))
	for _, entry := range vars {
		name, err := entry.AsString()
		if err != nil {
			return nil, err
		}
		items[name] = env.Lookup(name)
	}
	return Map(items), nil
}

func evalCase(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	selector, err := eval(expr.Get("expr", None()), env)
	if err != nil {
		return nil, err
	}
	branches := expr.Get("case", EmptyMap)
	if !branches.IsMap() {
		return nil, typeError("map", branches)
	}
	if key, err := selector.AsString(); err == nil {
		if body, ok := branches.Find(key); ok {
			return eval(body, env)
		}
	}
	return eval(expr.Get("default", None()), env)
}

func evalCaseSeq(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	selector, err := eval(expr.Get("expr", None()), env)
	if err != nil {
		return nil, err
	}
	branches, err := expr.Get("case", EmptyList).AsList()
	if err != nil {
		return nil, fmt.Errorf("case must be a literal list of pairs: %w", err)
	}
	for _, branch := range branches {
		pair, err := branch.AsList()
		if err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("case entry must be a [match, expression] pair, but found %s", branch.Describe())
		}
		match, err := eval(pair[0], env)
		if err != nil {
			return nil, err
		}
		if selector.Equal(match) {
			return eval(pair[1], env)
		}
	}
	return eval(expr.Get("default", None()), env)
}

func evalFail(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	msg, err := eval(expr.Get("msg", String("failed")), env)
	if err != nil {
		return nil, err
	}
	if s, err := msg.AsString(); err == nil {
		return nil, fmt.Errorf("%s", s)
	}
	return nil, fmt.Errorf("%s", msg.String())
}

func evalContext(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	res, err := eval(expr.Get("$1", None()), env)
	if err == nil {
		return res, nil
	}
	msg, msgErr := eval(expr.Get("msg", String("")), env)
	if msgErr != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s:\n%w", msg.String(), err)
}

func evalAssertNonEmpty(eval Eval, expr Pointer, env Configuration) (Pointer, error) {
	value, err := eval(expr.Get("$1", None()), env)
	if err != nil {
		return nil, err
	}
	empty := false
	switch {
	case value.IsString():
		s, _ := value.AsString()
		empty = s == ""
	case value.IsList(), value.IsMap():
		empty = value.Len() == 0
	}
	if !empty {
		return value, nil
	}
	msg, msgErr := eval(expr.Get("msg", String("expected a non-empty value")), env)
	if msgErr != nil {
		return nil, msgErr
	}
	if s, err := msg.AsString(); err == nil {
		return nil, fmt.Errorf("%s", s)
	}
	return nil, fmt.Errorf("%s", msg.String())
}
