package expression

import (
	"fmt"
)

// Eval evaluates a sub-expression in an environment. Host functions receive
// it so they can evaluate their argument fields on demand.
type Eval func(expr Pointer, env Configuration) (Pointer, error)

// Function is a host function callable from expressions. It receives the
// un-evaluated call expression and evaluates fields as needed.
type Function func(eval Eval, expr Pointer, env Configuration) (Pointer, error)

// FunctionMap maps call symbols to host functions. Host functions shadow
// built-ins of the same name.
type FunctionMap map[string]Function

// IsTrue reports the truthiness of an expression: null, false, zero, the
// empty string, and empty lists and maps are false.
func (e *Expression) IsTrue() bool {
	switch v := e.data.(type) {
	case noneType:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []Pointer:
		return len(v) > 0
	case *exprMap:
		return v.len() > 0
	}
	return true
}

// Evaluate interprets an expression AST against an environment and a
// function table. Literals, lists and maps evaluate to themselves after
// evaluating their children; a map with a string "type" entry is a call.
// Errors carry a breadcrumb chain of the evaluation sites they unwound
// through.
func Evaluate(expr Pointer, env Configuration, fns FunctionMap) (Pointer, error) {
	var eval Eval
	eval = func(e Pointer, env Configuration) (Pointer, error) {
		if e == nil {
			return nil, &TypeError{Msg: "cannot evaluate invalid expression"}
		}
		switch v := e.data.(type) {
		case []Pointer:
			out := make([]Pointer, 0, len(v))
			for _, entry := range v {
				res, err := eval(entry, env)
				if err != nil {
					return nil, err
				}
				out = append(out, res)
			}
			return List(out), nil
		case *exprMap:
			typeExpr, isCall := v.find("type")
			if !isCall {
				out := make(map[string]Pointer, v.len())
				for _, k := range v.keys() {
					entry, _ := v.find(k)
					res, err := eval(entry, env)
					if err != nil {
						return nil, err
					}
					out[k] = res
				}
				return Map(out), nil
			}
			name, err := typeExpr.AsString()
			if err != nil {
				return nil, fmt.Errorf("the type of an expression must be a string, but found %s", typeExpr.Describe())
			}
			fn, ok := fns[name]
			if !ok {
				fn, ok = builtins[name]
			}
			if !ok {
				return nil, fmt.Errorf("unknown expression type %q", name)
			}
			res, err := fn(eval, e, env)
			if err != nil {
				return nil, fmt.Errorf("while evaluating %q expression:\n%w", name, err)
			}
			return res, nil
		}
		return e, nil
	}
	return eval(expr, env)
}
