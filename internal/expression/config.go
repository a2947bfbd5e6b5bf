package expression

import (
	"github.com/qiao-bo/justbuild/internal/hasher"
)

// Configuration is an immutable mapping from variable names to expressions,
// used to parametrise analysis. It always wraps a map expression.
type Configuration struct {
	expr Pointer
}

// EmptyConfiguration returns the configuration with no variables set.
func EmptyConfiguration() Configuration {
	return Configuration{expr: EmptyMap}
}

// NewConfiguration wraps a map expression as a configuration.
func NewConfiguration(expr Pointer) (Configuration, error) {
	if !expr.IsMap() {
		return Configuration{}, typeError("map", expr)
	}
	return Configuration{expr: expr}, nil
}

// Expr returns the underlying map expression.
func (c Configuration) Expr() Pointer {
	if c.expr == nil {
		return EmptyMap
	}
	return c.expr
}

// Lookup returns the value bound to name, or the null expression if the
// variable is not set.
func (c Configuration) Lookup(name string) Pointer {
	if v, ok := c.Expr().Find(name); ok {
		return v
	}
	return None()
}

// VariableFixed reports whether name is present in the configuration,
// including variables explicitly set to null.
func (c Configuration) VariableFixed(name string) bool {
	_, ok := c.Expr().Find(name)
	return ok
}

// Prune restricts the domain of the configuration to the given variables.
// Variables not present stay absent, so pruning twice is idempotent and
// configurations agreeing on the kept variables prune to equal values.
func (c Configuration) Prune(vars []string) Configuration {
	items := make(map[string]Pointer, len(vars))
	for _, name := range vars {
		if v, ok := c.Expr().Find(name); ok {
			items[name] = v
		}
	}
	return Configuration{expr: Map(items)}
}

// Update layers the entries of the given map expression over the
// configuration. Entries bound to null stay present and fix the variable.
func (c Configuration) Update(overlay Pointer) (Configuration, error) {
	if !overlay.IsMap() {
		return Configuration{}, typeError("map", overlay)
	}
	if overlay.Len() == 0 {
		return c, nil
	}
	base := c.Expr()
	items := make(map[string]Pointer, base.Len()+overlay.Len())
	for _, k := range base.Keys() {
		v, _ := base.Find(k)
		items[k] = v
	}
	for _, k := range overlay.Keys() {
		v, _ := overlay.Find(k)
		items[k] = v
	}
	return Configuration{expr: Map(items)}, nil
}

// Hash returns the structural hash of the underlying expression.
func (c Configuration) Hash() hasher.Digest {
	return c.Expr().ToHash()
}

// ID returns the hex form of the configuration hash.
func (c Configuration) ID() string {
	return c.Expr().ID()
}

// String renders the configuration canonically.
func (c Configuration) String() string {
	return c.Expr().String()
}
