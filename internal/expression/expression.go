// Package expression implements the dynamically-typed value model of the
// analysis engine: a tagged expression type with a structural hash, JSON
// round-trip, the configuration abstraction, and the evaluator interpreting
// expression ASTs against a configuration and a function table.
package expression

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/qiao-bo/justbuild/internal/hasher"
)

// Pointer is a shared reference to an immutable Expression.
type Pointer = *Expression

// JSONMode selects how opaque variants are rendered by ToJSON.
type JSONMode int

const (
	// SerializeAll renders every variant in full.
	SerializeAll JSONMode = iota
	// SerializeAllButNodes replaces target nodes by {type: NODE, id: <hash>}.
	SerializeAllButNodes
	// NullForNonJSON renders artifacts, results, nodes and names as null.
	NullForNonJSON
)

type noneType struct{}

// Expression is a tagged, immutable value. The zero value is not meaningful;
// use the package constructors. Sharing Pointers across goroutines is safe.
type Expression struct {
	data any

	hashOnce sync.Once
	hash     hasher.Digest
}

var (
	noneExpr  = &Expression{data: noneType{}}
	trueExpr  = &Expression{data: true}
	falseExpr = &Expression{data: false}

	// EmptyList is the canonical empty list expression.
	EmptyList = &Expression{data: []Pointer{}}
	// EmptyMap is the canonical empty map expression.
	EmptyMap = &Expression{data: newExprMap(map[string]Pointer{})}
)

// None returns the null expression.
func None() Pointer { return noneExpr }

// Boolean returns a boolean expression.
func Boolean(b bool) Pointer {
	if b {
		return trueExpr
	}
	return falseExpr
}

// Number returns a number expression.
func Number(n float64) Pointer { return &Expression{data: n} }

// String returns a string expression.
func String(s string) Pointer { return &Expression{data: s} }

// List returns a list expression owning the given slice.
func List(elems []Pointer) Pointer {
	if len(elems) == 0 {
		return EmptyList
	}
	return &Expression{data: elems}
}

// Map returns a map expression owning the given map.
func Map(items map[string]Pointer) Pointer {
	if len(items) == 0 {
		return EmptyMap
	}
	return &Expression{data: newExprMap(items)}
}

// FromArtifact wraps an artifact description.
func FromArtifact(a ArtifactDescription) Pointer { return &Expression{data: a} }

// FromResult wraps a target result.
func FromResult(r TargetResult) Pointer { return &Expression{data: r} }

// FromNode wraps a target node.
func FromNode(n TargetNode) Pointer { return &Expression{data: n} }

// FromName wraps an entity name.
func FromName(n EntityName) Pointer { return &Expression{data: n} }

// TypeError reports a selector or indexing operation applied to the wrong
// expression variant. It surfaces as an evaluation failure.
type TypeError struct {
	Msg string
}

func (e *TypeError) Error() string { return e.Msg }

func typeError(want string, e Pointer) *TypeError {
	return &TypeError{Msg: "expected " + want + ", but found " + e.Describe()}
}

// TypeName reports the variant of the expression.
func (e *Expression) TypeName() string {
	switch e.data.(type) {
	case noneType:
		return "null"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []Pointer:
		return "list"
	case *exprMap:
		return "map"
	case ArtifactDescription:
		return "artifact"
	case TargetResult:
		return "result"
	case TargetNode:
		return "node"
	case EntityName:
		return "name"
	}
	return "unknown"
}

// Describe renders the expression for error messages.
func (e *Expression) Describe() string {
	return e.TypeName() + " " + e.String()
}

// IsNone reports whether the expression is null.
func (e *Expression) IsNone() bool { _, ok := e.data.(noneType); return ok }

// IsBool reports whether the expression is a boolean.
func (e *Expression) IsBool() bool { _, ok := e.data.(bool); return ok }

// IsNumber reports whether the expression is a number.
func (e *Expression) IsNumber() bool { _, ok := e.data.(float64); return ok }

// IsString reports whether the expression is a string.
func (e *Expression) IsString() bool { _, ok := e.data.(string); return ok }

// IsList reports whether the expression is a list.
func (e *Expression) IsList() bool { _, ok := e.data.([]Pointer); return ok }

// IsMap reports whether the expression is a map.
func (e *Expression) IsMap() bool { _, ok := e.data.(*exprMap); return ok }

// IsArtifact reports whether the expression is an artifact description.
func (e *Expression) IsArtifact() bool { _, ok := e.data.(ArtifactDescription); return ok }

// IsResult reports whether the expression is a target result.
func (e *Expression) IsResult() bool { _, ok := e.data.(TargetResult); return ok }

// IsNode reports whether the expression is a target node.
func (e *Expression) IsNode() bool { _, ok := e.data.(TargetNode); return ok }

// IsName reports whether the expression is an entity name.
func (e *Expression) IsName() bool { _, ok := e.data.(EntityName); return ok }

// AsBool returns the boolean payload.
func (e *Expression) AsBool() (bool, error) {
	if v, ok := e.data.(bool); ok {
		return v, nil
	}
	return false, typeError("bool", e)
}

// AsNumber returns the number payload.
func (e *Expression) AsNumber() (float64, error) {
	if v, ok := e.data.(float64); ok {
		return v, nil
	}
	return 0, typeError("number", e)
}

// AsString returns the string payload.
func (e *Expression) AsString() (string, error) {
	if v, ok := e.data.(string); ok {
		return v, nil
	}
	return "", typeError("string", e)
}

// AsList returns the list payload. Callers must not mutate the slice.
func (e *Expression) AsList() ([]Pointer, error) {
	if v, ok := e.data.([]Pointer); ok {
		return v, nil
	}
	return nil, typeError("list", e)
}

// AsArtifact returns the artifact payload.
func (e *Expression) AsArtifact() (ArtifactDescription, error) {
	if v, ok := e.data.(ArtifactDescription); ok {
		return v, nil
	}
	return ArtifactDescription{}, typeError("artifact", e)
}

// AsResult returns the target-result payload.
func (e *Expression) AsResult() (TargetResult, error) {
	if v, ok := e.data.(TargetResult); ok {
		return v, nil
	}
	return TargetResult{}, typeError("result", e)
}

// AsNode returns the target-node payload.
func (e *Expression) AsNode() (TargetNode, error) {
	if v, ok := e.data.(TargetNode); ok {
		return v, nil
	}
	return TargetNode{}, typeError("node", e)
}

// AsName returns the entity-name payload.
func (e *Expression) AsName() (EntityName, error) {
	if v, ok := e.data.(EntityName); ok {
		return v, nil
	}
	return EntityName{}, typeError("name", e)
}

// Find looks up a key in a map expression. The boolean is false if the key
// is absent or the expression is not a map.
func (e *Expression) Find(key string) (Pointer, bool) {
	if m, ok := e.data.(*exprMap); ok {
		return m.find(key)
	}
	return nil, false
}

// Get returns the value for key in a map expression, or fallback if absent.
// Non-map expressions yield the fallback as well; the caller is expected to
// have checked the variant where that matters.
func (e *Expression) Get(key string, fallback Pointer) Pointer {
	if v, ok := e.Find(key); ok {
		return v
	}
	return fallback
}

// Index returns the value for key in a map expression, failing with a type
// error if the expression is not a map or the key is absent.
func (e *Expression) Index(key string) (Pointer, error) {
	m, ok := e.data.(*exprMap)
	if !ok {
		return nil, typeError("map", e)
	}
	if v, found := m.find(key); found {
		return v, nil
	}
	return nil, &TypeError{Msg: "map does not contain key '" + key + "'"}
}

// At returns the list element at pos, failing with a type error if the
// expression is not a list or pos is out of bounds.
func (e *Expression) At(pos int) (Pointer, error) {
	l, ok := e.data.([]Pointer)
	if !ok {
		return nil, typeError("list", e)
	}
	if pos < 0 || pos >= len(l) {
		return nil, &TypeError{Msg: "list pos '" + strconv.Itoa(pos) + "' is out of bounds"}
	}
	return l[pos], nil
}

// Keys returns the sorted keys of a map expression, or nil for other
// variants. Callers must not mutate the slice.
func (e *Expression) Keys() []string {
	if m, ok := e.data.(*exprMap); ok {
		return m.keys()
	}
	return nil
}

// Len returns the number of entries of a list or map, and zero otherwise.
func (e *Expression) Len() int {
	switch v := e.data.(type) {
	case []Pointer:
		return len(v)
	case *exprMap:
		return v.len()
	}
	return 0
}

// Equal compares two expressions structurally.
func (e *Expression) Equal(other Pointer) bool {
	if e == other {
		return true
	}
	if e == nil || other == nil {
		return false
	}
	switch v := e.data.(type) {
	case noneType:
		return other.IsNone()
	case bool:
		w, ok := other.data.(bool)
		return ok && v == w
	case float64:
		w, ok := other.data.(float64)
		return ok && v == w
	case string:
		w, ok := other.data.(string)
		return ok && v == w
	case []Pointer:
		w, ok := other.data.([]Pointer)
		if !ok || len(v) != len(w) {
			return false
		}
		for i := range v {
			if !v[i].Equal(w[i]) {
				return false
			}
		}
		return true
	case *exprMap:
		w, ok := other.data.(*exprMap)
		if !ok || v.len() != w.len() {
			return false
		}
		for _, k := range v.keys() {
			wv, found := w.find(k)
			if !found || !v.items[k].Equal(wv) {
				return false
			}
		}
		return true
	}
	// Opaque variants compare by their canonical serialisation, which the
	// structural hash captures exactly.
	return e.TypeName() == other.TypeName() && string(e.ToHash()) == string(other.ToHash())
}

// IsCacheable reports whether the expression contains no entity name, no
// non-cacheable result, and no non-cacheable node, recursing through lists
// and maps.
func (e *Expression) IsCacheable() bool {
	switch v := e.data.(type) {
	case EntityName:
		return false
	case TargetResult:
		return v.IsCacheable
	case TargetNode:
		return v.IsCacheable()
	case []Pointer:
		for _, entry := range v {
			if !entry.IsCacheable() {
				return false
			}
		}
	case *exprMap:
		for _, k := range v.keys() {
			if entry, _ := v.find(k); !entry.IsCacheable() {
				return false
			}
		}
	}
	return true
}

// ToJSON renders the expression as a plain Go JSON value (nil, bool,
// float64, string, []any, map[string]any) according to mode.
func (e *Expression) ToJSON(mode JSONMode) any {
	switch v := e.data.(type) {
	case bool:
		return v
	case float64:
		return v
	case string:
		return v
	case ArtifactDescription:
		if mode != NullForNonJSON {
			return v.ToJSON()
		}
	case TargetResult:
		if mode != NullForNonJSON {
			return Map(map[string]Pointer{
				"artifact_stage": v.ArtifactStage,
				"runfiles":       v.Runfiles,
				"provides":       v.Provides,
			}).ToJSON(SerializeAllButNodes)
		}
	case TargetNode:
		switch mode {
		case SerializeAll:
			return v.ToJSON()
		case SerializeAllButNodes:
			return map[string]any{"type": "NODE", "id": e.ID()}
		}
	case EntityName:
		if mode != NullForNonJSON {
			return v.ToJSON()
		}
	case []Pointer:
		out := make([]any, 0, len(v))
		for _, entry := range v {
			out = append(out, entry.ToJSON(mode))
		}
		return out
	case *exprMap:
		out := make(map[string]any, v.len())
		for _, k := range v.keys() {
			entry, _ := v.find(k)
			out[k] = entry.ToJSON(mode)
		}
		return out
	}
	return nil
}

// CanonicalJSON renders a plain JSON value (as produced by ToJSON)
// deterministically: keys sorted, shortest number form.
func CanonicalJSON(v any) string {
	var b strings.Builder
	writeCanonicalValue(&b, v)
	return b.String()
}

// String renders the canonical JSON serialisation (mode SerializeAll, keys
// sorted). This form is the hashing input for atoms and opaque variants.
func (e *Expression) String() string {
	var b strings.Builder
	e.writeCanonical(&b, SerializeAll)
	return b.String()
}

func writeCanonicalValue(b *strings.Builder, v any) {
	switch w := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if w {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case float64:
		b.WriteString(formatNumber(w))
	case string:
		raw, _ := json.Marshal(w)
		b.Write(raw)
	case []any:
		b.WriteByte('[')
		for i, entry := range w {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalValue(b, entry)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(w))
		for k := range w {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			raw, _ := json.Marshal(k)
			b.Write(raw)
			b.WriteByte(':')
			writeCanonicalValue(b, w[k])
		}
		b.WriteByte('}')
	}
}

func (e *Expression) writeCanonical(b *strings.Builder, mode JSONMode) {
	switch v := e.data.(type) {
	case []Pointer:
		b.WriteByte('[')
		for i, entry := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			entry.writeCanonical(b, mode)
		}
		b.WriteByte(']')
	case *exprMap:
		b.WriteByte('{')
		for i, k := range v.keys() {
			if i > 0 {
				b.WriteByte(',')
			}
			raw, _ := json.Marshal(k)
			b.Write(raw)
			b.WriteByte(':')
			entry, _ := v.find(k)
			entry.writeCanonical(b, mode)
		}
		b.WriteByte('}')
	default:
		writeCanonicalValue(b, e.ToJSON(mode))
	}
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ToHash returns the structural hash of the expression. The first caller
// computes it; concurrent callers block until it is published. Subsequent
// calls return the memoised digest.
func (e *Expression) ToHash() hasher.Digest {
	e.hashOnce.Do(func() {
		e.hash = e.computeHash()
	})
	return e.hash
}

// ID returns the hex form of the structural hash.
func (e *Expression) ID() string { return e.ToHash().Hex() }

func (e *Expression) computeHash() hasher.Digest {
	switch v := e.data.(type) {
	case []Pointer:
		h := hasher.New()
		h.UpdateString("[")
		for _, entry := range v {
			h.Update(entry.ToHash().Bytes())
		}
		digest, err := h.Finalize()
		if err != nil {
			panic("expression: failed to finalize hash: " + err.Error())
		}
		return digest
	case *exprMap:
		h := hasher.New()
		h.UpdateString("{")
		for _, k := range v.keys() {
			h.Update(hasher.RunString(k).Bytes())
			entry, _ := v.find(k)
			h.Update(entry.ToHash().Bytes())
		}
		digest, err := h.Finalize()
		if err != nil {
			panic("expression: failed to finalize hash: " + err.Error())
		}
		return digest
	}
	// Atoms and opaque variants hash their canonical serialisation behind a
	// variant sigil.
	var prefix string
	switch {
	case e.IsArtifact():
		prefix = "@"
	case e.IsResult():
		prefix = "="
	case e.IsNode():
		prefix = "#"
	case e.IsName():
		prefix = "$"
	}
	return hasher.RunString(prefix + e.String())
}

// FromJSON converts a decoded JSON value (as produced by encoding/json into
// any) to an expression. It is total on valid JSON; non-finite numbers yield
// nil.
func FromJSON(v any) Pointer {
	switch w := v.(type) {
	case nil:
		return noneExpr
	case bool:
		return Boolean(w)
	case float64:
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil
		}
		return Number(w)
	case json.Number:
		f, err := w.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return Number(f)
	case string:
		return String(w)
	case []any:
		elems := make([]Pointer, 0, len(w))
		for _, entry := range w {
			child := FromJSON(entry)
			if child == nil {
				return nil
			}
			elems = append(elems, child)
		}
		return List(elems)
	case map[string]any:
		items := make(map[string]Pointer, len(w))
		for k, entry := range w {
			child := FromJSON(entry)
			if child == nil {
				return nil
			}
			items[k] = child
		}
		return Map(items)
	}
	return nil
}

// Parse decodes raw JSON text into an expression.
func Parse(data []byte) (Pointer, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return FromJSON(v), nil
}
