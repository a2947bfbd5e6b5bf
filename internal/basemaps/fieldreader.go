package basemaps

import (
	"fmt"

	"github.com/qiao-bo/justbuild/internal/expression"
)

// FieldReader gives typed access to the fields of a target descriptor and
// rejects fields the rule does not expect.
type FieldReader struct {
	desc   expression.Pointer
	target expression.EntityName
	kind   string
}

// NewFieldReader wraps a target descriptor, which must be a map.
func NewFieldReader(desc expression.Pointer, target expression.EntityName, kind string) (*FieldReader, error) {
	if !desc.IsMap() {
		return nil, fmt.Errorf("definition of %s %s has to be a map, but found %s", kind, target.String(), desc.Describe())
	}
	return &FieldReader{desc: desc, target: target, kind: kind}, nil
}

// ExpectFields verifies that every field of the descriptor is expected;
// "type" is always allowed.
func (r *FieldReader) ExpectFields(expected map[string]struct{}) error {
	for _, key := range r.desc.Keys() {
		if key == "type" {
			continue
		}
		if _, ok := expected[key]; !ok {
			return fmt.Errorf("unknown field %q in %s %s", key, r.kind, r.target.String())
		}
	}
	return nil
}

// ReadStringList reads a literal list of strings, defaulting to empty.
func (r *FieldReader) ReadStringList(name string) ([]string, error) {
	value, ok := r.desc.Find(name)
	if !ok {
		return nil, nil
	}
	return StringList(value, fmt.Sprintf("field %q in %s %s", name, r.kind, r.target.String()))
}

// ReadOptionalExpression reads a field as an unevaluated expression,
// returning fallback if absent.
func (r *FieldReader) ReadOptionalExpression(name string, fallback expression.Pointer) expression.Pointer {
	return r.desc.Get(name, fallback)
}

// StringList converts a literal list-of-strings expression, reporting what
// was being read on mismatch.
func StringList(value expression.Pointer, what string) ([]string, error) {
	elems, err := value.AsList()
	if err != nil {
		return nil, fmt.Errorf("%s has to be a list of strings, but found %s", what, value.Describe())
	}
	out := make([]string, 0, len(elems))
	for _, entry := range elems {
		s, err := entry.AsString()
		if err != nil {
			return nil, fmt.Errorf("%s has to be a list of strings, but found entry %s", what, entry.Describe())
		}
		out = append(out, s)
	}
	return out, nil
}
