package expression

import "sort"

// exprMap is the payload of a map expression. Insertion order is irrelevant;
// iteration is always in key-sorted order. Instances are immutable after
// construction, which makes sharing between expressions safe without locks.
type exprMap struct {
	items  map[string]Pointer
	sorted []string
}

func newExprMap(items map[string]Pointer) *exprMap {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &exprMap{items: items, sorted: keys}
}

func (m *exprMap) find(key string) (Pointer, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *exprMap) len() int { return len(m.items) }

// keys returns the sorted key slice. Callers must not mutate it.
func (m *exprMap) keys() []string { return m.sorted }
