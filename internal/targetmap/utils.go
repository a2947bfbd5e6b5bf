package targetmap

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/qiao-bo/justbuild/internal/expression"
)

// treeConflict reports a pair of staged paths where one is a strict prefix
// of the other along a '/' boundary, which would collide on disk. The map
// keys are inspected in sorted order; the first offending subtree path is
// returned.
func treeConflict(stage expression.Pointer) (string, bool) {
	keys := stage.Keys()
	normalized := make([]string, 0, len(keys))
	for _, k := range keys {
		normalized = append(normalized, path.Clean(k))
	}
	sort.Strings(normalized)
	for i := 1; i < len(normalized); i++ {
		for _, prev := range normalized[:i] {
			if strings.HasPrefix(normalized[i], prev+"/") {
				return prev, true
			}
		}
	}
	return "", false
}

// artifactStage validates that a map expression only stages artifacts.
func artifactStage(stage expression.Pointer, what string) error {
	if !stage.IsMap() {
		return fmt.Errorf("%s has to be a map of artifacts, but found %s", what, stage.Describe())
	}
	for _, p := range stage.Keys() {
		entry, _ := stage.Find(p)
		if !entry.IsArtifact() {
			return fmt.Errorf("%s has to be a map of artifacts, but found %s for %s", what, entry.Describe(), p)
		}
	}
	return nil
}

// mergeStages unions artifact stages left to right, failing on conflicting
// entries for the same path.
func mergeStages(stages []expression.Pointer, what string) (expression.Pointer, error) {
	merged := map[string]expression.Pointer{}
	for _, stage := range stages {
		for _, p := range stage.Keys() {
			entry, _ := stage.Find(p)
			if prev, ok := merged[p]; ok && !prev.Equal(entry) {
				return nil, fmt.Errorf("conflicting entries for path %q in %s", p, what)
			}
			merged[p] = entry
		}
	}
	return expression.Map(merged), nil
}

// stringSet evaluates to a sorted, deduplicated string slice.
func stringSet(elems []string) []string {
	if len(elems) == 0 {
		return nil
	}
	set := map[string]struct{}{}
	for _, e := range elems {
		set[e] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// subsetOf reports whether every element of the sorted slice sub is in the
// sorted slice super, returning the first missing element otherwise.
func subsetOf(sub, super []string) (string, bool) {
	i := 0
	for _, want := range sub {
		for i < len(super) && super[i] < want {
			i++
		}
		if i >= len(super) || super[i] != want {
			return want, false
		}
	}
	return "", true
}

// keysExpr returns the sorted keys of a map expression as a list of
// strings.
func keysExpr(m expression.Pointer) expression.Pointer {
	keys := m.Keys()
	out := make([]expression.Pointer, 0, len(keys))
	for _, k := range keys {
		out = append(out, expression.String(k))
	}
	return expression.List(out)
}

// isTransition validates that an evaluated config transition is a list of
// maps.
func isTransition(value expression.Pointer) error {
	entries, err := value.AsList()
	if err != nil {
		return fmt.Errorf("expected list, but got %s", value.Describe())
	}
	for _, entry := range entries {
		if !entry.IsMap() {
			return fmt.Errorf("expected list of maps, but found %s", value.String())
		}
	}
	return nil
}
