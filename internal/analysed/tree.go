package analysed

import (
	"sort"
	"sync"

	"github.com/qiao-bo/justbuild/internal/expression"
	"github.com/qiao-bo/justbuild/internal/hasher"
)

// Tree is a directory object assembled from artifacts at relative paths.
type Tree struct {
	artifacts map[string]expression.ArtifactDescription

	idOnce sync.Once
	id     string
}

// NewTree builds a tree owning the given artifact map.
func NewTree(artifacts map[string]expression.ArtifactDescription) *Tree {
	return &Tree{artifacts: artifacts}
}

// Artifacts returns the path-to-artifact mapping. Callers must not mutate
// it.
func (t *Tree) Artifacts() map[string]expression.ArtifactDescription {
	return t.artifacts
}

// Paths returns the sorted staged paths.
func (t *Tree) Paths() []string {
	paths := make([]string, 0, len(t.artifacts))
	for p := range t.artifacts {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ToJSON renders the canonical wire form of the tree content.
func (t *Tree) ToJSON() map[string]any {
	out := make(map[string]any, len(t.artifacts))
	for p, a := range t.artifacts {
		out[p] = a.ToJSON()
	}
	return out
}

// ID returns the tree identifier, the hex digest of the canonical content
// serialisation. It is memoised.
func (t *Tree) ID() string {
	t.idOnce.Do(func() {
		t.id = hasher.RunString(expression.CanonicalJSON(t.ToJSON())).Hex()
	})
	return t.id
}
