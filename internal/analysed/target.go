// Package analysed holds the purely functional output values of target
// analysis: the analysed target itself, action descriptions, and trees. All
// values are immutable after construction and safe to share.
package analysed

import (
	"github.com/qiao-bo/justbuild/internal/expression"
)

// Target is the result of analysing one configured target: its result
// value, the action graph fragment realising it, and the bookkeeping needed
// for caching and taint enforcement.
type Target struct {
	Result  expression.TargetResult
	Actions []*Action
	Blobs   []string
	Trees   []*Tree
	// Vars are the configuration variables the analysis effectively
	// depended on, sorted.
	Vars []string
	// Tainted is the sorted set of taint labels of the target.
	Tainted []string
}

// Artifacts returns the artifact stage of the result.
func (t *Target) Artifacts() expression.Pointer { return t.Result.ArtifactStage }

// Runfiles returns the runfiles map of the result.
func (t *Target) Runfiles() expression.Pointer { return t.Result.Runfiles }

// Provides returns the providers map of the result.
func (t *Target) Provides() expression.Pointer { return t.Result.Provides }

// ResultID returns the structural hash of the result value in hex; it is
// the cache key projection of the target.
func (t *Target) ResultID() string {
	return expression.FromResult(t.Result).ID()
}

// HasTaint reports whether label is in the target's taint set.
func (t *Target) HasTaint(label string) bool {
	for _, have := range t.Tainted {
		if have == label {
			return true
		}
	}
	return false
}
