// Package asyncmap implements the demand-driven, memoising keyed map that
// drives the analysis engine, together with the shared worker pool it runs
// on. Each key is computed at most once by a user-provided reader; readers
// never block on other keys but fan out through a sub-caller and return,
// with continuations enqueued once all requested keys are ready. Request
// cycles are detected and fail every key on the cycle instead of
// deadlocking.
package asyncmap
