package expression

// TargetResult is the value a rule's defining expression produces: the
// staged artifacts, the runfiles, and the providers exposed to consumers.
type TargetResult struct {
	ArtifactStage Pointer
	Provides      Pointer
	Runfiles      Pointer
	IsCacheable   bool
}

// NewTargetResult builds a target result; cacheability is derived from the
// provides map, the only component that can carry nodes or names.
func NewTargetResult(artifactStage, provides, runfiles Pointer) TargetResult {
	return TargetResult{
		ArtifactStage: artifactStage,
		Provides:      provides,
		Runfiles:      runfiles,
		IsCacheable:   provides.IsCacheable(),
	}
}
