package expression

// ObjectType classifies a known artifact's content.
type ObjectType int

const (
	// ObjectFile is a regular file.
	ObjectFile ObjectType = iota
	// ObjectExecutable is an executable file.
	ObjectExecutable
	// ObjectTree is a directory object.
	ObjectTree
)

// String returns the single-letter wire form of the object type.
func (t ObjectType) String() string {
	switch t {
	case ObjectExecutable:
		return "x"
	case ObjectTree:
		return "t"
	}
	return "f"
}

type artifactKind int

const (
	artifactLocal artifactKind = iota
	artifactKnown
	artifactAction
	artifactTree
)

// ArtifactDescription is a content-addressable handle to a file or tree:
// a path in a repository, a known digest, the output of an action, or a
// tree identifier.
type ArtifactDescription struct {
	kind artifactKind

	path       string // local: repository-relative path; action: output path
	repository string // local

	digest     string // known: hex digest
	size       int64  // known
	objectType ObjectType

	id string // action or tree identifier
}

// LocalArtifact describes a source file at path inside repository.
func LocalArtifact(path, repository string) ArtifactDescription {
	return ArtifactDescription{kind: artifactLocal, path: path, repository: repository}
}

// KnownArtifact describes content by digest, size, and object type.
func KnownArtifact(digestHex string, size int64, t ObjectType) ArtifactDescription {
	return ArtifactDescription{kind: artifactKnown, digest: digestHex, size: size, objectType: t}
}

// ActionArtifact describes the output at path of the action with the given
// identifier.
func ActionArtifact(actionID, outputPath string) ArtifactDescription {
	return ArtifactDescription{kind: artifactAction, id: actionID, path: outputPath}
}

// TreeArtifact describes a tree by its identifier.
func TreeArtifact(treeID string) ArtifactDescription {
	return ArtifactDescription{kind: artifactTree, id: treeID}
}

// IsTree reports whether the artifact describes a tree object.
func (a ArtifactDescription) IsTree() bool {
	return a.kind == artifactTree || (a.kind == artifactKnown && a.objectType == ObjectTree)
}

// Path returns the local or action-output path, and "" for other kinds.
func (a ArtifactDescription) Path() string { return a.path }

// ToJSON renders the canonical wire form of the artifact description.
func (a ArtifactDescription) ToJSON() map[string]any {
	switch a.kind {
	case artifactKnown:
		return map[string]any{
			"type": "KNOWN",
			"data": map[string]any{
				"id":        a.digest,
				"size":      float64(a.size),
				"file_type": a.objectType.String(),
			},
		}
	case artifactAction:
		return map[string]any{
			"type": "ACTION",
			"data": map[string]any{"id": a.id, "path": a.path},
		}
	case artifactTree:
		return map[string]any{
			"type": "TREE",
			"data": map[string]any{"id": a.id},
		}
	}
	return map[string]any{
		"type": "LOCAL",
		"data": map[string]any{"path": a.path, "repository": a.repository},
	}
}
