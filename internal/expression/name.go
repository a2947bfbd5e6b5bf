package expression

// ReferenceType distinguishes what a named entity refers to.
type ReferenceType int

const (
	// RefTarget refers to a target defined in a targets file (or an
	// implicit source file of the same name).
	RefTarget ReferenceType = iota
	// RefFile refers explicitly to a source file.
	RefFile
	// RefTree refers to the directory at module/name as a single tree.
	RefTree
)

func (r ReferenceType) String() string {
	switch r {
	case RefFile:
		return "FILE"
	case RefTree:
		return "TREE"
	}
	return "TARGET"
}

// AnonymousTarget identifies a target constructed from a target node and a
// rule map rather than from an entry in a targets file.
type AnonymousTarget struct {
	RuleMap    Pointer // map node-type -> rule entity name
	TargetNode Pointer // node expression
}

// EntityName names a target, file, or tree inside a repository's module, or
// an anonymous target.
type EntityName struct {
	Repository string
	Module     string
	Name       string
	Ref        ReferenceType

	Anonymous *AnonymousTarget
}

// NamedEntity builds a named entity reference.
func NamedEntity(repository, module, name string, ref ReferenceType) EntityName {
	return EntityName{Repository: repository, Module: module, Name: name, Ref: ref}
}

// AnonymousEntity builds an anonymous target reference.
func AnonymousEntity(ruleMap, targetNode Pointer) EntityName {
	return EntityName{Anonymous: &AnonymousTarget{RuleMap: ruleMap, TargetNode: targetNode}}
}

// IsAnonymous reports whether the name refers to an anonymous target.
func (n EntityName) IsAnonymous() bool { return n.Anonymous != nil }

// ToJSON renders the canonical wire form of the name.
func (n EntityName) ToJSON() any {
	if n.Anonymous != nil {
		return map[string]any{
			"anonymous": map[string]any{
				"rule_map":    n.Anonymous.RuleMap.ID(),
				"target_node": n.Anonymous.TargetNode.ID(),
			},
		}
	}
	out := []any{"@", n.Repository, n.Module, n.Name}
	if n.Ref != RefTarget {
		out = append(out, n.Ref.String())
	}
	return out
}

// String renders the name for error messages and identifiers.
func (n EntityName) String() string {
	return FromName(n).String()
}

// ID returns a stable identifier for the name, suitable as a map key.
func (n EntityName) ID() string {
	return FromName(n).ID()
}
