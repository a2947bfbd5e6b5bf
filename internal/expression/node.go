package expression

// AbstractNode is a not-yet-instantiated target node: a node type plus
// string and target fields, resolved against a rule map when an anonymous
// target is analysed.
type AbstractNode struct {
	NodeType     string
	StringFields Pointer // map name -> list of strings
	TargetFields Pointer // map name -> list of target nodes
}

// TargetNode is either a fixed value node wrapping a target result, or an
// abstract node.
type TargetNode struct {
	value    Pointer // result expression; nil for abstract nodes
	abstract *AbstractNode
}

// ValueNode wraps a result expression as a fixed target node.
func ValueNode(result Pointer) TargetNode {
	return TargetNode{value: result}
}

// AbstractTargetNode builds an abstract target node.
func AbstractTargetNode(nodeType string, stringFields, targetFields Pointer) TargetNode {
	return TargetNode{abstract: &AbstractNode{
		NodeType:     nodeType,
		StringFields: stringFields,
		TargetFields: targetFields,
	}}
}

// IsValue reports whether the node is a fixed value node.
func (n TargetNode) IsValue() bool { return n.value != nil }

// Value returns the wrapped result expression of a value node.
func (n TargetNode) Value() Pointer { return n.value }

// Abstract returns the abstract payload, or nil for value nodes.
func (n TargetNode) Abstract() *AbstractNode { return n.abstract }

// IsCacheable reports whether every component of the node is cacheable.
func (n TargetNode) IsCacheable() bool {
	if n.value != nil {
		return n.value.IsCacheable()
	}
	return n.abstract.StringFields.IsCacheable() && n.abstract.TargetFields.IsCacheable()
}

// ToJSON renders the full serialisation of the node.
func (n TargetNode) ToJSON() map[string]any {
	if n.value != nil {
		return map[string]any{
			"type":   "VALUE_NODE",
			"result": n.value.ToJSON(SerializeAll),
		}
	}
	return map[string]any{
		"type":          "ABSTRACT_NODE",
		"node_type":     n.abstract.NodeType,
		"string_fields": n.abstract.StringFields.ToJSON(SerializeAll),
		"target_fields": n.abstract.TargetFields.ToJSON(SerializeAll),
	}
}
