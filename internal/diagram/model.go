// Package diagram renders flow graphs as Mermaid text or graphviz images,
// optionally colored by the node states of an execution.
package diagram

// NodeKind classifies a diagram node by the shape it is drawn with.
type NodeKind string

const (
	NodeKindAction   NodeKind = "action"
	NodeKindMapping  NodeKind = "mapping"
	NodeKindDecision NodeKind = "decision"
	NodeKindGate     NodeKind = "gate"
	NodeKindLoop     NodeKind = "loop"
	NodeKindWait     NodeKind = "wait"
	NodeKindStart    NodeKind = "start"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one flow node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
	// Body is the iterated sub-graph of an each or loop node.
	Body *SubGraph
}

// SubGraph holds the nested nodes of an each or loop body.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the runtime state of a node.
type StatusOverlay struct {
	State  string // a schema.NodeState
	Branch string
	Error  string
}

// Edge connects two nodes. Label is empty for next edges.
type Edge struct {
	From  string
	To    string
	Label string
}
