package diagram

import (
	"fmt"

	"github.com/rendis/flowcore/internal/graph"
	"github.com/rendis/flowcore/pkg/schema"
)

// Build constructs a DiagramModel from a flow definition. overlay maps node
// ids (body nodes included) to their runtime state and may be nil.
func Build(def *schema.FlowDefinition, overlay map[string]*StatusOverlay) (*DiagramModel, error) {
	g, err := graph.Build(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}
	nodes, edges := buildLevel(g, overlay)
	return &DiagramModel{Title: titleFromDef(def), Nodes: nodes, Edges: edges}, nil
}

func buildLevel(g *graph.Graph, overlay map[string]*StatusOverlay) ([]*Node, []Edge) {
	nodes := make([]*Node, 0, len(g.Order))
	var edges []Edge
	for _, id := range g.Order {
		n := g.Node(id)
		node := &Node{ID: id, Label: nodeLabel(n), Kind: kindOf(n.Kind), Status: overlay[id]}
		if body := g.Body(id); body != nil {
			bn, be := buildLevel(body, overlay)
			node.Body = &SubGraph{Label: bodyLabel(n), Nodes: bn, Edges: be}
		}
		nodes = append(nodes, node)
		for _, e := range g.Outgoing[id] {
			label := e.Label()
			if e.Kind == schema.EdgeNext {
				label = ""
			}
			edges = append(edges, Edge{From: e.Source, To: e.Target, Label: label})
		}
	}
	return nodes, edges
}

func kindOf(k schema.NodeKind) NodeKind {
	switch k {
	case schema.NodeStart:
		return NodeKindStart
	case schema.NodeMapping:
		return NodeKindMapping
	case schema.NodeCondition, schema.NodeSwitch:
		return NodeKindDecision
	case schema.NodeGuard, schema.NodeApproval:
		return NodeKindGate
	case schema.NodeEach, schema.NodeLoop:
		return NodeKindLoop
	case schema.NodeDelay:
		return NodeKindWait
	default:
		return NodeKindAction
	}
}

func nodeLabel(n *schema.Node) string {
	name := n.ID
	if n.Name != "" {
		name = n.Name
	}
	if n.Tool != nil && n.Tool.URI != "" {
		return fmt.Sprintf("%s\n(%s)", name, n.Tool.URI)
	}
	return name
}

func bodyLabel(n *schema.Node) string {
	if n.Each != nil {
		return "each " + n.Each.Item
	}
	return "loop"
}

func titleFromDef(def *schema.FlowDefinition) string {
	switch {
	case def.Name != "":
		return def.Name
	case def.ID != "":
		return def.ID
	}
	return "Flow"
}

// OverlayFromSnapshot derives node states from a checkpoint.
func OverlayFromSnapshot(snap *schema.Snapshot) map[string]*StatusOverlay {
	if snap == nil {
		return nil
	}
	out := make(map[string]*StatusOverlay, len(snap.Completed)+len(snap.Skipped)+len(snap.Failed)+len(snap.Pending))
	for id, c := range snap.Completed {
		out[id] = &StatusOverlay{State: string(schema.NodeCompleted), Branch: c.Branch}
	}
	for _, id := range snap.Skipped {
		out[id] = &StatusOverlay{State: string(schema.NodeSkipped)}
	}
	for id, f := range snap.Failed {
		out[id] = &StatusOverlay{State: string(schema.NodeFailed), Error: f.Error}
	}
	for _, id := range snap.Pending {
		out[id] = &StatusOverlay{State: string(schema.NodePending)}
	}
	return out
}

// firstLine returns the text up to the first newline.
func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
