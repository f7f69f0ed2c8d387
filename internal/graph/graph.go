package graph

import (
	"github.com/rendis/flowcore/pkg/schema"
)

// Graph is the validated, indexed form of a flow (or of an Each/Loop body).
// Built once per definition and shared read-only by every execution of it.
type Graph struct {
	Nodes    map[string]*schema.Node
	Order    []string                 // declaration order, used as dispatch tie-break
	Sorted   []string                 // topological order
	Starts   []string                 // nodes without incoming edges
	Incoming map[string][]schema.Edge // reverse index; the scheduler counts convergence over it
	Outgoing map[string][]schema.Edge
	// Preds partitions each node's predecessors by edge kind. It decides
	// which convergence rule applies to a node (see FirstFire).
	Preds  map[string]map[schema.EdgeKind][]string
	Bodies map[string]*Graph

	index map[string]int
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *schema.Node { return g.Nodes[id] }

// Body returns the nested graph of an Each or Loop node.
func (g *Graph) Body(id string) *Graph { return g.Bodies[id] }

// Len returns the number of nodes in this graph, bodies excluded.
func (g *Graph) Len() int { return len(g.Order) }

// Position returns the declaration index of id, or -1.
func (g *Graph) Position(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// IsStart reports whether id has no incoming edges.
func (g *Graph) IsStart(id string) bool { return len(g.Incoming[id]) == 0 }

// FirstFire reports whether every incoming edge of id is conditional
// (then/else/case). Such a node is dispatched as soon as one of them fires;
// any other node waits for all incoming edges to resolve.
func (g *Graph) FirstFire(id string) bool {
	preds := g.Preds[id]
	if len(preds) == 0 {
		return false
	}
	for kind := range preds {
		if !kind.IsConditional() {
			return false
		}
	}
	return true
}

// Successors returns the distinct targets of id's outgoing edges.
func (g *Graph) Successors(id string) []string {
	out := g.Outgoing[id]
	seen := make(map[string]bool, len(out))
	targets := make([]string, 0, len(out))
	for _, e := range out {
		if !seen[e.Target] {
			seen[e.Target] = true
			targets = append(targets, e.Target)
		}
	}
	return targets
}

// AllNodeIDs returns the ids of this graph and every nested body.
func (g *Graph) AllNodeIDs() []string {
	ids := make([]string, 0, len(g.Order))
	for _, id := range g.Order {
		ids = append(ids, id)
		if body := g.Bodies[id]; body != nil {
			ids = append(ids, body.AllNodeIDs()...)
		}
	}
	return ids
}
