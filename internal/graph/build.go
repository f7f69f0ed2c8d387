package graph

import (
	"fmt"

	"github.com/rendis/flowcore/pkg/schema"
)

// Build validates def and indexes it into a Graph. Any structural problem is a
// GRAPH_VALIDATION_ERROR; no partial graph is returned.
func Build(def *schema.FlowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeGraphValidation, "flow definition is nil")
	}
	b := &builder{seen: make(map[string]bool)}
	g, err := b.build("", def.Nodes, def.Edges)
	if err != nil {
		return nil, err
	}
	return g, nil
}

type builder struct {
	// seen holds node ids across the flow and all nested bodies; outputs are
	// addressed by id, so ids are unique flow-wide.
	seen map[string]bool
}

func invalid(format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeGraphValidation, format, args...)
}

func (b *builder) build(owner string, nodes []*schema.Node, edges []schema.Edge) (*Graph, error) {
	where := "flow"
	if owner != "" {
		where = fmt.Sprintf("body of %s", owner)
	}
	if len(nodes) == 0 {
		return nil, invalid("%s has no nodes", where)
	}

	g := &Graph{
		Nodes:    make(map[string]*schema.Node, len(nodes)),
		Order:    make([]string, 0, len(nodes)),
		Incoming: make(map[string][]schema.Edge, len(nodes)),
		Outgoing: make(map[string][]schema.Edge, len(nodes)),
		Preds:    make(map[string]map[schema.EdgeKind][]string, len(nodes)),
		Bodies:   make(map[string]*Graph),
		index:    make(map[string]int, len(nodes)),
	}

	// First pass: register nodes.
	for i, n := range nodes {
		if n == nil {
			return nil, invalid("%s: node at index %d is nil", where, i)
		}
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if b.seen[n.ID] {
			return nil, invalid("duplicate node id: %s", n.ID).WithNode(n.ID)
		}
		b.seen[n.ID] = true
		g.Nodes[n.ID] = n
		g.index[n.ID] = i
		g.Order = append(g.Order, n.ID)
	}

	// Second pass: edges, including fail edges declared on the node itself.
	all := make([]schema.Edge, 0, len(edges)+len(nodes))
	all = append(all, edges...)
	for _, n := range nodes {
		if n.Fail == "" {
			continue
		}
		declared := false
		for _, e := range edges {
			if e.Source == n.ID && e.Kind == schema.EdgeFail {
				if e.Target != n.Fail {
					return nil, invalid("node %s declares fail target %s but has a fail edge to %s", n.ID, n.Fail, e.Target).WithNode(n.ID)
				}
				declared = true
			}
		}
		if !declared {
			all = append(all, schema.Edge{Source: n.ID, Target: n.Fail, Kind: schema.EdgeFail})
		}
	}

	pairs := make(map[[2]string]schema.Edge, len(all))
	failTargets := make(map[string]string)
	for _, e := range all {
		if err := g.checkEdge(e); err != nil {
			return nil, err
		}
		key := [2]string{e.Source, e.Target}
		if prev, dup := pairs[key]; dup {
			return nil, invalid("conflicting edges %s -> %s (%s and %s)", e.Source, e.Target, prev.Label(), e.Label()).WithNode(e.Target)
		}
		pairs[key] = e
		if e.Kind == schema.EdgeFail {
			if prev, ok := failTargets[e.Source]; ok {
				return nil, invalid("node %s has more than one fail target (%s, %s)", e.Source, prev, e.Target).WithNode(e.Source)
			}
			failTargets[e.Source] = e.Target
		}

		g.Outgoing[e.Source] = append(g.Outgoing[e.Source], e)
		g.Incoming[e.Target] = append(g.Incoming[e.Target], e)
		preds := g.Preds[e.Target]
		if preds == nil {
			preds = make(map[schema.EdgeKind][]string)
			g.Preds[e.Target] = preds
		}
		preds[e.Kind] = append(preds[e.Kind], e.Source)
	}

	for _, id := range g.Order {
		if g.IsStart(id) {
			g.Starts = append(g.Starts, id)
		} else if g.Nodes[id].Kind == schema.NodeStart {
			return nil, invalid("start node %s has incoming edges", id).WithNode(id)
		}
	}
	if len(g.Starts) == 0 {
		return nil, invalid("%s has no start node", where)
	}

	sorted, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.Sorted = sorted

	// Nested bodies are bounded repetition, not cycles: built separately.
	for _, id := range g.Order {
		n := g.Nodes[id]
		var body *schema.SubFlow
		switch n.Kind {
		case schema.NodeEach:
			body = n.Each.Body
		case schema.NodeLoop:
			body = n.Loop.Body
		default:
			continue
		}
		sub, err := b.build(id, body.Nodes, body.Edges)
		if err != nil {
			return nil, err
		}
		g.Bodies[id] = sub
	}

	return g, nil
}

// checkEdge validates endpoints and that the edge kind is legal for its source.
func (g *Graph) checkEdge(e schema.Edge) error {
	src, ok := g.Nodes[e.Source]
	if !ok {
		return invalid("edge references non-existent source node: %s", e.Source)
	}
	if _, ok := g.Nodes[e.Target]; !ok {
		return invalid("edge from %s references non-existent target node: %s", e.Source, e.Target).WithNode(e.Source)
	}
	if e.Source == e.Target {
		return invalid("node %s has an edge to itself", e.Source).WithNode(e.Source)
	}
	switch e.Kind {
	case schema.EdgeNext, schema.EdgeFail:
	case schema.EdgeThen:
		if src.Kind != schema.NodeCondition {
			return invalid("then edge from non-condition node %s", e.Source).WithNode(e.Source)
		}
	case schema.EdgeElse:
		if src.Kind != schema.NodeCondition && src.Kind != schema.NodeSwitch {
			return invalid("else edge from node %s which is neither condition nor switch", e.Source).WithNode(e.Source)
		}
	case schema.EdgeCase:
		if src.Kind != schema.NodeSwitch {
			return invalid("case edge from non-switch node %s", e.Source).WithNode(e.Source)
		}
		if e.Case < 0 || e.Case >= len(src.Switch.Cases) {
			return invalid("case(%d) edge from %s is out of range", e.Case, e.Source).WithNode(e.Source)
		}
	default:
		return invalid("edge %s -> %s has unknown kind %q", e.Source, e.Target, e.Kind).WithNode(e.Source)
	}
	return nil
}

// topoSort runs Kahn's algorithm over all edge kinds, breaking ties by
// declaration order. A leftover node means a cycle.
func (g *Graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.Order))
	for _, id := range g.Order {
		inDegree[id] = len(g.Incoming[id])
	}

	queue := make([]string, 0, len(g.Starts))
	queue = append(queue, g.Starts...)

	sorted := make([]string, 0, len(g.Order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		for _, e := range g.Outgoing[id] {
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	if len(sorted) != len(g.Order) {
		var cyclic []string
		for _, id := range g.Order {
			if inDegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, invalid("flow contains a cycle").WithDetails(map[string]any{"nodes": cyclic})
	}
	return sorted, nil
}
