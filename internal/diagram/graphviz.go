package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel as a PNG image using graphviz.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer g.Close()

	g.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node)
	if err := addLevel(g, g, model.Nodes, model.Edges, gvNodes); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// addLevel creates nodes in parent (the root graph or a body cluster) and
// edges in root. Bodies become dashed clusters.
func addLevel(root, parent *cgraph.Graph, nodes []*Node, edges []Edge, gvNodes map[string]*cgraph.Node) error {
	for _, node := range nodes {
		gvNode, err := parent.CreateNodeByName(node.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gvNode.SetLabel(firstLine(node.Label))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode

		if node.Body == nil {
			continue
		}
		sub, err := parent.CreateSubGraphByName("cluster_" + node.ID)
		if err != nil {
			return fmt.Errorf("diagram: create cluster %s: %w", node.ID, err)
		}
		sub.SetLabel(node.Body.Label)
		sub.SetStyle(cgraph.DashedGraphStyle)
		if err := addLevel(root, sub, node.Body.Nodes, node.Body.Edges, gvNodes); err != nil {
			return err
		}
	}
	for _, edge := range edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := root.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Label == "fail" {
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}
	return nil
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindDecision:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindGate:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindWait:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindMapping:
		gvNode.SetShape(cgraph.ParallelogramShape)
	case NodeKindStart:
		gvNode.SetShape(cgraph.CircleShape)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}
	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.State)
	}
}

func applyStatusColor(gvNode *cgraph.Node, state string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch state {
	case "completed":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "pending", "ready":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "skipped":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
