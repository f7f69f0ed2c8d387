package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	writeMermaidLevel(&b, model.Nodes, model.Edges, "    ")

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	writeMermaidClasses(&b, model.Nodes)
	return b.String()
}

func writeMermaidLevel(b *strings.Builder, nodes []*Node, edges []Edge, indent string) {
	for _, node := range nodes {
		b.WriteString(indent + mermaidNodeDef(node) + "\n")
		if node.Body == nil {
			continue
		}
		b.WriteString(fmt.Sprintf("%ssubgraph %s[\"%s: %s\"]\n", indent,
			mermaidSafeID(node.ID+"_body"), node.ID, node.Body.Label))
		writeMermaidLevel(b, node.Body.Nodes, node.Body.Edges, indent+"    ")
		b.WriteString(indent + "end\n")
		// Dotted link from the iterating node into its body.
		if len(node.Body.Nodes) > 0 {
			b.WriteString(fmt.Sprintf("%s%s -.-> %s\n", indent,
				mermaidSafeID(node.ID), mermaidSafeID(node.Body.Nodes[0].ID)))
		}
	}
	for _, edge := range edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		arrow := "-->"
		if edge.Label == "fail" {
			arrow = "-.->"
		}
		b.WriteString(fmt.Sprintf("%s%s %s%s %s\n", indent,
			mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To)))
	}
}

func writeMermaidClasses(b *strings.Builder, nodes []*Node) {
	for _, node := range nodes {
		if node.Status != nil {
			if cls := mermaidStatusClass(node.Status.State); cls != "" {
				b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
			}
		}
		if node.Body != nil {
			writeMermaidClasses(b, node.Body.Nodes)
		}
	}
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindGate:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindMapping:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindStart:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces dots, dashes and spaces with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidStatusClass(state string) string {
	switch state {
	case "completed", "failed", "running", "skipped":
		return state
	case "pending", "ready":
		return "pending"
	default:
		return ""
	}
}
