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
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))

		for _, sg := range node.Children {
			fmt.Fprintf(&b, "    subgraph %s[\"%s: %s\"]\n",
				mermaidSafeID(node.ID+"_"+sg.Label), mermaidEscapeLabel(firstLine(node.Label)), sg.Label)
			for _, sub := range sg.Nodes {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(sub))
			}
			for _, edge := range sg.Edges {
				writeMermaidEdge(&b, "        ", edge)
			}
			b.WriteString("    end\n")
			fmt.Fprintf(&b, "    %s -.-> %s\n", mermaidSafeID(node.ID), mermaidSafeID(node.ID+"_"+sg.Label))
		}
	}

	for _, edge := range model.Edges {
		writeMermaidEdge(&b, "    ", edge)
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef retrying fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		writeMermaidClass(&b, node)
		for _, sg := range node.Children {
			for _, sub := range sg.Nodes {
				writeMermaidClass(&b, sub)
			}
		}
	}
	return b.String()
}

func writeMermaidEdge(b *strings.Builder, indent string, edge Edge) {
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", edge.Label)
	}
	fmt.Fprintf(b, "%s%s -->%s %s\n", indent, mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
}

func writeMermaidClass(b *strings.Builder, node *Node) {
	if node.Status == nil {
		return
	}
	if cls := mermaidStatusClass(node.Status.Status); cls != "" {
		fmt.Fprintf(b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
	}
}

// mermaidNodeDef returns a Mermaid node definition with a shape per kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(strings.ReplaceAll(node.Label, "\n", " "))

	switch node.Kind {
	case NodeKindBranch:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindParallel:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindDelay:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindSubWorkflow:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindStart, NodeKindEnd:
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

// mermaidEscapeLabel drops quotes, which end a quoted Mermaid label.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "retrying", "skipped":
		return status
	default:
		return ""
	}
}
