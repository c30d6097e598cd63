package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "skipped":
		return "[SKIP]"
	case "retrying":
		return "[RETRY]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a top-down column of boxes. Nested
// actions are listed after the main flow.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for levelIdx, level := range model.Levels {
		for _, nodeID := range level {
			node := findNode(model.Nodes, nodeID)
			if node == nil {
				continue
			}
			for _, line := range makeBox(node) {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
		if levelIdx < len(model.Levels)-1 {
			label := ""
			if e := findEdge(model.Edges, model.Levels[levelIdx+1]); e != nil && e.Label != "" {
				label = " " + e.Label
			}
			b.WriteString("       │" + label + "\n")
			b.WriteString("       ▼\n")
		}
	}

	for _, node := range model.Nodes {
		if len(node.Children) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s nested actions ---\n", node.ID)
		for _, sg := range node.Children {
			renderSubGraph(&b, sg)
		}
	}
	return b.String()
}

// makeBox draws one node as box lines.
func makeBox(node *Node) []string {
	content := strings.Split(node.Label, "\n")
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			content = append(content, tag)
		}
	}

	width := 0
	for _, line := range content {
		width = max(width, utf8.RuneCountInString(line))
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width+2)+"┐")
	for _, line := range content {
		pad := width - utf8.RuneCountInString(line)
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width+2)+"┘")
	return lines
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func renderSubGraph(b *strings.Builder, sg *SubGraph) {
	fmt.Fprintf(b, "  [%s]\n", sg.Label)
	for _, node := range sg.Nodes {
		tag := ""
		if node.Status != nil {
			if t := statusTag(node.Status.Status); t != "" {
				tag = " " + t
			}
		}
		fmt.Fprintf(b, "    %s%s\n", firstLine(node.Label), tag)
	}
	for _, edge := range sg.Edges {
		fmt.Fprintf(b, "    %s ─→ %s\n", shortID(edge.From), shortID(edge.To))
	}
}

// shortID returns the last segment of a dot-separated ID.
func shortID(id string) string {
	if i := strings.LastIndex(id, "."); i >= 0 {
		return id[i+1:]
	}
	return id
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// findEdge returns the first edge into a node of level.
func findEdge(edges []Edge, level []string) *Edge {
	for i := range edges {
		for _, id := range level {
			if edges[i].To == id {
				return &edges[i]
			}
		}
	}
	return nil
}
