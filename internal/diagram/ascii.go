package diagram

import (
	"fmt"
	"strings"
)

var statusTags = map[string]string{
	"passed":  "[OK]",
	"failed":  "[FAIL]",
	"running": "[RUN]",
	"skipped": "[SKIP]",
	"pending": "[PEND]",
}

// statusTag returns a short ASCII indicator for a stage status.
func statusTag(status string) string {
	return statusTags[status]
}

// RenderASCII renders a Model as a text diagram for terminal output.
// Stages in the same level sit side by side; loop restart edges are listed
// below the graph because drawing back-edges inline would tangle the layout.
func RenderASCII(model *Model) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for levelIdx, level := range model.Levels {
		cells := make([][]string, 0, len(level))
		for _, nodeID := range level {
			if node := findNode(model.Nodes, nodeID); node != nil {
				cells = append(cells, boxLines(nodeSummary(node)))
			}
		}
		writeRow(&b, cells)
		if levelIdx < len(model.Levels)-1 && len(cells) > 0 {
			b.WriteString("       │\n       ▼\n")
		}
	}

	loops := false
	for _, edge := range model.Edges {
		if !edge.Loop {
			continue
		}
		if !loops {
			b.WriteString("\n--- restart paths ---\n")
			loops = true
		}
		fmt.Fprintf(&b, "  %s ─→ %s (%s)\n", edge.From, edge.To, edge.Label)
	}

	return b.String()
}

// nodeSummary builds the content lines shown inside a node's box: label,
// status tag with attempt count, and duration when known.
func nodeSummary(node *Node) []string {
	lines := []string{firstLine(node.Label)}
	if node.Status == nil {
		return lines
	}
	if tag := statusTag(node.Status.Status); tag != "" {
		if node.Status.Attempts > 1 {
			tag = fmt.Sprintf("%s x%d", tag, node.Status.Attempts)
		}
		lines = append(lines, tag)
	}
	if node.Status.DurationMs > 0 {
		lines = append(lines, fmt.Sprintf("%dms", node.Status.DurationMs))
	}
	return lines
}

// boxLines wraps content lines in a box-drawing frame.
func boxLines(content []string) []string {
	inner := 0
	for _, line := range content {
		if len(line) > inner {
			inner = len(line)
		}
	}

	out := make([]string, 0, len(content)+2)
	out = append(out, "┌─"+strings.Repeat("─", inner)+"─┐")
	for _, line := range content {
		out = append(out, fmt.Sprintf("│ %-*s │", inner, line))
	}
	return append(out, "└─"+strings.Repeat("─", inner)+"─┘")
}

// writeRow writes box cells side by side, padding shorter boxes so the row
// stays rectangular.
func writeRow(b *strings.Builder, cells [][]string) {
	height := 0
	for _, cell := range cells {
		if len(cell) > height {
			height = len(cell)
		}
	}

	for row := 0; row < height; row++ {
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(cell) {
				b.WriteString(cell[row])
			} else {
				b.WriteString(strings.Repeat(" ", len([]rune(cell[0]))))
			}
		}
		b.WriteByte('\n')
	}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// findNode looks up a node by ID in the model's node list.
func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
