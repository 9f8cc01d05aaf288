package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

var kindShapes = map[NodeKind]cgraph.Shape{
	NodeKindAgent:   cgraph.BoxShape,
	NodeKindShell:   cgraph.EllipseShape,
	NodeKindFactory: cgraph.HexagonShape,
	NodeKindStart:   cgraph.CircleShape,
	NodeKindEnd:     cgraph.CircleShape,
}

type statusPalette struct {
	fill   string
	font   string
	dashed bool
}

var statusPalettes = map[string]statusPalette{
	"passed":  {fill: "#2d6a2d", font: "white"},
	"failed":  {fill: "#8b1a1a", font: "white"},
	"running": {fill: "#1a5276", font: "white"},
	"pending": {fill: "#d3d3d3", font: "black"},
	"skipped": {fill: "#e8e8e8", font: "#888888", dashed: true},
}

// RenderImage renders a Model to PNG bytes with graphviz dot layout.
func RenderImage(model *Model) ([]byte, error) {
	ctx := context.Background()

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	nodes, err := addNodes(graph, model)
	if err != nil {
		return nil, err
	}
	addEdges(graph, model, nodes)

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func addNodes(graph *cgraph.Graph, model *Model) (map[string]*cgraph.Node, error) {
	nodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gvNode.SetLabel(firstLine(node.Label))

		if shape, ok := kindShapes[node.Kind]; ok {
			gvNode.SetShape(shape)
		}
		if node.Kind == NodeKindStart || node.Kind == NodeKindEnd {
			gvNode.SetWidth(0.5)
			gvNode.SetHeight(0.5)
		}
		if node.Status != nil {
			paintStatus(gvNode, node.Status.Status)
		}

		nodes[node.ID] = gvNode
	}
	return nodes, nil
}

func addEdges(graph *cgraph.Graph, model *Model, nodes map[string]*cgraph.Node) {
	for _, edge := range model.Edges {
		from, to := nodes[edge.From], nodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			continue
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Loop {
			e.SetStyle(cgraph.DashedEdgeStyle)
			e.SetConstraint(false) // keep restart edges out of the rank layout
		}
	}
}

func paintStatus(gvNode *cgraph.Node, status string) {
	palette, ok := statusPalettes[status]
	if !ok {
		return
	}
	style := cgraph.FilledNodeStyle
	if palette.dashed {
		style = cgraph.DashedNodeStyle
	}
	gvNode.SetStyle(style)
	gvNode.SetFillColor(palette.fill)
	gvNode.SetFontColor(palette.font)
}
