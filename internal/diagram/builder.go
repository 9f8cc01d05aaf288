package diagram

import (
	"fmt"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/engine"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// Build constructs a Model from a WorkflowDefinition and an optional run.
// It uses engine.BuildGraph for topology, so it rejects anything the
// executor would reject. When run is non-nil each node gets a status
// overlay from the run's stage statuses and attempt history.
func Build(def *schema.WorkflowDefinition, run *store.RunState) (*Model, error) {
	g, err := engine.BuildGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	nodes := make([]*Node, 0, len(g.Sorted)+2)

	startNode := &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart}
	nodes = append(nodes, startNode)

	for _, stageID := range g.Sorted {
		stage := g.Stages[stageID]
		node := &Node{
			ID:    stage.ID,
			Label: stageLabel(stage),
			Kind:  stageTypeToKind(stage.Type),
			Gates: len(stage.Verify),
		}
		overlayStatus(node, run)
		nodes = append(nodes, node)
	}

	endNode := &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd}
	nodes = append(nodes, endNode)

	return &Model{
		Title:  def.Name,
		Nodes:  nodes,
		Edges:  buildEdges(g),
		Levels: buildLevels(g),
	}, nil
}

// stageTypeToKind converts a schema.StageType to a NodeKind.
func stageTypeToKind(st schema.StageType) NodeKind {
	switch st {
	case schema.StageTypePRD, schema.StageTypePlan, schema.StageTypeBuild:
		return NodeKindAgent
	case schema.StageTypeFactory:
		return NodeKindFactory
	default:
		return NodeKindShell
	}
}

// stageLabel creates a human-readable label for a stage node.
func stageLabel(stage *schema.StageDefinition) string {
	return fmt.Sprintf("%s\n(%s)", stage.ID, stage.Type)
}

// overlayStatus applies runtime state from the run to a node.
func overlayStatus(node *Node, run *store.RunState) {
	if run == nil {
		return
	}
	overlay := &StatusOverlay{Status: string(run.StageStatus(node.ID))}
	results := run.Results[node.ID]
	overlay.Attempts = len(results)
	if len(results) > 0 {
		last := results[len(results)-1]
		overlay.Reason = last.Reason
		if last.FinishedAt != nil {
			overlay.DurationMs = last.FinishedAt.Sub(last.StartedAt).Milliseconds()
		}
	}
	node.Status = overlay
}

// buildEdges constructs the edge list from graph adjacency, adding virtual
// start/end edges and dashed loop edges.
func buildEdges(g *engine.Graph) []Edge {
	var edges []Edge

	for _, root := range g.Roots {
		edges = append(edges, Edge{From: "__start__", To: root})
	}

	// Dependency edges point from dependency to dependent.
	for _, stageID := range g.Sorted {
		for _, dep := range g.Deps[stageID] {
			edges = append(edges, Edge{From: dep, To: stageID})
		}
	}

	// Leaves feed the virtual end node.
	for _, stageID := range g.Sorted {
		if len(g.Dependents[stageID]) == 0 {
			edges = append(edges, Edge{From: stageID, To: "__end__"})
		}
	}

	// Loop edges run backwards from a stage to its restart target.
	for _, stageID := range g.Sorted {
		stage := g.Stages[stageID]
		if stage.LoopTo == "" {
			continue
		}
		edges = append(edges, Edge{
			From:  stageID,
			To:    stage.LoopTo,
			Label: loopLabel(stage.MaxLoops),
			Loop:  true,
		})
	}

	return edges
}

// loopLabel formats the restart budget for a loop edge.
func loopLabel(maxLoops int) string {
	if maxLoops <= 0 {
		return "loop x0"
	}
	return fmt.Sprintf("loop x%d", maxLoops)
}

// buildLevels wraps graph levels with virtual start/end levels.
func buildLevels(g *engine.Graph) [][]string {
	levels := make([][]string, 0, len(g.Levels)+2)
	levels = append(levels, []string{"__start__"})
	levels = append(levels, g.Levels...)
	levels = append(levels, []string{"__end__"})
	return levels
}
