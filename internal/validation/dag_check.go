package validation

import (
	"fmt"
	"sort"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// validateDAG performs graph analysis on the stages: cycle detection (Kahn's
// algorithm) and unreachable-stage detection (BFS from roots). Loop_to edges
// are restart directives, not dependencies, and stay out of the graph.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stageIDs := make(map[string]bool, len(def.Stages))
	for _, s := range def.Stages {
		stageIDs[s.ID] = true
	}

	// edges[id] = dependencies of stage id, reverse[id] = dependents.
	edges := make(map[string][]string, len(def.Stages))
	reverse := make(map[string][]string, len(def.Stages))

	for _, s := range def.Stages {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if !stageIDs[dep] || seen[dep] || dep == s.ID {
				continue // invalid refs already caught by semantic
			}
			seen[dep] = true
			edges[s.ID] = append(edges[s.ID], dep)
			reverse[dep] = append(reverse[dep], s.ID)
		}
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(def.Stages))
	for id := range stageIDs {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(def.Stages))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(stageIDs) {
		result.AddError("stages", schema.ErrCodeCycleDetected, "workflow contains a dependency cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from root stages through dependent edges.
	var roots []string
	for id := range stageIDs {
		if len(edges[id]) == 0 {
			roots = append(roots, id)
		}
	}

	reachable := make(map[string]bool, len(stageIDs))
	bfsQueue := make([]string, len(roots))
	copy(bfsQueue, roots)
	for _, r := range roots {
		reachable[r] = true
	}

	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, dep := range reverse[node] {
			if !reachable[dep] {
				reachable[dep] = true
				bfsQueue = append(bfsQueue, dep)
			}
		}
	}

	for _, s := range def.Stages {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("stages[%s]", s.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("stage %q is unreachable from any root stage", s.ID))
		}
	}

	// Loop targets downstream of their owner can never re-run the owner.
	depth := topoDepth(def.Stages, edges)
	for _, s := range def.Stages {
		if s.LoopTo != "" && stageIDs[s.LoopTo] && depth[s.LoopTo] > depth[s.ID] {
			result.AddError(fmt.Sprintf("stages[%s].loop_to", s.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("stage %q loops to %q, which runs after it", s.ID, s.LoopTo))
		}
	}

	return result
}

// topoDepth computes each stage's dependency depth: one past its deepest
// dependency. Assumes the graph is acyclic (checked above).
func topoDepth(stages []schema.StageDefinition, edges map[string][]string) map[string]int {
	depth := make(map[string]int, len(stages))
	var resolve func(id string) int
	resolve = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		maxDep := -1
		for _, dep := range edges[id] {
			if d := resolve(dep); d > maxDep {
				maxDep = d
			}
		}
		depth[id] = maxDep + 1
		return depth[id]
	}
	for _, s := range stages {
		resolve(s.ID)
	}
	return depth
}
