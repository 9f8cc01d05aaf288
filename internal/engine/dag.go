package engine

import (
	"sort"
	"strings"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// Graph is the in-memory dependency graph of a workflow. Only depends_on
// edges are part of the graph: loop_to edges are runtime-only restart
// directives and never participate in ordering or cycle detection.
type Graph struct {
	Stages     map[string]*schema.StageDefinition // stage ID -> definition
	Deps       map[string][]string                // stage ID -> dependencies
	Dependents map[string][]string                // stage ID -> stages depending on it
	Sorted     []string                           // topological order
	Roots      []string                           // stages with no dependencies
	Levels     [][]string                         // parallel execution levels
	LevelOf    map[string]int                     // stage ID -> level index
}

// validStageTypes is the set of recognized stage types.
var validStageTypes = map[schema.StageType]bool{
	schema.StageTypePRD:     true,
	schema.StageTypePlan:    true,
	schema.StageTypeBuild:   true,
	schema.StageTypeCustom:  true,
	schema.StageTypeFactory: true,
}

// BuildGraph constructs an executable Graph from a WorkflowDefinition.
// It validates stage identity and dependencies, detects cycles with an
// explicit cycle path in the error, orders stages topologically, and groups
// them into parallel execution levels.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Stages) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no stages")
	}

	g := &Graph{
		Stages:     make(map[string]*schema.StageDefinition, len(def.Stages)),
		Deps:       make(map[string][]string, len(def.Stages)),
		Dependents: make(map[string][]string, len(def.Stages)),
		LevelOf:    make(map[string]int, len(def.Stages)),
	}

	// First pass: register all stages and check for duplicates.
	order := make([]string, 0, len(def.Stages))
	for i := range def.Stages {
		stage := &def.Stages[i]

		if stage.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "stage at index %d has empty ID", i)
		}
		if _, exists := g.Stages[stage.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateStage, "duplicate stage ID: %s", stage.ID)
		}
		if !validStageTypes[stage.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"stage %s has unknown type: %q", stage.ID, stage.Type).WithStage(stage.ID)
		}

		g.Stages[stage.ID] = stage
		order = append(order, stage.ID)
	}

	// Second pass: build adjacency lists and validate dependencies.
	for _, id := range order {
		stage := g.Stages[id]
		seen := make(map[string]bool, len(stage.DependsOn))
		deps := make([]string, 0, len(stage.DependsOn))
		for _, dep := range stage.DependsOn {
			if _, exists := g.Stages[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"stage %s depends on unknown stage: %s", id, dep).WithStage(id)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"stage %s depends on itself", id).WithStage(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"stage %s has duplicate dependency: %s", id, dep).WithStage(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Dependents[dep] = append(g.Dependents[dep], id)
		}
		g.Deps[id] = deps
	}

	// Third pass: loop directive sanity. Loop targets must exist; level
	// bounds are checked after levels are computed.
	for _, id := range order {
		stage := g.Stages[id]
		if stage.LoopTo == "" {
			if stage.MaxLoops > 0 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"stage %s sets max_loops without loop_to", id).WithStage(id)
			}
			continue
		}
		if _, exists := g.Stages[stage.LoopTo]; !exists {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
				"stage %s loops to unknown stage: %s", id, stage.LoopTo).WithStage(id)
		}
		if stage.MaxLoops < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"stage %s has negative max_loops", id).WithStage(id)
		}
	}

	// Topological sort via DFS so cycle errors can name the full path.
	if err := g.topoSort(order); err != nil {
		return nil, err
	}

	g.Levels = computeLevels(g)
	for level, ids := range g.Levels {
		for _, id := range ids {
			g.LevelOf[id] = level
		}
	}
	for _, id := range g.Sorted {
		if len(g.Deps[id]) == 0 {
			g.Roots = append(g.Roots, id)
		}
	}

	// A loop target downstream of its owner could never re-run the owner;
	// reject it outright.
	for _, id := range order {
		stage := g.Stages[id]
		if stage.LoopTo != "" && g.LevelOf[stage.LoopTo] > g.LevelOf[id] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"stage %s loops to %s, which runs after it", id, stage.LoopTo).WithStage(id)
		}
	}

	return g, nil
}

// topoSort orders the graph depth-first, dependencies before dependents.
// A back edge produces a CYCLE_DETECTED error carrying the cycle path.
func (g *Graph) topoSort(order []string) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // done
	)
	color := make(map[string]int, len(g.Stages))
	var path []string
	sorted := make([]string, 0, len(g.Stages))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		path = append(path, id)

		deps := make([]string, len(g.Deps[id]))
		copy(deps, g.Deps[id])
		sort.Strings(deps)

		for _, dep := range deps {
			switch color[dep] {
			case gray:
				// Trim the path to the start of the cycle for the message.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				return schema.NewErrorf(schema.ErrCodeCycleDetected,
					"dependency cycle: %s", strings.Join(cycle, " -> "))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		sorted = append(sorted, id)
		return nil
	}

	ordered := make([]string, len(order))
	copy(ordered, order)
	sort.Strings(ordered)

	for _, id := range ordered {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}

	g.Sorted = sorted
	return nil
}

// computeLevels groups stages into parallel execution levels.
// A stage's level is one past its deepest dependency; stages sharing a level
// have all dependencies satisfied by earlier levels.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Stages))

	for _, id := range g.Sorted {
		maxDep := -1
		for _, dep := range g.Deps[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		d := depth[id]
		levels[d] = append(levels[d], id)
	}
	for _, level := range levels {
		sort.Strings(level)
	}

	return levels
}

// ForwardClosure returns the set of stages reachable from the given stage by
// following dependent edges, including the stage itself.
func (g *Graph) ForwardClosure(from string) map[string]bool {
	closure := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if closure[id] {
			return
		}
		closure[id] = true
		for _, dep := range g.Dependents[id] {
			walk(dep)
		}
	}
	walk(from)
	return closure
}

// Ancestors returns the transitive dependency set of a stage, nearest first
// (breadth-first over depends_on edges, alphabetical within a distance).
func (g *Graph) Ancestors(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	frontier := append([]string{}, g.Deps[id]...)
	sort.Strings(frontier)

	for len(frontier) > 0 {
		var next []string
		for _, a := range frontier {
			if seen[a] {
				continue
			}
			seen[a] = true
			out = append(out, a)
			next = append(next, g.Deps[a]...)
		}
		sort.Strings(next)
		frontier = next
	}
	return out
}
