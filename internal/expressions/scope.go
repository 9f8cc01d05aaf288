package expressions

// Scope holds all data available for template resolution and condition
// evaluation. Stage entries are frozen snapshots: once a stage result is
// added the engine never mutates it, only appends newer attempts.
type Scope struct {
	Variables map[string]any // workflow variables (initial + agent-set)
	Stages    map[string]any // stage ID -> result view (status, output, artifacts, derived)
	Run       map[string]any // run metadata (run_id, workdir, workflow)

	// RecursionCount is the number of loop restarts consumed by the stage
	// currently being evaluated. Zero outside loop handling.
	RecursionCount int
}

// NewScope creates an empty scope. Variables, stage views, and run metadata
// are deep-copied on insert so later engine mutation cannot leak in.
func NewScope(variables, run map[string]any) *Scope {
	return &Scope{
		Variables: deepCopyMap(variables),
		Stages:    make(map[string]any),
		Run:       deepCopyMap(run),
	}
}

// AddStage registers a completed stage's result view. The view is frozen
// (deep-copied) at the time of insertion; a later attempt for the same stage
// replaces the view, matching the "latest result wins" resolution rule.
func (s *Scope) AddStage(stageID string, view map[string]any) {
	if s.Stages == nil {
		s.Stages = make(map[string]any)
	}
	s.Stages[stageID] = deepCopyMap(view)
}

// SetVariable updates a workflow variable in place.
func (s *Scope) SetVariable(name string, value any) {
	if s.Variables == nil {
		s.Variables = make(map[string]any)
	}
	s.Variables[name] = deepCopyAny(value)
}

// WithRecursionCount returns a shallow clone carrying the given loop restart
// count. The clone shares the underlying maps; counts are per-evaluation.
func (s *Scope) WithRecursionCount(n int) *Scope {
	clone := *s
	clone.RecursionCount = n
	return &clone
}

// ConditionData flattens the scope into the map shape the condition engines
// expect.
func (s *Scope) ConditionData() map[string]any {
	variables := s.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	stages := s.Stages
	if stages == nil {
		stages = map[string]any{}
	}
	run := s.Run
	if run == nil {
		run = map[string]any{}
	}
	return map[string]any{
		"variables":       variables,
		"stages":          stages,
		"run":             run,
		"recursion_count": s.RecursionCount,
	}
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
