package schema

// WorkflowDefinition is the YAML workflow format loaded from disk.
// A definition is immutable once a run starts; runtime state lives in
// the store, never back in the definition.
type WorkflowDefinition struct {
	Version   string            `yaml:"version" json:"version"`
	Name      string            `yaml:"name" json:"name"`
	Variables map[string]any    `yaml:"variables,omitempty" json:"variables,omitempty"`
	Agents    AgentsConfig      `yaml:"agents,omitempty" json:"agents,omitempty"`
	Schedule  string            `yaml:"schedule,omitempty" json:"schedule,omitempty"` // cron expression for unattended runs
	Stages    []StageDefinition `yaml:"stages" json:"stages"`
}

// AgentsConfig selects which coding agent backs agent-typed stages.
type AgentsConfig struct {
	Default string   `yaml:"default,omitempty" json:"default,omitempty"` // agent command (e.g. "claude", "codex")
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// StageDefinition describes a single stage in a workflow.
type StageDefinition struct {
	ID        string             `yaml:"id" json:"id"`
	Type      StageType          `yaml:"type" json:"type"`
	DependsOn []string           `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition string             `yaml:"condition,omitempty" json:"condition,omitempty"` // CEL expression, evaluated at dispatch time
	Config    map[string]any     `yaml:"config,omitempty" json:"config,omitempty"`       // type-specific config, string leaves are templates
	Verify    []VerificationGate `yaml:"verify,omitempty" json:"verify,omitempty"`
	LoopTo    string             `yaml:"loop_to,omitempty" json:"loop_to,omitempty"`   // stage ID to restart from on failure
	MaxLoops  int                `yaml:"max_loops,omitempty" json:"max_loops,omitempty"` // 0 means no loop restarts allowed
	Timeout   string             `yaml:"timeout,omitempty" json:"timeout,omitempty"`   // e.g. "30s", "45m"
}

// StageType enumerates the kinds of stages in a workflow.
type StageType string

const (
	StageTypePRD     StageType = "prd"     // agent produces a requirements document
	StageTypePlan    StageType = "plan"    // agent produces an implementation plan
	StageTypeBuild   StageType = "build"   // agent implements against the plan
	StageTypeCustom  StageType = "custom"  // arbitrary shell command
	StageTypeFactory StageType = "factory" // nested sub-workflow
)

// AgentBacked reports whether the stage type is executed by a coding agent.
func (t StageType) AgentBacked() bool {
	return t == StageTypePRD || t == StageTypePlan || t == StageTypeBuild
}

// VerificationGate is an independent post-execution check. Gates are the
// source of truth for stage success; exit codes and agent claims are not.
type VerificationGate struct {
	Kind       GateKind `yaml:"kind" json:"kind"`
	Path       string   `yaml:"path,omitempty" json:"path,omitempty"`             // file_exists (glob), file_contains
	Substring  string   `yaml:"substring,omitempty" json:"substring,omitempty"`   // file_contains
	Command    string   `yaml:"command,omitempty" json:"command,omitempty"`       // test_suite, build_success, lint_pass, custom
	MinPassing int      `yaml:"min_passing,omitempty" json:"min_passing,omitempty"` // test_suite
	SinceRef   string   `yaml:"since_ref,omitempty" json:"since_ref,omitempty"`   // git_commits (defaults to stage start)
	Timeout    string   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// GateKind enumerates verification gate kinds.
type GateKind string

const (
	GateFileExists   GateKind = "file_exists"
	GateFileContains GateKind = "file_contains"
	GateGitCommits   GateKind = "git_commits"
	GateTestSuite    GateKind = "test_suite"
	GateBuildSuccess GateKind = "build_success"
	GateLintPass     GateKind = "lint_pass"
	GateCustom       GateKind = "custom"
)

// Describe returns a short human-readable identifier for the gate,
// used in logs and verification outcomes.
func (g VerificationGate) Describe() string {
	switch g.Kind {
	case GateFileExists:
		return string(g.Kind) + ":" + g.Path
	case GateFileContains:
		return string(g.Kind) + ":" + g.Path
	case GateGitCommits:
		return string(g.Kind)
	default:
		if g.Command != "" {
			return string(g.Kind) + ":" + g.Command
		}
		return string(g.Kind)
	}
}

// VerificationOutcome records the result of a single gate.
type VerificationOutcome struct {
	Gate       GateKind `json:"gate"`
	Detail     string   `json:"detail"`
	Passed     bool     `json:"passed"`
	Message    string   `json:"message,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
}

// StageByID returns the stage with the given ID, or nil.
func (w *WorkflowDefinition) StageByID(id string) *StageDefinition {
	for i := range w.Stages {
		if w.Stages[i].ID == id {
			return &w.Stages[i]
		}
	}
	return nil
}
