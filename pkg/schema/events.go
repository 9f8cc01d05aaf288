package schema

// Event type constants for the audit event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunAborted   = "run_aborted"
	EventRunResumed   = "run_resumed"

	EventStageStarted = "stage_started"
	EventStagePassed  = "stage_passed"
	EventStageFailed  = "stage_failed"
	EventStageSkipped = "stage_skipped"

	EventLoopRestart   = "loop_restart"
	EventLoopExhausted = "loop_exhausted"
	EventGateFailed    = "gate_failed"
	EventVariableSet   = "variable_set"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusAborted
}

// StageStatus represents the lifecycle state of a stage within a run.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusPassed  StageStatus = "passed"
	StageStatusFailed  StageStatus = "failed"
	StageStatusSkipped StageStatus = "skipped"
)

// Terminal reports whether the stage status is final for the current
// attempt. A loop restart resets terminal stages back to pending.
func (s StageStatus) Terminal() bool {
	return s == StageStatusPassed || s == StageStatusFailed || s == StageStatusSkipped
}

// Satisfied reports whether a dependency in this status allows
// downstream stages to dispatch.
func (s StageStatus) Satisfied() bool {
	return s == StageStatusPassed || s == StageStatusSkipped
}

// Skip reasons recorded on skipped stage results.
const (
	SkipReasonCondition = "condition_false"
	SkipReasonUpstream  = "upstream_failed"
)
