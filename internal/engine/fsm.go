package engine

import (
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// ValidRunTransitions defines the allowed run status transitions.
// Runs are created in running state; there is no pending run.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning: {
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusAborted,
	},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusAborted:   {},
}

// ValidStageTransitions defines the allowed stage status transitions.
// Terminal statuses transition back to pending only through a loop restart.
var ValidStageTransitions = map[schema.StageStatus][]schema.StageStatus{
	schema.StageStatusPending: {
		schema.StageStatusRunning,
		schema.StageStatusSkipped,
	},
	schema.StageStatusRunning: {
		schema.StageStatusPassed,
		schema.StageStatusFailed,
	},
	schema.StageStatusPassed:  {schema.StageStatusPending}, // loop restart
	schema.StageStatusFailed:  {schema.StageStatusPending}, // loop restart
	schema.StageStatusSkipped: {schema.StageStatusPending}, // loop restart
}

// CanTransitionRun reports whether the run transition is allowed.
func CanTransitionRun(from, to schema.RunStatus) bool {
	for _, allowed := range ValidRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionStage reports whether the stage transition is allowed.
func CanTransitionStage(from, to schema.StageStatus) bool {
	for _, allowed := range ValidStageTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionRun applies a run status transition or fails with
// INVALID_TRANSITION.
func TransitionRun(run *store.RunState, to schema.RunStatus) error {
	if !CanTransitionRun(run.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s: cannot transition %s -> %s", run.RunID, run.Status, to)
	}
	run.Status = to
	return nil
}

// TransitionStage applies a stage status transition or fails with
// INVALID_TRANSITION.
func TransitionStage(run *store.RunState, stageID string, to schema.StageStatus) error {
	from := run.StageStatus(stageID)
	if !CanTransitionStage(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"stage %s: cannot transition %s -> %s", stageID, from, to).WithStage(stageID)
	}
	run.Statuses[stageID] = to
	return nil
}
