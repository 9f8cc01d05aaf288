package store

import "context"

// Store defines the run persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// CreateRun persists a fresh run. Fails if the run ID already exists.
	CreateRun(ctx context.Context, run *RunState) error

	// SaveRun persists the current run state and context snapshot.
	SaveRun(ctx context.Context, run *RunState) error

	// LoadRun reconstructs a run, including its full per-stage attempt
	// history and raw output logs.
	LoadRun(ctx context.Context, runID string) (*RunState, error)

	// SaveStageResult persists one finished stage attempt. Earlier
	// attempts are never overwritten.
	SaveStageResult(ctx context.Context, runID string, res *StageResult) error

	// ListRuns returns summaries of all known runs, newest first.
	ListRuns(ctx context.Context) ([]RunSummary, error)

	// LatestRun returns the most recently started run ID for a workflow
	// name, or for any workflow when name is empty.
	LatestRun(ctx context.Context, workflow string) (string, error)

	Close() error
}
