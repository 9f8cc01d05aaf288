package store

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// RunState is the complete persisted state of one workflow run. The run
// directory on disk is the source of truth; everything here round-trips
// through it.
type RunState struct {
	RunID      string                     `json:"run_id"`
	Workflow   string                     `json:"workflow"`
	Definition *schema.WorkflowDefinition `json:"definition"`
	Status     schema.RunStatus           `json:"status"`
	Workdir    string                     `json:"workdir"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt *time.Time                 `json:"finished_at,omitempty"`
	Error      string                     `json:"error,omitempty"`

	// Statuses is the current status per stage. History lives in Results.
	Statuses map[string]schema.StageStatus `json:"statuses"`

	// Recursion counts loop restarts per (stage, loop target) pair,
	// keyed by RecursionKey.
	Recursion map[string]int `json:"recursion_counts,omitempty"`

	// Variables is the mutable workflow variable set, persisted separately
	// in context.json.
	Variables map[string]any `json:"-"`

	// Results holds the append-only per-stage attempt history, persisted
	// in per-stage result files.
	Results map[string][]*StageResult `json:"-"`
}

// StageResult records one attempt of one stage. Results are append-only:
// a loop restart adds a new attempt, it never rewrites an old one.
type StageResult struct {
	StageID      string                       `json:"stage_id"`
	Attempt      int                          `json:"attempt"`
	Status       schema.StageStatus           `json:"status"`
	Reason       string                       `json:"reason,omitempty"` // skip or failure classification
	StartedAt    time.Time                    `json:"started_at"`
	FinishedAt   *time.Time                   `json:"finished_at,omitempty"`
	ExitCode     int                          `json:"exit_code"`
	Killed       bool                         `json:"killed,omitempty"`
	Artifacts    []string                     `json:"artifacts,omitempty"`
	Derived      map[string]any               `json:"derived,omitempty"` // jq transform result
	Verification []schema.VerificationOutcome `json:"verification,omitempty"`
	Error        string                       `json:"error,omitempty"`

	// Output is the raw captured process output. It is stored in the
	// stage's output log, not in result.json.
	Output string `json:"-"`
}

// Event is one entry in the audit event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StageID   string          `json:"stage_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// RunSummary is the listing view of a run.
type RunSummary struct {
	RunID     string           `json:"run_id"`
	Workflow  string           `json:"workflow"`
	Status    schema.RunStatus `json:"status"`
	StartedAt time.Time        `json:"started_at"`
}

// RecursionKey builds the Recursion map key for a (stage, loop target) pair.
// Counts are tracked per pair so distinct loop edges exhaust independently.
func RecursionKey(stageID, loopTo string) string {
	return stageID + "->" + loopTo
}

// NewRunState initializes run state for a fresh run.
func NewRunState(runID string, def *schema.WorkflowDefinition, workdir string, variables map[string]any) *RunState {
	statuses := make(map[string]schema.StageStatus, len(def.Stages))
	for _, st := range def.Stages {
		statuses[st.ID] = schema.StageStatusPending
	}
	return &RunState{
		RunID:      runID,
		Workflow:   def.Name,
		Definition: def,
		Status:     schema.RunStatusRunning,
		Workdir:    workdir,
		StartedAt:  time.Now().UTC(),
		Statuses:   statuses,
		Recursion:  make(map[string]int),
		Variables:  variables,
		Results:    make(map[string][]*StageResult),
	}
}

// StageStatus returns the current status of a stage, defaulting to pending.
func (r *RunState) StageStatus(stageID string) schema.StageStatus {
	if s, ok := r.Statuses[stageID]; ok {
		return s
	}
	return schema.StageStatusPending
}

// LatestResult returns the most recent attempt for a stage, or nil.
func (r *RunState) LatestResult(stageID string) *StageResult {
	results := r.Results[stageID]
	if len(results) == 0 {
		return nil
	}
	return results[len(results)-1]
}

// NextAttempt returns the attempt number the next execution of the stage
// should carry.
func (r *RunState) NextAttempt(stageID string) int {
	return len(r.Results[stageID]) + 1
}

// AppendResult records a finished attempt and updates the stage status.
func (r *RunState) AppendResult(res *StageResult) {
	if r.Results == nil {
		r.Results = make(map[string][]*StageResult)
	}
	r.Results[res.StageID] = append(r.Results[res.StageID], res)
	if r.Statuses == nil {
		r.Statuses = make(map[string]schema.StageStatus)
	}
	r.Statuses[res.StageID] = res.Status
}

// StageView builds the template/condition view of a stage's latest result:
// the map reachable as stages.<id> in expressions.
func (r *RunState) StageView(stageID string) map[string]any {
	res := r.LatestResult(stageID)
	if res == nil {
		return nil
	}
	view := map[string]any{
		"status":    string(res.Status),
		"passed":    res.Status == schema.StageStatusPassed,
		"failed":    res.Status == schema.StageStatusFailed,
		"skipped":   res.Status == schema.StageStatusSkipped,
		"exit_code": res.ExitCode,
		"attempt":   res.Attempt,
		"output":    outputView(res),
	}
	if res.Reason != "" {
		view["reason"] = res.Reason
	}
	if len(res.Artifacts) > 0 {
		artifacts := make([]any, len(res.Artifacts))
		for i, a := range res.Artifacts {
			artifacts[i] = a
		}
		view["artifacts"] = artifacts
	}
	if res.Derived != nil {
		view["derived"] = res.Derived
	}
	return view
}

// outputView exposes parsed JSON output when the raw output is valid JSON,
// matching how stage output is consumed in templates.
func outputView(res *StageResult) any {
	if res.Output == "" {
		return ""
	}
	if json.Valid([]byte(res.Output)) {
		var parsed any
		if err := json.Unmarshal([]byte(res.Output), &parsed); err == nil {
			return parsed
		}
	}
	return res.Output
}

// resultFileName returns the result file name for an attempt:
// result.json for the first attempt, result.N.json after loop restarts.
func resultFileName(attempt int) string {
	if attempt <= 1 {
		return "result.json"
	}
	return "result." + strconv.Itoa(attempt) + ".json"
}

// outputFileName mirrors resultFileName for raw output logs.
func outputFileName(attempt int) string {
	if attempt <= 1 {
		return "output.log"
	}
	return "output." + strconv.Itoa(attempt) + ".log"
}
