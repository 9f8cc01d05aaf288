package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/engine"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// --- Mock store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	runs    map[string]*store.RunState
	listErr error
}

func newMockStore() *mockStore {
	return &mockStore{runs: make(map[string]*store.RunState)}
}

func (m *mockStore) LoadRun(_ context.Context, runID string) (*store.RunState, error) {
	if run, ok := m.runs[runID]; ok {
		return run, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", runID)
}

func (m *mockStore) ListRuns(_ context.Context) ([]store.RunSummary, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	summaries := make([]store.RunSummary, 0, len(m.runs))
	for _, run := range m.runs {
		summaries = append(summaries, store.RunSummary{
			RunID:     run.RunID,
			Workflow:  run.Workflow,
			Status:    run.Status,
			StartedAt: run.StartedAt,
		})
	}
	return summaries, nil
}

func (m *mockStore) LatestRun(_ context.Context, _ string) (string, error) {
	var latest *store.RunState
	for _, run := range m.runs {
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return "", schema.NewError(schema.ErrCodeNotFound, "no runs recorded")
	}
	return latest.RunID, nil
}

// --- Mock runner ---

type mockRunner struct {
	runResult    *store.RunState
	runErr       error
	resumeResult *store.RunState
	resumeErr    error

	gotDef  *schema.WorkflowDefinition
	gotOpts engine.RunOptions
}

func (m *mockRunner) Run(_ context.Context, def *schema.WorkflowDefinition, opts engine.RunOptions) (*store.RunState, error) {
	m.gotDef = def
	m.gotOpts = opts
	return m.runResult, m.runErr
}

func (m *mockRunner) Resume(_ context.Context, _ string) (*store.RunState, error) {
	return m.resumeResult, m.resumeErr
}

// --- Mock loader ---

type mockLoader struct {
	def     *schema.WorkflowDefinition
	loadErr error
	result  *schema.ValidationResult
}

func (m *mockLoader) Load(_ string) (*schema.WorkflowDefinition, error) {
	return m.def, m.loadErr
}

func (m *mockLoader) Check(_ string) (*schema.WorkflowDefinition, *schema.ValidationResult, error) {
	if m.loadErr != nil {
		return nil, nil, m.loadErr
	}
	result := m.result
	if result == nil {
		result = &schema.ValidationResult{}
	}
	return m.def, result, nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func sampleDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Version: "1",
		Name:    "release",
		Stages: []schema.StageDefinition{
			{ID: "plan", Type: schema.StageTypePlan, Config: map[string]any{"prompt": "plan the release"}},
			{ID: "ship", Type: schema.StageTypeCustom, DependsOn: []string{"plan"}, Config: map[string]any{"command": "make ship"}},
		},
	}
}

func finishedRun(runID string) *store.RunState {
	run := store.NewRunState(runID, sampleDefinition(), "/tmp", nil)
	run.Status = schema.RunStatusCompleted
	now := time.Now().UTC()
	run.FinishedAt = &now
	for _, stage := range run.Definition.Stages {
		run.AppendResult(&store.StageResult{
			StageID:   stage.ID,
			Attempt:   1,
			Status:    schema.StageStatusPassed,
			StartedAt: now,
		})
	}
	return run
}

// --- Tests ---

func TestRunTool(t *testing.T) {
	runner := &mockRunner{runResult: finishedRun("run-1")}
	loader := &mockLoader{def: sampleDefinition()}

	s := NewRalphServer(RalphServerDeps{Runner: runner, Store: newMockStore(), Loader: loader})

	req := buildRequest("ralph.run", map[string]any{
		"path":      "release.yaml",
		"workdir":   "/work",
		"variables": map[string]any{"env": "prod"},
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	assert.Equal(t, "/work", runner.gotOpts.Workdir)
	assert.Equal(t, map[string]any{"env": "prod"}, runner.gotOpts.Variables)
	assert.NotEmpty(t, runner.gotOpts.RunID)

	var payload map[string]any
	unmarshalResult(t, result, &payload)
	assert.Equal(t, "completed", payload["status"])
	assert.Equal(t, "release", payload["workflow"])

	stages, ok := payload["stages"].([]any)
	require.True(t, ok)
	require.Len(t, stages, 2)
	first := stages[0].(map[string]any)
	assert.Equal(t, "plan", first["id"])
	assert.Equal(t, "passed", first["status"])
	assert.Equal(t, float64(1), first["attempts"])
}

func TestRunToolDefaultWorkdir(t *testing.T) {
	runner := &mockRunner{runResult: finishedRun("run-1")}
	loader := &mockLoader{def: sampleDefinition()}
	s := NewRalphServer(RalphServerDeps{Runner: runner, Store: newMockStore(), Loader: loader})

	req := buildRequest("ralph.run", map[string]any{"path": "/flows/release.yaml"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "/flows", runner.gotOpts.Workdir)
}

func TestRunToolMissingPath(t *testing.T) {
	s := NewRalphServer(RalphServerDeps{})

	req := buildRequest("ralph.run", map[string]any{})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolLoadFailure(t *testing.T) {
	loader := &mockLoader{loadErr: schema.NewError(schema.ErrCodeNotFound, "no such file")}
	s := NewRalphServer(RalphServerDeps{Runner: &mockRunner{}, Store: newMockStore(), Loader: loader})

	req := buildRequest("ralph.run", map[string]any{"path": "missing.yaml"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "no such file")
}

func TestRunToolFailedRunStillReportsState(t *testing.T) {
	run := finishedRun("run-9")
	run.Status = schema.RunStatusFailed
	run.Error = "failed stages: ship"
	runner := &mockRunner{runResult: run, runErr: schema.NewError(schema.ErrCodeExecution, "ship exited 1")}
	loader := &mockLoader{def: sampleDefinition()}
	s := NewRalphServer(RalphServerDeps{Runner: runner, Store: newMockStore(), Loader: loader})

	req := buildRequest("ralph.run", map[string]any{"path": "release.yaml"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload map[string]any
	unmarshalResult(t, result, &payload)
	assert.Equal(t, "failed", payload["status"])
	assert.Equal(t, "failed stages: ship", payload["error"])
}

func TestRunToolDetached(t *testing.T) {
	done := make(chan struct{})
	runner := &mockRunner{runResult: finishedRun("run-1")}
	loader := &mockLoader{def: sampleDefinition()}
	s := NewRalphServer(RalphServerDeps{Runner: runner, Store: newMockStore(), Loader: loader})
	s.notifier = notifierFunc(func(_ context.Context, _ string, _ map[string]any) error {
		close(done)
		return nil
	})

	req := buildRequest("ralph.run", map[string]any{"path": "release.yaml", "detach": true})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload map[string]any
	unmarshalResult(t, result, &payload)
	assert.Equal(t, true, payload["detached"])
	assert.NotEmpty(t, payload["run_id"])

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected finish notification")
	}
}

func TestResumeTool(t *testing.T) {
	runner := &mockRunner{resumeResult: finishedRun("run-5")}
	s := NewRalphServer(RalphServerDeps{Runner: runner, Store: newMockStore()})

	req := buildRequest("ralph.resume", map[string]any{"run_id": "run-5"})
	result, err := s.handleResume(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "run-5")
	assert.Contains(t, text, "completed")
}

func TestResumeToolMissingID(t *testing.T) {
	s := NewRalphServer(RalphServerDeps{})

	req := buildRequest("ralph.resume", map[string]any{})
	result, err := s.handleResume(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	ms := newMockStore()
	ms.runs["run-1"] = finishedRun("run-1")

	s := NewRalphServer(RalphServerDeps{Store: ms})

	req := buildRequest("ralph.status", map[string]any{"run_id": "run-1"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "run-1")
	assert.Contains(t, text, "completed")
}

func TestStatusToolDefaultsToLatest(t *testing.T) {
	ms := newMockStore()
	older := finishedRun("run-old")
	older.StartedAt = time.Now().UTC().Add(-time.Hour)
	ms.runs["run-old"] = older
	ms.runs["run-new"] = finishedRun("run-new")

	s := NewRalphServer(RalphServerDeps{Store: ms})

	req := buildRequest("ralph.status", map[string]any{})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload map[string]any
	unmarshalResult(t, result, &payload)
	assert.Equal(t, "run-new", payload["run_id"])
}

func TestStatusToolNotFound(t *testing.T) {
	s := NewRalphServer(RalphServerDeps{Store: newMockStore()})

	req := buildRequest("ralph.status", map[string]any{"run_id": "missing"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunsTool(t *testing.T) {
	ms := newMockStore()
	ms.runs["run-1"] = finishedRun("run-1")
	ms.runs["run-2"] = finishedRun("run-2")

	s := NewRalphServer(RalphServerDeps{Store: ms})

	req := buildRequest("ralph.runs", map[string]any{})
	result, err := s.handleRuns(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Runs []store.RunSummary `json:"runs"`
	}
	unmarshalResult(t, result, &payload)
	assert.Len(t, payload.Runs, 2)
}

func TestRunsToolLimit(t *testing.T) {
	ms := newMockStore()
	ms.runs["run-1"] = finishedRun("run-1")
	ms.runs["run-2"] = finishedRun("run-2")
	ms.runs["run-3"] = finishedRun("run-3")

	s := NewRalphServer(RalphServerDeps{Store: ms})

	req := buildRequest("ralph.runs", map[string]any{"limit": 2})
	result, err := s.handleRuns(context.Background(), req)
	require.NoError(t, err)

	var payload struct {
		Runs []store.RunSummary `json:"runs"`
	}
	unmarshalResult(t, result, &payload)
	assert.Len(t, payload.Runs, 2)
}

func TestGraphToolMermaidFromPath(t *testing.T) {
	loader := &mockLoader{def: sampleDefinition()}
	s := NewRalphServer(RalphServerDeps{Store: newMockStore(), Loader: loader})

	req := buildRequest("ralph.graph", map[string]any{"path": "release.yaml", "format": "mermaid"})
	result, err := s.handleGraph(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "plan[")
}

func TestGraphToolASCIIFromRun(t *testing.T) {
	ms := newMockStore()
	ms.runs["run-1"] = finishedRun("run-1")
	s := NewRalphServer(RalphServerDeps{Store: ms})

	req := buildRequest("ralph.graph", map[string]any{"run_id": "run-1", "format": "ascii"})
	result, err := s.handleGraph(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "[OK]")
	assert.Contains(t, text, "ship")
}

func TestGraphToolRequiresSource(t *testing.T) {
	s := NewRalphServer(RalphServerDeps{})

	req := buildRequest("ralph.graph", map[string]any{"format": "ascii"})
	result, err := s.handleGraph(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestValidateTool(t *testing.T) {
	result := &schema.ValidationResult{}
	result.AddWarning("stages[0]", "AGENT_WITHOUT_GATES", "agent stage has no verification gates")
	loader := &mockLoader{def: sampleDefinition(), result: result}

	s := NewRalphServer(RalphServerDeps{Loader: loader})

	req := buildRequest("ralph.validate", map[string]any{"path": "release.yaml"})
	res, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var payload map[string]any
	unmarshalResult(t, res, &payload)
	assert.Equal(t, true, payload["valid"])
	assert.Equal(t, "release", payload["workflow"])
	warnings := payload["warnings"].([]any)
	require.Len(t, warnings, 1)
	assert.Equal(t, "AGENT_WITHOUT_GATES", warnings[0].(map[string]any)["code"])
}

func TestValidateToolReportsErrors(t *testing.T) {
	result := &schema.ValidationResult{}
	result.AddError("stages[1].depends_on", "UNKNOWN_DEPENDENCY", "stage ship depends on unknown stage: ghost")
	loader := &mockLoader{def: sampleDefinition(), result: result}

	s := NewRalphServer(RalphServerDeps{Loader: loader})

	req := buildRequest("ralph.validate", map[string]any{"path": "release.yaml"})
	res, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)

	var payload map[string]any
	unmarshalResult(t, res, &payload)
	assert.Equal(t, false, payload["valid"])
}

// notifierFunc adapts a function to AgentNotifier for tests.
type notifierFunc func(ctx context.Context, runID string, payload map[string]any) error

func (f notifierFunc) Notify(ctx context.Context, runID string, payload map[string]any) error {
	return f(ctx, runID, payload)
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
