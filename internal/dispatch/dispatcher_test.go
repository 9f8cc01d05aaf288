package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/expressions"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func customRequest(t *testing.T, config map[string]any) *Request {
	t.Helper()
	return &Request{
		Stage:   &schema.StageDefinition{ID: "step", Type: schema.StageTypeCustom},
		Config:  config,
		RunID:   "run-1",
		Workdir: t.TempDir(),
		Timeout: 30 * time.Second,
		Attempt: 1,
	}
}

func TestDispatcher_RoutesByType(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(NewShellHandler(expressions.NewGoJQEngine(), nil))

	out, err := d.Execute(context.Background(), customRequest(t, map[string]any{"command": "echo routed"}))
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Contains(t, out.Output, "routed")
}

func TestDispatcher_UnknownType(t *testing.T) {
	d := NewDispatcher(nil)

	_, err := d.Execute(context.Background(), &Request{
		Stage: &schema.StageDefinition{ID: "x", Type: schema.StageTypeFactory},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestShellHandler_ExitCodeAndOutput(t *testing.T) {
	h := NewShellHandler(expressions.NewGoJQEngine(), nil)

	out, err := h.Execute(context.Background(), customRequest(t, map[string]any{
		"command": "echo out && echo err 1>&2 && exit 4",
	}))
	require.NoError(t, err)
	assert.Equal(t, 4, out.ExitCode)
	assert.Contains(t, out.Output, "out")
	assert.Contains(t, out.Output, "err")
}

func TestShellHandler_MissingCommand(t *testing.T) {
	h := NewShellHandler(expressions.NewGoJQEngine(), nil)

	_, err := h.Execute(context.Background(), customRequest(t, map[string]any{}))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestShellHandler_Transform(t *testing.T) {
	h := NewShellHandler(expressions.NewGoJQEngine(), nil)

	out, err := h.Execute(context.Background(), customRequest(t, map[string]any{
		"command":   `echo '{"passing": 5, "failing": 0}'`,
		"transform": `{passing: .output.passing, healthy: (.output.failing == 0)}`,
	}))
	require.NoError(t, err)
	require.NotNil(t, out.Derived)
	assert.Equal(t, float64(5), out.Derived["passing"])
	assert.Equal(t, true, out.Derived["healthy"])
}

func TestShellHandler_TransformScalarWrapped(t *testing.T) {
	h := NewShellHandler(expressions.NewGoJQEngine(), nil)

	out, err := h.Execute(context.Background(), customRequest(t, map[string]any{
		"command":   `echo '{"n": 3}'`,
		"transform": `.output.n * 2`,
	}))
	require.NoError(t, err)
	assert.Equal(t, float64(6), out.Derived["value"])
}

func TestShellHandler_Artifacts(t *testing.T) {
	h := NewShellHandler(expressions.NewGoJQEngine(), nil)

	out, err := h.Execute(context.Background(), customRequest(t, map[string]any{
		"command":   "true",
		"artifacts": []any{"dist/app"},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"dist/app"}, out.Artifacts)
}

func TestAgentHandler_PayloadOnStdin(t *testing.T) {
	handlers := NewAgentHandlers("cat", nil, nil)
	var build Handler
	for _, h := range handlers {
		if h.Type() == schema.StageTypeBuild {
			build = h
		}
	}
	require.NotNil(t, build)

	req := &Request{
		Stage:   &schema.StageDefinition{ID: "impl", Type: schema.StageTypeBuild},
		Config:  map[string]any{"prompt": "implement the parser", "output_path": "src/parser.go"},
		Workdir: t.TempDir(),
		Timeout: 30 * time.Second,
		Attempt: 1,
	}

	// With "cat" as the agent the payload is echoed back as output.
	out, err := build.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, out.Output, "implementation engineer")
	assert.Contains(t, out.Output, "implement the parser")
	assert.Contains(t, out.Output, "src/parser.go")
	assert.NotContains(t, out.Output, "Retry Context")
	assert.Equal(t, []string{"src/parser.go"}, out.Artifacts)
}

func TestAgentHandler_RetryContext(t *testing.T) {
	handlers := NewAgentHandlers("cat", nil, nil)
	prd := handlers[0]
	require.Equal(t, schema.StageTypePRD, prd.Type())

	req := &Request{
		Stage:        &schema.StageDefinition{ID: "gen", Type: schema.StageTypePRD},
		Config:       map[string]any{"prompt": "write the PRD"},
		Workdir:      t.TempDir(),
		Timeout:      30 * time.Second,
		Attempt:      3,
		PriorFailure: "gate file_exists:docs/prd.md: no files match",
	}

	out, err := prd.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, out.Output, "attempt 3")
	assert.Contains(t, out.Output, "no files match")
}

func TestAgentHandler_MissingPrompt(t *testing.T) {
	handlers := NewAgentHandlers("cat", nil, nil)

	_, err := handlers[0].Execute(context.Background(), &Request{
		Stage:  &schema.StageDefinition{ID: "gen", Type: schema.StageTypePRD},
		Config: map[string]any{},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestAgentHandler_WorkflowAgentOverride(t *testing.T) {
	handlers := NewAgentHandlers("definitely-not-a-command-xyz", nil, nil)

	req := &Request{
		Stage:   &schema.StageDefinition{ID: "gen", Type: schema.StageTypePRD},
		Config:  map[string]any{"prompt": "p"},
		Agent:   schema.AgentsConfig{Default: "cat"},
		Workdir: t.TempDir(),
		Timeout: 30 * time.Second,
		Attempt: 1,
	}

	out, err := handlers[0].Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
}

// --- factory ---

type stubSubRunner struct {
	result *NestedResult
	err    error
	path   string
}

func (s *stubSubRunner) RunWorkflow(_ context.Context, path string, _ map[string]any, _ string) (*NestedResult, error) {
	s.path = path
	return s.result, s.err
}

func TestFactoryHandler_NestedRun(t *testing.T) {
	h := NewFactoryHandler(nil)
	runner := &stubSubRunner{result: &NestedResult{
		RunID:    "nested-1",
		Workflow: "feature",
		Status:   schema.RunStatusCompleted,
	}}
	h.Bind(runner)

	out, err := h.Execute(context.Background(), &Request{
		Stage:  &schema.StageDefinition{ID: "spawn", Type: schema.StageTypeFactory},
		Config: map[string]any{"workflow": "workflows/feature.yaml"},
	})
	require.NoError(t, err)
	assert.Equal(t, "workflows/feature.yaml", runner.path)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "nested-1", out.Derived["run_id"])
	assert.Contains(t, out.Output, `"status":"completed"`)
}

func TestFactoryHandler_NestedFailure(t *testing.T) {
	h := NewFactoryHandler(nil)
	h.Bind(&stubSubRunner{result: &NestedResult{RunID: "n", Status: schema.RunStatusFailed}})

	out, err := h.Execute(context.Background(), &Request{
		Stage:  &schema.StageDefinition{ID: "spawn", Type: schema.StageTypeFactory},
		Config: map[string]any{"workflow": "w.yaml"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ExitCode)
}

func TestFactoryHandler_RequiresWorkflow(t *testing.T) {
	h := NewFactoryHandler(nil)
	h.Bind(&stubSubRunner{})

	_, err := h.Execute(context.Background(), &Request{
		Stage:  &schema.StageDefinition{ID: "spawn", Type: schema.StageTypeFactory},
		Config: map[string]any{},
	})
	require.Error(t, err)
}
