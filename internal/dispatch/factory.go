package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// SubRunner executes a nested workflow on behalf of a factory stage. The
// orchestrator implements this; the indirection keeps this package free of
// an engine dependency.
type SubRunner interface {
	// RunWorkflow loads the definition at path and runs it to completion.
	// The returned summary becomes the factory stage's output.
	RunWorkflow(ctx context.Context, path string, variables map[string]any, workdir string) (*NestedResult, error)
}

// NestedResult summarizes a completed nested run.
type NestedResult struct {
	RunID    string           `json:"run_id"`
	Workflow string           `json:"workflow"`
	Status   schema.RunStatus `json:"status"`
	Stages   map[string]any   `json:"stages,omitempty"`
}

// FactoryHandler executes factory stages: each spawns a nested workflow run
// and passes or fails with it.
//
// Config keys:
//
//	workflow   (required) path to the nested workflow definition
//	variables  optional variable overrides for the nested run
//	workdir    optional working directory override
type FactoryHandler struct {
	runner SubRunner
	logger *slog.Logger
}

// NewFactoryHandler creates the factory-stage handler.
func NewFactoryHandler(logger *slog.Logger) *FactoryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FactoryHandler{logger: logger}
}

// Bind attaches the nested-run executor. Must be called before any factory
// stage dispatches.
func (h *FactoryHandler) Bind(runner SubRunner) { h.runner = runner }

func (h *FactoryHandler) Type() schema.StageType { return schema.StageTypeFactory }

func (h *FactoryHandler) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	if h.runner == nil {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"factory handler has no nested-run executor bound").WithStage(req.Stage.ID)
	}

	path := stringConfig(req.Config, "workflow", "")
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"factory stage requires config.workflow").WithStage(req.Stage.ID)
	}

	workdir := stringConfig(req.Config, "workdir", req.Workdir)
	variables := mapConfig(req.Config, "variables")

	h.logger.Info("spawning nested workflow",
		slog.String("stage_id", req.Stage.ID),
		slog.String("workflow", path))

	nested, err := h.runner.RunWorkflow(ctx, path, variables, workdir)
	if err != nil {
		return nil, err
	}

	summary, err := json.Marshal(nested)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"marshal nested run summary: %v", err).WithCause(err)
	}

	exitCode := 0
	if nested.Status != schema.RunStatusCompleted {
		exitCode = 1
	}

	return &Outcome{
		ExitCode: exitCode,
		Output:   string(summary),
		Derived: map[string]any{
			"run_id": nested.RunID,
			"status": string(nested.Status),
		},
	}, nil
}
