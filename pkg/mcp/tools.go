package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/diagram"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/engine"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// handleRun executes a workflow file. With detach the tool returns the run
// ID immediately and pushes a notification to the caller's session when the
// run finishes.
func (s *RalphServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	variables := mcp.ParseStringMap(req, "variables", nil)
	workdir := req.GetString("workdir", "")
	if workdir == "" {
		workdir = filepath.Dir(path)
	}
	detach := req.GetBool("detach", false)

	def, loadErr := s.loader.Load(path)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow load failed: %v", loadErr)), nil
	}

	opts := engine.RunOptions{
		RunID:     uuid.NewString(),
		Workdir:   workdir,
		Variables: variables,
	}

	if !detach {
		run, runErr := s.runner.Run(ctx, def, opts)
		if run == nil && runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
		}
		return marshalResult(runPayload(run))
	}

	// Detached: remember the caller's session so the finish notification
	// lands where the run was started.
	s.captureSession(ctx, opts.RunID)

	go func() {
		run, runErr := s.runner.Run(context.Background(), def, opts)
		payload := map[string]any{"run_id": opts.RunID}
		if run != nil {
			payload["status"] = string(run.Status)
			if run.Error != "" {
				payload["error"] = run.Error
			}
		} else if runErr != nil {
			payload["status"] = string(schema.RunStatusFailed)
			payload["error"] = runErr.Error()
		}
		if nErr := s.notifier.Notify(context.Background(), opts.RunID, payload); nErr != nil {
			s.logger.Warn("run finish notification failed", "run_id", opts.RunID, "error", nErr)
		}
	}()

	return marshalResult(map[string]any{
		"run_id":   opts.RunID,
		"workflow": def.Name,
		"detached": true,
	})
}

// handleResume resumes an interrupted run.
func (s *RalphServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, resumeErr := s.runner.Resume(ctx, runID)
	if run == nil && resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(runPayload(run))
}

// handleStatus returns per-stage progress for a run. Without run_id it
// reports the most recent run.
func (s *RalphServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if runID == "" {
		latest, err := s.store.LatestRun(ctx, "")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("no runs found: %v", err)), nil
		}
		runID = latest
	}

	run, loadErr := s.store.LoadRun(ctx, runID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", loadErr)), nil
	}
	return marshalResult(runPayload(run))
}

// handleRuns lists known runs, newest first.
func (s *RalphServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	runs, err := s.store.ListRuns(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run listing failed: %v", err)), nil
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleGraph generates a pipeline diagram in the requested format.
func (s *RalphServer) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	path := req.GetString("path", "")
	runID := req.GetString("run_id", "")
	if path == "" && runID == "" {
		return mcp.NewToolResultError("at least one of path or run_id is required"), nil
	}

	var def *schema.WorkflowDefinition
	var run *store.RunState

	if runID != "" {
		loaded, loadErr := s.store.LoadRun(ctx, runID)
		if loadErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", loadErr)), nil
		}
		run = loaded
		def = loaded.Definition
	} else {
		loaded, loadErr := s.loader.Load(path)
		if loadErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow load failed: %v", loadErr)), nil
		}
		def = loaded
	}

	model, buildErr := diagram.Build(def, run)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
}

// handleValidate lint-checks a workflow file.
func (s *RalphServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}

	def, result, checkErr := s.loader.Check(path)
	if checkErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("validation failed: %v", checkErr)), nil
	}

	payload := map[string]any{
		"valid":    result.Valid(),
		"errors":   issuePayloads(result.Errors()),
		"warnings": issuePayloads(result.Warnings()),
	}
	if def != nil {
		payload["workflow"] = def.Name
		payload["stages"] = len(def.Stages)
	}
	return marshalResult(payload)
}

// --- Payload helpers ---

// runPayload summarizes a run for tool output. Stage entries follow
// definition order.
func runPayload(run *store.RunState) map[string]any {
	payload := map[string]any{
		"run_id":     run.RunID,
		"workflow":   run.Workflow,
		"status":     string(run.Status),
		"started_at": run.StartedAt,
	}
	if run.FinishedAt != nil {
		payload["finished_at"] = *run.FinishedAt
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}

	stages := make([]map[string]any, 0, len(run.Statuses))
	appendStage := func(stageID string) {
		entry := map[string]any{
			"id":       stageID,
			"status":   string(run.StageStatus(stageID)),
			"attempts": len(run.Results[stageID]),
		}
		if last := run.LatestResult(stageID); last != nil && last.Reason != "" {
			entry["reason"] = last.Reason
		}
		stages = append(stages, entry)
	}
	if run.Definition != nil {
		for _, stage := range run.Definition.Stages {
			appendStage(stage.ID)
		}
	} else {
		for stageID := range run.Statuses {
			appendStage(stageID)
		}
	}
	payload["stages"] = stages

	return payload
}

// issuePayloads flattens validation issues for tool output.
func issuePayloads(issues []schema.ValidationIssue) []map[string]any {
	out := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		out = append(out, map[string]any{
			"path":    issue.Path,
			"code":    issue.Code,
			"message": issue.Message,
		})
	}
	return out
}

// captureSession maps a run ID to the caller's MCP session for notifications.
func (s *RalphServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
