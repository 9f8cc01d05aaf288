package dispatch

import (
	"context"
	"log/slog"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/expressions"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/procutil"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// ShellHandler executes custom stages as shell commands.
//
// Config keys:
//
//	command    (required) shell command line
//	args       optional argument list appended to the command
//	env        optional environment overrides
//	stdin      optional stdin payload
//	artifacts  optional list of artifact paths to record
//	transform  optional jq expression applied to the parsed stdout,
//	           its result becomes the stage's derived values
type ShellHandler struct {
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

// NewShellHandler creates the custom-stage handler.
func NewShellHandler(jq *expressions.GoJQEngine, logger *slog.Logger) *ShellHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellHandler{jq: jq, logger: logger}
}

func (h *ShellHandler) Type() schema.StageType { return schema.StageTypeCustom }

func (h *ShellHandler) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	command := stringConfig(req.Config, "command", "")
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"custom stage requires config.command").WithStage(req.Stage.ID)
	}

	res, err := procutil.Run(ctx, procutil.Spec{
		Command: command,
		Args:    stringSliceConfig(req.Config, "args"),
		Dir:     req.Workdir,
		Env:     stringMapConfig(req.Config, "env"),
		Stdin:   stringConfig(req.Config, "stdin", ""),
		Shell:   true,
		Timeout: req.Timeout,
	})
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		ExitCode:  res.ExitCode,
		Killed:    res.Killed,
		Output:    combinedOutput(res),
		Artifacts: stringSliceConfig(req.Config, "artifacts"),
	}

	if transform := stringConfig(req.Config, "transform", ""); transform != "" && !res.Killed {
		derived, err := h.applyTransform(ctx, transform, res)
		if err != nil {
			return nil, err
		}
		outcome.Derived = derived
	}

	return outcome, nil
}

// applyTransform runs the jq transform over {"output": <parsed stdout>}.
// A map result becomes the derived value set directly; anything else lands
// under the "value" key.
func (h *ShellHandler) applyTransform(ctx context.Context, transform string, res *procutil.Result) (map[string]any, error) {
	out, err := h.jq.Evaluate(ctx, transform, map[string]any{
		"output":    res.JSONStdout(),
		"exit_code": res.ExitCode,
	})
	if err != nil {
		return nil, err
	}
	if m, ok := out.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"value": out}, nil
}

func combinedOutput(res *procutil.Result) string {
	if res.Stderr == "" {
		return res.Stdout
	}
	if res.Stdout == "" {
		return res.Stderr
	}
	return res.Stdout + "\n" + res.Stderr
}
