package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/procutil"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// DefaultAgentCommand is used when neither the workflow nor the settings
// name an agent binary.
const DefaultAgentCommand = "claude"

// rolePreambles frame the instruction payload per agent-backed stage type.
// The stage prompt from config is appended verbatim.
var rolePreambles = map[schema.StageType]string{
	schema.StageTypePRD: "You are acting as a product engineer. Produce a complete product " +
		"requirements document for the task below. Write the document to the " +
		"requested path and keep user stories small and independently verifiable.",
	schema.StageTypePlan: "You are acting as a tech lead. Read the referenced requirements and " +
		"produce a concrete implementation plan with explicit acceptance criteria " +
		"for each step. Write the plan to the requested path.",
	schema.StageTypeBuild: "You are acting as an implementation engineer. Follow the referenced " +
		"plan and implement it in this repository. Commit your work as you go and " +
		"make the verification commands pass.",
}

// AgentHandler executes prd, plan, and build stages by invoking a coding
// agent CLI with an assembled instruction payload on stdin.
//
// Config keys:
//
//	prompt       (required) task instructions
//	output_path  expected artifact path, recorded on the result
//	args         extra agent CLI arguments
type AgentHandler struct {
	command string
	args    []string
	kind    schema.StageType
	logger  *slog.Logger
}

// NewAgentHandlers builds one handler per agent-backed stage type.
// command and args are the settings-level defaults; a workflow's agents
// block overrides them per run.
func NewAgentHandlers(command string, args []string, logger *slog.Logger) []Handler {
	if command == "" {
		command = DefaultAgentCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	kinds := []schema.StageType{schema.StageTypePRD, schema.StageTypePlan, schema.StageTypeBuild}
	handlers := make([]Handler, 0, len(kinds))
	for _, k := range kinds {
		handlers = append(handlers, &AgentHandler{command: command, args: args, kind: k, logger: logger})
	}
	return handlers
}

func (h *AgentHandler) Type() schema.StageType { return h.kind }

func (h *AgentHandler) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	prompt := stringConfig(req.Config, "prompt", "")
	if prompt == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s stage requires config.prompt", h.kind).WithStage(req.Stage.ID)
	}

	command := h.command
	args := h.args
	if req.Agent.Default != "" {
		command = req.Agent.Default
		args = req.Agent.Args
	}
	args = append(append([]string{}, args...), stringSliceConfig(req.Config, "args")...)

	payload := h.buildPayload(req, prompt)

	h.logger.Info("invoking agent",
		slog.String("stage_id", req.Stage.ID),
		slog.String("role", string(h.kind)),
		slog.String("agent", command),
		slog.Int("attempt", req.Attempt))

	res, err := procutil.Run(ctx, procutil.Spec{
		Command: command,
		Args:    args,
		Dir:     req.Workdir,
		Stdin:   payload,
		Timeout: req.Timeout,
	})
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		ExitCode: res.ExitCode,
		Killed:   res.Killed,
		Output:   combinedOutput(res),
	}
	if outputPath := stringConfig(req.Config, "output_path", ""); outputPath != "" {
		outcome.Artifacts = []string{outputPath}
	}
	return outcome, nil
}

// buildPayload assembles the full instruction text: role preamble, task
// prompt, expected output path, and retry context after a loop restart.
func (h *AgentHandler) buildPayload(req *Request, prompt string) string {
	var b strings.Builder

	b.WriteString(rolePreambles[h.kind])
	b.WriteString("\n\n## Task\n\n")
	b.WriteString(prompt)
	b.WriteString("\n")

	if outputPath := stringConfig(req.Config, "output_path", ""); outputPath != "" {
		fmt.Fprintf(&b, "\nWrite your primary output to: %s\n", outputPath)
	}

	if req.Attempt > 1 {
		fmt.Fprintf(&b, "\n## Retry Context\n\nThis is attempt %d. The previous attempt failed verification.\n", req.Attempt)
		if req.PriorFailure != "" {
			fmt.Fprintf(&b, "\nWhat went wrong:\n%s\n", req.PriorFailure)
		}
		b.WriteString("\nFix the problems above before doing anything else.\n")
	}

	return b.String()
}
