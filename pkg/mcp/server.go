package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/engine"
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// WorkflowRunner starts and resumes workflow runs. *engine.Orchestrator
// satisfies it.
type WorkflowRunner interface {
	Run(ctx context.Context, def *schema.WorkflowDefinition, opts engine.RunOptions) (*store.RunState, error)
	Resume(ctx context.Context, runID string) (*store.RunState, error)
}

// DefinitionLoader loads and lint-checks workflow files from disk.
type DefinitionLoader interface {
	Load(path string) (*schema.WorkflowDefinition, error)
	Check(path string) (*schema.WorkflowDefinition, *schema.ValidationResult, error)
}

// RalphServerDeps holds the dependencies for creating a RalphServer.
type RalphServerDeps struct {
	Runner WorkflowRunner
	Store  store.Store
	Loader DefinitionLoader
	Logger *slog.Logger
}

// RalphServer wraps an MCP server with pipeline tool handlers.
type RalphServer struct {
	runner    WorkflowRunner
	store     store.Store
	loader    DefinitionLoader
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewRalphServer creates a new RalphServer with all 6 tools registered.
func NewRalphServer(deps RalphServerDeps) *RalphServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RalphServer{
		runner:   deps.Runner,
		store:    deps.Store,
		loader:   deps.Loader,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"ralph",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Ralph is an autonomous build-pipeline orchestrator. Use ralph.run to execute a workflow file, ralph.resume to continue an interrupted run, ralph.status to inspect per-stage progress, ralph.runs to list known runs, ralph.graph to visualize a pipeline, and ralph.validate to lint a workflow file."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RalphServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RalphServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *RalphServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: graphTool(), Handler: s.handleGraph},
		{Tool: validateTool(), Handler: s.handleValidate},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("ralph.run",
		mcp.WithDescription("Execute a workflow file through the full pipeline"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to the workflow YAML file")),
		mcp.WithObject("variables", mcp.Description("Variable overrides for this run")),
		mcp.WithString("workdir", mcp.Description("Working directory for stage commands (default: directory of the workflow file)")),
		mcp.WithBoolean("detach", mcp.Description("Return the run ID immediately and push a notification when the run finishes")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("ralph.resume",
		mcp.WithDescription("Resume an interrupted run from its last persisted state"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("ralph.status",
		mcp.WithDescription("Get per-stage status for a run"),
		mcp.WithString("run_id", mcp.Description("ID of the run to query (default: most recent run)")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("ralph.runs",
		mcp.WithDescription("List known runs, newest first"),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs to return (default 20)")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("ralph.graph",
		mcp.WithDescription("Generate a pipeline diagram. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG image"),
		mcp.WithString("path", mcp.Description("Workflow file to diagram")),
		mcp.WithString("run_id", mcp.Description("Run ID to diagram (includes runtime status overlay)")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("ralph.validate",
		mcp.WithDescription("Validate a workflow file and report errors and warnings"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to the workflow YAML file")),
	)
}
