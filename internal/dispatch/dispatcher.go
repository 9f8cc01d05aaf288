package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// Request carries everything a handler needs to execute one stage attempt.
// Config arrives fully template-resolved; handlers never see {{ }} tokens.
type Request struct {
	Stage   *schema.StageDefinition
	Config  map[string]any
	Agent   schema.AgentsConfig
	RunID   string
	Workdir string
	Timeout time.Duration
	Attempt int

	// PriorFailure summarizes the previous failed attempt when Attempt > 1,
	// so agent stages can be told what went wrong.
	PriorFailure string
}

// Outcome is what a handler observed about the process it ran. It is a
// claim, not a verdict: verification gates decide whether the stage passed.
type Outcome struct {
	ExitCode  int
	Killed    bool
	Output    string
	Artifacts []string
	Derived   map[string]any
}

// Handler executes stages of one type.
type Handler interface {
	Type() schema.StageType
	Execute(ctx context.Context, req *Request) (*Outcome, error)
}

// Dispatcher routes stage execution to the handler registered for the
// stage's type.
type Dispatcher struct {
	handlers map[schema.StageType]Handler
	logger   *slog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[schema.StageType]Handler),
		logger:   logger,
	}
}

// Register adds a handler, replacing any previous handler for the same type.
func (d *Dispatcher) Register(h Handler) {
	d.handlers[h.Type()] = h
}

// Execute runs one stage attempt through its handler.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	handler, ok := d.handlers[req.Stage.Type]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"no handler registered for stage type %q", req.Stage.Type).WithStage(req.Stage.ID)
	}

	d.logger.Debug("dispatching stage",
		slog.String("stage_id", req.Stage.ID),
		slog.String("type", string(req.Stage.Type)),
		slog.Int("attempt", req.Attempt))

	return handler.Execute(ctx, req)
}

// --- config helpers shared by handlers ---

func stringConfig(m map[string]any, key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func stringSliceConfig(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch arr := v.(type) {
	case []string:
		return arr
	case []any:
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringMapConfig(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func mapConfig(m map[string]any, key string) map[string]any {
	if v, ok := m[key]; ok {
		if mm, ok := v.(map[string]any); ok {
			return mm
		}
	}
	return nil
}
