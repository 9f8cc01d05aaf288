package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
	"github.com/google/cel-go/cel"
)

// celScopeKeys are the names every condition expression may reference.
// Absent keys are filled with empty defaults before evaluation so a
// condition over a stage that never ran fails cleanly instead of erroring.
var celScopeKeys = []string{"variables", "stages", "run"}

// CELEngine implements the Engine interface using Google's Common Expression
// Language. It evaluates stage condition expressions.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment.
// The environment exposes the condition evaluation scope:
//   - variables:       map(string, dyn) workflow variables
//   - stages:          map(string, dyn) completed stage results keyed by stage ID
//   - run:             map(string, dyn) run metadata (run_id, workdir, etc.)
//   - recursion_count: int              loop restarts consumed by the current stage
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celScopeKeys)+1)
	for _, key := range celScopeKeys {
		opts = append(opts, cel.Variable(key, cel.MapType(cel.StringType, cel.DynType)))
	}
	opts = append(opts, cel.Variable("recursion_count", cel.IntType))

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate runs a CEL expression against the condition scope, compiling on
// first use. Data keys outside the declared scope are ignored.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(celActivation(data))
	if err != nil {
		return nil, celError(schema.ErrCodeCondition, "evaluation", expression, err)
	}
	return out.Value(), nil
}

// program returns the compiled form of expression, caching it for reuse.
func (e *CELEngine) program(expression string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.programs[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, celError(schema.ErrCodeValidation, "compile", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, celError(schema.ErrCodeValidation, "planning", expression, err)
	}

	e.programs[expression] = prg
	return prg, nil
}

func celError(code, phase, expression string, cause error) error {
	return schema.NewErrorf(code, "CEL %s failed for %q: %s", phase, expression, cause.Error()).
		WithCause(cause).
		WithDetails(map[string]any{"expression": expression})
}

// celActivation fills the declared scope keys from data, substituting empty
// defaults for anything missing.
func celActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celScopeKeys)+1)
	for _, key := range celScopeKeys {
		activation[key] = map[string]any{}
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		}
	}
	activation["recursion_count"] = 0
	if v, ok := data["recursion_count"]; ok && v != nil {
		activation["recursion_count"] = v
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
