package expressions

import (
	"context"
	"sync"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine implements the Engine interface using expr-lang/expr. It serves
// as the fallback condition engine for expressions that CEL rejects, covering
// nil coalescing (??), optional chaining (?.), and pipe chaining (|).
// Thread-safe: compiled *vm.Program objects are cached and reused across goroutines.
type ExprEngine struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: make(map[string]*vm.Program)}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs an Expr expression with data as the environment, compiling
// on first use. Every key of data is visible as a top-level variable.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	if data == nil {
		data = map[string]any{}
	}

	prg, err := e.program(expression, data)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, exprError(schema.ErrCodeCondition, "evaluation", expression, err)
	}
	return out, nil
}

// program returns the compiled form of expression, caching it for reuse.
// Undefined variables are allowed so a condition can probe stages that have
// not run yet.
func (e *ExprEngine) program(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.programs[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, exprError(schema.ErrCodeValidation, "compile", expression, err)
	}

	e.programs[expression] = prg
	return prg, nil
}

func exprError(code, phase, expression string, cause error) error {
	return schema.NewErrorf(code, "expr %s failed for %q: %s", phase, expression, cause.Error()).
		WithCause(cause).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*ExprEngine)(nil)
