package expressions

import (
	"context"
	"sync"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
	"github.com/itchyny/gojq"
)

// GoJQEngine implements the Engine interface using GoJQ for JSON data
// transformation. It evaluates the optional `transform` expression on custom
// stages, reshaping parsed stage stdout into derived context values.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type GoJQEngine struct {
	mu       sync.Mutex
	programs map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: make(map[string]*gojq.Code)}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq expression against data, compiling on first use.
// A single jq output is returned as-is; multiple outputs come back as []any
// and zero outputs as nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(data))
	for val, ok := iter.Next(); ok; val, ok = iter.Next() {
		if evalErr, isErr := val.(error); isErr {
			return nil, jqError(schema.ErrCodeExecution, "evaluation", expression, evalErr)
		}
		results = append(results, val)
	}

	if len(results) == 1 {
		return results[0], nil
	}
	if results == nil {
		return nil, nil
	}
	return results, nil
}

// program returns the compiled form of expression, caching it for reuse.
// Compilation sandboxes the query: $ENV and env lookups see nothing.
func (e *GoJQEngine) program(expression string) (*gojq.Code, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.programs[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, jqError(schema.ErrCodeValidation, "parse", expression, err)
	}
	code, err := gojq.Compile(query,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, jqError(schema.ErrCodeValidation, "compile", expression, err)
	}

	e.programs[expression] = code
	return code, nil
}

func jqError(code, phase, expression string, cause error) error {
	return schema.NewErrorf(code, "jq %s failed for %q: %s", phase, expression, cause.Error()).
		WithCause(cause).
		WithDetails(map[string]any{"expression": expression})
}

// jqValue rewrites Go values into the shapes gojq accepts as input. All
// integer and float32 numbers become float64, matching jq number semantics.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = jqValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = jqValue(elem)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
