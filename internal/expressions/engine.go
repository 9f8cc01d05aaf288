package expressions

import "context"

// Engine evaluates expressions within workflow stages.
// Three implementations: CEL (conditions), Expr (condition fallback),
// GoJQ (output transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
