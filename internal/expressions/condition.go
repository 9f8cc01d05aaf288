package expressions

import (
	"context"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// ConditionEvaluator decides whether a stage should dispatch. CEL is the
// primary engine; expressions CEL cannot compile fall back to Expr, which
// accepts a wider operator set. Evaluation happens at dispatch time, never
// at graph construction time.
type ConditionEvaluator struct {
	cel  *CELEngine
	expr *ExprEngine
}

// NewConditionEvaluator creates a ConditionEvaluator with both engines ready.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluator{
		cel:  celEngine,
		expr: NewExprEngine(),
	}, nil
}

// Evaluate resolves a condition expression against the scope. An empty
// expression is vacuously true. A runtime evaluation failure is an error,
// not a false: the caller must fail the stage rather than silently skip it.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, expression string, scope *Scope) (bool, error) {
	if expression == "" {
		return true, nil
	}

	data := scope.ConditionData()

	out, err := c.cel.Evaluate(ctx, expression, data)
	if err != nil {
		if schema.ErrorCode(err) != schema.ErrCodeValidation {
			return false, err
		}
		// CEL rejected the expression at compile time; retry with Expr.
		out, err = c.expr.Evaluate(ctx, expression, data)
		if err != nil {
			return false, err
		}
	}

	return truthy(out), nil
}

// truthy coerces an expression result to a boolean. Mirrors jq/shell
// conventions: nil, false, zero, and the empty string are false.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
