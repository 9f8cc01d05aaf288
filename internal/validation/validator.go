package validation

import "github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateVariables(variables map[string]any, variableSchema []byte) error
}
