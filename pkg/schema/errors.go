package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeDuplicateStage     = "DUPLICATE_STAGE"
	ErrCodeUnknownDependency  = "UNKNOWN_DEPENDENCY"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeUndefinedReference = "UNDEFINED_REFERENCE"
	ErrCodeCondition          = "CONDITION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeVerification       = "VERIFICATION_FAILED"
	ErrCodeLoopExhausted      = "LOOP_EXHAUSTED"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeCancelled          = "CANCELLED"
)

// RalphError is the structured error type for all orchestrator operations.
type RalphError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StageID string         `json:"stage_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RalphError) Error() string {
	if e.StageID != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.StageID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RalphError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RalphError.
func NewError(code, message string) *RalphError {
	return &RalphError{Code: code, Message: message}
}

// NewErrorf creates a new RalphError with a formatted message.
func NewErrorf(code, format string, args ...any) *RalphError {
	return &RalphError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage ID to the error.
func (e *RalphError) WithStage(stageID string) *RalphError {
	e.StageID = stageID
	return e
}

// WithCause attaches an underlying cause.
func (e *RalphError) WithCause(err error) *RalphError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RalphError) WithDetails(details map[string]any) *RalphError {
	e.Details = details
	return e
}

// ErrorCode extracts the structured code from err, or ErrCodeExecution
// when err is not a RalphError.
func ErrorCode(err error) string {
	if re, ok := err.(*RalphError); ok {
		return re.Code
	}
	return ErrCodeExecution
}
