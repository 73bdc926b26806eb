package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeMissingInput      = "MISSING_INPUT"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeUnroutableOutcome = "UNROUTABLE_OUTCOME"
	ErrCodeFlowLoop          = "FLOW_LOOP"
	ErrCodeRunTimeout        = "RUN_TIMEOUT"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeProvider          = "PROVIDER_ERROR"
	ErrCodeCancelled         = "CANCELLED"
)

// CarepathError is the structured error type for all carepath operations.
type CarepathError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Node    string         `json:"node,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CarepathError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.Node, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CarepathError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CarepathError.
func NewError(code, message string) *CarepathError {
	return &CarepathError{Code: code, Message: message}
}

// NewErrorf creates a new CarepathError with a formatted message.
func NewErrorf(code, format string, args ...any) *CarepathError {
	return &CarepathError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the originating node name to the error.
func (e *CarepathError) WithNode(node string) *CarepathError {
	e.Node = node
	return e
}

// WithCause attaches an underlying cause.
func (e *CarepathError) WithCause(err error) *CarepathError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CarepathError) WithDetails(details map[string]any) *CarepathError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code identifies a transient failure.
// Configuration bugs and run-level terminations are never retried.
func (e *CarepathError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeMissingInput, ErrCodeUnroutableOutcome, ErrCodeFlowLoop,
		ErrCodeRunTimeout, ErrCodeValidation, ErrCodeNotFound,
		ErrCodeConflict, ErrCodeCancelled, ErrCodeRetryExhausted:
		return false
	default:
		return true
	}
}
