package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeCycleDetected   = "CYCLE_DETECTED"
	ErrCodeGateConflict    = "GATE_CONFLICT"
	ErrCodeBinding         = "BINDING_ERROR"
	ErrCodeMissingPath     = "MISSING_BINDING_PATH"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeLoopExceeded    = "LOOP_ITERATIONS_EXCEEDED"
	ErrCodeForEachConflict = "AMBIGUOUS_FOREACH"
	ErrCodeNodeFailed      = "NODE_FAILED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeTransition      = "INVALID_TRANSITION"
	ErrCodeStore           = "STORE_ERROR"
)

// FloeError is the structured error type for all floe operations.
type FloeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FloeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FloeError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FloeError.
func NewError(code, message string) *FloeError {
	return &FloeError{Code: code, Message: message}
}

// NewErrorf creates a new FloeError with a formatted message.
func NewErrorf(code, format string, args ...any) *FloeError {
	return &FloeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FloeError) WithNode(nodeID string) *FloeError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FloeError) WithCause(err error) *FloeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FloeError) WithDetails(details map[string]any) *FloeError {
	e.Details = details
	return e
}

// IsRetryable reports whether another execution attempt could succeed.
// Compilation, binding, and gate errors are deterministic and never retried.
func (e *FloeError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}
