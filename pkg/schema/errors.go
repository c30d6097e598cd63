package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	ErrCodeActionTimeout     = "ACTION_TIMEOUT"
	ErrCodeActionFailure     = "ACTION_FAILURE"
	ErrCodeDeliveryFailure   = "DELIVERY_FAILURE"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
)

// SpiralError is the structured error type for all engine operations.
type SpiralError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	ActionID string         `json:"action_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *SpiralError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("[%s] action %s: %s", e.Code, e.ActionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SpiralError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the Retry Controller may re-run the failed operation.
func (e *SpiralError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeActionTimeout, ErrCodeActionFailure, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new SpiralError.
func NewError(code, message string) *SpiralError {
	return &SpiralError{Code: code, Message: message}
}

// NewErrorf creates a new SpiralError with a formatted message.
func NewErrorf(code, format string, args ...any) *SpiralError {
	return &SpiralError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches an action ID to the error.
func (e *SpiralError) WithAction(actionID string) *SpiralError {
	e.ActionID = actionID
	return e
}

// WithCause attaches an underlying cause.
func (e *SpiralError) WithCause(err error) *SpiralError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *SpiralError) WithDetails(details map[string]any) *SpiralError {
	e.Details = details
	return e
}

// ErrorCode extracts the code of the first SpiralError in err's chain.
func ErrorCode(err error) string {
	var se *SpiralError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// ValidationError marks a malformed definition or payload. Never creates a run.
func ValidationError(format string, args ...any) *SpiralError {
	return NewErrorf(ErrCodeValidation, format, args...)
}

// RateLimitExceeded marks a refused trigger admission.
func RateLimitExceeded(workflowID string) *SpiralError {
	return NewErrorf(ErrCodeRateLimited, "rate limit exceeded for workflow %s", workflowID).
		WithDetails(map[string]any{"workflow_id": workflowID})
}

// ActionTimeout marks an action attempt that outlived its deadline.
func ActionTimeout(actionID string, timeout fmt.Stringer) *SpiralError {
	return NewErrorf(ErrCodeActionTimeout, "timed out after %s", timeout).WithAction(actionID)
}

// ActionFailure marks a handler-specific failure.
func ActionFailure(actionID, format string, args ...any) *SpiralError {
	return NewErrorf(ErrCodeActionFailure, format, args...).WithAction(actionID)
}

// DeliveryFailure marks a failed webhook push.
func DeliveryFailure(deliveryID, format string, args ...any) *SpiralError {
	return NewErrorf(ErrCodeDeliveryFailure, format, args...).
		WithDetails(map[string]any{"delivery_id": deliveryID})
}

// CancelledError marks an operator-requested cancellation.
func CancelledError(runID string) *SpiralError {
	return NewErrorf(ErrCodeCancelled, "run %s cancelled", runID)
}
