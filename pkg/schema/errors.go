package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeActionNotFound    = "ACTION_NOT_FOUND"
	ErrCodeInvalidParameters = "ACTION_INVALID_PARAMETERS"
	ErrCodeActionExecution   = "ACTION_EXECUTION_ERROR"
	ErrCodeCondition         = "CONDITION_ERROR"
	ErrCodeRender            = "RENDER_ERROR"
	ErrCodeTimeout           = "TIMEOUT_EXCEEDED"
	ErrCodeStop              = "EXPLICIT_STOP"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeAborted           = "ABORTED"
	ErrCodeAttach            = "TRIGGER_ATTACH_ERROR"
	ErrCodeRejected          = "RUN_REJECTED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
)

// ScriptError is the structured error type for all engine operations.
type ScriptError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Path    string         `json:"path,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ScriptError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] at %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ScriptError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ScriptError.
func NewError(code, message string) *ScriptError {
	return &ScriptError{Code: code, Message: message}
}

// NewErrorf creates a new ScriptError with a formatted message.
func NewErrorf(code, format string, args ...any) *ScriptError {
	return &ScriptError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPath attaches the node path the error was raised at.
// An already-set path is kept so the innermost node wins.
func (e *ScriptError) WithPath(path string) *ScriptError {
	if e.Path == "" {
		e.Path = path
	}
	return e
}

// WithCause attaches an underlying cause.
func (e *ScriptError) WithCause(err error) *ScriptError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ScriptError) WithDetails(details map[string]any) *ScriptError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first ScriptError in err's chain, or "".
func CodeOf(err error) string {
	var se *ScriptError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries a ScriptError with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
