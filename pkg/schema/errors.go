package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeSyntax     = "SYNTAX_ERROR"
	ErrCodeCompile    = "COMPILE_ERROR"
	ErrCodeEvaluation = "EVALUATION_ERROR"
	ErrCodeSourceRead = "SOURCE_READ_ERROR"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeStore      = "STORE_ERROR"
)

// Error is the structured error type for all deriva operations.
type Error struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	OutputID string         `json:"output_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *Error) Error() string {
	if e.OutputID != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.OutputID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithOutput attaches the output id of the item the error belongs to.
func (e *Error) WithOutput(outputID string) *Error {
	e.OutputID = outputID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCompileError reports whether err rejects a formula before evaluation:
// syntax errors, complexity violations, oversize formulas and bad output ids.
func IsCompileError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeSyntax, ErrCodeCompile:
		return true
	}
	return false
}
