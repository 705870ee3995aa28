// Package toolerrors provides the structured error type a tool executor
// returns when a tool invocation fails, preserving causal chains across
// retries while still implementing the standard error interface.
//
// Grounded on runtime/agent/toolerrors/tool_error.go, carried over unchanged
// in shape: this spec's Tool Registry contract (§6) returns the same
// "invoke(arguments_json, cancel) → result_json" shape the teacher's tool
// dispatch uses, so the failure type travels with it.
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError is a structured tool failure. Cause links to an underlying
// ToolError, enabling error chains with errors.Is/As.
type ToolError struct {
	Message string
	Cause   *ToolError
}

// New constructs a ToolError with the given message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCause constructs a ToolError wrapping an underlying error.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Errorf formats a message and returns it as a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying ToolError to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
