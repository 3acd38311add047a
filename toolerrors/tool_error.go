// Package toolerrors provides a structured error type for tool invocation
// failures. ToolError wraps a Goa ServiceError (Name/ID/Message/Timeout/
// Temporary/Fault) so dispatch-boundary failures carry the same shape the
// rest of the stack's service errors do, while preserving causal chains and
// supporting errors.Is/As across sub-task/agent-as-tool hops.
package toolerrors

import (
	"errors"
	"fmt"

	goa "goa.design/goa/v3/pkg"
)

// ToolError represents a structured tool failure. It embeds a
// *goa.ServiceError for the Name/ID/Message/Timeout/Temporary/Fault fields
// dispatch callers and hooks key off of, and chains to an underlying
// ToolError via Cause so errors.Is/As can walk causal history across
// sub-task hops.
type ToolError struct {
	*goa.ServiceError
	// Cause links to the underlying tool error, enabling chains with
	// errors.Is/As.
	Cause *ToolError
}

// defaultErrorName is the Goa error class used for tool failures that don't
// originate from a more specific classification (schema validation, handler
// fault, and so on).
const defaultErrorName = "tool_error"

// New constructs a ToolError with the provided message, classified as
// neither temporary, a timeout, nor a fault.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{ServiceError: goa.NewServiceError(errors.New(message), defaultErrorName, false, false, false)}
}

// NewFault constructs a ToolError flagged as a server-side fault, for
// failures that indicate a bug in the tool implementation itself (a
// panicking handler) rather than a normal rejection.
func NewFault(message string) *ToolError {
	if message == "" {
		message = "tool fault"
	}
	return &ToolError{ServiceError: goa.NewServiceError(errors.New(message), "tool_fault", false, false, true)}
}

// NewWithCause constructs a ToolError that wraps an underlying error.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{ServiceError: goa.NewServiceError(errors.New(message), defaultErrorName, false, false, false), Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a ToolError chain. An error
// that already carries a *goa.ServiceError (possibly produced outside this
// package) is adopted directly rather than re-wrapped, so its Name/Fault/
// Timeout classification survives the conversion.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	var se *goa.ServiceError
	if errors.As(err, &se) {
		return &ToolError{ServiceError: se, Cause: FromError(errors.Unwrap(err))}
	}
	return &ToolError{
		ServiceError: goa.NewServiceError(err, defaultErrorName, false, false, false),
		Cause:        FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil || e.ServiceError == nil {
		return ""
	}
	return e.ServiceError.Error()
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
