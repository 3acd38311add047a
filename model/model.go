// Package model defines the provider-agnostic LLM oracle contract the cycle
// runner calls once per cycle, plus the provider-error classification shared
// by every adapter in this tree (model/anthropic, model/openai,
// model/bedrock) and the rate-limiting decorator in model/middleware.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/types"
)

// StreamCallback receives incremental text chunks as a streaming completion
// token arrives. Non-streaming adapters simply never invoke it.
type StreamCallback func(chunk string)

// Client is the LLM oracle consumed by the cycle runner: one
// normalized call per cycle, translating provider-specific request/response
// shapes into types.Message/hooks.LLMResponse. Implementations must be safe
// for concurrent use across parallel sub-tasks and must surface token usage
// under Raw["usage"] in addition to the normalized Usage field.
type Client interface {
	Complete(ctx context.Context, model string, messages []types.Message, tools []map[string]any, stream StreamCallback) (hooks.LLMResponse, error)
}

// ErrStreamingUnsupported indicates the adapter has no streaming transport
// for the requested model and that callers should retry via a plain call.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited wraps provider errors recognized as throttling so
// middleware (model/middleware) and hooks can react without parsing
// provider-specific error bodies.
var ErrRateLimited = errors.New("model: rate limited")

// ErrorKind classifies provider failures into a small set of categories
// suitable for retry and surfacing decisions.
type ErrorKind string

const (
	ErrorKindAuth           ErrorKind = "auth"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindRateLimited    ErrorKind = "rate_limited"
	ErrorKindUnavailable    ErrorKind = "unavailable"
	ErrorKindUnknown        ErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider in a form
// that crosses package boundaries without leaking provider SDK types.
type ProviderError struct {
	Provider  string
	Operation string
	HTTP      int
	Kind      ErrorKind
	Code      string
	Message   string
	RequestID string
	Retryable bool
	Cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are
// required; cause may be nil but should be set to preserve the chain.
func NewProviderError(provider, operation string, httpStatus int, kind ErrorKind, code, message, requestID string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		kind = ErrorKindUnknown
	}
	return &ProviderError{
		Provider: provider, Operation: operation, HTTP: httpStatus, Kind: kind,
		Code: code, Message: message, RequestID: requestID, Retryable: retryable, Cause: cause,
	}
}

func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.HTTP > 0 {
		return fmt.Sprintf("%s %s %d (%s): %s", e.Provider, e.Kind, e.HTTP, op, msg)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.Provider, e.Kind, op, msg)
}

// Unwrap returns the underlying provider error to preserve the error chain.
func (e *ProviderError) Unwrap() error { return e.Cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
