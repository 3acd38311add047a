// Package modeltest provides a scripted model.Client for driving the cycle
// runner and runtime in tests without a live provider: each call to
// Complete replays the next scripted response in order.
package modeltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/model"
	"github.com/loopkit/agentrt/types"
)

// Step is one scripted response returned for the Nth call to Complete.
type Step struct {
	Response hooks.LLMResponse
	Err      error
}

// Client replays Steps in order, one per call to Complete, and records every
// call's (model, messages, tools) for assertions.
type Client struct {
	mu    sync.Mutex
	steps []Step
	calls []Call
}

// Call captures one recorded invocation of Complete.
type Call struct {
	Model    string
	Messages []types.Message
	Tools    []map[string]any
}

// New returns a Client that yields steps in order. Calling Complete more
// times than len(steps) panics, surfacing a misconfigured scenario instead
// of silently returning a zero response.
func New(steps ...Step) *Client {
	return &Client{steps: steps}
}

var _ model.Client = (*Client)(nil)

func (c *Client) Complete(_ context.Context, modelID string, messages []types.Message, tools []map[string]any, stream model.StreamCallback) (hooks.LLMResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := len(c.calls)
	c.calls = append(c.calls, Call{Model: modelID, Messages: append([]types.Message(nil), messages...), Tools: tools})
	if idx >= len(c.steps) {
		panic(fmt.Sprintf("modeltest: Complete called %d times but only %d steps scripted", idx+1, len(c.steps)))
	}
	step := c.steps[idx]
	if step.Response.Content != "" && stream != nil {
		stream(step.Response.Content)
	}
	return step.Response, step.Err
}

// Calls returns every recorded invocation, in order.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// ToolCallResponse builds a scripted Step whose response requests the given
// tool calls with no text content.
func ToolCallResponse(calls ...types.ToolCall) Step {
	return Step{Response: hooks.LLMResponse{ToolCalls: calls}}
}

// TextResponse builds a scripted Step whose response is plain assistant
// text with no tool calls.
func TextResponse(content string) Step {
	return Step{Response: hooks.LLMResponse{Content: content}}
}
