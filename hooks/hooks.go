// Package hooks implements the runtime's typed interception pipeline:
// before/after LLM calls, before/after tool calls, and before memory
// compaction. Hooks are duck-typed — a Hook may implement any subset of the
// five methods — and are invoked first-to-last, with later hooks observing
// mutations made by earlier ones. The manager never swallows errors: the
// first hook error aborts the pipeline and is returned to the caller.
package hooks

import (
	"context"

	"github.com/loopkit/agentrt/types"
)

// BeforeLLMEvent carries the inputs a before_llm hook may patch.
type BeforeLLMEvent struct {
	Task        types.AgentTask
	CycleIndex  int
	Messages    []types.Message
	ToolSchemas []map[string]any
	SharedState map[string]any
}

// LLMPatch is an optional replacement for messages and/or tool schemas
// returned by a before_llm hook. A nil field leaves that input untouched.
type LLMPatch struct {
	Messages    []types.Message
	ToolSchemas []map[string]any
}

// LLMResponse is the normalized model response a cycle runner builds from
// the LLM client and hooks may replace wholesale in after_llm.
type LLMResponse struct {
	Content          string
	ReasoningContent string
	ToolCalls        []types.ToolCall
	Usage            types.TokenUsage
	Raw              map[string]any
}

// AfterLLMEvent carries the response an after_llm hook may replace.
type AfterLLMEvent struct {
	Task       types.AgentTask
	CycleIndex int
	Response   LLMResponse
}

// BeforeToolCallEvent carries the call a before_tool_call hook may patch or
// short-circuit.
type BeforeToolCallEvent struct {
	Task        types.AgentTask
	CycleIndex  int
	Call        types.ToolCall
	SharedState map[string]any
}

// ToolCallPatch is the tagged-union return shape for before_tool_call:
// exactly one of Call or Result should be set. Call replaces the call and
// dispatch proceeds; Result short-circuits dispatch entirely.
type ToolCallPatch struct {
	Call   *types.ToolCall
	Result *types.ToolExecutionResult
}

// AfterToolCallEvent carries the result an after_tool_call hook may replace.
type AfterToolCallEvent struct {
	Task        types.AgentTask
	CycleIndex  int
	Call        types.ToolCall
	Result      types.ToolExecutionResult
	SharedState map[string]any
}

// BeforeMemoryCompactEvent carries the message list a before_memory_compact
// hook may replace prior to compaction.
type BeforeMemoryCompactEvent struct {
	Task     types.AgentTask
	Messages []types.Message
}

// Hook is duck-typed: implement any subset of these methods. A Hook that
// does not implement a given method is simply skipped for that
// interception point (checked via the optional Before*/After* interfaces
// below).
type (
	BeforeMemoryCompactHook interface {
		BeforeMemoryCompact(ctx context.Context, event BeforeMemoryCompactEvent) ([]types.Message, error)
	}
	BeforeLLMHook interface {
		BeforeLLM(ctx context.Context, event BeforeLLMEvent) (*LLMPatch, error)
	}
	AfterLLMHook interface {
		AfterLLM(ctx context.Context, event AfterLLMEvent) (*LLMResponse, error)
	}
	BeforeToolCallHook interface {
		BeforeToolCall(ctx context.Context, event BeforeToolCallEvent) (*ToolCallPatch, error)
	}
	AfterToolCallHook interface {
		AfterToolCall(ctx context.Context, event AfterToolCallEvent) (*types.ToolExecutionResult, error)
	}
)

// Manager holds an ordered list of hooks and applies each interception
// point across all of them, first-to-last.
type Manager struct {
	hooks []any
}

// NewManager returns a Manager running the given hooks in the given order.
func NewManager(hooks ...any) *Manager {
	return &Manager{hooks: hooks}
}

// ApplyBeforeMemoryCompact runs every BeforeMemoryCompactHook in order,
// threading the possibly-replaced message list from one hook to the next.
func (m *Manager) ApplyBeforeMemoryCompact(ctx context.Context, task types.AgentTask, messages []types.Message) ([]types.Message, error) {
	for _, h := range m.hooks {
		hook, ok := h.(BeforeMemoryCompactHook)
		if !ok {
			continue
		}
		replaced, err := hook.BeforeMemoryCompact(ctx, BeforeMemoryCompactEvent{Task: task, Messages: messages})
		if err != nil {
			return nil, err
		}
		if replaced != nil {
			messages = replaced
		}
	}
	return messages, nil
}

// ApplyBeforeLLM runs every BeforeLLMHook in order, threading patches.
func (m *Manager) ApplyBeforeLLM(ctx context.Context, task types.AgentTask, cycleIndex int, messages []types.Message, schemas []map[string]any, shared map[string]any) ([]types.Message, []map[string]any, error) {
	for _, h := range m.hooks {
		hook, ok := h.(BeforeLLMHook)
		if !ok {
			continue
		}
		patch, err := hook.BeforeLLM(ctx, BeforeLLMEvent{
			Task: task, CycleIndex: cycleIndex, Messages: messages, ToolSchemas: schemas, SharedState: shared,
		})
		if err != nil {
			return nil, nil, err
		}
		if patch == nil {
			continue
		}
		if patch.Messages != nil {
			messages = patch.Messages
		}
		if patch.ToolSchemas != nil {
			schemas = patch.ToolSchemas
		}
	}
	return messages, schemas, nil
}

// ApplyAfterLLM runs every AfterLLMHook in order, allowing wholesale
// response replacement (e.g. budget-driven forced-finish).
func (m *Manager) ApplyAfterLLM(ctx context.Context, task types.AgentTask, cycleIndex int, response LLMResponse) (LLMResponse, error) {
	for _, h := range m.hooks {
		hook, ok := h.(AfterLLMHook)
		if !ok {
			continue
		}
		replaced, err := hook.AfterLLM(ctx, AfterLLMEvent{Task: task, CycleIndex: cycleIndex, Response: response})
		if err != nil {
			return response, err
		}
		if replaced != nil {
			response = *replaced
		}
	}
	return response, nil
}

// ApplyBeforeToolCall runs every BeforeToolCallHook in order. The first hook
// to return a short-circuit Result wins and stops iteration over remaining
// hooks for this point (a result has already decided the call's outcome).
func (m *Manager) ApplyBeforeToolCall(ctx context.Context, task types.AgentTask, cycleIndex int, call types.ToolCall, shared map[string]any) (types.ToolCall, *types.ToolExecutionResult, error) {
	for _, h := range m.hooks {
		hook, ok := h.(BeforeToolCallHook)
		if !ok {
			continue
		}
		patch, err := hook.BeforeToolCall(ctx, BeforeToolCallEvent{Task: task, CycleIndex: cycleIndex, Call: call, SharedState: shared})
		if err != nil {
			return call, nil, err
		}
		if patch == nil {
			continue
		}
		if patch.Result != nil {
			return call, patch.Result, nil
		}
		if patch.Call != nil {
			call = *patch.Call
		}
	}
	return call, nil, nil
}

// ApplyAfterToolCall runs every AfterToolCallHook in order, allowing result
// replacement.
func (m *Manager) ApplyAfterToolCall(ctx context.Context, task types.AgentTask, cycleIndex int, call types.ToolCall, result types.ToolExecutionResult, shared map[string]any) (types.ToolExecutionResult, error) {
	for _, h := range m.hooks {
		hook, ok := h.(AfterToolCallHook)
		if !ok {
			continue
		}
		replaced, err := hook.AfterToolCall(ctx, AfterToolCallEvent{Task: task, CycleIndex: cycleIndex, Call: call, Result: result, SharedState: shared})
		if err != nil {
			return result, err
		}
		if replaced != nil {
			result = *replaced
		}
	}
	return result, nil
}
