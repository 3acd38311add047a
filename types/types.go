// Package types defines the immutable value objects shared by every
// component of the runtime: messages, tool calls and results, per-cycle
// records, token usage, task/result envelopes, and checkpoints.
package types

import "time"

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentBlock is one element of a multimodal message body. Text-only
// messages may leave Blocks nil and use Content instead.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is one entry in a run's dialogue history. Messages are built once
// by the cycle runner, tool-call runner, or memory manager and never mutated
// in place afterward; rewrites produce a new Message.
type Message struct {
	Role             Role           `json:"role"`
	Content          string         `json:"content,omitempty"`
	Blocks           []ContentBlock `json:"blocks,omitempty"`
	Name             string         `json:"name,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ImageURL         string         `json:"image_url,omitempty"`
}

// IsEmptyAssistant reports whether an assistant message carries neither
// text content nor tool calls — the shape the memory manager's sanitize
// rewrite drops.
func (m Message) IsEmptyAssistant() bool {
	return m.Role == RoleAssistant && m.Content == "" && len(m.Blocks) == 0 && len(m.ToolCalls) == 0
}

// ToolCall is one tool invocation requested by the model in an assistant
// turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDirective is the control-flow signal a tool result carries back to the
// engine.
type ToolDirective string

const (
	DirectiveContinue ToolDirective = "continue"
	DirectiveWaitUser ToolDirective = "wait_user"
	DirectiveFinish   ToolDirective = "finish"
)

// Valid reports whether d is one of the three recognized directives.
func (d ToolDirective) Valid() bool {
	switch d {
	case DirectiveContinue, DirectiveWaitUser, DirectiveFinish:
		return true
	default:
		return false
	}
}

// ToolResultStatus is the normalized status code attached to a
// ToolExecutionResult, derived from the tool's directive and error state.
type ToolResultStatus string

const (
	StatusOK           ToolResultStatus = "ok"
	StatusError        ToolResultStatus = "error"
	StatusWaitResponse ToolResultStatus = "wait_response"
)

// ToolExecutionResult is the normalized outcome of one dispatched tool call.
type ToolExecutionResult struct {
	ToolCallID string           `json:"tool_call_id"`
	Content    string           `json:"content"`
	Status     string           `json:"status"`
	StatusCode ToolResultStatus `json:"status_code"`
	Directive  ToolDirective    `json:"directive,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	ImageURL   string           `json:"image_url,omitempty"`
	ImagePath  string           `json:"image_path,omitempty"`
}

// ToToolMessage renders the result as the tool-role Message appended to the
// dialogue history.
func (r ToolExecutionResult) ToToolMessage() Message {
	return Message{
		Role:       RoleTool,
		Content:    r.Content,
		ToolCallID: r.ToolCallID,
	}
}

// TokenUsage is the normalized token accounting for a single LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	InputTokens      int `json:"input_tokens,omitempty"`
	OutputTokens     int `json:"output_tokens,omitempty"`
	CacheCreation    int `json:"cache_creation_tokens,omitempty"`
}

// Add returns the element-wise sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		CachedTokens:     u.CachedTokens + other.CachedTokens,
		ReasoningTokens:  u.ReasoningTokens + other.ReasoningTokens,
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		CacheCreation:    u.CacheCreation + other.CacheCreation,
	}
}

// Effective returns the best total-tokens estimate: TotalTokens if set,
// otherwise the sum of prompt and completion tokens.
func (u TokenUsage) Effective() int {
	if u.TotalTokens != 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// TaskTokenUsage accumulates TokenUsage across every cycle of a run.
type TaskTokenUsage struct {
	PerCycle []TokenUsage `json:"per_cycle"`
}

// Total sums every per-cycle usage.
func (t TaskTokenUsage) Total() TokenUsage {
	var sum TokenUsage
	for _, u := range t.PerCycle {
		sum = sum.Add(u)
	}
	return sum
}

// CycleRecord captures everything that happened in one reason-act cycle.
type CycleRecord struct {
	Index             int                   `json:"index"`
	AssistantMessage  Message               `json:"assistant_message"`
	ToolCalls         []ToolCall            `json:"tool_calls,omitempty"`
	ToolResults       []ToolExecutionResult `json:"tool_results,omitempty"`
	MemoryCompacted   bool                  `json:"memory_compacted"`
	TokenUsage        TokenUsage            `json:"token_usage"`
}

// NoToolPolicy governs the cycle executor's behavior when a cycle produces
// an assistant turn with no tool calls.
type NoToolPolicy string

const (
	NoToolContinue NoToolPolicy = "continue"
	NoToolWaitUser NoToolPolicy = "wait_user"
	NoToolFinish   NoToolPolicy = "finish"
)

// SubAgentConfig describes a named sub-agent a task may delegate to.
type SubAgentConfig struct {
	Model        string         `json:"model"`
	Backend      string         `json:"backend,omitempty"`
	Description  string         `json:"description,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	MaxCycles    int            `json:"max_cycles,omitempty"`
	ExcludeTools []string       `json:"exclude_tools,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AgentTask is the immutable input to one engine run.
type AgentTask struct {
	TaskID                  string                    `json:"task_id"`
	Model                   string                    `json:"model"`
	SystemPrompt            string                    `json:"system_prompt"`
	UserPrompt              string                    `json:"user_prompt"`
	MaxCycles               int                       `json:"max_cycles"`
	MemoryCompactThreshold  int                       `json:"memory_compact_threshold,omitempty"`
	NoToolPolicy            NoToolPolicy              `json:"no_tool_policy,omitempty"`
	AllowInterruption       bool                      `json:"allow_interruption"`
	SubAgents               map[string]SubAgentConfig `json:"sub_agents,omitempty"`
	ExcludeTools            []string                  `json:"exclude_tools,omitempty"`
	ExtraToolNames          []string                  `json:"extra_tool_names,omitempty"`
	Metadata                map[string]any            `json:"metadata,omitempty"`
}

// AgentStatus is the terminal or in-flight status of a run.
type AgentStatus string

const (
	StatusRunning   AgentStatus = "running"
	StatusCompleted AgentStatus = "completed"
	StatusWaitUser  AgentStatus = "wait_user"
	StatusFailed    AgentStatus = "failed"
	StatusMaxCycles AgentStatus = "max_cycles"
)

// TodoStatus is the lifecycle status of one shared-state todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry of shared_state's todo_list.
type TodoItem struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    TodoStatus `json:"status"`
	Priority  string     `json:"priority,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AgentResult is the outcome of one engine run.
type AgentResult struct {
	Status      AgentStatus    `json:"status"`
	Messages    []Message      `json:"messages"`
	Cycles      []CycleRecord  `json:"cycles"`
	FinalAnswer string         `json:"final_answer,omitempty"`
	WaitReason  string         `json:"wait_reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	SharedState map[string]any `json:"shared_state"`
	TokenUsage  TaskTokenUsage `json:"token_usage"`
}

// Checkpoint is the serialized snapshot a distributed backend passes
// between workers.
type Checkpoint struct {
	TaskID      string         `json:"task_id"`
	CycleIndex  int            `json:"cycle_index"`
	Status      AgentStatus    `json:"status"`
	Messages    []Message      `json:"messages"`
	Cycles      []CycleRecord  `json:"cycles"`
	SharedState map[string]any `json:"shared_state"`
}

// NewSharedState returns a fresh shared_state map seeded with an empty
// todo_list, as every run requires.
func NewSharedState() map[string]any {
	return map[string]any{
		"todo_list": []TodoItem{},
	}
}
