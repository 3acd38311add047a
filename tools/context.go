package tools

import (
	"context"

	"github.com/loopkit/agentrt/cancel"
	"github.com/loopkit/agentrt/types"
	"github.com/loopkit/agentrt/workspace"
)

// SubTaskRequest describes a nested engine invocation requested via
// create_sub_task or one item of a batch_sub_tasks call.
type SubTaskRequest struct {
	AgentName           string
	Task                string
	OutputRequirements  string
	IncludeMainSummary  bool
	Metadata            map[string]any
	BatchIndex          int
}

// SubTaskOutcome is the result of running one sub-task to completion.
type SubTaskOutcome struct {
	Status        types.AgentStatus
	FinalAnswer   string
	WaitReason    string
	Error         string
	Cycles        int
	TodoList      []types.TodoItem
	ResolvedModel string
	BatchIndex    int
}

// SubTaskRunner runs a nested engine invocation. The runtime package injects
// an implementation into ToolContext when task.SubAgents is non-empty.
type SubTaskRunner interface {
	Run(ctx context.Context, req SubTaskRequest) (SubTaskOutcome, error)
}

// ParallelMapper dispatches n independent jobs concurrently when the active
// execution backend supports it. batch_sub_tasks uses this, propagated
// explicitly through ToolContext rather than a hidden metadata channel.
type ParallelMapper interface {
	ParallelMap(ctx context.Context, n int, fn func(ctx context.Context, i int) (any, error)) ([]any, error)
}

// Context is the handler-visible execution context for one tool call.
type Context struct {
	Workspace        string
	WorkspaceBackend workspace.Backend
	SharedState      map[string]any
	CycleIndex       int
	SubTaskRunner    SubTaskRunner
	ExecutionBackend ParallelMapper
	Cancel           *cancel.Token
	MultimodalOK     bool
}
