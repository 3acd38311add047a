// Package backend implements the execution-backend abstraction: a single
// Execute entry point over a cycle-executor closure, in three variants —
// Inline, a worker-pool Thread backend, and a cycle-sharded Distributed
// backend backed by a StateStore — plus the StateStore contract itself.
package backend

import (
	"context"

	"github.com/loopkit/agentrt/cancel"
	"github.com/loopkit/agentrt/types"
)

// CycleResult is what a CycleExecutor returns for one cycle: the updated
// message list and shared state, and — once the run has reached a terminal
// state — the AgentResult the backend should return to its caller.
type CycleResult struct {
	Messages    []types.Message
	SharedState map[string]any
	Terminal    *types.AgentResult
	Record      types.CycleRecord
}

// CycleExecutor runs exactly one cycle: compaction, the LLM round-trip, and
// (if the assistant requested any) tool dispatch. It is a closure built by
// the engine, capturing the task's runner, hook manager, and sub-task
// wiring, so the backend itself stays ignorant of cycle internals.
type CycleExecutor func(ctx context.Context, cycleIndex int, messages []types.Message, shared map[string]any) (CycleResult, error)

// Backend drives the outer cycle loop for one task. Implementations vary
// only in *where* CycleExecutor runs (same goroutine, a worker pool, or a
// remote job dispatched per cycle) — never in cycle semantics.
type Backend interface {
	Execute(ctx context.Context, token *cancel.Token, initialMessages []types.Message, sharedState map[string]any, executor CycleExecutor, maxCycles int) (types.AgentResult, error)
}

// ParallelMapper is the optional capability a Backend may expose for
// batch_sub_tasks to dispatch independent sub-task runs concurrently.
type ParallelMapper interface {
	ParallelMap(ctx context.Context, n int, fn func(ctx context.Context, i int) (any, error)) ([]any, error)
}

// Submitter is the optional capability a Backend may expose for
// fire-and-forget or awaited single-job submission.
type Submitter interface {
	Submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (Future, error)
}

// Future is a handle to a submitted job's eventual result.
type Future interface {
	Result(ctx context.Context) (any, error)
}

func maxCyclesResult(messages []types.Message, cycles []types.CycleRecord, shared map[string]any, usage types.TaskTokenUsage) types.AgentResult {
	return types.AgentResult{
		Status:      types.StatusMaxCycles,
		Messages:    messages,
		Cycles:      cycles,
		SharedState: shared,
		TokenUsage:  usage,
	}
}
