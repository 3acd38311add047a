// Package cycle implements the two per-cycle workers the engine drives each
// iteration: the Cycle Runner (one LLM round-trip) and the Tool-Call Runner
// (ordered, hook-mediated dispatch of the resulting tool calls).
package cycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/memory"
	"github.com/loopkit/agentrt/model"
	"github.com/loopkit/agentrt/tools"
	"github.com/loopkit/agentrt/types"
)

// Runner performs one LLM round-trip per call to RunCycle: compaction,
// tool-schema planning, the hook-mediated LLM call, and normalization of the
// resulting assistant turn.
type Runner struct {
	LLM      model.Client
	Registry *tools.Registry
	Hooks    *hooks.Manager
	Memory   *memory.Manager
}

// Result is the outcome of one RunCycle call: the (possibly compacted and
// appended-to) message list plus the cycle's record.
type Result struct {
	Messages []types.Message
	Record   types.CycleRecord
}

// RunCycle runs compaction, schema planning, the hook-mediated LLM call,
// and assistant-turn normalization. previousTotalTokens is the
// running token estimate used both for the memory manager's threshold check
// and the tool planner's memory_usage_percentage policy.
func (r *Runner) RunCycle(
	ctx context.Context,
	task types.AgentTask,
	messages []types.Message,
	cycleIndex int,
	previousTotalTokens int,
	recentToolCallIDs map[string]bool,
	sharedState map[string]any,
	stream model.StreamCallback,
) (Result, error) {
	messagesC, err := r.Hooks.ApplyBeforeMemoryCompact(ctx, task, messages)
	if err != nil {
		return Result{}, fmt.Errorf("cycle: before_memory_compact hook: %w", err)
	}

	messagesC, compacted := r.Memory.Compact(ctx, messagesC, previousTotalTokens, recentToolCallIDs, cycleIndex)

	usagePct := r.Memory.UsagePercentage(previousTotalTokens)
	schemas := tools.PlanSchemas(r.Registry, task, usagePct)

	messagesC, schemas, err = r.Hooks.ApplyBeforeLLM(ctx, task, cycleIndex, messagesC, schemas, sharedState)
	if err != nil {
		return Result{}, fmt.Errorf("cycle: before_llm hook: %w", err)
	}

	raw, err := r.LLM.Complete(ctx, task.Model, messagesC, schemas, stream)
	if err != nil {
		return Result{}, fmt.Errorf("LLM call failed in cycle %d: %w", cycleIndex, err)
	}

	response, err := r.Hooks.ApplyAfterLLM(ctx, task, cycleIndex, raw)
	if err != nil {
		return Result{}, fmt.Errorf("cycle: after_llm hook: %w", err)
	}

	assistant := buildAssistantMessage(response)
	messagesC = append(messagesC, assistant)

	record := types.CycleRecord{
		Index:            cycleIndex,
		AssistantMessage: assistant,
		ToolCalls:        assistant.ToolCalls,
		MemoryCompacted:  compacted,
		TokenUsage:       response.Usage,
	}
	return Result{Messages: messagesC, Record: record}, nil
}

// buildAssistantMessage normalizes an LLMResponse into the assistant Message
// appended to history, filling any tool call missing an ID so later
// tool-role messages always have a stable ToolCallID to reference.
func buildAssistantMessage(response hooks.LLMResponse) types.Message {
	toolCalls := make([]types.ToolCall, len(response.ToolCalls))
	copy(toolCalls, response.ToolCalls)
	for i := range toolCalls {
		if toolCalls[i].ID == "" || toolCalls[i].ID == "pending" {
			toolCalls[i].ID = uuid.NewString()
		}
	}
	return types.Message{
		Role:             types.RoleAssistant,
		Content:          response.Content,
		ReasoningContent: response.ReasoningContent,
		ToolCalls:        toolCalls,
	}
}
