package backend

import (
	"context"
	"strings"

	"github.com/loopkit/agentrt/cancel"
	"github.com/loopkit/agentrt/types"
)

// Inline is the trivial Backend: the cycle loop runs on the calling
// goroutine. Before each cycle it honors cancellation; otherwise it calls
// the cycle executor and returns as soon as it reports a terminal result,
// falling through to MAX_CYCLES once maxCycles is exhausted.
type Inline struct{}

// NewInline returns the default same-thread Backend.
func NewInline() *Inline { return &Inline{} }

func (b *Inline) Execute(ctx context.Context, token *cancel.Token, initialMessages []types.Message, sharedState map[string]any, executor CycleExecutor, maxCycles int) (types.AgentResult, error) {
	messages := initialMessages
	shared := sharedState
	var cycles []types.CycleRecord
	var usage types.TaskTokenUsage

	for i := 1; i <= maxCycles; i++ {
		if token != nil {
			if err := token.Check(); err != nil {
				return types.AgentResult{
					Status:      types.StatusFailed,
					Messages:    messages,
					Cycles:      cycles,
					SharedState: shared,
					TokenUsage:  usage,
					Error:       "run cancelled: " + err.Error(),
				}, nil
			}
		}

		res, err := executor(ctx, i, messages, shared)
		if err != nil {
			return types.AgentResult{
				Status:      types.StatusFailed,
				Messages:    messages,
				Cycles:      cycles,
				SharedState: shared,
				TokenUsage:  usage,
				Error:       errorMessage(err),
			}, nil
		}
		messages = res.Messages
		if res.SharedState != nil {
			shared = res.SharedState
		}
		cycles = append(cycles, res.Record)
		usage.PerCycle = append(usage.PerCycle, res.Record.TokenUsage)

		if res.Terminal != nil {
			res.Terminal.TokenUsage = usage
			res.Terminal.Messages = messages
			res.Terminal.SharedState = shared
			res.Terminal.Cycles = cycles
			return *res.Terminal, nil
		}
	}

	return maxCyclesResult(messages, cycles, shared, usage), nil
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.Contains(msg, "cancel") {
		return msg
	}
	return msg
}
