package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/agentrt/cancel"
	"github.com/loopkit/agentrt/types"
)

func TestInlineExecuteStopsOnTerminal(t *testing.T) {
	b := NewInline()
	calls := 0
	executor := func(_ context.Context, cycleIndex int, messages []types.Message, shared map[string]any) (CycleResult, error) {
		calls++
		msg := append(append([]types.Message(nil), messages...), types.Message{Role: types.RoleAssistant, Content: "done"})
		if cycleIndex == 2 {
			return CycleResult{
				Messages:    msg,
				SharedState: shared,
				Record:      types.CycleRecord{Index: cycleIndex},
				Terminal:    &types.AgentResult{Status: types.StatusCompleted},
			}, nil
		}
		return CycleResult{Messages: msg, SharedState: shared, Record: types.CycleRecord{Index: cycleIndex}}, nil
	}

	res, err := b.Execute(context.Background(), nil, nil, types.NewSharedState(), executor, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.Len(t, res.Cycles, 2)
	assert.Len(t, res.TokenUsage.PerCycle, 2)
}

func TestInlineExecuteHonorsCancellationBeforeFirstCycle(t *testing.T) {
	b := NewInline()
	token := cancel.New()
	token.Cancel()

	calls := 0
	executor := func(_ context.Context, cycleIndex int, messages []types.Message, shared map[string]any) (CycleResult, error) {
		calls++
		return CycleResult{Messages: messages, SharedState: shared, Record: types.CycleRecord{Index: cycleIndex}}, nil
	}

	res, err := b.Execute(context.Background(), token, nil, types.NewSharedState(), executor, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "cancel")
}

func TestInlineExecuteExhaustsMaxCycles(t *testing.T) {
	b := NewInline()
	executor := func(_ context.Context, cycleIndex int, messages []types.Message, shared map[string]any) (CycleResult, error) {
		return CycleResult{Messages: messages, SharedState: shared, Record: types.CycleRecord{Index: cycleIndex}}, nil
	}
	res, err := b.Execute(context.Background(), nil, nil, types.NewSharedState(), executor, 3)
	require.NoError(t, err)
	assert.Equal(t, types.StatusMaxCycles, res.Status)
	assert.Len(t, res.Cycles, 3)
}

func TestInlineExecuteSurfacesExecutorError(t *testing.T) {
	b := NewInline()
	executor := func(_ context.Context, cycleIndex int, messages []types.Message, shared map[string]any) (CycleResult, error) {
		return CycleResult{}, errors.New("boom")
	}
	res, err := b.Execute(context.Background(), nil, nil, types.NewSharedState(), executor, 3)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "boom")
}
