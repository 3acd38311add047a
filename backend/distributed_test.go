package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/agentrt/types"
)

func TestDistributedExecuteRunsToCompletion(t *testing.T) {
	store := NewMemoryStore()
	b := NewDistributed(store, NoopBroker{}, "task-d1", RuntimeRecipe{Backend: "distributed", Model: "test-model"})

	executor := func(_ context.Context, cycleIndex int, messages []types.Message, shared map[string]any) (CycleResult, error) {
		msg := append(append([]types.Message(nil), messages...), types.Message{Role: types.RoleAssistant, Content: "step"})
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

	res, err := b.Execute(context.Background(), nil, []types.Message{{Role: types.RoleUser, Content: "hi"}}, types.NewSharedState(), executor, 5)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.Len(t, res.Cycles, 2)

	ids, err := store.ListCheckpoints(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids, "checkpoint should be deleted once the run reaches a terminal state")
}

func TestDistributedExecutePersistsCheckpointAcrossCalls(t *testing.T) {
	store := NewMemoryStore()
	b := NewDistributed(store, NoopBroker{}, "task-d2", RuntimeRecipe{Backend: "distributed"})

	var seenCycleOneSharedState map[string]any
	executor := func(_ context.Context, cycleIndex int, messages []types.Message, shared map[string]any) (CycleResult, error) {
		if cycleIndex == 1 {
			shared["seen"] = true
			return CycleResult{Messages: messages, SharedState: shared, Record: types.CycleRecord{Index: cycleIndex}}, nil
		}
		seenCycleOneSharedState = shared
		return CycleResult{
			Messages:    messages,
			SharedState: shared,
			Record:      types.CycleRecord{Index: cycleIndex},
			Terminal:    &types.AgentResult{Status: types.StatusCompleted},
		}, nil
	}

	_, err := b.Execute(context.Background(), nil, nil, types.NewSharedState(), executor, 3)
	require.NoError(t, err)
	require.NotNil(t, seenCycleOneSharedState)
	assert.Equal(t, true, seenCycleOneSharedState["seen"])
}

func TestDistributedExecuteRequiresStore(t *testing.T) {
	b := &Distributed{TaskID: "t"}
	_, err := b.Execute(context.Background(), nil, nil, types.NewSharedState(), func(context.Context, int, []types.Message, map[string]any) (CycleResult, error) {
		return CycleResult{}, nil
	}, 1)
	require.Error(t, err)
}
