package backend

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/agentrt/types"
)

func TestThreadExecuteMatchesInline(t *testing.T) {
	b := NewThread(2)
	executor := func(_ context.Context, cycleIndex int, messages []types.Message, shared map[string]any) (CycleResult, error) {
		if cycleIndex == 1 {
			return CycleResult{Messages: messages, SharedState: shared, Record: types.CycleRecord{Index: cycleIndex}, Terminal: &types.AgentResult{Status: types.StatusCompleted}}, nil
		}
		return CycleResult{Messages: messages, SharedState: shared, Record: types.CycleRecord{Index: cycleIndex}}, nil
	}
	res, err := b.Execute(context.Background(), nil, nil, types.NewSharedState(), executor, 3)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, res.Status)
}

func TestThreadParallelMapPreservesOrder(t *testing.T) {
	b := NewThread(4)
	results, err := b.ParallelMap(context.Background(), 8, func(_ context.Context, i int) (any, error) {
		return i * i, nil
	})
	require.NoError(t, err)
	require.Len(t, results, 8)
	for i, r := range results {
		assert.Equal(t, i*i, r)
	}
}

func TestThreadParallelMapSurfacesError(t *testing.T) {
	b := NewThread(4)
	_, err := b.ParallelMap(context.Background(), 4, func(_ context.Context, i int) (any, error) {
		if i == 2 {
			return nil, fmt.Errorf("job %d failed", i)
		}
		return i, nil
	})
	require.Error(t, err)
}

func TestThreadSubmitRunsOnPool(t *testing.T) {
	b := NewThread(1)
	var ran int32
	fut, err := b.Submit(context.Background(), func(_ context.Context) (any, error) {
		atomic.AddInt32(&ran, 1)
		return "ok", nil
	})
	require.NoError(t, err)
	result, err := fut.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}
