package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/model"
	"github.com/loopkit/agentrt/types"
)

type fakeClient struct {
	err   error
	calls int
}

func (f *fakeClient) Complete(context.Context, string, []types.Message, []map[string]any, model.StreamCallback) (hooks.LLMResponse, error) {
	f.calls++
	return hooks.LLMResponse{Content: "ok"}, f.err
}

func TestAdaptiveRateLimiterBacksOffOnRateLimitedError(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.CurrentTPM()

	client := &fakeClient{err: model.ErrRateLimited}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), "m", []types.Message{{Role: types.RoleUser, Content: "hi"}}, nil, nil)
	require.ErrorIs(t, err, model.ErrRateLimited)
	assert.Equal(t, 1, client.calls)
	assert.Less(t, limiter.CurrentTPM(), initialTPM)
}

func TestAdaptiveRateLimiterProbesUpOnSuccess(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 120000)
	limiter.mu.Lock()
	limiter.recoveryRate = 1000
	initialTPM := limiter.currentTPM
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), "m", []types.Message{{Role: types.RoleUser, Content: "hi"}}, nil, nil)
	require.NoError(t, err)
	assert.Greater(t, limiter.CurrentTPM(), initialTPM)
}

func TestAdaptiveRateLimiterProbeNeverExceedsMaxTPM(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), "m", []types.Message{{Role: types.RoleUser, Content: "hi"}}, nil, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, limiter.CurrentTPM(), 60000.0)
}

func TestAdaptiveRateLimiterWaitRespectsContextCancellation(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(ctx, "m", []types.Message{{Role: types.RoleUser, Content: "hi"}}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, client.calls)
}
