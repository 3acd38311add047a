package cycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/tools"
	"github.com/loopkit/agentrt/types"
)

func newRunner() *ToolCallRunner {
	return &ToolCallRunner{Registry: tools.NewRegistry(), Hooks: hooks.NewManager()}
}

func TestToolCallRunnerSkipsAfterFinish(t *testing.T) {
	runner := newRunner()
	shared := types.NewSharedState()
	tc := &tools.Context{SharedState: shared}
	calls := []types.ToolCall{
		{ID: "1", Name: "task_finish", Arguments: map[string]any{"message": "ok"}},
		{ID: "2", Name: "todo_read"},
	}
	result, err := runner.Run(context.Background(), types.AgentTask{}, tc, 1, calls, shared, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Directive)
	assert.Equal(t, types.DirectiveFinish, result.Directive.Directive)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "skipped_due_to_finish", result.Results[1].ErrorCode)
}

func TestToolCallRunnerSkipsAfterWaitUser(t *testing.T) {
	runner := newRunner()
	shared := types.NewSharedState()
	tc := &tools.Context{SharedState: shared}
	calls := []types.ToolCall{
		{ID: "1", Name: "ask_user", Arguments: map[string]any{"question": "confirm?"}},
		{ID: "2", Name: "todo_read"},
	}
	result, err := runner.Run(context.Background(), types.AgentTask{}, tc, 1, calls, shared, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Directive)
	assert.Equal(t, types.DirectiveWaitUser, result.Directive.Directive)
	assert.Equal(t, "skipped_due_to_wait_user", result.Results[1].ErrorCode)
}

func TestToolCallRunnerSkipsDueToSteering(t *testing.T) {
	runner := newRunner()
	shared := types.NewSharedState()
	tc := &tools.Context{SharedState: shared}
	calls := []types.ToolCall{
		{ID: "1", Name: "todo_read"},
		{ID: "2", Name: "todo_read"},
	}
	called := false
	interrupt := func(context.Context) []types.Message {
		if called {
			return nil
		}
		called = true
		return []types.Message{{Role: types.RoleUser, Content: "switch strategy"}}
	}
	result, err := runner.Run(context.Background(), types.AgentTask{}, tc, 1, calls, shared, interrupt)
	require.NoError(t, err)
	assert.Nil(t, result.Directive)
	require.Len(t, result.InterruptionMessages, 1)
	assert.Equal(t, "switch strategy", result.InterruptionMessages[0].Content)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "skipped_due_to_steering", result.Results[0].ErrorCode)
	assert.Equal(t, "skipped_due_to_steering", result.Results[1].ErrorCode)
}

func TestToolCallRunnerAppendsImageNotification(t *testing.T) {
	runner := newRunner()
	shared := types.NewSharedState()
	require.NoError(t, runner.Registry.Register("emit_image", nil, func(_ context.Context, _ *tools.Context, call types.ToolCall) (types.ToolExecutionResult, error) {
		return types.ToolExecutionResult{ToolCallID: call.ID, ImagePath: "out.png", Directive: types.DirectiveContinue}, nil
	}))
	tc := &tools.Context{SharedState: shared, MultimodalOK: true}
	result, err := runner.Run(context.Background(), types.AgentTask{}, tc, 1, []types.ToolCall{{ID: "1", Name: "emit_image"}}, shared, nil)
	require.NoError(t, err)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, types.RoleTool, result.Messages[0].Role)
	assert.Equal(t, types.RoleUser, result.Messages[1].Role)
}
