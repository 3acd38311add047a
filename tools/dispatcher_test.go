package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/agentrt/types"
)

func TestDispatchUnknownTool(t *testing.T) {
	reg := NewRegistry()
	tc := &Context{SharedState: types.NewSharedState()}
	result := Dispatch(context.Background(), reg, tc, types.ToolCall{ID: "1", Name: "does_not_exist"})
	assert.Equal(t, "tool_not_found", result.ErrorCode)
	assert.Equal(t, "1", result.ToolCallID)
	assert.Equal(t, types.StatusError, result.StatusCode)
}

func TestDispatchFillsToolCallID(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("noop", objectSchema(nil), func(_ context.Context, _ *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
		return types.ToolExecutionResult{}, nil
	}))
	tc := &Context{SharedState: types.NewSharedState()}
	result := Dispatch(context.Background(), reg, tc, types.ToolCall{ID: "abc", Name: "noop"})
	assert.Equal(t, "abc", result.ToolCallID)
	assert.Equal(t, types.StatusOK, result.StatusCode)
}

func TestDispatchHandlerPanicBecomesError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("boom", objectSchema(nil), func(_ context.Context, _ *Context, _ types.ToolCall) (types.ToolExecutionResult, error) {
		panic("kaboom")
	}))
	tc := &Context{SharedState: types.NewSharedState()}
	result := Dispatch(context.Background(), reg, tc, types.ToolCall{ID: "1", Name: "boom"})
	assert.Equal(t, "handler_exception", result.ErrorCode)
}

func TestTaskFinishRequiresTodosComplete(t *testing.T) {
	reg := NewRegistry()
	shared := types.NewSharedState()
	shared["todo_list"] = []types.TodoItem{{ID: "1", Title: "draft", Status: types.TodoPending}}
	tc := &Context{SharedState: shared}
	result := Dispatch(context.Background(), reg, tc, types.ToolCall{
		ID: "1", Name: "task_finish", Arguments: map[string]any{"message": "done"},
	})
	assert.Equal(t, "todo_incomplete", result.ErrorCode)
	assert.Equal(t, types.DirectiveContinue, result.Directive)

	shared["todo_list"] = []types.TodoItem{{ID: "1", Title: "draft", Status: types.TodoCompleted}}
	result = Dispatch(context.Background(), reg, tc, types.ToolCall{
		ID: "2", Name: "task_finish", Arguments: map[string]any{"message": "done for real"},
	})
	assert.Equal(t, types.DirectiveFinish, result.Directive)
	assert.Equal(t, "done for real", result.Metadata["final_message"])
}

func TestAskUserYieldsWaitDirective(t *testing.T) {
	reg := NewRegistry()
	tc := &Context{SharedState: types.NewSharedState()}
	result := Dispatch(context.Background(), reg, tc, types.ToolCall{
		ID: "1", Name: "ask_user", Arguments: map[string]any{"question": "confirm?"},
	})
	assert.Equal(t, types.DirectiveWaitUser, result.Directive)
	assert.Equal(t, types.StatusWaitResponse, result.StatusCode)
}

func TestTodoWriteRejectsMultipleInProgress(t *testing.T) {
	reg := NewRegistry()
	tc := &Context{SharedState: types.NewSharedState()}
	result := Dispatch(context.Background(), reg, tc, types.ToolCall{
		ID: "1", Name: "todo_write", Arguments: map[string]any{
			"todos": []any{
				map[string]any{"title": "a", "status": "in_progress"},
				map[string]any{"title": "b", "status": "in_progress"},
			},
		},
	})
	assert.Equal(t, "todo_multiple_in_progress", result.ErrorCode)
}
