package cycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/memory"
	"github.com/loopkit/agentrt/model/modeltest"
	"github.com/loopkit/agentrt/tools"
	"github.com/loopkit/agentrt/types"
)

func TestRunCycleBuildsAssistantMessageAndRecord(t *testing.T) {
	task := types.AgentTask{TaskID: "t1", Model: "test-model", SystemPrompt: "sys", UserPrompt: "hi"}
	client := modeltest.New(modeltest.ToolCallResponse(types.ToolCall{Name: "todo_read"}))
	runner := &Runner{
		LLM:      client,
		Registry: tools.NewRegistry(),
		Hooks:    hooks.NewManager(),
		Memory:   memory.New(task, nil, nil),
	}
	messages := []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "hi"},
	}
	result, err := runner.RunCycle(context.Background(), task, messages, 1, 0, nil, types.NewSharedState(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Record.Index)
	require.Len(t, result.Record.ToolCalls, 1)
	assert.Equal(t, "todo_read", result.Record.ToolCalls[0].Name)
	assert.NotEmpty(t, result.Record.ToolCalls[0].ID)
	assert.Equal(t, types.RoleAssistant, result.Messages[len(result.Messages)-1].Role)
}

func TestRunCycleSurfacesLLMFailure(t *testing.T) {
	task := types.AgentTask{TaskID: "t1", Model: "test-model"}
	client := modeltest.New(modeltest.Step{Err: assertError{}})
	runner := &Runner{
		LLM:      client,
		Registry: tools.NewRegistry(),
		Hooks:    hooks.NewManager(),
		Memory:   memory.New(task, nil, nil),
	}
	_, err := runner.RunCycle(context.Background(), task, []types.Message{{Role: types.RoleUser, Content: "hi"}}, 3, 0, nil, types.NewSharedState(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle 3")
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
