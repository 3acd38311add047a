package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/model/modeltest"
	"github.com/loopkit/agentrt/runtime"
	"github.com/loopkit/agentrt/tools"
	"github.com/loopkit/agentrt/types"
)

func taskFinishCall(id, message string) types.ToolCall {
	return types.ToolCall{ID: id, Name: "task_finish", Arguments: map[string]any{"message": message}}
}

func todoWriteCall(id, title string, status types.TodoStatus) types.ToolCall {
	return types.ToolCall{
		ID:   id,
		Name: "todo_write",
		Arguments: map[string]any{
			"todos": []any{map[string]any{"title": title, "status": string(status), "priority": "medium"}},
		},
	}
}

func newSession(t *testing.T, client *modeltest.Client) *Session {
	t.Helper()
	rt := runtime.New(client, tools.NewRegistry(), hooks.NewManager())
	rt.DefaultWorkspace = t.TempDir()
	task := types.AgentTask{TaskID: "sess", Model: "stub-model", SystemPrompt: "sys", UserPrompt: "", MaxCycles: 4}
	return New(rt, task, rt.DefaultWorkspace)
}

func TestSessionPromptCompletes(t *testing.T) {
	client := modeltest.New(modeltest.ToolCallResponse(taskFinishCall("c1", "hello back")))
	s := newSession(t, client)

	result, err := s.Prompt(context.Background(), "hi", true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, "hello back", result.FinalAnswer)
	assert.False(t, s.Running())
	assert.NotNil(t, s.LatestRun())
}

func TestSessionAutoFollowUp(t *testing.T) {
	client := modeltest.New(
		modeltest.ToolCallResponse(taskFinishCall("c1", "first done")),
		modeltest.ToolCallResponse(taskFinishCall("c2", "second done")),
	)
	s := newSession(t, client)
	require.NoError(t, s.FollowUp("do the next thing"))

	result, err := s.Prompt(context.Background(), "hi", true)
	require.NoError(t, err)
	assert.Equal(t, "second done", result.FinalAnswer)
}

func TestSessionRejectsConcurrentRun(t *testing.T) {
	client := modeltest.New(modeltest.ToolCallResponse(taskFinishCall("c1", "done")))
	s := newSession(t, client)
	s.running = true

	_, err := s.Prompt(context.Background(), "hi", false)
	assert.Error(t, err)
}

// Session steering.
func TestSessionSteeringSkipsRemainingCallsInCycle(t *testing.T) {
	client := modeltest.New(
		modeltest.ToolCallResponse(
			todoWriteCall("c1", "draft", types.TodoCompleted),
			taskFinishCall("c2", "skipped"),
		),
		modeltest.ToolCallResponse(taskFinishCall("c3", "done")),
	)
	s := newSession(t, client)

	var steered bool
	s.Subscribe(func(event string, payload map[string]any) {
		if steered {
			return
		}
		if event == "tool_result" && payload["tool_name"] == "todo_write" {
			steered = true
			_ = s.Steer("switch strategy")
		}
	})

	result, err := s.Prompt(context.Background(), "go", true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, "done", result.FinalAnswer)

	// The first cycle's steering interruption skips its second call rather
	// than terminating the run, so a second cycle carries the eventual
	// task_finish through to completion.
	require.Len(t, result.Cycles, 2)
	require.Len(t, result.Cycles[0].ToolResults, 2)
	assert.Equal(t, "skipped_due_to_steering", result.Cycles[0].ToolResults[1].ErrorCode)

	var sawSteerMessage bool
	for _, m := range result.Messages {
		if m.Role == types.RoleUser && m.Content == "switch strategy" {
			sawSteerMessage = true
		}
	}
	assert.True(t, sawSteerMessage)
}

func TestSessionPersistSavesSnapshotAfterRun(t *testing.T) {
	client := modeltest.New(modeltest.ToolCallResponse(taskFinishCall("c1", "done")))
	s := newSession(t, client)
	store := NewMemoryStore()
	require.NoError(t, s.Persist(context.Background(), "sess-1", store))

	_, err := s.Prompt(context.Background(), "hi", true)
	require.NoError(t, err)

	snap, err := store.LoadSnapshot(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, s.Messages(), snap.Messages)
	assert.Contains(t, snap.SharedState, "todo_list")
}

func TestSessionPersistRestoresExistingSnapshot(t *testing.T) {
	store := NewMemoryStore()
	prior := Snapshot{
		SessionID: "sess-1",
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "sys"},
			{Role: types.RoleUser, Content: "earlier turn"},
		},
		SharedState: map[string]any{"todo_list": []types.TodoItem{}},
	}
	require.NoError(t, store.SaveSnapshot(context.Background(), prior))

	client := modeltest.New(modeltest.ToolCallResponse(taskFinishCall("c1", "done")))
	s := newSession(t, client)
	require.NoError(t, s.Persist(context.Background(), "sess-1", store))

	assert.Equal(t, prior.Messages, s.Messages())

	result, err := s.Prompt(context.Background(), "continue", true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Status)

	// The restored history rides into the new run as initial messages.
	var sawEarlier bool
	for _, m := range result.Messages {
		if m.Content == "earlier turn" {
			sawEarlier = true
		}
	}
	assert.True(t, sawEarlier)
}

func TestSessionPersistValidatesArguments(t *testing.T) {
	client := modeltest.New()
	s := newSession(t, client)
	assert.Error(t, s.Persist(context.Background(), "", NewMemoryStore()))
	assert.Error(t, s.Persist(context.Background(), "sess-1", nil))
}

func TestSessionCancel(t *testing.T) {
	client := modeltest.New(modeltest.ToolCallResponse(taskFinishCall("c1", "done")))
	s := newSession(t, client)
	assert.False(t, s.Cancel())
}
