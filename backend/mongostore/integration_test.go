package mongostore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loopkit/agentrt/types"
)

// TestStoreAgainstRealMongo exercises the Store against a containerized
// MongoDB instance. Skipped under -short and when Docker is unavailable.
func TestStoreAgainstRealMongo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	ctr, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(ctr)
	})

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(ctx) })
	require.NoError(t, client.Ping(ctx, nil))

	store, err := New(ctx, Options{Client: client, Database: "agentrt_test"})
	require.NoError(t, err)

	cp := types.Checkpoint{
		TaskID:     "task-integration",
		CycleIndex: 4,
		Status:     types.StatusRunning,
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "sys"},
			{Role: types.RoleUser, Content: "go"},
			{Role: types.RoleAssistant, Content: "on it", ToolCalls: []types.ToolCall{{ID: "c1", Name: "todo_read", Arguments: map[string]any{}}}},
			{Role: types.RoleTool, ToolCallID: "c1", Content: "[]"},
		},
		Cycles: []types.CycleRecord{
			{Index: 1, TokenUsage: types.TokenUsage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}},
		},
		SharedState: map[string]any{"todo_list": []any{}},
	}
	require.NoError(t, store.SaveCheckpoint(ctx, cp))

	loaded, err := store.LoadCheckpoint(ctx, cp.TaskID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, cp.TaskID, loaded.TaskID)
	require.Equal(t, cp.CycleIndex, loaded.CycleIndex)
	require.Equal(t, cp.Status, loaded.Status)
	require.Len(t, loaded.Messages, 4)
	require.Equal(t, "c1", loaded.Messages[3].ToolCallID)
	require.Len(t, loaded.Cycles, 1)
	require.Equal(t, 12, loaded.Cycles[0].TokenUsage.TotalTokens)

	// Upsert replaces rather than duplicates.
	cp.CycleIndex = 5
	require.NoError(t, store.SaveCheckpoint(ctx, cp))
	ids, err := store.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"task-integration"}, ids)

	require.NoError(t, store.DeleteCheckpoint(ctx, cp.TaskID))
	loaded, err = store.LoadCheckpoint(ctx, cp.TaskID)
	require.NoError(t, err)
	require.Nil(t, loaded)
}
