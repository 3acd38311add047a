package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/loopkit/agentrt/types"
)

// checkpointSeed drives deterministic construction of a random Checkpoint
// whose every field is populated, so round-trip comparisons exercise the
// full shape instead of zero values.
type checkpointSeed struct {
	taskID     string
	cycleIndex int
	cycles     int
	messages   int
	stateKeys  int
}

func buildCheckpoint(seed checkpointSeed) types.Checkpoint {
	messages := make([]types.Message, 0, seed.messages+2)
	messages = append(messages,
		types.Message{Role: types.RoleSystem, Content: "sys"},
		types.Message{Role: types.RoleUser, Content: "go"},
	)
	for i := 0; i < seed.messages; i++ {
		messages = append(messages, types.Message{
			Role:    types.RoleAssistant,
			Content: fmt.Sprintf("turn %d", i),
			ToolCalls: []types.ToolCall{
				{ID: fmt.Sprintf("call_%d", i), Name: "todo_read", Arguments: map[string]any{"n": fmt.Sprintf("%d", i)}},
			},
		}, types.Message{Role: types.RoleTool, ToolCallID: fmt.Sprintf("call_%d", i), Content: "ok"})
	}

	cycles := make([]types.CycleRecord, 0, seed.cycles)
	for i := 1; i <= seed.cycles; i++ {
		cycles = append(cycles, types.CycleRecord{
			Index:            i,
			AssistantMessage: types.Message{Role: types.RoleAssistant, Content: fmt.Sprintf("cycle %d", i)},
			TokenUsage:       types.TokenUsage{PromptTokens: i * 10, CompletionTokens: i, TotalTokens: i*10 + i},
			MemoryCompacted:  i%2 == 0,
		})
	}

	shared := map[string]any{"todo_list": []any{}}
	for i := 0; i < seed.stateKeys; i++ {
		shared[fmt.Sprintf("key_%d", i)] = fmt.Sprintf("value_%d", i)
	}

	return types.Checkpoint{
		TaskID:      "task-" + seed.taskID,
		CycleIndex:  seed.cycleIndex,
		Status:      types.StatusRunning,
		Messages:    messages,
		Cycles:      cycles,
		SharedState: shared,
	}
}

func genCheckpointSeed() gopter.Gen {
	return gopter.CombineGens(
		gen.AlphaString(),
		gen.IntRange(0, 50),
		gen.IntRange(1, 5),
		gen.IntRange(1, 5),
		gen.IntRange(1, 5),
	).Map(func(vals []any) checkpointSeed {
		return checkpointSeed{
			taskID:     "x" + vals[0].(string),
			cycleIndex: vals[1].(int),
			cycles:     vals[2].(int),
			messages:   vals[3].(int),
			stateKeys:  vals[4].(int),
		}
	})
}

// TestMemoryStoreRoundTripProperty: against the in-memory StateStore,
// save-then-load is an identity on every field.
func TestMemoryStoreRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("save then load is identity", prop.ForAll(
		func(seed checkpointSeed) bool {
			store := NewMemoryStore()
			cp := buildCheckpoint(seed)
			if err := store.SaveCheckpoint(context.Background(), cp); err != nil {
				return false
			}
			loaded, err := store.LoadCheckpoint(context.Background(), cp.TaskID)
			if err != nil || loaded == nil {
				return false
			}
			return reflect.DeepEqual(cp, *loaded)
		},
		genCheckpointSeed(),
	))

	properties.TestingRun(t)
}

// TestCheckpointJSONRoundTripProperty: a Checkpoint encoded to JSON and back
// re-encodes to byte-identical JSON — the serialization contract the
// distributed backend depends on to hand control between workers.
func TestCheckpointJSONRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("JSON round-trip is stable", prop.ForAll(
		func(seed checkpointSeed) bool {
			cp := buildCheckpoint(seed)
			first, err := json.Marshal(cp)
			if err != nil {
				return false
			}
			var decoded types.Checkpoint
			if err := json.Unmarshal(first, &decoded); err != nil {
				return false
			}
			second, err := json.Marshal(decoded)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		genCheckpointSeed(),
	))

	properties.TestingRun(t)
}
