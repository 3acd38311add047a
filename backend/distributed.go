package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopkit/agentrt/cancel"
	"github.com/loopkit/agentrt/types"
)

// RuntimeRecipe is the JSON-serializable description a worker needs to
// rebuild an engine for one remote cycle job.
type RuntimeRecipe struct {
	SettingsFile     string   `json:"settings_file,omitempty"`
	Backend          string   `json:"backend"`
	Model            string   `json:"model"`
	Workspace        string   `json:"workspace"`
	TimeoutSeconds   int      `json:"timeout_seconds,omitempty"`
	HookClassPaths   []string `json:"hook_class_paths,omitempty"`
	LogPreviewChars  int      `json:"log_preview_chars,omitempty"`
}

// Broker decouples cycle-job dispatch from execution so a worker process
// could, in a real multi-process deployment, pop jobs independently of the
// process that enqueued them. Distributed notifies the broker around each
// cycle purely for observability; the single-process executor it drives
// still does the actual work. This module ships no worker binary;
// runtime.RebuildFromRecipe rebuilds a Runtime from a recipe for one.
type Broker interface {
	Enqueue(ctx context.Context, taskID string, cycleIndex int) error
	Ack(ctx context.Context, taskID string, cycleIndex int) error
}

// RedisBroker is a Broker backed by Redis keys with TTLs: one marker per
// in-flight cycle job, deleted on ack.
type RedisBroker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisBroker returns a Broker using rdb, marking in-flight jobs with a
// key that expires after ttl (a safety net against a crashed dispatch never
// being acked).
func NewRedisBroker(rdb *redis.Client, ttl time.Duration) *RedisBroker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisBroker{rdb: rdb, ttl: ttl}
}

func jobKey(taskID string, cycleIndex int) string {
	return fmt.Sprintf("agentrt:cycle-job:%s:%d", taskID, cycleIndex)
}

func (b *RedisBroker) Enqueue(ctx context.Context, taskID string, cycleIndex int) error {
	return b.rdb.Set(ctx, jobKey(taskID, cycleIndex), "running", b.ttl).Err()
}

func (b *RedisBroker) Ack(ctx context.Context, taskID string, cycleIndex int) error {
	return b.rdb.Del(ctx, jobKey(taskID, cycleIndex)).Err()
}

// NoopBroker is a Broker that does nothing, for tests and single-process
// demonstrations that only need the StateStore discipline.
type NoopBroker struct{}

func (NoopBroker) Enqueue(context.Context, string, int) error { return nil }
func (NoopBroker) Ack(context.Context, string, int) error     { return nil }

// Distributed is the cycle-sharded Backend: each cycle is checkpointed to a
// StateStore before and after it runs, so control can hand off between
// independent jobs with a strict save-then-load happens-before.
type Distributed struct {
	Store  StateStore
	Broker Broker
	TaskID string
	Recipe RuntimeRecipe
}

// NewDistributed returns a Distributed backend checkpointing under taskID.
func NewDistributed(store StateStore, broker Broker, taskID string, recipe RuntimeRecipe) *Distributed {
	if broker == nil {
		broker = NoopBroker{}
	}
	return &Distributed{Store: store, Broker: broker, TaskID: taskID, Recipe: recipe}
}

func (b *Distributed) Execute(ctx context.Context, token *cancel.Token, initialMessages []types.Message, sharedState map[string]any, executor CycleExecutor, maxCycles int) (types.AgentResult, error) {
	if b.Store == nil {
		return types.AgentResult{}, errors.New("backend: distributed execution requires a StateStore")
	}

	if err := b.Store.SaveCheckpoint(ctx, types.Checkpoint{
		TaskID:      b.TaskID,
		CycleIndex:  0,
		Status:      types.StatusRunning,
		Messages:    initialMessages,
		Cycles:      nil,
		SharedState: sharedState,
	}); err != nil {
		return types.AgentResult{}, fmt.Errorf("backend: save initial checkpoint: %w", err)
	}

	var finalErr error
	for i := 1; i <= maxCycles; i++ {
		if token != nil {
			if err := token.Check(); err != nil {
				finalErr = err
				break
			}
		}

		finished, result, err := b.runSingleCycle(ctx, executor, i)
		if err != nil {
			result = &types.AgentResult{Status: types.StatusFailed, Error: fmt.Sprintf("distributed cycle %d failed: %v", i, err)}
			finished = true
		}
		if finished {
			_ = b.Store.DeleteCheckpoint(ctx, b.TaskID)
			return *result, nil
		}
	}

	cp, loadErr := b.Store.LoadCheckpoint(ctx, b.TaskID)
	_ = b.Store.DeleteCheckpoint(ctx, b.TaskID)
	if loadErr != nil || cp == nil {
		if finalErr != nil {
			return types.AgentResult{Status: types.StatusFailed, Error: "run cancelled: " + finalErr.Error()}, nil
		}
		return maxCyclesResult(initialMessages, nil, sharedState, types.TaskTokenUsage{}), nil
	}
	if finalErr != nil {
		return types.AgentResult{
			Status: types.StatusFailed, Error: "run cancelled: " + finalErr.Error(),
			Messages: cp.Messages, Cycles: cp.Cycles, SharedState: cp.SharedState,
		}, nil
	}
	usage := types.TaskTokenUsage{}
	for _, c := range cp.Cycles {
		usage.PerCycle = append(usage.PerCycle, c.TokenUsage)
	}
	return maxCyclesResult(cp.Messages, cp.Cycles, cp.SharedState, usage), nil
}

// runSingleCycle is the worker-side job run_single_cycle(task, recipe, cycle)
// describes: rebuild state from the checkpoint, run exactly one cycle, and
// either return a terminal AgentResult or write an updated checkpoint.
func (b *Distributed) runSingleCycle(ctx context.Context, executor CycleExecutor, cycleIndex int) (bool, *types.AgentResult, error) {
	if err := b.Broker.Enqueue(ctx, b.TaskID, cycleIndex); err != nil {
		return false, nil, err
	}
	defer func() { _ = b.Broker.Ack(ctx, b.TaskID, cycleIndex) }()

	cp, err := b.Store.LoadCheckpoint(ctx, b.TaskID)
	if err != nil {
		return false, nil, err
	}
	if cp == nil {
		return false, nil, errors.New("no checkpoint to resume from")
	}

	res, err := executor(ctx, cycleIndex, cp.Messages, cp.SharedState)
	if err != nil {
		return false, nil, err
	}

	cycles := append(append([]types.CycleRecord(nil), cp.Cycles...), res.Record)

	if res.Terminal != nil {
		usage := types.TaskTokenUsage{}
		for _, c := range cycles {
			usage.PerCycle = append(usage.PerCycle, c.TokenUsage)
		}
		res.Terminal.Messages = res.Messages
		res.Terminal.Cycles = cycles
		res.Terminal.SharedState = res.SharedState
		res.Terminal.TokenUsage = usage
		return true, res.Terminal, nil
	}

	shared := res.SharedState
	if shared == nil {
		shared = cp.SharedState
	}
	if err := b.Store.SaveCheckpoint(ctx, types.Checkpoint{
		TaskID:      b.TaskID,
		CycleIndex:  cycleIndex,
		Status:      types.StatusRunning,
		Messages:    res.Messages,
		Cycles:      cycles,
		SharedState: shared,
	}); err != nil {
		return false, nil, err
	}
	return false, nil, nil
}

// MarshalRecipe renders a RuntimeRecipe as the JSON payload a worker process
// would read off its job queue.
func MarshalRecipe(r RuntimeRecipe) ([]byte, error) {
	return json.Marshal(r)
}
