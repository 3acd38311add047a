package backend

import (
	"context"
	"sync"

	"github.com/loopkit/agentrt/types"
)

// StateStore is the persistence contract the Distributed backend uses to
// pass control between discrete per-cycle jobs. Every field
// of Checkpoint must round-trip losslessly through Save/Load.
type StateStore interface {
	SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error
	LoadCheckpoint(ctx context.Context, taskID string) (*types.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, taskID string) error
	ListCheckpoints(ctx context.Context) ([]string, error)
}

// MemoryStore is an in-process StateStore, primarily for tests and the
// single-process demonstration of the distributed backend's save-then-load
// discipline.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string]types.Checkpoint
}

// NewMemoryStore returns an empty in-memory StateStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]types.Checkpoint)}
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.TaskID] = cloneCheckpoint(cp)
	return nil
}

func (s *MemoryStore) LoadCheckpoint(_ context.Context, taskID string) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[taskID]
	if !ok {
		return nil, nil
	}
	out := cloneCheckpoint(cp)
	return &out, nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, taskID)
	return nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		out = append(out, id)
	}
	return out, nil
}

func cloneCheckpoint(cp types.Checkpoint) types.Checkpoint {
	out := cp
	out.Messages = append([]types.Message(nil), cp.Messages...)
	out.Cycles = append([]types.CycleRecord(nil), cp.Cycles...)
	shared := make(map[string]any, len(cp.SharedState))
	for k, v := range cp.SharedState {
		shared[k] = v
	}
	out.SharedState = shared
	return out
}
