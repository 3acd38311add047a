package session

import (
	"context"
	"sync"
	"time"

	"github.com/loopkit/agentrt/types"
)

// Snapshot is the durable state of one session between runs: the dialogue
// history and shared state a restarted process needs to continue the
// conversation where it left off.
type Snapshot struct {
	SessionID   string          `json:"session_id"`
	Messages    []types.Message `json:"messages"`
	SharedState map[string]any  `json:"shared_state"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Store persists session snapshots. Implementations must round-trip every
// Snapshot field losslessly; session/mongostore provides a MongoDB-backed
// one.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, sessionID string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, sessionID string) error
}

// MemoryStore is an in-process Store for tests and single-process use.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot)}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.SessionID] = cloneSnapshot(snap)
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, sessionID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[sessionID]
	if !ok {
		return nil, nil
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

func (s *MemoryStore) DeleteSnapshot(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, sessionID)
	return nil
}

func cloneSnapshot(snap Snapshot) Snapshot {
	out := snap
	out.Messages = append([]types.Message(nil), snap.Messages...)
	shared := make(map[string]any, len(snap.SharedState))
	for k, v := range snap.SharedState {
		shared[k] = v
	}
	out.SharedState = shared
	return out
}
