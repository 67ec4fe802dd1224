package agent

import (
	"context"
	"sync"
)

// MemoryStorage keeps snapshots in a map. Intended for tests and
// single-process setups.
type MemoryStorage struct {
	mu     sync.RWMutex
	states map[string]*SavedState
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{states: make(map[string]*SavedState)}
}

// Get returns the stored snapshot or (nil, nil).
func (s *MemoryStorage) Get(_ context.Context, agentID string) (*SavedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	saved, ok := s.states[agentID]
	if !ok {
		return nil, nil
	}
	return copySaved(saved), nil
}

// Save stores a copy of state.
func (s *MemoryStorage) Save(_ context.Context, agentID string, state *SavedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[agentID] = copySaved(state)
	return nil
}

// Delete removes the snapshot if present.
func (s *MemoryStorage) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, agentID)
	return nil
}

// List returns the agent ids with stored snapshots.
func (s *MemoryStorage) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func copySaved(in *SavedState) *SavedState {
	out := *in
	out.History = append([]StateEntry(nil), in.History...)
	return &out
}
