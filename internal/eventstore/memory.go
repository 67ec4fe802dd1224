package eventstore

import (
	"context"
	"sync"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
)

// MemoryStore keeps the log in memory with immediate appends. It backs
// tests and store-less embedded deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*eventbus.Event
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, e *eventbus.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Stream(ctx context.Context, correlationID string) ([]*eventbus.Event, error) {
	return m.filter(func(e *eventbus.Event) bool {
		return e.Metadata.CorrelationID == correlationID
	}, 0), nil
}

func (m *MemoryStore) All(ctx context.Context, q Query) ([]*eventbus.Event, error) {
	return m.filter(func(e *eventbus.Event) bool {
		return e.Timestamp > q.After
	}, q.Limit), nil
}

func (m *MemoryStore) ByType(ctx context.Context, eventType string, q Query) ([]*eventbus.Event, error) {
	return m.filter(func(e *eventbus.Event) bool {
		return e.Type == eventType && e.Timestamp >= q.Since
	}, q.Limit), nil
}

func (m *MemoryStore) BySource(ctx context.Context, source string, q Query) ([]*eventbus.Event, error) {
	return m.filter(func(e *eventbus.Event) bool {
		return e.Source == source && e.Timestamp >= q.Since
	}, q.Limit), nil
}

func (m *MemoryStore) Close(ctx context.Context) error { return nil }

// Len reports the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryStore) filter(keep func(*eventbus.Event) bool, limit int) []*eventbus.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*eventbus.Event, 0, len(m.events))
	for _, e := range m.events {
		if keep(e) {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
