// Package eventstore persists the event log. The SQL store buffers appends
// and commits them in batches; reads flush first so callers always see
// their own writes.
package eventstore

import (
	"context"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
)

// Query bounds a read. All uses After (exclusive); ByType and BySource use
// Since (inclusive). Both are unix millis; zero means unbounded. Limit of
// zero means no cap.
type Query struct {
	After int64
	Since int64
	Limit int
}

// Store is the append-only event log.
type Store interface {
	// Append accepts an event for durable storage. The SQL implementation
	// buffers; durability is guaranteed after the next flush.
	Append(ctx context.Context, e *eventbus.Event) error
	// Stream returns the correlation chain, ascending by timestamp.
	Stream(ctx context.Context, correlationID string) ([]*eventbus.Event, error)
	// All returns events after Query.After, ascending.
	All(ctx context.Context, q Query) ([]*eventbus.Event, error)
	// ByType returns events of one type since Query.Since, ascending.
	ByType(ctx context.Context, eventType string, q Query) ([]*eventbus.Event, error)
	// BySource returns events from one source since Query.Since, ascending.
	BySource(ctx context.Context, source string, q Query) ([]*eventbus.Event, error)
	// Close flushes any buffered events and releases resources.
	Close(ctx context.Context) error
}
