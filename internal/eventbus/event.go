// Package eventbus provides the in-process publish/subscribe fabric:
// immutable events, pattern subscriptions, middleware, a bounded history
// ring with sequence-based replay, and correlation chains.
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority classifies an event for consumers; it does not affect delivery order.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Metadata carries the correlation and delivery attributes of an event.
type Metadata struct {
	CorrelationID string   `json:"correlationId"`
	CausationID   string   `json:"causationId,omitempty"`
	Version       uint32   `json:"version"`
	Priority      Priority `json:"priority"`
	TTLMs         int64    `json:"ttl,omitempty"`
}

// Event is an immutable fact. Never mutate an event after publishing;
// subscribers and the history ring share the same instance.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Target    string         `json:"target,omitempty"`
	Timestamp int64          `json:"timestamp"` // unix millis, non-decreasing per bus
	Seq       uint64         `json:"seq"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  Metadata       `json:"metadata"`
}

// Expired reports whether the event's TTL has lapsed at the given time.
// Events without a TTL never expire.
func (e *Event) Expired(now int64) bool {
	return e.Metadata.TTLMs > 0 && e.Timestamp+e.Metadata.TTLMs < now
}

// Marshal returns the event as JSON for SSE frames and logs.
func (e *Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Event types emitted by the bus itself.
const (
	TypeHandlerError     = "handler:error"
	TypePersistenceError = "persistence:error"
)

type publishOptions struct {
	source        string
	target        string
	correlationID string
	causationID   string
	version       uint32
	priority      Priority
	ttl           time.Duration
}

// PublishOption customizes a single publish call.
type PublishOption func(*publishOptions)

// WithSource sets the originating component or agent id.
func WithSource(source string) PublishOption {
	return func(o *publishOptions) { o.source = source }
}

// WithTarget addresses the event at a specific component or agent.
func WithTarget(target string) PublishOption {
	return func(o *publishOptions) { o.target = target }
}

// WithCorrelationID chains the event into an existing correlation.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// CausedBy inherits the parent's correlation id and records the parent as
// the cause of the new event.
func CausedBy(parent *Event) PublishOption {
	return func(o *publishOptions) {
		if parent == nil {
			return
		}
		o.correlationID = parent.Metadata.CorrelationID
		o.causationID = parent.ID
	}
}

// WithPriority overrides the default normal priority.
func WithPriority(p Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithTTL bounds how long the event stays visible in history queries.
func WithTTL(ttl time.Duration) PublishOption {
	return func(o *publishOptions) { o.ttl = ttl }
}

// WithVersion sets the payload schema version (default 1).
func WithVersion(v uint32) PublishOption {
	return func(o *publishOptions) { o.version = v }
}

func buildEvent(eventType string, payload map[string]any, opts ...PublishOption) *Event {
	o := publishOptions{priority: PriorityNormal, version: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.correlationID == "" {
		o.correlationID = uuid.NewString()
	}
	if !o.priority.Valid() {
		o.priority = PriorityNormal
	}
	if o.version == 0 {
		o.version = 1
	}
	return &Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Source:  o.source,
		Target:  o.target,
		Payload: payload,
		Metadata: Metadata{
			CorrelationID: o.correlationID,
			CausationID:   o.causationID,
			Version:       o.version,
			Priority:      o.priority,
			TTLMs:         o.ttl.Milliseconds(),
		},
	}
}
