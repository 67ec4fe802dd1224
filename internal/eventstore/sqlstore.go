package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
	"github.com/davidkimai/godel-sub016/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	target         TEXT,
	payload        TEXT NOT NULL DEFAULT '{}',
	metadata       TEXT NOT NULL DEFAULT '{}',
	correlation_id TEXT NOT NULL DEFAULT '',
	timestamp_ms   BIGINT NOT NULL,
	seq            BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
`

const insertEvent = `
INSERT INTO events (id, type, source, target, payload, metadata, correlation_id, timestamp_ms, seq)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

const selectEvent = `
SELECT id, type, source, target, payload, metadata, correlation_id, timestamp_ms, seq
FROM events`

type eventRow struct {
	ID            string         `db:"id"`
	Type          string         `db:"type"`
	Source        string         `db:"source"`
	Target        sql.NullString `db:"target"`
	Payload       string         `db:"payload"`
	Metadata      string         `db:"metadata"`
	CorrelationID string         `db:"correlation_id"`
	TimestampMs   int64          `db:"timestamp_ms"`
	Seq           int64          `db:"seq"`
}

// Options tunes the SQL store's batching behaviour.
type Options struct {
	// BatchSize triggers a flush once this many events are buffered
	// (default 100).
	BatchSize int
	// FlushInterval is the periodic flush cadence (default 5s).
	FlushInterval time.Duration
	Logger        *zap.Logger
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// SQLStore persists events through sqlx (sqlite3 or postgres). Appends
// buffer in memory; a single flusher goroutine commits batches when the
// buffer reaches BatchSize or FlushInterval elapses. A failed commit puts
// the batch back at the head of the buffer and is retried on the next
// flush. Reads flush synchronously first.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	opts   Options

	mu  sync.Mutex
	buf []*eventbus.Event

	// flushMu enforces at most one flush in flight.
	flushMu sync.Mutex

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

// Open connects to the DSN, creates the schema and starts the flusher.
// Supported DSNs: "postgres://..." (lib/pq), "sqlite://path", a bare file
// path, or ":memory:".
func Open(dsn string, opts Options) (*SQLStore, error) {
	driver, source := resolveDSN(dsn)
	db, err := sqlx.Connect(driver, source)
	if err != nil {
		return nil, fmt.Errorf("eventstore: connect %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// A second sqlite connection would open a separate database for
		// :memory: sources and contend on file locks otherwise.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: create schema: %w", err)
	}
	return NewSQLStore(db, opts), nil
}

// NewSQLStore wraps an existing connection. The caller owns schema setup.
func NewSQLStore(db *sqlx.DB, opts Options) *SQLStore {
	opts.withDefaults()
	s := &SQLStore{
		db:     db,
		logger: opts.Logger,
		opts:   opts,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

func resolveDSN(dsn string) (driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite3", dsn
	}
}

// Append buffers the event. It only fails once the store is closed.
func (s *SQLStore) Append(ctx context.Context, e *eventbus.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("eventstore: store closed")
	}
	s.buf = append(s.buf, e)
	size := len(s.buf)
	s.mu.Unlock()

	metrics.StoreAppends.Inc()
	metrics.StoreBufferSize.Set(float64(size))
	if size >= s.opts.BatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *SQLStore) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-s.kick:
		case <-s.stop:
			return
		}
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Warn("event batch flush failed; batch requeued", zap.Error(err))
		}
	}
}

// Flush commits every buffered event in batches of BatchSize. On failure
// the in-flight batch returns to the head of the buffer.
func (s *SQLStore) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			s.mu.Unlock()
			metrics.StoreBufferSize.Set(0)
			return nil
		}
		n := len(s.buf)
		if n > s.opts.BatchSize {
			n = s.opts.BatchSize
		}
		batch := s.buf[:n:n]
		s.buf = s.buf[n:]
		s.mu.Unlock()

		start := time.Now()
		if err := s.commit(ctx, batch); err != nil {
			s.mu.Lock()
			s.buf = append(batch, s.buf...)
			size := len(s.buf)
			s.mu.Unlock()
			metrics.StoreFlushes.WithLabelValues("error").Inc()
			metrics.StoreBufferSize.Set(float64(size))
			return fmt.Errorf("eventstore: commit batch of %d: %w", len(batch), err)
		}
		metrics.StoreFlushes.WithLabelValues("ok").Inc()
		metrics.StoreFlushDuration.Observe(float64(time.Since(start).Milliseconds()))
	}
}

func (s *SQLStore) commit(ctx context.Context, batch []*eventbus.Event) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	stmt := s.db.Rebind(insertEvent)
	for _, e := range batch {
		row, err := toRow(e)
		if err != nil {
			// Unserializable payloads cannot succeed on retry either;
			// log and drop this event rather than wedging the batch.
			s.logger.Error("dropping unserializable event",
				zap.String("event_id", e.ID),
				zap.String("event_type", e.Type),
				zap.Error(err))
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt,
			row.ID, row.Type, row.Source, row.Target, row.Payload,
			row.Metadata, row.CorrelationID, row.TimestampMs, row.Seq); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Stream returns the correlation chain, ascending by timestamp.
func (s *SQLStore) Stream(ctx context.Context, correlationID string) ([]*eventbus.Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	q := selectEvent + " WHERE correlation_id = ? ORDER BY timestamp_ms ASC, seq ASC"
	return s.query(ctx, q, correlationID)
}

// All returns events with timestamp strictly after q.After, ascending.
func (s *SQLStore) All(ctx context.Context, q Query) ([]*eventbus.Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	query := selectEvent + " WHERE timestamp_ms > ? ORDER BY timestamp_ms ASC, seq ASC"
	args := []any{q.After}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return s.query(ctx, query, args...)
}

// ByType returns events of eventType with timestamp at or after q.Since.
func (s *SQLStore) ByType(ctx context.Context, eventType string, q Query) ([]*eventbus.Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	query := selectEvent + " WHERE type = ? AND timestamp_ms >= ? ORDER BY timestamp_ms ASC, seq ASC"
	args := []any{eventType, q.Since}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return s.query(ctx, query, args...)
}

// BySource returns events from source with timestamp at or after q.Since.
func (s *SQLStore) BySource(ctx context.Context, source string, q Query) ([]*eventbus.Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	query := selectEvent + " WHERE source = ? AND timestamp_ms >= ? ORDER BY timestamp_ms ASC, seq ASC"
	args := []any{source, q.Since}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*eventbus.Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	events := make([]*eventbus.Event, 0, len(rows))
	for i := range rows {
		e, err := fromRow(&rows[i])
		if err != nil {
			s.logger.Warn("skipping undecodable event row",
				zap.String("event_id", rows[i].ID), zap.Error(err))
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Ping reports connectivity for health checks.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying connection so other subsystems can share it;
// sqlite sources are limited to one connection and must not be reopened.
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// BufferedCount reports how many events await flush.
func (s *SQLStore) BufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Close stops the flusher, performs a final synchronous flush and closes
// the database.
func (s *SQLStore) Close(ctx context.Context) error {
	var flushErr error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		flushErr = s.Flush(ctx)
		s.mu.Lock()
		s.closed = true
		remaining := len(s.buf)
		s.mu.Unlock()
		if remaining > 0 {
			s.logger.Error("closing with unflushed events", zap.Int("count", remaining))
		}
		if err := s.db.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
	})
	return flushErr
}

func toRow(e *eventbus.Event) (*eventRow, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	row := &eventRow{
		ID:            e.ID,
		Type:          e.Type,
		Source:        e.Source,
		Payload:       string(payload),
		Metadata:      string(meta),
		CorrelationID: e.Metadata.CorrelationID,
		TimestampMs:   e.Timestamp,
		Seq:           int64(e.Seq),
	}
	if e.Target != "" {
		row.Target = sql.NullString{String: e.Target, Valid: true}
	}
	return row, nil
}

func fromRow(r *eventRow) (*eventbus.Event, error) {
	e := &eventbus.Event{
		ID:        r.ID,
		Type:      r.Type,
		Source:    r.Source,
		Timestamp: r.TimestampMs,
		Seq:       uint64(r.Seq),
	}
	if r.Target.Valid {
		e.Target = r.Target.String
	}
	if r.Payload != "" && r.Payload != "null" {
		if err := json.Unmarshal([]byte(r.Payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if r.Metadata != "" && r.Metadata != "null" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return e, nil
}
