package eventstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
)

func testEvent(id, eventType, source, correlation string, ts int64) *eventbus.Event {
	return &eventbus.Event{
		ID:        id,
		Type:      eventType,
		Source:    source,
		Timestamp: ts,
		Seq:       uint64(ts),
		Payload:   map[string]any{"k": "v"},
		Metadata: eventbus.Metadata{
			CorrelationID: correlation,
			Version:       1,
			Priority:      eventbus.PriorityNormal,
		},
	}
}

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(":memory:", Options{
		BatchSize:     10,
		FlushInterval: time.Hour, // reads trigger flushes in tests
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestAppendThenReadYourWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Append(ctx, testEvent("e1", "task:completed", "engine", "c1", 100))
	s.Append(ctx, testEvent("e2", "task:failed", "engine", "c1", 200))
	s.Append(ctx, testEvent("e3", "task:completed", "workflow", "c2", 300))

	byType, err := s.ByType(ctx, "task:completed", Query{})
	if err != nil {
		t.Fatalf("ByType failed: %v", err)
	}
	if len(byType) != 2 {
		t.Fatalf("Expected 2 task:completed events, got %d", len(byType))
	}
	if byType[0].ID != "e1" || byType[1].ID != "e3" {
		t.Errorf("Expected ascending order e1,e3, got %s,%s", byType[0].ID, byType[1].ID)
	}
	if byType[0].Payload["k"] != "v" {
		t.Errorf("Expected payload round trip, got %v", byType[0].Payload)
	}
	if byType[0].Metadata.CorrelationID != "c1" {
		t.Errorf("Expected metadata round trip, got %+v", byType[0].Metadata)
	}

	bySource, err := s.BySource(ctx, "engine", Query{})
	if err != nil {
		t.Fatalf("BySource failed: %v", err)
	}
	if len(bySource) != 2 {
		t.Errorf("Expected 2 events from engine, got %d", len(bySource))
	}

	stream, err := s.Stream(ctx, "c1")
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(stream) != 2 {
		t.Errorf("Expected correlation chain of 2, got %d", len(stream))
	}

	all, err := s.All(ctx, Query{After: 100})
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 events after ts=100 (exclusive), got %d", len(all))
	}

	limited, err := s.ByType(ctx, "task:completed", Query{Limit: 1})
	if err != nil {
		t.Fatalf("ByType with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected limit of 1, got %d", len(limited))
	}
}

func TestDuplicateAppendIsIgnored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Append(ctx, testEvent("dup", "x", "s", "c", 1))
	s.Append(ctx, testEvent("dup", "x", "s", "c", 1))

	events, err := s.ByType(ctx, "x", Query{})
	if err != nil {
		t.Fatalf("ByType failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected duplicate id to be ignored, got %d rows", len(events))
	}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	s, err := Open(":memory:", Options{
		BatchSize:     3,
		FlushInterval: time.Hour,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close(context.Background())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.Append(ctx, testEvent(string(rune('a'+i)), "t", "s", "c", int64(i)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.BufferedCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected size-triggered flush, %d still buffered", s.BufferedCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseFlushesDurably(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := Open(path, Options{BatchSize: 100, FlushInterval: time.Hour, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.Append(ctx, testEvent("persisted", "t", "s", "c", 42))
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(path, Options{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close(ctx)
	events, err := reopened.ByType(ctx, "t", Query{})
	if err != nil {
		t.Fatalf("ByType failed: %v", err)
	}
	if len(events) != 1 || events[0].ID != "persisted" {
		t.Errorf("Expected the closed store's event to survive reopen, got %+v", events)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Append(ctx, testEvent("late", "t", "s", "c", 1)); err == nil {
		t.Error("Expected Append after Close to fail")
	}
}

func TestFailedCommitRequeuesBatch(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	s := NewSQLStore(sqlx.NewDb(mockDB, "sqlmock"), Options{
		BatchSize:     10,
		FlushInterval: time.Hour,
		Logger:        zaptest.NewLogger(t),
	})
	ctx := context.Background()

	s.Append(ctx, testEvent("e1", "t", "s", "c", 1))
	s.Append(ctx, testEvent("e2", "t", "s", "c", 2))

	// First flush: the transaction cannot even begin.
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	if err := s.Flush(ctx); err == nil {
		t.Fatal("Expected Flush to surface the commit failure")
	}
	if got := s.BufferedCount(); got != 2 {
		t.Fatalf("Expected failed batch back in the buffer, got %d buffered", got)
	}

	// Second flush: the database recovered; the same batch commits.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Expected retried flush to succeed: %v", err)
	}
	if got := s.BufferedCount(); got != 0 {
		t.Errorf("Expected empty buffer after retry, got %d", got)
	}

	mock.ExpectClose()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet sqlmock expectations: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	m.Append(ctx, testEvent("m1", "a", "s1", "c1", 10))
	m.Append(ctx, testEvent("m2", "b", "s1", "c1", 20))
	m.Append(ctx, testEvent("m3", "a", "s2", "c2", 30))

	if got, _ := m.ByType(ctx, "a", Query{}); len(got) != 2 {
		t.Errorf("Expected 2 type-a events, got %d", len(got))
	}
	if got, _ := m.BySource(ctx, "s1", Query{Since: 20}); len(got) != 1 {
		t.Errorf("Expected 1 s1 event since ts=20, got %d", len(got))
	}
	if got, _ := m.Stream(ctx, "c1"); len(got) != 2 {
		t.Errorf("Expected chain of 2, got %d", len(got))
	}
	if got, _ := m.All(ctx, Query{After: 10, Limit: 1}); len(got) != 1 || got[0].ID != "m2" {
		t.Errorf("Expected [m2], got %+v", got)
	}
	if m.Len() != 3 {
		t.Errorf("Expected 3 stored events, got %d", m.Len())
	}
}
