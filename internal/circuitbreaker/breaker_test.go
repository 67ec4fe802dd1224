package circuitbreaker

import (
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestOpensAtThreshold(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 3}, zaptest.NewLogger(t))

	if s.RecordFailure("c1") {
		t.Error("Breaker must stay closed after 1 failure")
	}
	if s.RecordFailure("c1") {
		t.Error("Breaker must stay closed after 2 failures")
	}
	if !s.RecordFailure("c1") {
		t.Error("Breaker must open at the 3rd consecutive failure")
	}
	if s.Allow("c1") {
		t.Error("Open breaker must not allow traffic")
	}
	if s.State("c1") != StateOpen {
		t.Errorf("Expected open, got %s", s.State("c1"))
	}
}

func TestSuccessClosesAndResetsStreak(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 3}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		s.RecordFailure("c1")
	}
	if s.Allow("c1") {
		t.Fatal("Breaker should be open")
	}

	s.RecordSuccess("c1")
	if !s.Allow("c1") {
		t.Error("Any success must close the breaker")
	}

	// The streak restarts from zero after a success.
	s.RecordFailure("c1")
	s.RecordFailure("c1")
	if s.State("c1") != StateClosed {
		t.Error("Two failures after a success must not re-open a threshold-3 breaker")
	}
}

func TestSuccessInterruptsStreak(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 3}, zaptest.NewLogger(t))

	s.RecordFailure("c1")
	s.RecordFailure("c1")
	s.RecordSuccess("c1")
	s.RecordFailure("c1")
	s.RecordFailure("c1")

	if s.State("c1") != StateClosed {
		t.Error("Non-consecutive failures must not open the breaker")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 2}, zaptest.NewLogger(t))

	s.RecordFailure("c1")
	s.RecordFailure("c1")
	s.RecordFailure("c2")

	if s.Allow("c1") {
		t.Error("c1 should be open")
	}
	if !s.Allow("c2") {
		t.Error("c2 should still be closed")
	}
	if !s.Allow("never-seen") {
		t.Error("Unknown keys default to closed")
	}
}

func TestSnapshotCounts(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 2}, zaptest.NewLogger(t))

	s.RecordSuccess("c1")
	s.RecordFailure("c1")
	s.RecordFailure("c1")

	counts := s.Snapshot("c1")
	if counts.State != StateOpen {
		t.Errorf("Expected open state, got %s", counts.State)
	}
	if counts.TotalSuccesses != 1 || counts.TotalFailures != 2 {
		t.Errorf("Unexpected totals: %+v", counts)
	}
	if counts.ConsecutiveFailures != 2 {
		t.Errorf("Expected streak of 2, got %d", counts.ConsecutiveFailures)
	}
	if counts.OpenedAt == 0 {
		t.Error("Expected OpenedAt to be recorded")
	}

	if got := s.Snapshot("unknown"); got != (Counts{}) {
		t.Errorf("Unknown key snapshot should be zero, got %+v", got)
	}
}

func TestOnStateChange(t *testing.T) {
	var mu sync.Mutex
	var changes []string
	s := NewSet(Config{
		FailureThreshold: 1,
		OnStateChange: func(key string, from, to State) {
			mu.Lock()
			changes = append(changes, key+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	}, zaptest.NewLogger(t))

	s.RecordFailure("c1")
	s.RecordSuccess("c1")
	s.RecordSuccess("c1") // already closed; no callback

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("Expected 2 state changes, got %v", changes)
	}
	if changes[0] != "c1:closed->open" || changes[1] != "c1:open->closed" {
		t.Errorf("Unexpected change order: %v", changes)
	}
}

func TestUpdateThreshold(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 5}, zaptest.NewLogger(t))

	s.UpdateThreshold(2)
	s.RecordFailure("c1")
	if !s.RecordFailure("c1") {
		t.Error("Expected the lowered threshold to apply")
	}

	// Zero is ignored.
	s.UpdateThreshold(0)
	s.RecordSuccess("c1")
	s.RecordFailure("c1")
	if s.RecordFailure("c1") != true {
		t.Error("Threshold should still be 2 after ignoring a zero update")
	}
}

func TestRemoveForgetsKey(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 1}, zaptest.NewLogger(t))

	s.RecordFailure("c1")
	if s.Allow("c1") {
		t.Fatal("Breaker should be open")
	}
	s.Remove("c1")
	if !s.Allow("c1") {
		t.Error("Removed key must restart closed")
	}
}
