// Package circuitbreaker tracks consecutive failures per key and trips a
// breaker when they reach a threshold. A single success closes the breaker
// again. The load balancer keys breakers by cluster id.
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/metrics"
)

// State is the breaker position for one key.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// DefaultFailureThreshold opens a breaker after this many consecutive
// failures when no threshold is configured.
const DefaultFailureThreshold = 3

// Config tunes a Set.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// breaker (default 3).
	FailureThreshold uint32
	// OnStateChange fires after a breaker moves between closed and open.
	OnStateChange func(key string, from, to State)
}

// Counts is a read-only snapshot of one breaker.
type Counts struct {
	State               State  `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
	TotalFailures       uint64 `json:"totalFailures"`
	TotalSuccesses      uint64 `json:"totalSuccesses"`
	// OpenedAt is the unix-millis instant the breaker opened; zero while
	// closed.
	OpenedAt int64 `json:"openedAt,omitempty"`
}

type breaker struct {
	state               State
	consecutiveFailures uint32
	totalFailures       uint64
	totalSuccesses      uint64
	openedAt            int64
}

// Set manages one breaker per key. Keys materialize lazily in the closed
// state. All methods are safe for concurrent use.
type Set struct {
	mu        sync.Mutex
	threshold uint32
	onChange  func(string, State, State)
	breakers  map[string]*breaker
	logger    *zap.Logger
}

// NewSet returns an empty breaker set.
func NewSet(cfg Config, logger *zap.Logger) *Set {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		threshold: cfg.FailureThreshold,
		onChange:  cfg.OnStateChange,
		breakers:  make(map[string]*breaker),
		logger:    logger,
	}
}

func (s *Set) get(key string) *breaker {
	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{}
		s.breakers[key] = b
	}
	return b
}

// RecordFailure counts one failure against key and reports whether the
// breaker is now open.
func (s *Set) RecordFailure(key string) bool {
	s.mu.Lock()
	b := s.get(key)
	b.totalFailures++
	b.consecutiveFailures++
	opened := b.state == StateClosed && b.consecutiveFailures >= s.threshold
	if opened {
		b.state = StateOpen
		b.openedAt = time.Now().UnixMilli()
	}
	isOpen := b.state == StateOpen
	s.mu.Unlock()

	if opened {
		s.announce(key, StateClosed, StateOpen)
	}
	return isOpen
}

// RecordSuccess resets key's failure streak and closes its breaker.
func (s *Set) RecordSuccess(key string) {
	s.mu.Lock()
	b := s.get(key)
	b.totalSuccesses++
	b.consecutiveFailures = 0
	closed := b.state == StateOpen
	if closed {
		b.state = StateClosed
		b.openedAt = 0
	}
	s.mu.Unlock()

	if closed {
		s.announce(key, StateOpen, StateClosed)
	}
}

// Allow reports whether key's breaker permits traffic.
func (s *Set) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	return !ok || b.state == StateClosed
}

// State returns key's current breaker position.
func (s *Set) State(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b.state
	}
	return StateClosed
}

// Snapshot returns key's counters.
func (s *Set) Snapshot(key string) Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		return Counts{}
	}
	return Counts{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		OpenedAt:            b.openedAt,
	}
}

// Remove forgets key entirely. Used when a cluster unregisters.
func (s *Set) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, key)
}

// UpdateThreshold applies a new failure threshold to future accounting.
// Already-open breakers stay open until a success arrives.
func (s *Set) UpdateThreshold(threshold uint32) {
	if threshold == 0 {
		return
	}
	s.mu.Lock()
	s.threshold = threshold
	s.mu.Unlock()
}

func (s *Set) announce(key string, from, to State) {
	metrics.CircuitBreakerTransitions.WithLabelValues(key, to.String()).Inc()
	s.logger.Info("circuit breaker state changed",
		zap.String("key", key),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if s.onChange != nil {
		s.onChange(key, from, to)
	}
}
