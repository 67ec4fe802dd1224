package quota

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// UserQuotas enforces per-user allocation limits. Users are created lazily
// with the default limits on first touch.
type UserQuotas struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	defaults Limits
	users    map[string]*ledger
}

func NewUserQuotas(defaults Limits, logger *zap.Logger) *UserQuotas {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserQuotas{
		logger:   logger.Named("quota.user"),
		now:      time.Now,
		defaults: defaults,
		users:    make(map[string]*ledger),
	}
}

func (q *UserQuotas) ledgerLocked(userID string) *ledger {
	l, ok := q.users[userID]
	if !ok {
		l = &ledger{limits: q.defaults}
		q.users[userID] = l
	}
	l.roll(q.now())
	return l
}

// SetLimits replaces the limits for one user.
func (q *UserQuotas) SetLimits(userID string, limits Limits) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ledgerLocked(userID).limits = limits
}

// CanAllocate reports whether userID may start agents more agents without
// committing anything.
func (q *UserQuotas) CanAllocate(userID string, agents int, sessionID string) Decision {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v := q.ledgerLocked(userID).check(agents); v != nil {
		return deny(LevelUser, userID, v)
	}
	return Decision{Allowed: true, Level: LevelUser, PrincipalID: userID}
}

// Allocate checks and commits in one step under the registry lock.
func (q *UserQuotas) Allocate(userID string, agents int, sessionID string) Decision {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.ledgerLocked(userID)
	if v := l.check(agents); v != nil {
		return deny(LevelUser, userID, v)
	}
	l.commit(agents)
	return Decision{Allowed: true, Level: LevelUser, PrincipalID: userID}
}

func (q *UserQuotas) unallocate(userID string, agents int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ledgerLocked(userID).uncommit(agents)
}

// Release returns concurrency held by userID. Window counters keep counting
// agents started, so they are not decremented.
func (q *UserQuotas) Release(userID string, agents int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ledgerLocked(userID).release(agents)
}

// RecordComputeHours charges compute time to today's window. Recording is
// never refused; overruns deny future allocations instead.
func (q *UserQuotas) RecordComputeHours(userID string, hours float64) {
	if hours <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ledgerLocked(userID).computeHours += hours
}

// RecordStorage adjusts the user's storage footprint by delta bytes, which
// may be negative when data is deleted.
func (q *UserQuotas) RecordStorage(userID string, delta int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.ledgerLocked(userID)
	l.storage += delta
	if l.storage < 0 {
		l.storage = 0
	}
}

// Usage returns the user's current consumption snapshot.
func (q *UserQuotas) Usage(userID string) Usage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ledgerLocked(userID).usage(LevelUser, userID)
}
