package quota

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
	"github.com/davidkimai/godel-sub016/internal/metrics"
)

// EventQuotaViolation is published whenever an admission is denied.
const EventQuotaViolation = "quota:violation"

// Binding ties a user to the team and organization whose quotas back them.
type Binding struct {
	TeamID string `json:"teamId,omitempty"`
	OrgID  string `json:"orgId,omitempty"`
}

// ManagerOptions configures a quota manager.
type ManagerOptions struct {
	UserDefaults Limits
	TeamDefaults Limits
	OrgDefaults  Limits

	// RequestsPerSecond and RequestBurst shape the per-principal limiter
	// gating admission calls. Defaults: 50 rps, burst 100.
	RequestsPerSecond float64
	RequestBurst      int

	// Policy is the optional rego hook consulted before counter checks.
	Policy *Policy
	// Bus receives quota:violation events when set.
	Bus    *eventbus.Bus
	Logger *zap.Logger
}

// Manager composes the three quota levels into one admission gate. A user's
// allocation is checked against their own limits, then their team's, then
// their organization's; the first denial wins and nothing is charged.
// Admissions for unbound users stop at the user level.
//
// All allocations must flow through the manager: it serializes multi-level
// commits so a denial at a later level can roll back earlier ones without
// racing a concurrent admission.
type Manager struct {
	logger *zap.Logger
	now    func() time.Time

	users  *UserQuotas
	teams  *TeamQuotas
	orgs   *OrgQuotas
	policy *Policy
	bus    *eventbus.Bus

	rps   rate.Limit
	burst int

	admitMu sync.Mutex

	mu       sync.RWMutex
	bindings map[string]Binding
	limiters map[string]*rate.Limiter
}

// NewManager builds the three levels from their default limits.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 50
	}
	burst := opts.RequestBurst
	if burst <= 0 {
		burst = 100
	}
	return &Manager{
		logger:   logger.Named("quota"),
		now:      time.Now,
		users:    NewUserQuotas(opts.UserDefaults, logger),
		teams:    NewTeamQuotas(opts.TeamDefaults, logger),
		orgs:     NewOrgQuotas(opts.OrgDefaults, logger),
		policy:   opts.Policy,
		bus:      opts.Bus,
		rps:      rate.Limit(rps),
		burst:    burst,
		bindings: make(map[string]Binding),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Users exposes the user level for limit administration.
func (m *Manager) Users() *UserQuotas { return m.users }

// Teams exposes the team level for membership and transfer administration.
func (m *Manager) Teams() *TeamQuotas { return m.teams }

// Orgs exposes the organization level for tree and rule administration.
func (m *Manager) Orgs() *OrgQuotas { return m.orgs }

// Bind records which team and org absorb a user's allocations. Empty ids
// skip that level.
func (m *Manager) Bind(userID, teamID, orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[userID] = Binding{TeamID: teamID, OrgID: orgID}
}

// BindingOf returns the user's team and org binding.
func (m *Manager) BindingOf(userID string) (Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[userID]
	return b, ok
}

func (m *Manager) limiterFor(userID string) *rate.Limiter {
	m.mu.RLock()
	lim, ok := m.limiters[userID]
	m.mu.RUnlock()
	if ok {
		return lim
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok = m.limiters[userID]; ok {
		return lim
	}
	lim = rate.NewLimiter(m.rps, m.burst)
	m.limiters[userID] = lim
	return lim
}

// admit runs the gates shared by CanAllocate and Allocate: the per-user
// request limiter, then the rego hook. A nil return means proceed to the
// counter checks.
func (m *Manager) admit(ctx context.Context, userID string, agents int, sessionID string, b Binding) *Decision {
	if !m.limiterFor(userID).Allow() {
		d := Decision{
			Allowed:     false,
			Reason:      "user " + userID + " over admission_rate: " + strconv.FormatFloat(float64(m.rps), 'f', -1, 64) + " requests per second",
			Level:       LevelUser,
			PrincipalID: userID,
			Dimension:   DimAdmissionRate,
			Limit:       float64(m.rps),
		}
		return &d
	}
	if m.policy.Enabled() {
		d := m.policy.Evaluate(ctx, PolicyInput{
			UserID:    userID,
			TeamID:    b.TeamID,
			OrgID:     b.OrgID,
			SessionID: sessionID,
			Agents:    agents,
			Timestamp: m.now(),
		})
		if !d.Allowed {
			if d.PrincipalID == "" {
				d.PrincipalID = userID
			}
			return &d
		}
	}
	return nil
}

// CanAllocate reports whether userID may start agents more agents without
// committing anything at any level.
func (m *Manager) CanAllocate(ctx context.Context, userID string, agents int, sessionID string) Decision {
	b, _ := m.BindingOf(userID)
	if d := m.admit(ctx, userID, agents, sessionID, b); d != nil {
		return m.deny(*d)
	}
	if d := m.users.CanAllocate(userID, agents, sessionID); !d.Allowed {
		return m.deny(d)
	}
	if b.TeamID != "" {
		if d := m.teams.CanAllocate(b.TeamID, agents, sessionID); !d.Allowed {
			return m.deny(d)
		}
	}
	if b.OrgID != "" {
		if d := m.orgs.CanAllocate(b.OrgID, agents, sessionID); !d.Allowed {
			return m.deny(d)
		}
	}
	return m.allow(userID)
}

// Allocate admits and charges all bound levels atomically. A denial at the
// team or org level uncommits the levels already charged.
func (m *Manager) Allocate(ctx context.Context, userID string, agents int, sessionID string) Decision {
	b, _ := m.BindingOf(userID)
	if d := m.admit(ctx, userID, agents, sessionID, b); d != nil {
		return m.deny(*d)
	}

	m.admitMu.Lock()
	defer m.admitMu.Unlock()
	if d := m.users.Allocate(userID, agents, sessionID); !d.Allowed {
		return m.deny(d)
	}
	if b.TeamID != "" {
		if d := m.teams.Allocate(b.TeamID, agents, sessionID); !d.Allowed {
			m.users.unallocate(userID, agents)
			return m.deny(d)
		}
	}
	if b.OrgID != "" {
		if d := m.orgs.Allocate(b.OrgID, agents, sessionID); !d.Allowed {
			m.users.unallocate(userID, agents)
			if b.TeamID != "" {
				m.teams.unallocate(b.TeamID, agents)
			}
			return m.deny(d)
		}
	}
	return m.allow(userID)
}

// Release returns concurrency across all bound levels.
func (m *Manager) Release(userID string, agents int) {
	b, _ := m.BindingOf(userID)
	m.users.Release(userID, agents)
	if b.TeamID != "" {
		m.teams.Release(b.TeamID, agents)
	}
	if b.OrgID != "" {
		m.orgs.Release(b.OrgID, agents)
	}
}

// Gate exposes the manager through error-returning admission calls. A
// denied decision comes back as *ViolationError so callers can recover it
// with errors.As.
func (m *Manager) Gate() *Gate { return &Gate{m: m} }

// Gate adapts the manager to call sites that admit on nil error.
type Gate struct {
	m *Manager
}

func (g *Gate) Allocate(ctx context.Context, principalID string, agents int, sessionID string) error {
	d := g.m.Allocate(ctx, principalID, agents, sessionID)
	if !d.Allowed {
		return &ViolationError{Decision: d}
	}
	return nil
}

func (g *Gate) Release(principalID string, agents int) {
	g.m.Release(principalID, agents)
}

// RecordComputeHours charges compute time to every bound level.
func (m *Manager) RecordComputeHours(userID string, hours float64) {
	b, _ := m.BindingOf(userID)
	m.users.RecordComputeHours(userID, hours)
	if b.TeamID != "" {
		m.teams.RecordComputeHours(b.TeamID, hours)
	}
	if b.OrgID != "" {
		m.orgs.RecordComputeHours(b.OrgID, hours)
	}
}

// RecordStorage adjusts the storage footprint at every bound level.
func (m *Manager) RecordStorage(userID string, delta int64) {
	b, _ := m.BindingOf(userID)
	m.users.RecordStorage(userID, delta)
	if b.TeamID != "" {
		m.teams.RecordStorage(b.TeamID, delta)
	}
	if b.OrgID != "" {
		m.orgs.RecordStorage(b.OrgID, delta)
	}
}

// Snapshot returns usage for the user and every level bound to them.
func (m *Manager) Snapshot(userID string) []Usage {
	b, _ := m.BindingOf(userID)
	out := []Usage{m.users.Usage(userID)}
	if b.TeamID != "" {
		out = append(out, m.teams.Usage(b.TeamID))
	}
	if b.OrgID != "" {
		out = append(out, m.orgs.Usage(b.OrgID))
	}
	return out
}

func (m *Manager) allow(userID string) Decision {
	metrics.QuotaDecisions.WithLabelValues("all", "true").Inc()
	return Decision{Allowed: true, PrincipalID: userID}
}

// deny records and publishes a denial before handing it back.
func (m *Manager) deny(d Decision) Decision {
	metrics.QuotaDecisions.WithLabelValues(string(d.Level), "false").Inc()
	metrics.QuotaViolations.WithLabelValues(string(d.Level), string(d.Dimension)).Inc()
	m.logger.Warn("allocation denied",
		zap.String("level", string(d.Level)),
		zap.String("principal_id", d.PrincipalID),
		zap.String("dimension", string(d.Dimension)),
		zap.String("reason", d.Reason))
	if m.bus != nil {
		payload := map[string]any{
			"type":      string(d.Dimension),
			"limit":     d.Limit,
			"attempted": d.Attempted,
			"reason":    d.Reason,
		}
		switch d.Level {
		case LevelTeam:
			payload["teamId"] = d.PrincipalID
		case LevelOrg:
			payload["orgId"] = d.PrincipalID
		default:
			payload["userId"] = d.PrincipalID
		}
		m.bus.PublishAsync(EventQuotaViolation, payload, eventbus.WithSource("quota"))
	}
	return d
}
