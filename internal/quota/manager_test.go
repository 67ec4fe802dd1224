package quota

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
)

func newTestManager(t *testing.T, opts ManagerOptions) *Manager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	return NewManager(opts)
}

func TestManagerFirstDenialWins(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, ManagerOptions{
		UserDefaults: Limits{ConcurrentAgents: 10},
		TeamDefaults: Limits{ConcurrentAgents: 2},
		OrgDefaults:  Limits{ConcurrentAgents: 100},
	})
	m.Bind("u1", "t1", "o1")

	if d := m.Allocate(ctx, "u1", 2, "s1"); !d.Allowed {
		t.Fatalf("allocation within all levels denied: %s", d.Reason)
	}
	d := m.Allocate(ctx, "u1", 1, "s1")
	if d.Allowed {
		t.Fatal("team limit should deny the third agent")
	}
	if d.Level != LevelTeam || d.PrincipalID != "t1" {
		t.Fatalf("denial = %s/%s, want team/t1", d.Level, d.PrincipalID)
	}

	// The user level was rolled back when the team denied.
	if got := m.Users().Usage("u1").ConcurrentAgents; got != 2 {
		t.Fatalf("user concurrent = %d, want 2", got)
	}
	if got := m.Users().Usage("u1").AgentsToday; got != 2 {
		t.Fatalf("user agents today = %d, want 2 (failed commit rolled back)", got)
	}
	if got := m.Orgs().Usage("o1").ConcurrentAgents; got != 2 {
		t.Fatalf("org concurrent = %d, want 2", got)
	}
}

func TestManagerUserLevelChecksFirst(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, ManagerOptions{
		UserDefaults: Limits{AgentsPerDay: 1},
		TeamDefaults: Limits{},
	})
	m.Bind("u1", "t1", "")

	m.Allocate(ctx, "u1", 1, "s1")
	d := m.Allocate(ctx, "u1", 1, "s1")
	if d.Allowed || d.Level != LevelUser {
		t.Fatalf("denial = %+v, want user level", d)
	}
	if got := m.Teams().Usage("t1").AgentsToday; got != 1 {
		t.Fatalf("team agents today = %d, want 1", got)
	}
}

func TestManagerUnboundUserStopsAtUserLevel(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, ManagerOptions{
		UserDefaults: Limits{ConcurrentAgents: 1},
		TeamDefaults: Limits{ConcurrentAgents: 0},
	})

	if d := m.Allocate(ctx, "solo", 1, "s1"); !d.Allowed {
		t.Fatalf("unbound allocation denied: %s", d.Reason)
	}
	if snaps := m.Snapshot("solo"); len(snaps) != 1 || snaps[0].Level != LevelUser {
		t.Fatalf("snapshot = %+v, want single user entry", snaps)
	}
}

func TestManagerReleaseAndUsagePropagate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, ManagerOptions{})
	m.Bind("u1", "t1", "o1")

	m.Allocate(ctx, "u1", 3, "s1")
	m.RecordComputeHours("u1", 1.5)
	m.RecordStorage("u1", 2048)

	snaps := m.Snapshot("u1")
	if len(snaps) != 3 {
		t.Fatalf("snapshot entries = %d, want 3", len(snaps))
	}
	for _, u := range snaps {
		if u.ConcurrentAgents != 3 {
			t.Fatalf("%s %s concurrent = %d, want 3", u.Level, u.PrincipalID, u.ConcurrentAgents)
		}
		if u.ComputeHoursToday != 1.5 {
			t.Fatalf("%s compute hours = %v, want 1.5", u.Level, u.ComputeHoursToday)
		}
		if u.StorageBytes != 2048 {
			t.Fatalf("%s storage = %d, want 2048", u.Level, u.StorageBytes)
		}
	}

	m.Release("u1", 3)
	for _, u := range m.Snapshot("u1") {
		if u.ConcurrentAgents != 0 {
			t.Fatalf("%s concurrent after release = %d, want 0", u.Level, u.ConcurrentAgents)
		}
	}
}

func TestManagerAdmissionRateLimit(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, ManagerOptions{
		RequestsPerSecond: 0.001,
		RequestBurst:      2,
	})

	if d := m.CanAllocate(ctx, "u1", 1, "s1"); !d.Allowed {
		t.Fatalf("first admission denied: %s", d.Reason)
	}
	if d := m.Allocate(ctx, "u1", 1, "s1"); !d.Allowed {
		t.Fatalf("second admission denied: %s", d.Reason)
	}
	d := m.Allocate(ctx, "u1", 1, "s1")
	if d.Allowed {
		t.Fatal("burst exhausted, admission should be rate limited")
	}
	if d.Dimension != DimAdmissionRate {
		t.Fatalf("dimension = %s, want %s", d.Dimension, DimAdmissionRate)
	}

	// Limiters are per principal.
	if d := m.Allocate(ctx, "u2", 1, "s1"); !d.Allowed {
		t.Fatalf("other user rate limited: %s", d.Reason)
	}
}

func TestManagerPublishesViolations(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New(eventbus.Options{MaxHistorySize: 16, Logger: zaptest.NewLogger(t)})
	defer bus.Close()

	m := newTestManager(t, ManagerOptions{
		UserDefaults: Limits{AgentsPerDay: 1},
		Bus:          bus,
	})

	got := make(chan *eventbus.Event, 1)
	bus.Subscribe(EventQuotaViolation, func(_ context.Context, ev *eventbus.Event) error {
		select {
		case got <- ev:
		default:
		}
		return nil
	})

	m.Allocate(ctx, "u1", 1, "s1")
	if d := m.Allocate(ctx, "u1", 1, "s1"); d.Allowed {
		t.Fatal("second allocation should be denied")
	}

	select {
	case ev := <-got:
		if ev.Payload["userId"] != "u1" {
			t.Fatalf("payload userId = %v, want u1", ev.Payload["userId"])
		}
		if ev.Payload["type"] != string(DimAgentsPerDay) {
			t.Fatalf("payload type = %v, want %s", ev.Payload["type"], DimAgentsPerDay)
		}
		if ev.Payload["limit"] != float64(1) {
			t.Fatalf("payload limit = %v, want 1", ev.Payload["limit"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no quota:violation event published")
	}
}

func writeRules(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "quota.rego"), []byte(body), 0o644); err != nil {
		t.Fatalf("writing rule file: %v", err)
	}
	return dir
}

const testRules = `package godel.quota

default decision := {
    "allow": true,
    "reason": ""
}

decision := {
    "allow": false,
    "reason": "swarms above 5 agents need approval"
} {
    input.agents > 5
}
`

func TestPolicyEvaluate(t *testing.T) {
	dir := writeRules(t, testRules)
	p, err := NewPolicy(PolicyOptions{Enabled: true, Path: dir}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	if !p.Enabled() {
		t.Fatal("policy should be enabled")
	}

	ctx := context.Background()
	if d := p.Evaluate(ctx, PolicyInput{UserID: "u1", Agents: 3, Timestamp: time.Now()}); !d.Allowed {
		t.Fatalf("small swarm denied: %s", d.Reason)
	}
	d := p.Evaluate(ctx, PolicyInput{UserID: "u1", Agents: 8, Timestamp: time.Now()})
	if d.Allowed {
		t.Fatal("large swarm should be denied by rule")
	}
	if d.Level != LevelPolicy || d.Reason != "swarms above 5 agents need approval" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestPolicyCacheServesRepeats(t *testing.T) {
	dir := writeRules(t, testRules)
	p, err := NewPolicy(PolicyOptions{Enabled: true, Path: dir, CacheTTL: time.Minute}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	ctx := context.Background()
	in := PolicyInput{UserID: "u1", Agents: 8, Timestamp: time.Now()}
	first := p.Evaluate(ctx, in)
	p.compiled = nil // further evaluations must come from the cache
	p.enabled = true

	if d, ok := p.cache.Get(in); !ok || d.Allowed != first.Allowed {
		t.Fatalf("cache lookup = %+v/%v, want cached denial", d, ok)
	}
}

func TestPolicyFailOpenAndClosed(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nowhere")

	open, err := NewPolicy(PolicyOptions{Enabled: true, Path: missing}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("fail-open NewPolicy: %v", err)
	}
	if open.Enabled() {
		t.Fatal("fail-open policy with no rules should be disabled")
	}

	if _, err := NewPolicy(PolicyOptions{Enabled: true, Path: missing, FailClosed: true}, zaptest.NewLogger(t)); err == nil {
		t.Fatal("fail-closed policy with no rules should refuse to start")
	}
}

func TestManagerConsultsPolicyBeforeCounters(t *testing.T) {
	dir := writeRules(t, testRules)
	p, err := NewPolicy(PolicyOptions{Enabled: true, Path: dir}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	ctx := context.Background()
	m := newTestManager(t, ManagerOptions{
		UserDefaults: Limits{ConcurrentAgents: 100},
		Policy:       p,
	})

	d := m.Allocate(ctx, "u1", 8, "s1")
	if d.Allowed {
		t.Fatal("policy should deny before counters are consulted")
	}
	if d.Level != LevelPolicy {
		t.Fatalf("level = %s, want %s", d.Level, LevelPolicy)
	}
	if got := m.Users().Usage("u1").ConcurrentAgents; got != 0 {
		t.Fatalf("user concurrent = %d, want 0 after policy denial", got)
	}

	if d := m.Allocate(ctx, "u1", 2, "s1"); !d.Allowed {
		t.Fatalf("small swarm denied: %s", d.Reason)
	}
}
