package cluster

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"
)

func testRegistry(t *testing.T, clusters ...*Cluster) *Registry {
	t.Helper()
	r := NewRegistry(zaptest.NewLogger(t))
	for _, c := range clusters {
		if err := r.Register(c); err != nil {
			t.Fatalf("Register(%s): %v", c.ID, err)
		}
	}
	return r
}

func testBalancer(t *testing.T, r *Registry) *Balancer {
	t.Helper()
	return NewBalancer(r, BalancerOptions{Logger: zaptest.NewLogger(t)})
}

func TestRegistryDerivesUtilization(t *testing.T) {
	r := testRegistry(t, &Cluster{
		ID:        "c1",
		Endpoint:  "grpc://c1:9000",
		MaxAgents: 10,
		Load:      Load{CurrentAgents: 4},
	})

	c, ok := r.Get("c1")
	if !ok {
		t.Fatal("Expected cluster c1")
	}
	if c.Load.UtilizationPercent != 40 {
		t.Errorf("Utilization = %v, want 40", c.Load.UtilizationPercent)
	}
	if c.Health != HealthHealthy {
		t.Errorf("Health should default to healthy, got %s", c.Health)
	}

	if err := r.UpdateLoad("c1", 10); err != nil {
		t.Fatalf("UpdateLoad: %v", err)
	}
	c, _ = r.Get("c1")
	if c.Load.UtilizationPercent != 100 {
		t.Errorf("Utilization = %v, want 100", c.Load.UtilizationPercent)
	}
}

func TestRouteLeastLoaded(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "busy", Endpoint: "grpc://a", MaxAgents: 10, Load: Load{CurrentAgents: 8}},
		&Cluster{ID: "calm", Endpoint: "grpc://b", MaxAgents: 10, Load: Load{CurrentAgents: 2}},
	)
	b := testBalancer(t, r)

	res := b.Route(context.Background(), Request{}, StrategyLeastLoaded)
	if !res.Success {
		t.Fatalf("Route failed: %s", res.Reason)
	}
	if res.Cluster.ID != "calm" {
		t.Errorf("Expected calm, got %s", res.Cluster.ID)
	}
	if len(res.Alternatives) != 1 || res.Alternatives[0].ID != "busy" {
		t.Errorf("Expected [busy] as alternatives, got %v", res.Alternatives)
	}
}

func TestRouteDefaultsToLeastLoaded(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "c1", Endpoint: "grpc://a", MaxAgents: 10, Load: Load{CurrentAgents: 9}},
		&Cluster{ID: "c2", Endpoint: "grpc://b", MaxAgents: 10, Load: Load{CurrentAgents: 1}},
	)
	b := testBalancer(t, r)

	res := b.Route(context.Background(), Request{}, "")
	if !res.Success || res.Cluster.ID != "c2" {
		t.Errorf("Empty strategy should act as least-loaded, got %+v", res)
	}
	if res.Strategy != StrategyLeastLoaded {
		t.Errorf("Reported strategy = %s, want least-loaded", res.Strategy)
	}
}

func TestRouteRoundRobinRotates(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "c1", Endpoint: "grpc://a", MaxAgents: 10},
		&Cluster{ID: "c2", Endpoint: "grpc://b", MaxAgents: 10},
		&Cluster{ID: "c3", Endpoint: "grpc://c", MaxAgents: 10},
	)
	b := testBalancer(t, r)

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		res := b.Route(context.Background(), Request{}, StrategyRoundRobin)
		if !res.Success {
			t.Fatalf("Route failed: %s", res.Reason)
		}
		seen[res.Cluster.ID]++
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		if seen[id] != 2 {
			t.Errorf("Round-robin should visit %s twice in 6 routes, got %d", id, seen[id])
		}
	}
}

func TestRouteRegional(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "us1", Endpoint: "grpc://a", Region: "us-east", MaxAgents: 10, Load: Load{CurrentAgents: 9}},
		&Cluster{ID: "eu1", Endpoint: "grpc://b", Region: "eu-west", MaxAgents: 10, Load: Load{CurrentAgents: 1}},
	)
	b := testBalancer(t, r)

	res := b.Route(context.Background(), Request{PreferredRegion: "us-east"}, StrategyRegional)
	if !res.Success || res.Cluster.ID != "us1" {
		t.Errorf("Regional should prefer us-east despite higher load, got %+v", res.Cluster)
	}

	// No cluster in the requested region: fall back to global least-loaded.
	res = b.Route(context.Background(), Request{PreferredRegion: "ap-south"}, StrategyRegional)
	if !res.Success || res.Cluster.ID != "eu1" {
		t.Errorf("Regional fallback should pick the least-loaded cluster, got %+v", res.Cluster)
	}
}

func TestRouteCapabilityMatch(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "gpu", Endpoint: "grpc://a", MaxAgents: 10,
			Capabilities: map[string]any{"gpu": true, "arch": "arm64"}},
		&Cluster{ID: "cpu", Endpoint: "grpc://b", MaxAgents: 10},
	)
	b := testBalancer(t, r)

	res := b.Route(context.Background(), Request{
		RequiredCapabilities: map[string]any{"gpu": true},
	}, StrategyCapabilityMatch)
	if !res.Success || res.Cluster.ID != "gpu" {
		t.Errorf("Expected the gpu cluster, got %+v", res.Cluster)
	}

	res = b.Route(context.Background(), Request{
		RequiredCapabilities: map[string]any{"tpu": nil},
	}, StrategyCapabilityMatch)
	if res.Success {
		t.Error("No cluster has a tpu; routing should fail")
	}
	if len(res.Alternatives) == 0 {
		t.Error("Failed capability match should still list alternatives")
	}
}

func TestSessionAffinity(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "c1", Endpoint: "grpc://a", MaxAgents: 10, Load: Load{CurrentAgents: 1}},
		&Cluster{ID: "c2", Endpoint: "grpc://b", MaxAgents: 10, Load: Load{CurrentAgents: 5}},
	)
	b := testBalancer(t, r)
	ctx := context.Background()

	first := b.Route(ctx, Request{SessionID: "s1"}, StrategyLeastLoaded)
	if !first.Success || first.Cluster.ID != "c1" {
		t.Fatalf("Expected c1 first, got %+v", first.Cluster)
	}

	// Make c1 the worse choice; affinity must still win and be reported
	// as session-affinity.
	if err := r.UpdateLoad("c1", 9); err != nil {
		t.Fatalf("UpdateLoad: %v", err)
	}
	second := b.Route(ctx, Request{SessionID: "s1"}, StrategyLeastLoaded)
	if !second.Success || second.Cluster.ID != "c1" {
		t.Errorf("Affinity should pin s1 to c1, got %+v", second.Cluster)
	}
	if second.Strategy != StrategySessionAffinity {
		t.Errorf("Reported strategy = %s, want session-affinity", second.Strategy)
	}

	// A different session is free to go elsewhere.
	other := b.Route(ctx, Request{SessionID: "s2"}, StrategyLeastLoaded)
	if other.Cluster.ID != "c2" {
		t.Errorf("Unpinned session should route least-loaded, got %s", other.Cluster.ID)
	}
}

func TestAffinityDroppedWhenClusterUnroutable(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "c1", Endpoint: "grpc://a", MaxAgents: 10},
		&Cluster{ID: "c2", Endpoint: "grpc://b", MaxAgents: 10, Load: Load{CurrentAgents: 2}},
	)
	b := testBalancer(t, r)
	ctx := context.Background()

	first := b.Route(ctx, Request{SessionID: "s1"}, StrategyLeastLoaded)
	if first.Cluster.ID != "c1" {
		t.Fatalf("Expected c1, got %s", first.Cluster.ID)
	}

	if err := r.UpdateHealth("c1", HealthUnhealthy); err != nil {
		t.Fatalf("UpdateHealth: %v", err)
	}
	second := b.Route(ctx, Request{SessionID: "s1"}, StrategyLeastLoaded)
	if !second.Success || second.Cluster.ID != "c2" {
		t.Errorf("Affinity to an unhealthy cluster must not hold, got %+v", second.Cluster)
	}
}

func TestBreakerExcludesClusterUntilSuccess(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "c1", Endpoint: "grpc://a", MaxAgents: 10},
		&Cluster{ID: "c2", Endpoint: "grpc://b", MaxAgents: 10, Load: Load{CurrentAgents: 5}},
		&Cluster{ID: "c3", Endpoint: "grpc://c", MaxAgents: 10, Load: Load{CurrentAgents: 5}},
	)
	b := testBalancer(t, r)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure("c1")
	}

	for i := 0; i < 5; i++ {
		res := b.Route(ctx, Request{}, StrategyLeastLoaded)
		if !res.Success {
			t.Fatalf("Route failed: %s", res.Reason)
		}
		if res.Cluster.ID == "c1" {
			t.Fatal("Open-breaker cluster must never be chosen")
		}
	}

	b.RecordSuccess("c1")
	res := b.Route(ctx, Request{}, StrategyLeastLoaded)
	if res.Cluster.ID != "c1" {
		t.Errorf("After RecordSuccess, the idle c1 should win, got %s", res.Cluster.ID)
	}
}

func TestAllBreakersOpenFailsWithAlternatives(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "c1", Endpoint: "grpc://a", MaxAgents: 10},
		&Cluster{ID: "c2", Endpoint: "grpc://b", MaxAgents: 10},
	)
	b := testBalancer(t, r)

	for _, id := range []string{"c1", "c2"} {
		for i := 0; i < 3; i++ {
			b.RecordFailure(id)
		}
	}

	res := b.Route(context.Background(), Request{}, StrategyLeastLoaded)
	if res.Success {
		t.Fatal("Routing should fail when every breaker is open")
	}
	if len(res.Alternatives) != 2 {
		t.Errorf("Open-breaker clusters should appear as alternatives, got %d", len(res.Alternatives))
	}
	if res.Reason == "" {
		t.Error("Failed routes must carry a reason")
	}
}

func TestFullClustersAreNotCandidates(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "full", Endpoint: "grpc://a", MaxAgents: 2, Load: Load{CurrentAgents: 2}},
		&Cluster{ID: "open", Endpoint: "grpc://b", MaxAgents: 2, Load: Load{CurrentAgents: 1}},
	)
	b := testBalancer(t, r)

	res := b.Route(context.Background(), Request{}, StrategyLeastLoaded)
	if !res.Success || res.Cluster.ID != "open" {
		t.Errorf("Full cluster must be skipped, got %+v", res.Cluster)
	}
	if len(res.Alternatives) != 0 {
		t.Errorf("Full cluster should not be an alternative either, got %v", res.Alternatives)
	}
}

func TestForgetClearsAffinityAndBreaker(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "c1", Endpoint: "grpc://a", MaxAgents: 10},
		&Cluster{ID: "c2", Endpoint: "grpc://b", MaxAgents: 10, Load: Load{CurrentAgents: 2}},
	)
	b := testBalancer(t, r)
	ctx := context.Background()

	b.Route(ctx, Request{SessionID: "s1"}, StrategyLeastLoaded)
	for i := 0; i < 3; i++ {
		b.RecordFailure("c1")
	}

	r.Unregister("c1")
	b.Forget("c1")

	if counts := b.BreakerCounts("c1"); counts.TotalFailures != 0 {
		t.Errorf("Forget should drop breaker state, got %+v", counts)
	}

	res := b.Route(ctx, Request{SessionID: "s1"}, StrategyLeastLoaded)
	if !res.Success || res.Cluster.ID != "c2" {
		t.Errorf("Forgotten cluster must not be pinned, got %+v", res.Cluster)
	}
	if res.Strategy == StrategySessionAffinity {
		t.Error("Affinity to a forgotten cluster must not survive")
	}
}

func TestGenerateRebalancePlan(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "hot", Endpoint: "grpc://a", MaxAgents: 10, Load: Load{CurrentAgents: 9}},
		&Cluster{ID: "cold", Endpoint: "grpc://b", MaxAgents: 10, Load: Load{CurrentAgents: 1}},
	)
	b := testBalancer(t, r)

	plan := b.GenerateRebalancePlan()
	if plan.MaxUtilizationBefore != 90 {
		t.Errorf("MaxUtilizationBefore = %v, want 90", plan.MaxUtilizationBefore)
	}
	if len(plan.Moves) != 1 {
		t.Fatalf("Expected one merged move, got %v", plan.Moves)
	}
	move := plan.Moves[0]
	if move.From != "hot" || move.To != "cold" || move.Count != 3 {
		t.Errorf("Expected hot->cold x3, got %+v", move)
	}
	if plan.MaxUtilizationAfter != 60 {
		t.Errorf("MaxUtilizationAfter = %v, want 60", plan.MaxUtilizationAfter)
	}

	// The plan must not have touched the registry.
	c, _ := r.Get("hot")
	if c.Load.CurrentAgents != 9 {
		t.Errorf("Plan generation mutated the registry: %d agents", c.Load.CurrentAgents)
	}
}

func TestRebalancePlanBalancedFleetIsEmpty(t *testing.T) {
	r := testRegistry(t,
		&Cluster{ID: "c1", Endpoint: "grpc://a", MaxAgents: 10, Load: Load{CurrentAgents: 5}},
		&Cluster{ID: "c2", Endpoint: "grpc://b", MaxAgents: 10, Load: Load{CurrentAgents: 5}},
	)
	b := testBalancer(t, r)

	plan := b.GenerateRebalancePlan()
	if len(plan.Moves) != 0 {
		t.Errorf("Balanced fleet needs no moves, got %v", plan.Moves)
	}
}
