package cluster

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/circuitbreaker"
	"github.com/davidkimai/godel-sub016/internal/metrics"
)

// Strategy names a routing policy.
type Strategy string

const (
	StrategyLeastLoaded     Strategy = "least-loaded"
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyRegional        Strategy = "regional"
	StrategyCapabilityMatch Strategy = "capability-match"
	StrategySessionAffinity Strategy = "session-affinity"
)

// Request describes one routing decision to make.
type Request struct {
	SessionID            string         `json:"sessionId,omitempty"`
	PreferredRegion      string         `json:"preferredRegion,omitempty"`
	RequiredCapabilities map[string]any `json:"requiredCapabilities,omitempty"`
	AgentCount           int            `json:"agentCount,omitempty"`
}

// RouteResult reports where a request landed, or why it could not land.
// Alternatives are the next-best candidates; when routing fails they may
// include open-breaker clusters so callers can see what exists.
type RouteResult struct {
	Success      bool       `json:"success"`
	Cluster      *Cluster   `json:"cluster,omitempty"`
	Strategy     Strategy   `json:"strategy"`
	Alternatives []*Cluster `json:"alternatives,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// DefaultMaxAlternatives bounds the alternatives list in a RouteResult.
const DefaultMaxAlternatives = 3

// DefaultRebalanceSpread is the utilization-point gap between the most- and
// least-loaded clusters that a rebalance plan tries to close.
const DefaultRebalanceSpread = 20.0

// BalancerOptions tune a Balancer.
type BalancerOptions struct {
	// Breakers is the per-cluster circuit breaker set. A default set with
	// threshold 3 is created when nil.
	Breakers *circuitbreaker.Set
	// MaxAlternatives bounds RouteResult.Alternatives (default 3).
	MaxAlternatives int
	// RebalanceSpread is the max acceptable utilization gap in percentage
	// points (default 20).
	RebalanceSpread float64
	Logger          *zap.Logger
}

// Balancer routes requests to clusters. Safe for concurrent use.
type Balancer struct {
	registry *Registry
	breakers *circuitbreaker.Set
	maxAlts  int
	spread   float64
	logger   *zap.Logger

	mu       sync.Mutex
	affinity map[string]string // sessionID -> clusterID
	rr       int
}

// NewBalancer returns a Balancer over registry.
func NewBalancer(registry *Registry, opts BalancerOptions) *Balancer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewSet(circuitbreaker.Config{}, logger)
	}
	maxAlts := opts.MaxAlternatives
	if maxAlts <= 0 {
		maxAlts = DefaultMaxAlternatives
	}
	spread := opts.RebalanceSpread
	if spread <= 0 {
		spread = DefaultRebalanceSpread
	}
	return &Balancer{
		registry: registry,
		breakers: breakers,
		maxAlts:  maxAlts,
		spread:   spread,
		logger:   logger,
		affinity: make(map[string]string),
	}
}

// Route picks a cluster for req. An empty strategy means least-loaded.
// Routing never errors: an impossible request comes back with Success=false
// and a reason.
func (b *Balancer) Route(ctx context.Context, req Request, strategy Strategy) *RouteResult {
	if strategy == "" {
		strategy = StrategyLeastLoaded
	}

	allowed, tripped := b.candidates(req)
	if len(allowed) == 0 {
		reason := "no healthy clusters available"
		if len(tripped) > 0 {
			reason = "all healthy clusters have open circuit breakers"
		}
		res := &RouteResult{
			Success:      false,
			Strategy:     strategy,
			Alternatives: topByUtilization(tripped, nil, b.maxAlts),
			Reason:       reason,
		}
		b.report(res, req)
		return res
	}

	// An active affinity wins over whatever strategy was asked for.
	if req.SessionID != "" {
		if c := b.affinityFor(req.SessionID, allowed); c != nil {
			res := &RouteResult{
				Success:      true,
				Cluster:      c,
				Strategy:     StrategySessionAffinity,
				Alternatives: topByUtilization(allowed, c, b.maxAlts),
			}
			b.report(res, req)
			return res
		}
	}

	var chosen *Cluster
	var reason string
	switch strategy {
	case StrategyLeastLoaded, StrategySessionAffinity:
		chosen = leastLoaded(allowed)
	case StrategyRoundRobin:
		chosen = b.nextRoundRobin(allowed)
	case StrategyRegional:
		regional := inRegion(allowed, req.PreferredRegion)
		if len(regional) > 0 {
			chosen = leastLoaded(regional)
		} else {
			chosen = leastLoaded(allowed)
		}
	case StrategyCapabilityMatch:
		capable := withCapabilities(allowed, req.RequiredCapabilities)
		if len(capable) == 0 {
			reason = "no clusters provide the required capabilities"
		} else {
			chosen = leastLoaded(capable)
		}
	default:
		reason = "unknown routing strategy " + string(strategy)
	}

	if chosen == nil {
		res := &RouteResult{
			Success:      false,
			Strategy:     strategy,
			Alternatives: topByUtilization(allowed, nil, b.maxAlts),
			Reason:       reason,
		}
		b.report(res, req)
		return res
	}

	if req.SessionID != "" {
		b.mu.Lock()
		b.affinity[req.SessionID] = chosen.ID
		b.mu.Unlock()
	}
	res := &RouteResult{
		Success:      true,
		Cluster:      chosen,
		Strategy:     strategy,
		Alternatives: topByUtilization(allowed, chosen, b.maxAlts),
	}
	b.report(res, req)
	return res
}

// RecordSuccess closes the cluster's breaker.
func (b *Balancer) RecordSuccess(clusterID string) {
	b.breakers.RecordSuccess(clusterID)
}

// RecordFailure counts a failure against the cluster and reports whether
// its breaker is now open.
func (b *Balancer) RecordFailure(clusterID string) bool {
	return b.breakers.RecordFailure(clusterID)
}

// BreakerCounts exposes the cluster's breaker snapshot.
func (b *Balancer) BreakerCounts(clusterID string) circuitbreaker.Counts {
	return b.breakers.Snapshot(clusterID)
}

// Breakers returns the underlying breaker set, for config hot-reload.
func (b *Balancer) Breakers() *circuitbreaker.Set { return b.breakers }

// Forget drops a cluster's breaker state and any session affinities pointing
// at it. Call after unregistering the cluster.
func (b *Balancer) Forget(clusterID string) {
	b.breakers.Remove(clusterID)
	b.mu.Lock()
	defer b.mu.Unlock()
	for session, id := range b.affinity {
		if id == clusterID {
			delete(b.affinity, session)
		}
	}
}

// Move shifts Count agents from one cluster to another.
type Move struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// RebalancePlan predicts moves that would flatten cluster utilization. It
// has no side effects; callers decide whether to act on it.
type RebalancePlan struct {
	Moves                []Move  `json:"moves"`
	MaxUtilizationBefore float64 `json:"maxUtilizationBefore"`
	MaxUtilizationAfter  float64 `json:"maxUtilizationAfter"`
}

// GenerateRebalancePlan simulates one-agent moves from the most- to the
// least-utilized healthy cluster until the spread drops below the
// configured threshold.
func (b *Balancer) GenerateRebalancePlan() *RebalancePlan {
	type sim struct {
		id      string
		current int
		max     int
	}
	var sims []*sim
	for _, c := range b.registry.List() {
		if c.Health != HealthHealthy || c.MaxAgents <= 0 {
			continue
		}
		sims = append(sims, &sim{id: c.ID, current: c.Load.CurrentAgents, max: c.MaxAgents})
	}

	plan := &RebalancePlan{Moves: []Move{}}
	if len(sims) == 0 {
		return plan
	}

	util := func(s *sim) float64 { return utilization(s.current, s.max) }
	maxUtil := func() float64 {
		m := 0.0
		for _, s := range sims {
			if u := util(s); u > m {
				m = u
			}
		}
		return m
	}

	plan.MaxUtilizationBefore = maxUtil()
	moved := make(map[[2]string]int)
	for step := 0; step < 1000; step++ {
		sort.Slice(sims, func(i, j int) bool {
			ui, uj := util(sims[i]), util(sims[j])
			if ui != uj {
				return ui < uj
			}
			return sims[i].id < sims[j].id
		})
		lo, hi := sims[0], sims[len(sims)-1]
		if lo == hi || util(hi)-util(lo) <= b.spread {
			break
		}
		if hi.current == 0 || lo.current >= lo.max {
			break
		}
		hi.current--
		lo.current++
		moved[[2]string{hi.id, lo.id}]++
	}
	plan.MaxUtilizationAfter = maxUtil()

	for pair, count := range moved {
		plan.Moves = append(plan.Moves, Move{From: pair[0], To: pair[1], Count: count})
	}
	sort.Slice(plan.Moves, func(i, j int) bool {
		if plan.Moves[i].From != plan.Moves[j].From {
			return plan.Moves[i].From < plan.Moves[j].From
		}
		return plan.Moves[i].To < plan.Moves[j].To
	})
	return plan
}

// candidates splits healthy, non-full clusters into breaker-closed and
// breaker-open sets.
func (b *Balancer) candidates(req Request) (allowed, tripped []*Cluster) {
	for _, c := range b.registry.List() {
		if c.Health != HealthHealthy {
			continue
		}
		if c.MaxAgents > 0 && c.Load.CurrentAgents >= c.MaxAgents {
			continue
		}
		if b.breakers.Allow(c.ID) {
			allowed = append(allowed, c)
		} else {
			tripped = append(tripped, c)
		}
	}
	return allowed, tripped
}

// affinityFor returns the remembered cluster for a session if it is still
// routable. Stale entries are dropped.
func (b *Balancer) affinityFor(sessionID string, allowed []*Cluster) *Cluster {
	b.mu.Lock()
	id, ok := b.affinity[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	for _, c := range allowed {
		if c.ID == id {
			return c
		}
	}
	b.mu.Lock()
	delete(b.affinity, sessionID)
	b.mu.Unlock()
	return nil
}

func (b *Balancer) nextRoundRobin(allowed []*Cluster) *Cluster {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := allowed[b.rr%len(allowed)]
	b.rr++
	return c
}

func (b *Balancer) report(res *RouteResult, req Request) {
	status := "ok"
	if !res.Success {
		status = "failed"
	}
	metrics.RoutingDecisions.WithLabelValues(string(res.Strategy), status).Inc()
	if res.Success {
		b.logger.Debug("request routed",
			zap.String("cluster_id", res.Cluster.ID),
			zap.String("strategy", string(res.Strategy)),
			zap.String("session_id", req.SessionID),
		)
	} else {
		b.logger.Warn("routing failed",
			zap.String("strategy", string(res.Strategy)),
			zap.String("reason", res.Reason),
			zap.Int("alternatives", len(res.Alternatives)),
		)
	}
}

func leastLoaded(clusters []*Cluster) *Cluster {
	var best *Cluster
	for _, c := range clusters {
		if best == nil ||
			c.Load.UtilizationPercent < best.Load.UtilizationPercent ||
			(c.Load.UtilizationPercent == best.Load.UtilizationPercent && c.ID < best.ID) {
			best = c
		}
	}
	return best
}

func inRegion(clusters []*Cluster, region string) []*Cluster {
	if region == "" {
		return nil
	}
	var out []*Cluster
	for _, c := range clusters {
		if c.Region == region {
			out = append(out, c)
		}
	}
	return out
}

// withCapabilities keeps clusters whose capability map covers every
// required key. A nil required value only demands the key's presence.
func withCapabilities(clusters []*Cluster, required map[string]any) []*Cluster {
	if len(required) == 0 {
		return clusters
	}
	var out []*Cluster
	for _, c := range clusters {
		ok := true
		for key, want := range required {
			have, present := c.Capabilities[key]
			if !present || (want != nil && !reflect.DeepEqual(have, want)) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}

// topByUtilization returns up to n clusters ordered by ascending
// utilization, skipping exclude.
func topByUtilization(clusters []*Cluster, exclude *Cluster, n int) []*Cluster {
	out := make([]*Cluster, 0, len(clusters))
	for _, c := range clusters {
		if exclude != nil && c.ID == exclude.ID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Load.UtilizationPercent != out[j].Load.UtilizationPercent {
			return out[i].Load.UtilizationPercent < out[j].Load.UtilizationPercent
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
