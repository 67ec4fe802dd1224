package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidkimai/godel-sub016/internal/agent"
	"github.com/davidkimai/godel-sub016/internal/circuitbreaker"
	"github.com/davidkimai/godel-sub016/internal/cluster"
	"github.com/davidkimai/godel-sub016/internal/eventstore"
)

// slowThreshold marks a responsive but slow dependency as degraded.
const slowThreshold = 100 * time.Millisecond

// StoreChecker verifies the event store answers. SQL-backed stores expose
// Ping; everything else gets a one-row read.
type StoreChecker struct {
	store   eventstore.Store
	timeout time.Duration
}

func NewStoreChecker(store eventstore.Store) *StoreChecker {
	return &StoreChecker{store: store, timeout: 5 * time.Second}
}

func (s *StoreChecker) Name() string           { return "event_store" }
func (s *StoreChecker) IsCritical() bool       { return true }
func (s *StoreChecker) Timeout() time.Duration { return s.timeout }

func (s *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "event_store", Critical: true, Timestamp: start}

	var err error
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		err = p.Ping(ctx)
	} else {
		_, err = s.store.All(ctx, eventstore.Query{Limit: 1})
	}
	result.Duration = time.Since(start)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "event store unreachable"
		return result
	}

	if result.Duration > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "event store responding slowly"
	} else {
		result.Status = StatusHealthy
		result.Message = "event store healthy"
	}
	result.Details = map[string]any{"latency_ms": result.Duration.Milliseconds()}
	if b, ok := s.store.(interface{ BufferedCount() int }); ok {
		result.Details["buffered_events"] = b.BufferedCount()
	}
	return result
}

// RedisChecker pings the agent state store when Redis is the configured
// backend.
type RedisChecker struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client, timeout: 5 * time.Second}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return true }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "redis", Critical: true, Timestamp: start}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(start)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "redis ping failed"
		return result
	}

	if result.Duration > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "redis responding slowly"
	} else {
		result.Status = StatusHealthy
		result.Message = "redis healthy"
	}
	result.Details = map[string]any{"latency_ms": result.Duration.Milliseconds()}
	return result
}

// RegistryChecker reports on the agent fleet. An empty registry degrades
// the service rather than failing it: the daemon still accepts
// registrations.
type RegistryChecker struct {
	registry *agent.Registry
	timeout  time.Duration
}

func NewRegistryChecker(registry *agent.Registry) *RegistryChecker {
	return &RegistryChecker{registry: registry, timeout: time.Second}
}

func (rc *RegistryChecker) Name() string           { return "agent_registry" }
func (rc *RegistryChecker) IsCritical() bool       { return false }
func (rc *RegistryChecker) Timeout() time.Duration { return rc.timeout }

func (rc *RegistryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "agent_registry", Timestamp: start}

	total := rc.registry.Count()
	available := len(rc.registry.Healthy())
	result.Duration = time.Since(start)
	result.Details = map[string]any{"agents": total, "available": available}

	switch {
	case total == 0:
		result.Status = StatusDegraded
		result.Message = "no agents registered"
	case available == 0:
		result.Status = StatusDegraded
		result.Message = "no agents available for work"
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d of %d agents available", available, total)
	}
	return result
}

// ClusterChecker surfaces open breakers and unhealthy clusters. Cluster
// routing is optional, so an empty cluster registry stays healthy.
type ClusterChecker struct {
	registry *cluster.Registry
	breakers *circuitbreaker.Set
	timeout  time.Duration
}

func NewClusterChecker(registry *cluster.Registry, breakers *circuitbreaker.Set) *ClusterChecker {
	return &ClusterChecker{registry: registry, breakers: breakers, timeout: time.Second}
}

func (cc *ClusterChecker) Name() string           { return "clusters" }
func (cc *ClusterChecker) IsCritical() bool       { return false }
func (cc *ClusterChecker) Timeout() time.Duration { return cc.timeout }

func (cc *ClusterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "clusters", Timestamp: start}

	clusters := cc.registry.List()
	var open, unhealthy int
	for _, c := range clusters {
		if cc.breakers != nil && cc.breakers.State(c.ID) == circuitbreaker.StateOpen {
			open++
		}
		if c.Health == cluster.HealthUnhealthy {
			unhealthy++
		}
	}
	result.Duration = time.Since(start)
	result.Details = map[string]any{
		"clusters":      len(clusters),
		"open_breakers": open,
		"unhealthy":     unhealthy,
	}

	switch {
	case len(clusters) == 0:
		result.Status = StatusHealthy
		result.Message = "no clusters registered"
	case open > 0 || unhealthy > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d breaker(s) open, %d cluster(s) unhealthy", open, unhealthy)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("all %d clusters routable", len(clusters))
	}
	return result
}

// CustomChecker wraps a bare function as a Checker.
type CustomChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       func(ctx context.Context) CheckResult
}

func NewCustomChecker(name string, critical bool, timeout time.Duration, fn func(ctx context.Context) CheckResult) *CustomChecker {
	return &CustomChecker{name: name, critical: critical, timeout: timeout, fn: fn}
}

func (c *CustomChecker) Name() string                          { return c.name }
func (c *CustomChecker) IsCritical() bool                      { return c.critical }
func (c *CustomChecker) Timeout() time.Duration                { return c.timeout }
func (c *CustomChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }
