// Package cluster routes work across agent clusters. The registry tracks
// cluster membership and load; the balancer picks a destination per request,
// honoring session affinity and per-cluster circuit breakers.
package cluster

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Health is the coarse availability of one cluster.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Load is the current occupancy of a cluster.
type Load struct {
	CurrentAgents      int     `json:"currentAgents"`
	UtilizationPercent float64 `json:"utilizationPercent"`
}

// Cluster is a set of agents addressed through one routing endpoint.
type Cluster struct {
	ID           string         `json:"id"`
	Endpoint     string         `json:"endpoint"`
	Region       string         `json:"region,omitempty"`
	Zone         string         `json:"zone,omitempty"`
	MaxAgents    int            `json:"maxAgents"`
	Load         Load           `json:"load"`
	Health       Health         `json:"health"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

func (c *Cluster) clone() *Cluster {
	out := *c
	if c.Capabilities != nil {
		out.Capabilities = make(map[string]any, len(c.Capabilities))
		for k, v := range c.Capabilities {
			out.Capabilities[k] = v
		}
	}
	return &out
}

// Registry errors.
var (
	ErrClusterExists   = errors.New("cluster already registered")
	ErrClusterNotFound = errors.New("cluster not found")
)

// Registry tracks known clusters. Safe for concurrent use; reads return
// snapshots.
type Registry struct {
	mu       sync.RWMutex
	clusters map[string]*Cluster
	logger   *zap.Logger
}

// NewRegistry returns an empty cluster registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clusters: make(map[string]*Cluster),
		logger:   logger,
	}
}

// Register adds a cluster. Health defaults to healthy when unset.
func (r *Registry) Register(c *Cluster) error {
	if c.ID == "" {
		return errors.New("cluster id must not be empty")
	}
	if c.Endpoint == "" {
		return errors.New("cluster endpoint must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clusters[c.ID]; exists {
		return fmt.Errorf("%w: %s", ErrClusterExists, c.ID)
	}

	stored := c.clone()
	if stored.Health == "" {
		stored.Health = HealthHealthy
	}
	stored.Load.UtilizationPercent = utilization(stored.Load.CurrentAgents, stored.MaxAgents)
	r.clusters[stored.ID] = stored

	r.logger.Info("cluster registered",
		zap.String("cluster_id", stored.ID),
		zap.String("endpoint", stored.Endpoint),
		zap.String("region", stored.Region),
		zap.Int("max_agents", stored.MaxAgents),
	)
	return nil
}

// Unregister removes a cluster.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clusters[id]; !ok {
		return false
	}
	delete(r.clusters, id)
	r.logger.Info("cluster unregistered", zap.String("cluster_id", id))
	return true
}

// Get returns a snapshot of one cluster.
func (r *Registry) Get(id string) (*Cluster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[id]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// List returns snapshots of every cluster, ordered by id.
func (r *Registry) List() []*Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Cluster, 0, len(r.clusters))
	for _, c := range r.clusters {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateLoad sets a cluster's agent count and derives its utilization.
func (r *Registry) UpdateLoad(id string, currentAgents int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clusters[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	c.Load.CurrentAgents = currentAgents
	c.Load.UtilizationPercent = utilization(currentAgents, c.MaxAgents)
	return nil
}

// UpdateHealth sets a cluster's health.
func (r *Registry) UpdateHealth(id string, health Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clusters[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	if c.Health != health {
		r.logger.Info("cluster health changed",
			zap.String("cluster_id", id),
			zap.String("from", string(c.Health)),
			zap.String("to", string(health)),
		)
	}
	c.Health = health
	return nil
}

// Count returns the number of registered clusters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clusters)
}

func utilization(current, max int) float64 {
	if max <= 0 {
		return 0
	}
	return float64(current) / float64(max) * 100
}
