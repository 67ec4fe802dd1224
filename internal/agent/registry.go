package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/metrics"
)

var (
	// ErrAgentExists is returned when registering an id twice.
	ErrAgentExists = errors.New("agent already registered")
	// ErrAgentNotFound is returned for operations on unknown agents.
	ErrAgentNotFound = errors.New("agent not found")
)

// Valid reports whether r is a known runtime.
func (r Runtime) Valid() bool {
	switch r {
	case RuntimeLocal, RuntimeContainer, RuntimeRemote:
		return true
	}
	return false
}

// Registry is the in-memory agent directory. All mutation happens behind
// its mutex; reads hand out clones so scoring never holds the lock.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	bySkill map[string]map[string]struct{}
	logger  *zap.Logger
}

// NewRegistry returns an empty directory.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents:  make(map[string]*Agent),
		bySkill: make(map[string]map[string]struct{}),
		logger:  logger,
	}
}

// Register adds an agent. The registry keeps its own copy.
func (r *Registry) Register(a *Agent) error {
	if a.ID == "" {
		return errors.New("agent id must not be empty")
	}
	if !a.Runtime.Valid() {
		return fmt.Errorf("unknown runtime %q", a.Runtime)
	}
	if a.Capabilities.Reliability < 0 || a.Capabilities.Reliability > 1 {
		return fmt.Errorf("reliability %v out of range [0,1]", a.Capabilities.Reliability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAgentExists, a.ID)
	}

	stored := a.clone()
	now := time.Now().UnixMilli()
	if stored.RegisteredAt == 0 {
		stored.RegisteredAt = now
	}
	stored.LastHeartbeat = now
	if stored.Status == "" {
		stored.Status = StatusOffline
	}
	r.agents[stored.ID] = stored
	for _, skill := range stored.Capabilities.Skills {
		if r.bySkill[skill] == nil {
			r.bySkill[skill] = make(map[string]struct{})
		}
		r.bySkill[skill][stored.ID] = struct{}{}
	}

	metrics.AgentsRegistered.Inc()
	r.logger.Info("agent registered",
		zap.String("agent_id", stored.ID),
		zap.String("name", stored.Name),
		zap.String("runtime", string(stored.Runtime)),
		zap.Strings("skills", stored.Capabilities.Skills),
	)
	return nil
}

// Unregister removes an agent and its index entries.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return false
	}
	for _, skill := range a.Capabilities.Skills {
		delete(r.bySkill[skill], id)
		if len(r.bySkill[skill]) == 0 {
			delete(r.bySkill, skill)
		}
	}
	delete(r.agents, id)
	metrics.AgentsRegistered.Dec()
	r.logger.Info("agent unregistered", zap.String("agent_id", id))
	return true
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// List returns snapshots of every agent, ordered by id.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Healthy returns agents whose status is idle or busy.
func (r *Registry) Healthy() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.Status == StatusIdle || a.Status == StatusBusy {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindBySkill returns snapshots of agents declaring the skill.
func (r *Registry) FindBySkill(skill string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.bySkill[skill]
	out := make([]*Agent, 0, len(ids))
	for id := range ids {
		out = append(out, r.agents[id].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateStatus sets the exposed status.
func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.Status = status
	return nil
}

// UpdateLoad sets the exposed load, clamped to [0,1].
func (r *Registry) UpdateLoad(id string, load float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if load < 0 {
		load = 0
	} else if load > 1 {
		load = 1
	}
	a.CurrentLoad = load
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.LastHeartbeat = time.Now().UnixMilli()
	return nil
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
