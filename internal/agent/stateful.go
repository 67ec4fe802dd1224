package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/resolver"
)

// ErrStopDenied is returned when a graceful stop is refused by the busy
// agent's guard.
var ErrStopDenied = errors.New("graceful stop denied")

// Admission gates agent allocation for an owning principal. The quota
// manager implements it; a nil Admission admits everything.
type Admission interface {
	Allocate(ctx context.Context, principalID string, agents int, sessionID string) error
	Release(principalID string, agents int)
}

// Config is the registration input for one agent.
type Config struct {
	ID           string       `json:"id,omitempty"`
	Name         string       `json:"name,omitempty"`
	Runtime      Runtime      `json:"runtime"`
	Capabilities Capabilities `json:"capabilities"`
	// Owner is the principal charged for this agent. Empty skips admission.
	Owner     string `json:"owner,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// StatefulOptions configures a StatefulRegistry.
type StatefulOptions struct {
	Storage         StateStorage // nil disables persistence
	Emitter         Emitter
	Logger          *zap.Logger
	ErrorRetryLimit int
	SaveDebounce    time.Duration
	Admission       Admission
	// OnWorkComplete is invoked on every busy -> idle transition, typically
	// bridged to the balancer's success accounting.
	OnWorkComplete func(agentID string)
}

// managed pairs a machine with its optional persistent wrapper.
type managed struct {
	machine    *Machine
	persistent *PersistentMachine
	owner      string
}

// StatefulRegistry owns one state machine per registered agent and keeps the
// directory's status and load mirrored to machine state. It is the single
// writer for every machine it creates.
type StatefulRegistry struct {
	mu       sync.Mutex
	registry *Registry
	machines map[string]*managed
	opts     StatefulOptions
	logger   *zap.Logger
}

// NewStatefulRegistry builds the registry pair.
func NewStatefulRegistry(opts StatefulOptions) *StatefulRegistry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ErrorRetryLimit <= 0 {
		opts.ErrorRetryLimit = DefaultErrorRetryLimit
	}
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = DefaultSaveDebounce
	}
	return &StatefulRegistry{
		registry: NewRegistry(opts.Logger),
		machines: make(map[string]*managed),
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Directory exposes the underlying agent directory for read paths.
func (s *StatefulRegistry) Directory() *Registry { return s.registry }

// RegisterAgent creates the machine, drives it to idle (or the restored
// state) and lists the agent in the directory.
func (s *StatefulRegistry) RegisterAgent(ctx context.Context, cfg Config) (*Agent, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = DeriveName(cfg.ID)
	}

	if s.opts.Admission != nil && cfg.Owner != "" {
		if err := s.opts.Admission.Allocate(ctx, cfg.Owner, 1, cfg.SessionID); err != nil {
			return nil, fmt.Errorf("agent allocation denied: %w", err)
		}
	}

	machineOpts := MachineOptions{
		Emitter:         s.opts.Emitter,
		Logger:          s.logger,
		ErrorRetryLimit: s.opts.ErrorRetryLimit,
		OnWorkComplete:  s.opts.OnWorkComplete,
	}

	m := &managed{owner: cfg.Owner}
	if s.opts.Storage != nil {
		pm, err := NewPersistentMachine(cfg.ID, s.opts.Storage, s.opts.SaveDebounce, machineOpts)
		if err != nil {
			s.releaseAdmission(cfg.Owner)
			return nil, err
		}
		m.persistent = pm
		m.machine = pm.Machine
	} else {
		m.machine = NewMachine(cfg.ID, machineOpts)
	}

	s.mu.Lock()
	if _, exists := s.machines[cfg.ID]; exists {
		s.mu.Unlock()
		s.releaseAdmission(cfg.Owner)
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, cfg.ID)
	}
	s.machines[cfg.ID] = m
	s.mu.Unlock()

	// Mirror every commit into the directory.
	m.machine.OnTransition(func(_, to State, _ StateEntry) {
		s.registry.UpdateStatus(cfg.ID, statusFor(to))
		switch to {
		case StateIdle, StateBusy, StateError:
			s.emit("agent."+string(to), map[string]any{"agentId": cfg.ID})
		}
	})

	if m.machine.State() == StateCreated {
		m.machine.Transition(StateInitializing, "register")
		m.machine.Transition(StateIdle, "initialized")
	}

	agent := &Agent{
		ID:           cfg.ID,
		Name:         cfg.Name,
		Runtime:      cfg.Runtime,
		Capabilities: cfg.Capabilities,
		Status:       statusFor(m.machine.State()),
		CurrentLoad:  m.machine.Context().Load,
	}
	if err := s.registry.Register(agent); err != nil {
		s.mu.Lock()
		delete(s.machines, cfg.ID)
		s.mu.Unlock()
		s.releaseAdmission(cfg.Owner)
		return nil, err
	}
	snapshot, _ := s.registry.Get(cfg.ID)
	return snapshot, nil
}

// AssignWork moves an agent to busy with the given task. It returns false
// when the agent is already busy or the guard denies the move.
func (s *StatefulRegistry) AssignWork(agentID string, task *resolver.Task) (bool, error) {
	m, err := s.machineFor(agentID)
	if err != nil {
		return false, err
	}

	if m.machine.State() == StateBusy {
		return false, nil
	}
	m.machine.UpdateContext(func(c *Context) { c.Task = task })
	ok, err := m.machine.Transition(StateBusy, "work assigned")
	if !ok {
		m.machine.UpdateContext(func(c *Context) { c.Task = nil })
		return false, err
	}

	weight := task.Weight
	if weight <= 0 {
		weight = 1
	}
	var load float64
	m.machine.UpdateContext(func(c *Context) {
		c.Load += weight
		if c.Load > 1 {
			c.Load = 1
		}
		load = c.Load
	})
	s.registry.UpdateLoad(agentID, load)
	return true, nil
}

// CompleteWork finishes the current task and returns the agent to idle.
func (s *StatefulRegistry) CompleteWork(agentID string, result any) error {
	m, err := s.machineFor(agentID)
	if err != nil {
		return err
	}
	if m.machine.State() != StateBusy {
		return fmt.Errorf("agent %s is not busy", agentID)
	}
	if ok, err := m.machine.Transition(StateIdle, "work complete"); !ok {
		if err != nil {
			return err
		}
		return fmt.Errorf("agent %s refused completion", agentID)
	}
	m.machine.UpdateContext(func(c *Context) {
		c.Task = nil
		c.Load = 0
		c.HasPendingWork = false
	})
	s.registry.UpdateLoad(agentID, 0)
	s.emit("agent:work:completed", map[string]any{"agentId": agentID, "result": result})
	return nil
}

// FailWork records a task failure and moves the agent to error.
func (s *StatefulRegistry) FailWork(agentID string, workErr error) error {
	m, err := s.machineFor(agentID)
	if err != nil {
		return err
	}
	if m.machine.State() != StateBusy {
		return fmt.Errorf("agent %s is not busy", agentID)
	}
	reason := ""
	if workErr != nil {
		reason = workErr.Error()
	}
	m.machine.UpdateContext(func(c *Context) { c.LastError = reason })
	if ok, err := m.machine.Transition(StateError, reason); !ok {
		if err != nil {
			return err
		}
		return fmt.Errorf("agent %s refused failure transition", agentID)
	}
	m.machine.UpdateContext(func(c *Context) {
		c.Task = nil
		c.Load = 0
	})
	s.registry.UpdateLoad(agentID, 0)
	return nil
}

// PauseAgent pauses an idle agent, or a busy one whose task checkpoints.
func (s *StatefulRegistry) PauseAgent(agentID, reason string) (bool, error) {
	m, err := s.machineFor(agentID)
	if err != nil {
		return false, err
	}
	return m.machine.Transition(StatePaused, reason)
}

// ResumeAgent leaves paused, to busy when pending work exists, else idle.
func (s *StatefulRegistry) ResumeAgent(agentID string) (bool, error) {
	m, err := s.machineFor(agentID)
	if err != nil {
		return false, err
	}
	if m.machine.Context().HasPendingWork {
		return m.machine.Transition(StateBusy, "resume with pending work")
	}
	return m.machine.Transition(StateIdle, "resume")
}

// forceNext is the preferred edge toward stopped from each state.
var forceNext = map[State]State{
	StateCreated:      StateInitializing,
	StateInitializing: StateIdle,
	StateIdle:         StateStopping,
	StatePaused:       StateStopping,
	StateError:        StateStopping,
	StateStopping:     StateStopped,
}

// StopAgent drives an agent to stopped and removes it. Without force, a
// busy agent is only stopped when its task allows saving progress; the
// checkpoint is announced before finalizing.
func (s *StatefulRegistry) StopAgent(ctx context.Context, agentID string, force bool) error {
	m, err := s.machineFor(agentID)
	if err != nil {
		return err
	}

	if force {
		for i := 0; i < 8 && m.machine.State() != StateStopped; i++ {
			state := m.machine.State()
			if state == StateBusy {
				if ok, _ := m.machine.Transition(StateStopping, "force stop"); !ok {
					m.machine.Transition(StateIdle, "force stop")
				}
				continue
			}
			next, ok := forceNext[state]
			if !ok {
				return fmt.Errorf("%w: cannot leave %s", ErrInvalidTransition, state)
			}
			if ok, err := m.machine.Transition(next, "force stop"); !ok {
				if err != nil {
					return err
				}
				return fmt.Errorf("force stop blocked at %s", state)
			}
		}
		return s.finalizeStop(ctx, agentID, m)
	}

	switch state := m.machine.State(); state {
	case StateBusy:
		ok, err := m.machine.Transition(StateStopping, "graceful stop")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task on %s cannot save progress", ErrStopDenied, agentID)
		}
		task := m.machine.Context().Task
		payload := map[string]any{"agentId": agentID}
		if task != nil {
			payload["taskId"] = task.ID
			payload["progress"] = task.Progress
		}
		s.emit("agent:checkpoint", payload)
	case StateStopping:
		// Already on the way out; just finalize.
	case StateIdle, StatePaused, StateError:
		if ok, err := m.machine.Transition(StateStopping, "stop"); !ok {
			if err != nil {
				return err
			}
			return fmt.Errorf("stop blocked at %s", state)
		}
	default:
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidTransition, state)
	}
	return s.finalizeStop(ctx, agentID, m)
}

// finalizeStop discards the machine, wipes persisted state and delists the
// agent. force paths arrive here already stopped.
func (s *StatefulRegistry) finalizeStop(ctx context.Context, agentID string, m *managed) error {
	if m.machine.State() != StateStopped {
		if ok, err := m.machine.Transition(StateStopped, "stopped"); !ok {
			if err != nil {
				return err
			}
			return errors.New("finalization blocked")
		}
	}
	if m.persistent != nil {
		m.persistent.Close(ctx)
		if err := m.persistent.DeletePersistedState(ctx); err != nil {
			s.logger.Warn("failed to delete persisted agent state",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
		}
	}
	s.mu.Lock()
	delete(s.machines, agentID)
	s.mu.Unlock()
	s.registry.Unregister(agentID)
	s.releaseAdmission(m.owner)
	return nil
}

// RecoverAgent re-initializes an errored agent if its retry budget allows.
func (s *StatefulRegistry) RecoverAgent(agentID string) (bool, error) {
	m, err := s.machineFor(agentID)
	if err != nil {
		return false, err
	}
	ok, err := m.machine.Transition(StateInitializing, "recover")
	if !ok {
		return false, err
	}
	m.machine.UpdateContext(func(c *Context) {
		c.HasErrors = false
		c.LastError = ""
	})
	return m.machine.Transition(StateIdle, "recovered")
}

// GetAgentState returns the machine state of one agent.
func (s *StatefulRegistry) GetAgentState(agentID string) (State, error) {
	m, err := s.machineFor(agentID)
	if err != nil {
		return "", err
	}
	return m.machine.State(), nil
}

// GetAgentStateHistory returns the transition log of one agent.
func (s *StatefulRegistry) GetAgentStateHistory(agentID string) ([]StateEntry, error) {
	m, err := s.machineFor(agentID)
	if err != nil {
		return nil, err
	}
	return m.machine.History(), nil
}

// GetAgentsInState lists agent ids currently in state, ordered by id.
func (s *StatefulRegistry) GetAgentsInState(state State) []string {
	s.mu.Lock()
	machines := make(map[string]*managed, len(s.machines))
	for id, m := range s.machines {
		machines[id] = m
	}
	s.mu.Unlock()

	var ids []string
	for id, m := range machines {
		if m.machine.State() == state {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GetAgentStats returns aggregate history numbers for one agent.
func (s *StatefulRegistry) GetAgentStats(agentID string) (Stats, error) {
	m, err := s.machineFor(agentID)
	if err != nil {
		return Stats{}, err
	}
	return m.machine.Stats(), nil
}

// SetPendingWork flags or clears queued work for a paused agent.
func (s *StatefulRegistry) SetPendingWork(agentID string, pending bool) error {
	m, err := s.machineFor(agentID)
	if err != nil {
		return err
	}
	m.machine.UpdateContext(func(c *Context) { c.HasPendingWork = pending })
	return nil
}

// Close flushes every persistent machine.
func (s *StatefulRegistry) Close(ctx context.Context) error {
	s.mu.Lock()
	machines := make([]*managed, 0, len(s.machines))
	for _, m := range s.machines {
		machines = append(machines, m)
	}
	s.mu.Unlock()

	var firstErr error
	for _, m := range machines {
		if m.persistent == nil {
			continue
		}
		if err := m.persistent.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *StatefulRegistry) machineFor(agentID string) (*managed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return m, nil
}

func (s *StatefulRegistry) releaseAdmission(owner string) {
	if s.opts.Admission != nil && owner != "" {
		s.opts.Admission.Release(owner, 1)
	}
}

func (s *StatefulRegistry) emit(eventType string, payload map[string]any) {
	if s.opts.Emitter != nil {
		s.opts.Emitter.Emit(eventType, payload)
	}
}
