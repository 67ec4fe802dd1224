package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/metrics"
)

// ErrInvalidTransition covers undefined edges and attempts to leave a
// terminal state.
var ErrInvalidTransition = errors.New("invalid transition")

// DefaultErrorRetryLimit bounds how many errors an agent may accumulate
// before recovery is refused.
const DefaultErrorRetryLimit = 3

// Machine lifecycle event types.
const (
	EventTransitionBefore = "transition:before"
	EventTransitionAfter  = "transition:after"
	EventTransitionDenied = "transition:denied"
	EventTransitionError  = "transition:error"
)

// Emitter receives machine lifecycle events. Implementations must not block;
// the bus adapter publishes asynchronously.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(eventType string, payload map[string]any)

// Emit calls f.
func (f EmitterFunc) Emit(eventType string, payload map[string]any) { f(eventType, payload) }

// Listener observes committed transitions.
type Listener func(from, to State, entry StateEntry)

// edge is one allowed transition. A nil check is an unguarded edge.
type edge struct {
	guard  string
	check  func(c *Context) bool
	action func(m *Machine) error
}

// transitions is the full edge table. Guards gate, actions mutate context
// before commit.
var transitions = map[State]map[State]*edge{
	StateCreated: {
		StateInitializing: {},
	},
	StateInitializing: {
		StateIdle:  {},
		StateError: {},
	},
	StateIdle: {
		StateBusy: {
			guard: "canAcceptWork",
			check: func(c *Context) bool { return c.Load < 1 && !c.HasErrors },
		},
		StatePaused:   {},
		StateStopping: {},
	},
	StateBusy: {
		StateIdle: {
			action: func(m *Machine) error {
				if m.onWorkComplete != nil {
					m.onWorkComplete(m.agentID)
				}
				return nil
			},
		},
		StateError: {
			action: func(m *Machine) error {
				m.ctx.ErrorCount++
				m.ctx.HasErrors = true
				return nil
			},
		},
		StatePaused: {
			guard: "canPause",
			check: func(c *Context) bool { return c.Task != nil && c.Task.Checkpointable },
		},
		StateStopping: {
			guard: "canGracefullyStop",
			check: func(c *Context) bool { return c.Task != nil && c.Task.CanSaveProgress },
		},
	},
	StatePaused: {
		StateIdle: {},
		StateBusy: {
			guard: "hasPendingWork",
			check: func(c *Context) bool { return c.HasPendingWork },
		},
		StateStopping: {},
	},
	StateError: {
		StateStopping: {},
		StateInitializing: {
			guard: "canRecover",
			check: nil, // bound per machine; see Transition
		},
	},
	StateStopping: {
		StateStopped: {},
	},
}

// MachineOptions configures a Machine.
type MachineOptions struct {
	Emitter         Emitter
	Logger          *zap.Logger
	ErrorRetryLimit int
	// OnWorkComplete fires on busy -> idle, before commit. The registry
	// bridges it to the load balancer's success accounting.
	OnWorkComplete func(agentID string)
	// OnActionError fires when a transition action fails.
	OnActionError func(agentID string, from, to State, err error)
}

func (o MachineOptions) withDefaults() MachineOptions {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ErrorRetryLimit <= 0 {
		o.ErrorRetryLimit = DefaultErrorRetryLimit
	}
	return o
}

// Machine is a guarded finite state machine for one agent. A machine starts
// in created; stopped is terminal. All methods are safe for concurrent use,
// but the owning registry is expected to be the only writer.
type Machine struct {
	mu              sync.Mutex
	agentID         string
	state           State
	history         []StateEntry
	ctx             Context
	enteredAt       time.Time
	listeners       []Listener
	emitter         Emitter
	logger          *zap.Logger
	errorRetryLimit int
	onWorkComplete  func(string)
	onActionError   func(string, State, State, error)
}

// NewMachine creates a machine in the created state.
func NewMachine(agentID string, opts MachineOptions) *Machine {
	opts = opts.withDefaults()
	return &Machine{
		agentID:         agentID,
		state:           StateCreated,
		enteredAt:       time.Now(),
		emitter:         opts.Emitter,
		logger:          opts.Logger,
		errorRetryLimit: opts.ErrorRetryLimit,
		onWorkComplete:  opts.OnWorkComplete,
		onActionError:   opts.OnActionError,
	}
}

// AgentID returns the owning agent's id.
func (m *Machine) AgentID() string { return m.agentID }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns a copy of the transition log.
func (m *Machine) History() []StateEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StateEntry(nil), m.history...)
}

// Context returns a snapshot of the working set.
func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// UpdateContext mutates the working set under the machine lock.
func (m *Machine) UpdateContext(fn func(c *Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.ctx)
}

// OnTransition registers a listener for committed transitions.
func (m *Machine) OnTransition(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// CanTransition reports whether the edge to `to` exists and its guard
// currently passes.
func (m *Machine) CanTransition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := transitions[m.state][to]
	if !ok || m.state.Terminal() {
		return false
	}
	return m.guardPasses(to, e)
}

// AllowedTransitions lists the targets reachable right now, guards included.
func (m *Machine) AllowedTransitions() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return nil
	}
	var out []State
	for _, to := range []State{
		StateCreated, StateInitializing, StateIdle, StateBusy,
		StatePaused, StateError, StateStopping, StateStopped,
	} {
		if e, ok := transitions[m.state][to]; ok && m.guardPasses(to, e) {
			out = append(out, to)
		}
	}
	return out
}

func (m *Machine) guardPasses(to State, e *edge) bool {
	if e.guard == "canRecover" {
		return m.ctx.ErrorCount < m.errorRetryLimit
	}
	if e.check == nil {
		return true
	}
	return e.check(&m.ctx)
}

// Transition attempts to move to `to`. It returns (false, nil) on a guard
// denial, (false, err) on an invalid edge or a failed action, and
// (true, nil) on commit. Listeners run after the lock is released.
func (m *Machine) Transition(to State, reason string) (bool, error) {
	m.mu.Lock()

	from := m.state
	if from.Terminal() {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	e, ok := transitions[from][to]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if !m.guardPasses(to, e) {
		metrics.AgentTransitionDenials.WithLabelValues(string(from), string(to)).Inc()
		m.logger.Debug("transition denied",
			zap.String("agent_id", m.agentID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("guard", e.guard),
		)
		m.emit(EventTransitionDenied, map[string]any{
			"agentId": m.agentID,
			"from":    string(from),
			"to":      string(to),
			"guard":   e.guard,
		})
		m.mu.Unlock()
		return false, nil
	}

	m.emit(EventTransitionBefore, map[string]any{
		"agentId": m.agentID,
		"from":    string(from),
		"to":      string(to),
		"reason":  reason,
	})

	if e.action != nil {
		if err := e.action(m); err != nil {
			if m.onActionError != nil {
				m.onActionError(m.agentID, from, to, err)
			}
			m.emit(EventTransitionError, map[string]any{
				"agentId": m.agentID,
				"from":    string(from),
				"to":      string(to),
				"error":   err.Error(),
			})
			m.mu.Unlock()
			return false, fmt.Errorf("transition action %s -> %s: %w", from, to, err)
		}
	}

	now := time.Now()
	entry := StateEntry{
		From:       from,
		To:         to,
		Timestamp:  now.UnixMilli(),
		DurationMs: now.Sub(m.enteredAt).Milliseconds(),
		Reason:     reason,
	}
	if n := len(m.history); n > 0 && entry.Timestamp < m.history[n-1].Timestamp {
		entry.Timestamp = m.history[n-1].Timestamp
	}
	m.state = to
	m.enteredAt = now
	m.history = append(m.history, entry)
	metrics.AgentTransitions.WithLabelValues(string(from), string(to)).Inc()

	m.emit(EventTransitionAfter, map[string]any{
		"agentId": m.agentID,
		"from":    string(from),
		"to":      string(to),
		"reason":  reason,
	})
	m.emit("state:"+string(to), map[string]any{
		"agentId":       m.agentID,
		"previousState": string(from),
	})

	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(from, to, entry)
	}
	return true, nil
}

// emit is nil-safe. Emitters must not re-enter the machine.
func (m *Machine) emit(eventType string, payload map[string]any) {
	if m.emitter != nil {
		m.emitter.Emit(eventType, payload)
	}
}

// Snapshot captures the machine as a SavedState.
func (m *Machine) Snapshot() *SavedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &SavedState{
		State:       m.state,
		History:     append([]StateEntry(nil), m.history...),
		LastUpdated: time.Now().UnixMilli(),
		Context: ContextSnapshot{
			Load:       m.ctx.Load,
			HasErrors:  m.ctx.HasErrors,
			ErrorCount: m.ctx.ErrorCount,
		},
	}
}

// restore rehydrates a machine from a saved snapshot. Terminal snapshots are
// ignored by the caller.
func (m *Machine) restore(saved *SavedState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = saved.State
	m.history = append([]StateEntry(nil), saved.History...)
	m.ctx.Load = saved.Context.Load
	m.ctx.HasErrors = saved.Context.HasErrors
	m.ctx.ErrorCount = saved.Context.ErrorCount
	m.enteredAt = time.Now()
}

// Stats summarizes one machine's history.
type Stats struct {
	AgentID              string        `json:"agentId"`
	CurrentState         State         `json:"currentState"`
	TotalTransitions     int           `json:"totalTransitions"`
	TimeInCurrentStateMs int64         `json:"timeInCurrentStateMs"`
	TotalRuntimeMs       int64         `json:"totalRuntimeMs"`
	MostVisitedState     State         `json:"mostVisitedState"`
	StateCounts          map[State]int `json:"stateCounts"`
}

// Stats computes aggregate numbers over the transition log.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	s := Stats{
		AgentID:              m.agentID,
		CurrentState:         m.state,
		TotalTransitions:     len(m.history),
		TimeInCurrentStateMs: now.Sub(m.enteredAt).Milliseconds(),
		StateCounts:          map[State]int{StateCreated: 1},
	}
	for _, entry := range m.history {
		s.StateCounts[entry.To]++
	}
	if len(m.history) > 0 {
		s.TotalRuntimeMs = now.UnixMilli() - (m.history[0].Timestamp - m.history[0].DurationMs)
	} else {
		s.TotalRuntimeMs = s.TimeInCurrentStateMs
	}
	best := 0
	for state, count := range s.StateCounts {
		if count > best || (count == best && state == m.state) {
			best = count
			s.MostVisitedState = state
		}
	}
	return s
}
