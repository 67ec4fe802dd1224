// Package agent implements the agent directory and the per-agent guarded
// state machine. The registry owns every machine it creates; machines call
// back only through narrow injected hooks so ownership stays unidirectional.
package agent

import (
	"github.com/davidkimai/godel-sub016/internal/resolver"
)

// State is the internal lifecycle state of one agent.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool { return s == StateStopped }

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateInitializing, StateIdle, StateBusy,
		StatePaused, StateError, StateStopping, StateStopped:
		return true
	}
	return false
}

// Status is what the registry exposes to selectors and the API. It is a
// coarser view than State.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusUnhealthy Status = "unhealthy"
)

// statusFor maps an internal state onto the registry status it mirrors to.
func statusFor(s State) Status {
	switch s {
	case StateIdle:
		return StatusIdle
	case StateBusy:
		return StatusBusy
	case StateError:
		return StatusUnhealthy
	default:
		return StatusOffline
	}
}

// StateEntry is one row of an agent's append-only transition log.
type StateEntry struct {
	From       State          `json:"from"`
	To         State          `json:"to"`
	Timestamp  int64          `json:"timestamp"`
	DurationMs int64          `json:"durationMs"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Context is the machine's mutable working set. Guards read it; actions and
// the owning registry write it.
type Context struct {
	Load           float64
	HasErrors      bool
	ErrorCount     int
	Task           *resolver.Task
	HasPendingWork bool
	LastError      string
}

// ContextSnapshot is the persisted subset of Context.
type ContextSnapshot struct {
	Load       float64 `json:"load"`
	HasErrors  bool    `json:"hasErrors"`
	ErrorCount int     `json:"errorCount"`
}

// SavedState is the durable form of a machine, written by the persistent
// wrapper and restored on construction.
type SavedState struct {
	State       State           `json:"state"`
	History     []StateEntry    `json:"history"`
	LastUpdated int64           `json:"lastUpdated"`
	Context     ContextSnapshot `json:"contextSnapshot"`
}

// Runtime says where an agent's worker process lives.
type Runtime string

const (
	RuntimeLocal     Runtime = "local"
	RuntimeContainer Runtime = "container"
	RuntimeRemote    Runtime = "remote"
)

// Capabilities declares what an agent can do and how well.
type Capabilities struct {
	Skills      []string `json:"skills"`
	Specialties []string `json:"specialties,omitempty"`
	Languages   []string `json:"languages,omitempty"`
	CostPerHour float64  `json:"costPerHour"`
	Reliability float64  `json:"reliability"`
	AvgSpeed    float64  `json:"avgSpeed"`
}

// Agent is a registry entry. CurrentLoad and Status are written only by the
// owning registry; everyone else reads snapshots.
type Agent struct {
	ID            string       `json:"id"`
	Name          string       `json:"name,omitempty"`
	Runtime       Runtime      `json:"runtime"`
	Capabilities  Capabilities `json:"capabilities"`
	Status        Status       `json:"status"`
	CurrentLoad   float64      `json:"currentLoad"`
	RegisteredAt  int64        `json:"registeredAt"`
	LastHeartbeat int64        `json:"lastHeartbeat"`
}

// clone returns a deep copy so callers never alias registry-owned memory.
func (a *Agent) clone() *Agent {
	c := *a
	c.Capabilities.Skills = append([]string(nil), a.Capabilities.Skills...)
	c.Capabilities.Specialties = append([]string(nil), a.Capabilities.Specialties...)
	c.Capabilities.Languages = append([]string(nil), a.Capabilities.Languages...)
	return &c
}
