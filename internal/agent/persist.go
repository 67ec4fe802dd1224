package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/metrics"
)

// StateStorage persists agent machine snapshots. Save must be durable when
// it returns nil. Get returns (nil, nil) when no snapshot exists.
type StateStorage interface {
	Get(ctx context.Context, agentID string) (*SavedState, error)
	Save(ctx context.Context, agentID string, state *SavedState) error
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context) ([]string, error)
}

// DefaultSaveDebounce coalesces bursts of transitions into one write.
const DefaultSaveDebounce = 100 * time.Millisecond

const saveTimeout = 5 * time.Second

// maxSaveRetryDelay caps the back-off between failed save retries.
const maxSaveRetryDelay = 5 * time.Second

// PersistentMachine wraps a Machine and writes a SavedState after every
// committed transition, debounced. Failed writes are retried with back-off
// until they succeed or the machine is closed.
type PersistentMachine struct {
	*Machine
	storage  StateStorage
	debounce time.Duration
	logger   *zap.Logger

	mu         sync.Mutex
	timer      *time.Timer
	retryDelay time.Duration
	closed     bool
}

// NewPersistentMachine builds a machine backed by storage. If a non-terminal
// snapshot exists it is restored; terminal snapshots are left on disk and a
// fresh machine starts over.
func NewPersistentMachine(agentID string, storage StateStorage, debounce time.Duration, opts MachineOptions) (*PersistentMachine, error) {
	if debounce <= 0 {
		debounce = DefaultSaveDebounce
	}
	opts = opts.withDefaults()
	pm := &PersistentMachine{
		Machine:  NewMachine(agentID, opts),
		storage:  storage,
		debounce: debounce,
		logger:   opts.Logger,
	}

	loadCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	saved, err := storage.Get(loadCtx, agentID)
	if err != nil {
		return nil, err
	}
	if saved != nil && !saved.State.Terminal() {
		pm.Machine.restore(saved)
		pm.logger.Info("restored agent state",
			zap.String("agent_id", agentID),
			zap.String("state", string(saved.State)),
			zap.Int("history", len(saved.History)),
		)
	}

	pm.Machine.OnTransition(func(State, State, StateEntry) { pm.scheduleSave() })
	return pm, nil
}

// scheduleSave (re)arms the debounce timer.
func (pm *PersistentMachine) scheduleSave() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return
	}
	if pm.timer != nil {
		pm.timer.Stop()
	}
	pm.timer = time.AfterFunc(pm.debounce, pm.flush)
}

// flush writes the current snapshot; on failure it re-arms itself with an
// increasing delay.
func (pm *PersistentMachine) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	err := pm.storage.Save(ctx, pm.AgentID(), pm.Snapshot())
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err == nil {
		metrics.StateSaves.WithLabelValues("ok").Inc()
		pm.retryDelay = 0
		return
	}
	metrics.StateSaves.WithLabelValues("error").Inc()
	pm.logger.Warn("agent state save failed",
		zap.String("agent_id", pm.AgentID()),
		zap.Error(err),
	)
	if pm.closed {
		return
	}
	if pm.retryDelay == 0 {
		pm.retryDelay = pm.debounce
	} else {
		pm.retryDelay *= 2
		if pm.retryDelay > maxSaveRetryDelay {
			pm.retryDelay = maxSaveRetryDelay
		}
	}
	pm.timer = time.AfterFunc(pm.retryDelay, pm.flush)
}

// SaveNow cancels any pending debounce and writes synchronously.
func (pm *PersistentMachine) SaveNow(ctx context.Context) error {
	pm.mu.Lock()
	if pm.timer != nil {
		pm.timer.Stop()
		pm.timer = nil
	}
	pm.mu.Unlock()

	err := pm.storage.Save(ctx, pm.AgentID(), pm.Snapshot())
	if err != nil {
		metrics.StateSaves.WithLabelValues("error").Inc()
		return err
	}
	metrics.StateSaves.WithLabelValues("ok").Inc()
	return nil
}

// DeletePersistedState wipes the stored snapshot and stops pending saves.
func (pm *PersistentMachine) DeletePersistedState(ctx context.Context) error {
	pm.mu.Lock()
	if pm.timer != nil {
		pm.timer.Stop()
		pm.timer = nil
	}
	pm.mu.Unlock()
	return pm.storage.Delete(ctx, pm.AgentID())
}

// Close stops the save loop, flushing a pending write first.
func (pm *PersistentMachine) Close(ctx context.Context) error {
	pm.mu.Lock()
	pending := pm.timer != nil
	if pm.timer != nil {
		pm.timer.Stop()
		pm.timer = nil
	}
	pm.closed = true
	pm.mu.Unlock()

	if pending {
		return pm.SaveNow(ctx)
	}
	return nil
}
