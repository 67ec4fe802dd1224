// Package health runs component checks and folds them into one service
// verdict. A failing critical check makes the service unhealthy and not
// ready; degraded or failing non-critical checks leave it ready but
// degraded. Liveness stays true as long as any check is registered, so
// orchestrators restart the process only on total loss.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckStatus grades one component or the whole service.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form.
func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult is the outcome of one check run.
type CheckResult struct {
	Status    CheckStatus    `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	Critical  bool           `json:"critical"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical marks checks whose failure takes readiness away.
	IsCritical() bool
	// Timeout bounds one run; zero falls back to the manager default.
	Timeout() time.Duration
}

// OverallHealth is the folded service verdict.
type OverallHealth struct {
	Status    CheckStatus   `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Degraded  bool          `json:"degraded"`
	Ready     bool          `json:"ready"`
	Live      bool          `json:"live"`
}

// Summary counts components by grade.
type Summary struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	Degraded    int `json:"degraded"`
	Unhealthy   int `json:"unhealthy"`
	Critical    int `json:"critical"`
	NonCritical int `json:"nonCritical"`
}

// DetailedHealth is the verdict plus every component result.
type DetailedHealth struct {
	Overall    OverallHealth          `json:"overall"`
	Components map[string]CheckResult `json:"components"`
	Summary    Summary                `json:"summary"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Options tunes a Manager.
type Options struct {
	// CheckInterval is the background refresh period (default 30s).
	CheckInterval time.Duration
	// CheckTimeout bounds checkers that declare no timeout of their own
	// (default 5s).
	CheckTimeout time.Duration
	Logger       *zap.Logger
}

// Manager runs registered checks on demand and in the background, keeping
// the latest result per component so probes can read without re-checking.
type Manager struct {
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
	last     map[string]CheckResult

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewManager returns a Manager with no checks registered.
func NewManager(opts Options) *Manager {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger.Named("health"),
		interval: opts.CheckInterval,
		timeout:  opts.CheckTimeout,
		checkers: make(map[string]Checker),
		last:     make(map[string]CheckResult),
	}
}

// Register adds a checker. Names must be unique.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[c.Name()]; exists {
		return fmt.Errorf("health check %q already registered", c.Name())
	}
	m.checkers[c.Name()] = c
	m.logger.Info("health check registered",
		zap.String("check", c.Name()),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

// Unregister removes a checker and its cached result.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkers[name]; !ok {
		return false
	}
	delete(m.checkers, name)
	delete(m.last, name)
	return true
}

// GetDetailedHealth runs every check now and returns per-component results
// with the folded verdict. Checks run concurrently, each under its own
// timeout.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	components := make(map[string]CheckResult, len(checkers))
	var (
		wg sync.WaitGroup
		cm sync.Mutex
	)
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			result := m.runCheck(ctx, c)
			cm.Lock()
			components[c.Name()] = result
			cm.Unlock()
		}(c)
	}
	wg.Wait()

	return DetailedHealth{
		Overall:    overallFrom(components),
		Components: components,
		Summary:    summarize(components),
		Timestamp:  time.Now(),
	}
}

// GetOverallHealth runs every check now and returns only the verdict.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	overall := m.GetDetailedHealth(ctx).Overall
	overall.Timestamp = start
	overall.Duration = time.Since(start)
	return overall
}

// IsReady reports whether the service should receive traffic.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports whether the process should keep running.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Live
}

// GetLastResults returns the most recent result per component without
// running anything.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.last))
	for name, r := range m.last {
		out[name] = r
	}
	return out
}

// Start begins the background refresh loop. The first pass runs
// immediately so cached reads have answers before the first tick.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("health manager already started")
	}
	m.started = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()
	m.logger.Info("health manager started", zap.Duration("interval", m.interval))
	return nil
}

// Stop halts the background loop and waits for any in-flight pass.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("health manager stopped")
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.refresh()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

func (m *Manager) refresh() {
	detailed := m.GetDetailedHealth(context.Background())
	if detailed.Overall.Status == StatusUnhealthy {
		m.logger.Warn("service unhealthy",
			zap.String("message", detailed.Overall.Message),
			zap.Int("unhealthy", detailed.Summary.Unhealthy),
		)
	}
}

// runCheck applies the timeout, fills any fields the checker left zero,
// and caches the result.
func (m *Manager) runCheck(ctx context.Context, c Checker) CheckResult {
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = m.timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := c.Check(cctx)
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = start
	}
	if result.Component == "" {
		result.Component = c.Name()
	}
	result.Critical = c.IsCritical()

	m.mu.Lock()
	m.last[c.Name()] = result
	m.mu.Unlock()
	return result
}

// overallFrom folds component results into the service verdict.
func overallFrom(components map[string]CheckResult) OverallHealth {
	if len(components) == 0 {
		return OverallHealth{
			Status:  StatusUnknown,
			Message: "no health checks registered",
		}
	}

	var criticalFailures, nonCriticalFailures, degraded int
	for _, r := range components {
		switch r.Status {
		case StatusDegraded:
			degraded++
		case StatusUnhealthy:
			if r.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
	}

	switch {
	case criticalFailures > 0:
		return OverallHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d critical component(s) failing", criticalFailures),
			Live:    true,
		}
	case degraded > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d component(s) degraded", degraded),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	case nonCriticalFailures > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	default:
		return OverallHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("all %d components healthy", len(components)),
			Ready:   true,
			Live:    true,
		}
	}
}

func summarize(components map[string]CheckResult) Summary {
	s := Summary{Total: len(components)}
	for _, r := range components {
		switch r.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusDegraded:
			s.Degraded++
		case StatusUnhealthy:
			s.Unhealthy++
		}
		if r.Critical {
			s.Critical++
		} else {
			s.NonCritical++
		}
	}
	return s
}
