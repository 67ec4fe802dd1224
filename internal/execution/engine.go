// Package execution walks resolved plans level by level, assigning tasks to
// agents under a concurrency bound and a retry policy. Progress is published
// on the event bus; the tracker in this package folds those events back into
// progress and summary views.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
	"github.com/davidkimai/godel-sub016/internal/metrics"
	"github.com/davidkimai/godel-sub016/internal/resolver"
	"github.com/davidkimai/godel-sub016/internal/selector"
	"github.com/davidkimai/godel-sub016/internal/tracing"
)

// Event types published while a plan runs.
const (
	EventExecutionStarted   = "execution:started"
	EventExecutionCompleted = "execution:completed"
	EventLevelStarted       = "level:started"
	EventLevelCompleted     = "level:completed"
	EventTaskStarted        = "task:started"
	EventTaskCompleted      = "task:completed"
	EventTaskFailed         = "task:failed"
	EventTaskRetry          = "task:retry"
)

// TaskStatus is the terminal (or current) state of one task in a run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskSkipped   TaskStatus = "skipped"
)

// Backoff names a retry delay progression.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// TaskExecutor performs the actual work of one task on one agent. Execute is
// synchronous: it returns the task's final result.
type TaskExecutor interface {
	Execute(ctx context.Context, agentID string, task *resolver.Task) (any, error)
	Cancel(taskID string) error
}

// ExecutorFunc adapts a function to TaskExecutor with a no-op Cancel.
type ExecutorFunc func(ctx context.Context, agentID string, task *resolver.Task) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, agentID string, task *resolver.Task) (any, error) {
	return f(ctx, agentID, task)
}

func (f ExecutorFunc) Cancel(string) error { return nil }

// AgentPicker is the slice of the selector the engine needs.
type AgentPicker interface {
	SelectAgent(criteria selector.Criteria) (*selector.Selection, error)
}

// WorkRegistry is the slice of the stateful agent registry the engine needs.
type WorkRegistry interface {
	AssignWork(agentID string, task *resolver.Task) (bool, error)
	CompleteWork(agentID string, result any) error
	FailWork(agentID string, workErr error) error
}

// Config tunes plan execution.
type Config struct {
	// MaxConcurrency bounds parallel tasks within one level (default 10).
	MaxConcurrency int
	// RetryAttempts is the TOTAL number of attempts per task (default 1,
	// meaning no retries).
	RetryAttempts int
	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration
	// RetryBackoff shapes the delay progression (default fixed).
	RetryBackoff Backoff
	// ContinueOnFailure keeps the run going past a terminally failed task.
	ContinueOnFailure bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 1
	}
	if c.RetryBackoff == "" {
		c.RetryBackoff = BackoffFixed
	}
	return c
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	TaskID     string     `json:"taskId"`
	Status     TaskStatus `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
	DurationMs int64      `json:"durationMs"`
	AgentID    string     `json:"agentId,omitempty"`
}

// Result is the outcome of one plan run.
type Result struct {
	ExecutionID string                 `json:"executionId"`
	Tasks       map[string]*TaskResult `json:"tasks"`
	Completed   int                    `json:"completed"`
	Failed      int                    `json:"failed"`
	Cancelled   int                    `json:"cancelled"`
	Skipped     int                    `json:"skipped"`
	StartedAt   int64                  `json:"startedAt"`
	CompletedAt int64                  `json:"completedAt"`
	DurationMs  int64                  `json:"durationMs"`
}

// Callback observes each task reaching a terminal status.
type Callback func(taskID string, result *TaskResult)

// Option tunes one Execute call.
type Option func(*runOptions)

type runOptions struct {
	executionID string
	callbacks   []Callback
}

// WithExecutionID fixes the run's id, so callers can watch its events
// before Execute returns.
func WithExecutionID(id string) Option {
	return func(o *runOptions) { o.executionID = id }
}

// WithCallback registers a per-task completion callback.
func WithCallback(cb Callback) Option {
	return func(o *runOptions) { o.callbacks = append(o.callbacks, cb) }
}

// Options carries the engine's collaborators. Bus and Executor are
// required; Picker and Registry are optional.
type Options struct {
	Bus      *eventbus.Bus
	Executor TaskExecutor
	Picker   AgentPicker
	Registry WorkRegistry
	Config   Config
	Logger   *zap.Logger
}

// Engine executes resolved plans. Safe for concurrent runs; Cancel stops
// every run in flight.
type Engine struct {
	bus      *eventbus.Bus
	executor TaskExecutor
	picker   AgentPicker
	registry WorkRegistry
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*run
}

// run is the per-Execute state.
type run struct {
	id        string
	cancelled atomic.Bool
	aborted   atomic.Bool

	mu     sync.Mutex
	result *Result
}

func (r *run) stopped() bool { return r.cancelled.Load() || r.aborted.Load() }

func (r *run) set(tr *TaskResult) {
	r.mu.Lock()
	r.result.Tasks[tr.TaskID] = tr
	r.mu.Unlock()
}

// NewEngine builds an engine from opts.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Bus == nil {
		return nil, errors.New("execution: bus is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("execution: task executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		bus:      opts.Bus,
		executor: opts.Executor,
		picker:   opts.Picker,
		registry: opts.Registry,
		cfg:      opts.Config.withDefaults(),
		logger:   logger,
		active:   make(map[string]*run),
	}, nil
}

// Execute runs plan to completion. Task failures are reported in the
// Result, not as an error; the error return covers invalid input only.
func (e *Engine) Execute(ctx context.Context, plan *resolver.ExecutionPlan, opts ...Option) (*Result, error) {
	if plan == nil {
		return nil, errors.New("execution: nil plan")
	}
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.executionID == "" {
		ro.executionID = uuid.New().String()
	}

	r := &run{
		id: ro.executionID,
		result: &Result{
			ExecutionID: ro.executionID,
			Tasks:       make(map[string]*TaskResult, plan.TotalTasks),
			StartedAt:   time.Now().UnixMilli(),
		},
	}
	for _, level := range plan.Levels {
		for _, t := range level.Tasks {
			r.result.Tasks[t.ID] = &TaskResult{TaskID: t.ID, Status: TaskPending}
		}
	}

	e.mu.Lock()
	e.active[r.id] = r
	e.mu.Unlock()
	metrics.ExecutionsActive.Inc()
	defer func() {
		e.mu.Lock()
		delete(e.active, r.id)
		e.mu.Unlock()
		metrics.ExecutionsActive.Dec()
	}()

	ctx, span := tracing.StartSpan(ctx, "execution.run",
		attribute.String("execution.id", r.id),
		attribute.Int("execution.tasks", plan.TotalTasks),
		attribute.Int("execution.levels", len(plan.Levels)),
	)
	defer span.End()

	e.publish(ctx, r, EventExecutionStarted, map[string]any{
		"executionId": r.id,
		"totalTasks":  plan.TotalTasks,
		"totalLevels": len(plan.Levels),
	})
	e.logger.Info("execution started",
		zap.String("execution_id", r.id),
		zap.Int("tasks", plan.TotalTasks),
		zap.Int("levels", len(plan.Levels)),
	)

	for _, level := range plan.Levels {
		if r.cancelled.Load() || ctx.Err() != nil {
			break
		}
		if r.aborted.Load() && !e.cfg.ContinueOnFailure {
			break
		}
		e.publish(ctx, r, EventLevelStarted, map[string]any{
			"executionId": r.id,
			"level":       level.Level,
			"taskCount":   len(level.Tasks),
		})
		e.runLevel(ctx, r, level, ro.callbacks)
		e.publish(ctx, r, EventLevelCompleted, map[string]any{
			"executionId": r.id,
			"level":       level.Level,
		})
	}

	e.settleRemaining(ctx, r)

	res := r.result
	res.CompletedAt = time.Now().UnixMilli()
	res.DurationMs = res.CompletedAt - res.StartedAt
	for _, tr := range res.Tasks {
		switch tr.Status {
		case TaskCompleted:
			res.Completed++
		case TaskFailed:
			res.Failed++
		case TaskCancelled:
			res.Cancelled++
		case TaskSkipped:
			res.Skipped++
		}
	}

	e.publish(ctx, r, EventExecutionCompleted, map[string]any{
		"executionId": r.id,
		"completed":   res.Completed,
		"failed":      res.Failed,
		"cancelled":   res.Cancelled,
		"skipped":     res.Skipped,
		"startedAt":   res.StartedAt,
		"completedAt": res.CompletedAt,
		"durationMs":  res.DurationMs,
	})
	e.logger.Info("execution completed",
		zap.String("execution_id", r.id),
		zap.Int("completed", res.Completed),
		zap.Int("failed", res.Failed),
		zap.Int("cancelled", res.Cancelled),
		zap.Int("skipped", res.Skipped),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res, nil
}

// Cancel stops every active run: in-flight attempts finish, nothing is
// retried, tasks not yet started report cancelled.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.active {
		r.cancelled.Store(true)
	}
}

// ActiveExecutions returns the ids of runs currently in flight.
func (e *Engine) ActiveExecutions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.active))
	for id := range e.active {
		out = append(out, id)
	}
	return out
}

// runLevel executes one level under the concurrency bound and waits for it
// to settle.
func (e *Engine) runLevel(ctx context.Context, r *run, level resolver.Level, callbacks []Callback) {
	sem := make(chan struct{}, e.cfg.MaxConcurrency)
	var wg sync.WaitGroup

	for _, twd := range level.Tasks {
		if r.cancelled.Load() || ctx.Err() != nil {
			e.finish(r, &TaskResult{TaskID: twd.ID, Status: TaskCancelled}, callbacks)
			continue
		}
		if r.aborted.Load() && !e.cfg.ContinueOnFailure {
			e.finish(r, &TaskResult{TaskID: twd.ID, Status: TaskSkipped}, callbacks)
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(twd *resolver.TaskWithDependencies) {
			defer wg.Done()
			defer func() { <-sem }()
			// Re-check after waiting on the semaphore.
			if r.cancelled.Load() || ctx.Err() != nil {
				e.finish(r, &TaskResult{TaskID: twd.ID, Status: TaskCancelled}, callbacks)
				return
			}
			if r.aborted.Load() && !e.cfg.ContinueOnFailure {
				e.finish(r, &TaskResult{TaskID: twd.ID, Status: TaskSkipped}, callbacks)
				return
			}
			e.runTask(ctx, r, twd, callbacks)
		}(twd)
	}
	wg.Wait()
}

// runTask drives one task through its attempts.
func (e *Engine) runTask(ctx context.Context, r *run, twd *resolver.TaskWithDependencies, callbacks []Callback) {
	task := twd.Task
	if task == nil {
		task = &resolver.Task{ID: twd.ID}
	}

	start := time.Now()
	r.set(&TaskResult{TaskID: twd.ID, Status: TaskRunning})
	e.publish(ctx, r, EventTaskStarted, map[string]any{
		"executionId": r.id,
		"taskId":      twd.ID,
	})

	tr := &TaskResult{TaskID: twd.ID}
	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			metrics.TaskRetries.Inc()
			e.publish(ctx, r, EventTaskRetry, map[string]any{
				"executionId": r.id,
				"taskId":      twd.ID,
				"attempt":     attempt,
				"error":       lastErr.Error(),
			})
			if !sleepCtx(ctx, retryDelay(e.cfg.RetryDelay, e.cfg.RetryBackoff, attempt-1)) {
				break
			}
		}
		tr.Attempts = attempt

		out, agentID, err := e.attempt(ctx, task)
		tr.AgentID = agentID
		if err == nil {
			tr.Status = TaskCompleted
			tr.Result = out
			break
		}
		lastErr = err
		if r.cancelled.Load() || ctx.Err() != nil {
			break
		}
	}

	tr.DurationMs = time.Since(start).Milliseconds()
	if tr.Status != TaskCompleted {
		tr.Status = TaskFailed
		if lastErr != nil {
			tr.Error = lastErr.Error()
		}
	}

	metrics.TaskDuration.Observe(time.Since(start).Seconds())
	switch tr.Status {
	case TaskCompleted:
		e.publish(ctx, r, EventTaskCompleted, map[string]any{
			"executionId": r.id,
			"taskId":      twd.ID,
			"agentId":     tr.AgentID,
			"attempts":    tr.Attempts,
			"durationMs":  tr.DurationMs,
		})
	case TaskFailed:
		e.publish(ctx, r, EventTaskFailed, map[string]any{
			"executionId": r.id,
			"taskId":      twd.ID,
			"agentId":     tr.AgentID,
			"attempts":    tr.Attempts,
			"error":       tr.Error,
		})
		if !e.cfg.ContinueOnFailure {
			r.aborted.Store(true)
		}
	}
	e.finish(r, tr, callbacks)
}

// attempt selects an agent, assigns the work, and runs one executor call.
func (e *Engine) attempt(ctx context.Context, task *resolver.Task) (out any, agentID string, err error) {
	if e.picker != nil {
		sel, serr := e.picker.SelectAgent(criteriaFor(task))
		if serr != nil {
			return nil, "", fmt.Errorf("agent selection: %w", serr)
		}
		agentID = sel.Agent.ID
	}

	if e.registry != nil && agentID != "" {
		ok, aerr := e.registry.AssignWork(agentID, task)
		if aerr != nil {
			return nil, agentID, fmt.Errorf("assign work: %w", aerr)
		}
		if !ok {
			return nil, agentID, fmt.Errorf("agent %s cannot accept work", agentID)
		}
	}

	out, err = e.executor.Execute(ctx, agentID, task)

	if e.registry != nil && agentID != "" {
		if err == nil {
			if cerr := e.registry.CompleteWork(agentID, out); cerr != nil {
				e.logger.Warn("complete work failed",
					zap.String("agent_id", agentID), zap.Error(cerr))
			}
		} else {
			if ferr := e.registry.FailWork(agentID, err); ferr != nil {
				e.logger.Warn("fail work failed",
					zap.String("agent_id", agentID), zap.Error(ferr))
			}
		}
	}
	return out, agentID, err
}

// finish records a terminal task result and notifies callbacks and metrics.
func (e *Engine) finish(r *run, tr *TaskResult, callbacks []Callback) {
	r.set(tr)
	metrics.TasksExecuted.WithLabelValues(string(tr.Status)).Inc()
	for _, cb := range callbacks {
		cb(tr.TaskID, tr)
	}
}

// settleRemaining marks tasks never started as cancelled or skipped.
func (e *Engine) settleRemaining(ctx context.Context, r *run) {
	status := TaskSkipped
	if r.cancelled.Load() || ctx.Err() != nil {
		status = TaskCancelled
	}
	r.mu.Lock()
	var pending []string
	for id, tr := range r.result.Tasks {
		if tr.Status == TaskPending || tr.Status == TaskRunning {
			pending = append(pending, id)
		}
	}
	r.mu.Unlock()
	for _, id := range pending {
		e.finish(r, &TaskResult{TaskID: id, Status: status}, nil)
	}
}

func (e *Engine) publish(ctx context.Context, r *run, eventType string, payload map[string]any) {
	if _, err := e.bus.Publish(ctx, eventType, payload,
		eventbus.WithSource("execution"),
		eventbus.WithCorrelationID(r.id),
	); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

// criteriaFor maps a task's skills and priority onto selection criteria.
// Critical work favors reliability; low-priority work favors cost.
func criteriaFor(task *resolver.Task) selector.Criteria {
	c := selector.Criteria{RequiredSkills: task.RequiredSkills}
	switch task.Priority {
	case resolver.PriorityCritical, resolver.PriorityHigh:
		c.Strategy = selector.StrategyReliabilityOptimized
	case resolver.PriorityLow:
		c.Strategy = selector.StrategyCostOptimized
	default:
		c.Strategy = selector.StrategyBalanced
	}
	return c
}

// retryDelay computes the wait before retry number n (1-based).
func retryDelay(base time.Duration, backoff Backoff, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	switch backoff {
	case BackoffLinear:
		return base * time.Duration(n)
	case BackoffExponential:
		return base * time.Duration(1<<(n-1))
	default:
		return base
	}
}

// sleepCtx waits d and reports false when ctx fired first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
