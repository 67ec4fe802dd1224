package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/davidkimai/godel-sub016/internal/agent"
	"github.com/davidkimai/godel-sub016/internal/eventbus"
	"github.com/davidkimai/godel-sub016/internal/resolver"
	"github.com/davidkimai/godel-sub016/internal/selector"
)

func plan(t *testing.T, tasks ...*resolver.TaskWithDependencies) *resolver.ExecutionPlan {
	t.Helper()
	res := resolver.New(zaptest.NewLogger(t)).Resolve(tasks, resolver.Options{})
	if !res.Valid {
		t.Fatalf("Plan did not resolve: %v", res.Errors)
	}
	return res.Plan
}

func task(id string, deps ...string) *resolver.TaskWithDependencies {
	return &resolver.TaskWithDependencies{
		ID:           id,
		Task:         &resolver.Task{ID: id, Name: id},
		Dependencies: deps,
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (l *eventLog) record(_ context.Context, ev *eventbus.Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) ofType(eventType string) []*eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*eventbus.Event
	for _, ev := range l.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEngine(t *testing.T, bus *eventbus.Bus, executor TaskExecutor, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(Options{
		Bus:      bus,
		Executor: executor,
		Config:   cfg,
		Logger:   zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestExecuteLinearPlan(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	defer bus.Close()
	log := &eventLog{}
	bus.Subscribe("execution:*", log.record)
	bus.Subscribe("task:*", log.record)

	echo := ExecutorFunc(func(_ context.Context, _ string, task *resolver.Task) (any, error) {
		return "done-" + task.ID, nil
	})
	e := newTestEngine(t, bus, echo, Config{})

	p := plan(t, task("A"), task("B", "A"), task("C", "B"))
	res, err := e.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.Completed != 3 || res.Failed != 0 {
		t.Errorf("Expected 3 completed / 0 failed, got %d/%d", res.Completed, res.Failed)
	}
	if res.Tasks["C"].Result != "done-C" {
		t.Errorf("Task C result = %v", res.Tasks["C"].Result)
	}
	if got := len(log.ofType(EventExecutionStarted)); got != 1 {
		t.Errorf("Expected 1 execution:started, got %d", got)
	}
	if got := len(log.ofType(EventTaskCompleted)); got != 3 {
		t.Errorf("Expected 3 task:completed, got %d", got)
	}
	done := log.ofType(EventExecutionCompleted)
	if len(done) != 1 {
		t.Fatalf("Expected 1 execution:completed, got %d", len(done))
	}
	if done[0].Payload["completed"] != 3 || done[0].Payload["failed"] != 0 {
		t.Errorf("Unexpected completion payload: %v", done[0].Payload)
	}
}

func TestDiamondRunsLevelTasksConcurrently(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	defer bus.Close()

	var inFlight, peak int32
	gate := make(chan struct{})
	var once sync.Once
	executor := ExecutorFunc(func(_ context.Context, _ string, task *resolver.Task) (any, error) {
		if task.ID == "B" || task.ID == "C" {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			if n == 2 {
				once.Do(func() { close(gate) })
			}
			// Hold until both B and C are in flight, or give up.
			select {
			case <-gate:
			case <-time.After(2 * time.Second):
			}
			atomic.AddInt32(&inFlight, -1)
		}
		return task.ID, nil
	})
	e := newTestEngine(t, bus, executor, Config{MaxConcurrency: 2})

	p := plan(t, task("A"), task("B", "A"), task("C", "A"), task("D", "B", "C"))
	res, err := e.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Completed != 4 {
		t.Fatalf("Expected 4 completed, got %d (%+v)", res.Completed, res.Tasks)
	}
	if atomic.LoadInt32(&peak) != 2 {
		t.Errorf("B and C should have overlapped, peak concurrency = %d", peak)
	}
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	defer bus.Close()
	log := &eventLog{}
	bus.Subscribe("task:*", log.record)

	var calls int32
	flaky := ExecutorFunc(func(_ context.Context, _ string, _ *resolver.Task) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("transient")
		}
		return "third-time-lucky", nil
	})
	e := newTestEngine(t, bus, flaky, Config{
		RetryAttempts: 3,
		RetryDelay:    10 * time.Millisecond,
	})

	res, err := e.Execute(context.Background(), plan(t, task("A")))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	tr := res.Tasks["A"]
	if tr.Status != TaskCompleted {
		t.Fatalf("Expected completed, got %s (%s)", tr.Status, tr.Error)
	}
	if tr.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", tr.Attempts)
	}
	if tr.Result != "third-time-lucky" {
		t.Errorf("Result should be the third call's output, got %v", tr.Result)
	}
	if got := len(log.ofType(EventTaskRetry)); got != 2 {
		t.Errorf("Expected 2 task:retry events, got %d", got)
	}
	if got := len(log.ofType(EventTaskCompleted)); got != 1 {
		t.Errorf("Expected 1 task:completed, got %d", got)
	}
}

func TestFailureAbortsRun(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	defer bus.Close()

	executor := ExecutorFunc(func(_ context.Context, _ string, task *resolver.Task) (any, error) {
		if task.ID == "B" {
			return nil, errors.New("boom")
		}
		return task.ID, nil
	})
	e := newTestEngine(t, bus, executor, Config{})

	res, err := e.Execute(context.Background(), plan(t, task("A"), task("B", "A"), task("C", "B")))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.Tasks["A"].Status != TaskCompleted {
		t.Errorf("A should complete, got %s", res.Tasks["A"].Status)
	}
	if res.Tasks["B"].Status != TaskFailed {
		t.Errorf("B should fail, got %s", res.Tasks["B"].Status)
	}
	if res.Tasks["C"].Status != TaskSkipped {
		t.Errorf("C should be skipped after the abort, got %s", res.Tasks["C"].Status)
	}
	if res.Failed != 1 || res.Skipped != 1 {
		t.Errorf("Expected 1 failed / 1 skipped, got %d/%d", res.Failed, res.Skipped)
	}
}

func TestContinueOnFailureRunsRemainingLevels(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	defer bus.Close()

	executor := ExecutorFunc(func(_ context.Context, _ string, task *resolver.Task) (any, error) {
		if task.ID == "B" {
			return nil, errors.New("boom")
		}
		return task.ID, nil
	})
	e := newTestEngine(t, bus, executor, Config{ContinueOnFailure: true})

	res, err := e.Execute(context.Background(), plan(t, task("A"), task("B", "A"), task("C", "B")))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Tasks["C"].Status != TaskCompleted {
		t.Errorf("C should still run, got %s", res.Tasks["C"].Status)
	}
	if res.Completed != 2 || res.Failed != 1 {
		t.Errorf("Expected 2 completed / 1 failed, got %d/%d", res.Completed, res.Failed)
	}
}

func TestCancelMarksRemainingTasksCancelled(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	defer bus.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	executor := ExecutorFunc(func(_ context.Context, _ string, task *resolver.Task) (any, error) {
		if task.ID == "A" {
			close(started)
			<-release
		}
		return task.ID, nil
	})
	e := newTestEngine(t, bus, executor, Config{})

	var res *Result
	var execErr error
	done := make(chan struct{})
	go func() {
		res, execErr = e.Execute(context.Background(), plan(t, task("A"), task("B", "A")))
		close(done)
	}()

	<-started
	e.Cancel()
	close(release)
	<-done

	if execErr != nil {
		t.Fatalf("Execute: %v", execErr)
	}
	// A's in-flight attempt was allowed to finish.
	if res.Tasks["A"].Status != TaskCompleted {
		t.Errorf("In-flight task should finish, got %s", res.Tasks["A"].Status)
	}
	if res.Tasks["B"].Status != TaskCancelled {
		t.Errorf("Unstarted task should be cancelled, got %s", res.Tasks["B"].Status)
	}
	if res.Cancelled != 1 {
		t.Errorf("Expected 1 cancelled, got %d", res.Cancelled)
	}
}

func TestCancelSuppressesRetries(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	defer bus.Close()

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := ExecutorFunc(func(_ context.Context, _ string, _ *resolver.Task) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return nil, errors.New("always fails")
	})
	e := newTestEngine(t, bus, blocking, Config{RetryAttempts: 5, RetryDelay: time.Millisecond})

	done := make(chan struct{})
	var res *Result
	go func() {
		res, _ = e.Execute(context.Background(), plan(t, task("A")))
		close(done)
	}()
	<-started
	e.Cancel()
	close(release)
	<-done

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Cancelled task must not retry, executor ran %d times", got)
	}
	if res.Tasks["A"].Status != TaskFailed {
		t.Errorf("Expected failed, got %s", res.Tasks["A"].Status)
	}
}

func TestEngineDrivesAgentLifecycle(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	defer bus.Close()

	stateful := agent.NewStatefulRegistry(agent.StatefulOptions{
		Logger:  zaptest.NewLogger(t),
		Emitter: agent.EmitterFunc(func(string, map[string]any) {}),
	})
	defer stateful.Close(context.Background())
	for i := 0; i < 2; i++ {
		_, err := stateful.RegisterAgent(context.Background(), agent.Config{
			ID:      fmt.Sprintf("a%d", i+1),
			Runtime: agent.RuntimeLocal,
			Capabilities: agent.Capabilities{
				Skills:      []string{"go"},
				Reliability: 0.9,
				AvgSpeed:    5,
			},
		})
		if err != nil {
			t.Fatalf("RegisterAgent: %v", err)
		}
	}

	pick := selector.New(stateful.Directory(), selector.Options{Logger: zaptest.NewLogger(t)})
	e, err := NewEngine(Options{
		Bus: bus,
		Executor: ExecutorFunc(func(_ context.Context, agentID string, _ *resolver.Task) (any, error) {
			if agentID == "" {
				return nil, errors.New("no agent assigned")
			}
			return agentID, nil
		}),
		Picker:   pick,
		Registry: stateful,
		Logger:   zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	withSkills := func(id string, deps ...string) *resolver.TaskWithDependencies {
		tw := task(id, deps...)
		tw.Task.RequiredSkills = []string{"go"}
		return tw
	}
	res, err := e.Execute(context.Background(), plan(t, withSkills("A"), withSkills("B", "A")))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Completed != 2 {
		t.Fatalf("Expected 2 completed, got %+v", res.Tasks)
	}
	for id, tr := range res.Tasks {
		if tr.AgentID == "" {
			t.Errorf("Task %s has no agent recorded", id)
		}
	}

	// Both agents must be idle again after the run.
	if busy := stateful.GetAgentsInState(agent.StateBusy); len(busy) != 0 {
		t.Errorf("Agents still busy after run: %v", busy)
	}
}

func TestCallbacksSeeTerminalResults(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	defer bus.Close()

	e := newTestEngine(t, bus, ExecutorFunc(func(_ context.Context, _ string, task *resolver.Task) (any, error) {
		return task.ID, nil
	}), Config{})

	var mu sync.Mutex
	seen := make(map[string]TaskStatus)
	_, err := e.Execute(context.Background(), plan(t, task("A"), task("B", "A")),
		WithCallback(func(taskID string, tr *TaskResult) {
			mu.Lock()
			seen[taskID] = tr.Status
			mu.Unlock()
		}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen["A"] != TaskCompleted || seen["B"] != TaskCompleted {
		t.Errorf("Callback results = %v", seen)
	}
}

func TestExecutionIDIsStable(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	defer bus.Close()
	log := &eventLog{}
	bus.Subscribe("execution:*", log.record)

	e := newTestEngine(t, bus, ExecutorFunc(func(_ context.Context, _ string, _ *resolver.Task) (any, error) {
		return nil, nil
	}), Config{})

	res, err := e.Execute(context.Background(), plan(t, task("A")), WithExecutionID("exec-42"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExecutionID != "exec-42" {
		t.Errorf("ExecutionID = %s", res.ExecutionID)
	}
	for _, ev := range log.ofType(EventExecutionStarted) {
		if ev.Metadata.CorrelationID != "exec-42" {
			t.Errorf("Event correlation = %s, want exec-42", ev.Metadata.CorrelationID)
		}
	}
}
