package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
	"github.com/davidkimai/godel-sub016/internal/metrics"
	"github.com/davidkimai/godel-sub016/internal/resolver"
	"github.com/davidkimai/godel-sub016/internal/selector"
)

// Event types published while an instance runs.
const (
	EventWorkflowStarted   = "workflow:started"
	EventWorkflowCompleted = "workflow:completed"
	EventWorkflowFailed    = "workflow:failed"
	EventWorkflowPaused    = "workflow:paused"
	EventWorkflowResumed   = "workflow:resumed"
	EventWorkflowCancelled = "workflow:cancelled"
	EventNodeStarted       = "node:started"
	EventNodeCompleted     = "node:completed"
	EventNodeFailed        = "node:failed"
	EventNodeRetrying      = "node:retrying"
	EventNodeSkipped       = "node:skipped"
)

// TaskExecutor runs one task attempt on an agent. Implementations that
// serve the execution engine satisfy this interface unchanged.
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

// AgentPicker selects an agent for a task node.
type AgentPicker interface {
	SelectAgent(criteria selector.Criteria) (*selector.Selection, error)
}

// WorkRegistry marks agents busy for the duration of a node task.
type WorkRegistry interface {
	AssignWork(agentID string, task *resolver.Task) (bool, error)
	CompleteWork(agentID string, result any) error
	FailWork(agentID string, workErr error) error
}

// Engine defaults.
const (
	DefaultMaxConcurrentNodes = 10
	DefaultTaskTimeout        = 5 * time.Minute
	DefaultSubWorkflowTimeout = 10 * time.Minute
	DefaultMaxNestingDepth    = 8
)

// Config tunes the engine.
type Config struct {
	// MaxConcurrentNodes bounds nodes executing at once across all
	// instances (default 10).
	MaxConcurrentNodes int
	// DefaultTaskTimeout bounds task nodes without an explicit timeout
	// (default 5m).
	DefaultTaskTimeout time.Duration
	// SubWorkflowTimeout bounds waiting sub-workflow nodes without an
	// explicit timeout (default 10m).
	SubWorkflowTimeout time.Duration
	// MaxNestingDepth caps sub-workflow depth (default 8).
	MaxNestingDepth int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentNodes <= 0 {
		c.MaxConcurrentNodes = DefaultMaxConcurrentNodes
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = DefaultTaskTimeout
	}
	if c.SubWorkflowTimeout <= 0 {
		c.SubWorkflowTimeout = DefaultSubWorkflowTimeout
	}
	if c.MaxNestingDepth <= 0 {
		c.MaxNestingDepth = DefaultMaxNestingDepth
	}
	return c
}

// Options wires an Engine.
type Options struct {
	Bus      *eventbus.Bus
	Executor TaskExecutor
	Picker   AgentPicker
	Registry WorkRegistry
	Config   Config
	Logger   *zap.Logger
}

// Engine registers workflow definitions and runs instances of them.
type Engine struct {
	bus      *eventbus.Bus
	executor TaskExecutor
	picker   AgentPicker
	registry WorkRegistry
	cfg      Config
	logger   *zap.Logger
	sem      chan struct{}

	mu        sync.RWMutex
	workflows map[string]*Workflow
	instances map[string]*instanceState
	reducers  map[string]Reducer
}

// NewEngine wires a workflow engine. Bus and Executor are required.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Bus == nil {
		return nil, errors.New("workflow: bus is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("workflow: task executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config.withDefaults()
	return &Engine{
		bus:       opts.Bus,
		executor:  opts.Executor,
		picker:    opts.Picker,
		registry:  opts.Registry,
		cfg:       cfg,
		logger:    logger.Named("workflow"),
		sem:       make(chan struct{}, cfg.MaxConcurrentNodes),
		workflows: make(map[string]*Workflow),
		instances: make(map[string]*instanceState),
		reducers:  builtinReducers(),
	}, nil
}

// RegisterReducer installs a named reducer for merge nodes. Re-registering
// a name replaces it.
func (e *Engine) RegisterReducer(name string, fn Reducer) error {
	if name == "" || fn == nil {
		return errors.New("workflow: reducer needs a name and a function")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reducers[name] = fn
	return nil
}

// RegisterWorkflow validates and stores a definition. Re-registering an id
// replaces it; running instances keep the definition they started with.
func (e *Engine) RegisterWorkflow(wf *Workflow) error {
	if wf == nil {
		return errors.New("workflow: nil workflow")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := validate(wf, e.reducers); err != nil {
		return err
	}
	e.workflows[wf.ID] = wf
	e.logger.Info("workflow registered",
		zap.String("workflow_id", wf.ID),
		zap.Int("nodes", len(wf.Nodes)),
		zap.Int("edges", len(wf.Edges)))
	return nil
}

// Workflow returns a registered definition.
func (e *Engine) Workflow(id string) (*Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	return wf, ok
}

// Workflows lists registered definitions sorted by id.
func (e *Engine) Workflows() []*Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// instanceState is the mutable runtime behind one Instance snapshot.
type instanceState struct {
	eng *Engine
	wf  *Workflow

	mu   sync.Mutex
	cond *sync.Cond
	inst *Instance

	nodes    map[string]*Node
	incoming map[string][]Edge
	outgoing map[string][]Edge

	scheduled map[string]bool
	pending   int         // scheduled or running nodes not yet settled
	parked    []parkedRun // runs frozen by Pause
	deferred  []parkedRun // completed nodes whose successors await Resume

	done       chan struct{}
	waitCtx    context.Context
	waitCancel context.CancelFunc
}

type parkedRun struct {
	nodeID string
	parent any
}

// Start launches an instance of a registered workflow and returns its id
// without waiting for completion. The optional trailing argument names the
// parent instance for sub-workflow runs.
func (e *Engine) Start(ctx context.Context, workflowID string, inputs map[string]any, parent ...string) (string, error) {
	e.mu.RLock()
	wf := e.workflows[workflowID]
	e.mu.RUnlock()
	if wf == nil {
		return "", fmt.Errorf("workflow: unknown workflow %q", workflowID)
	}

	parentID := ""
	if len(parent) > 0 {
		parentID = parent[0]
	}
	depth := 0
	rootID := ""
	if parentID != "" {
		pst := e.instance(parentID)
		if pst == nil {
			return "", fmt.Errorf("workflow: unknown parent instance %q", parentID)
		}
		psnap := pst.snapshot()
		depth = psnap.Depth + 1
		rootID = psnap.RootInstanceID
		if depth > e.cfg.MaxNestingDepth {
			return "", fmt.Errorf("workflow: nesting depth %d exceeds limit %d", depth, e.cfg.MaxNestingDepth)
		}
	}

	vars, err := mergeVariables(wf.Variables, inputs)
	if err != nil {
		return "", err
	}

	starts := startNodes(wf)
	if len(starts) == 0 && len(wf.Nodes) > 0 {
		return "", fmt.Errorf("workflow %s has no start nodes", wf.ID)
	}

	id := uuid.NewString()
	if rootID == "" {
		rootID = id
	}
	waitCtx, waitCancel := context.WithCancel(context.Background())
	st := &instanceState{
		eng: e,
		wf:  wf,
		inst: &Instance{
			ID:               id,
			WorkflowID:       wf.ID,
			Status:           StatusRunning,
			Variables:        vars,
			NodeStates:       make(map[string]*NodeState),
			Results:          make(map[string]any),
			ParentInstanceID: parentID,
			RootInstanceID:   rootID,
			Depth:            depth,
			StartedAt:        time.Now().UnixMilli(),
		},
		nodes:      make(map[string]*Node, len(wf.Nodes)),
		incoming:   make(map[string][]Edge),
		outgoing:   make(map[string][]Edge),
		scheduled:  make(map[string]bool),
		done:       make(chan struct{}),
		waitCtx:    waitCtx,
		waitCancel: waitCancel,
	}
	st.cond = sync.NewCond(&st.mu)
	for i := range wf.Nodes {
		st.nodes[wf.Nodes[i].ID] = &wf.Nodes[i]
	}
	for _, edge := range wf.Edges {
		st.outgoing[edge.From] = append(st.outgoing[edge.From], edge)
		st.incoming[edge.To] = append(st.incoming[edge.To], edge)
	}

	e.mu.Lock()
	e.instances[id] = st
	e.mu.Unlock()

	metrics.WorkflowsStarted.Inc()
	metrics.WorkflowInstancesActive.Inc()
	e.logger.Info("workflow instance started",
		zap.String("workflow_id", wf.ID),
		zap.String("instance_id", id),
		zap.Int("depth", depth))
	e.publishWorkflow(st, EventWorkflowStarted, map[string]any{"inputs": inputs})

	st.mu.Lock()
	for _, nodeID := range starts {
		st.maybeScheduleLocked(nodeID, nil)
	}
	st.mu.Unlock()
	st.checkCompletion()
	return id, nil
}

// startNodes picks entry points: nodes with no incoming edges that are not
// triggered as a parallel fan or a condition branch.
func startNodes(wf *Workflow) []string {
	excluded := make(map[string]bool)
	for _, edge := range wf.Edges {
		excluded[edge.To] = true
	}
	for _, n := range wf.Nodes {
		switch cfg := n.Config.(type) {
		case *ParallelConfig:
			for _, branch := range cfg.Branches {
				excluded[branch] = true
			}
		case *ConditionConfig:
			excluded[cfg.TrueBranch] = true
			excluded[cfg.FalseBranch] = true
		}
	}
	var starts []string
	for _, n := range wf.Nodes {
		if !excluded[n.ID] {
			starts = append(starts, n.ID)
		}
	}
	return starts
}

func mergeVariables(defs []VariableDef, inputs map[string]any) (map[string]any, error) {
	vars := make(map[string]any, len(defs)+len(inputs))
	for _, def := range defs {
		if v, ok := inputs[def.Name]; ok {
			vars[def.Name] = v
			continue
		}
		if def.Default != nil {
			vars[def.Name] = def.Default
			continue
		}
		if def.Required {
			return nil, fmt.Errorf("workflow: required variable %q missing", def.Name)
		}
	}
	for k, v := range inputs {
		if _, ok := vars[k]; !ok {
			vars[k] = v
		}
	}
	return vars, nil
}

// Pause freezes scheduling. Running nodes finish; their successors wait
// for Resume.
func (e *Engine) Pause(instanceID string) error {
	st := e.instance(instanceID)
	if st == nil {
		return fmt.Errorf("workflow: unknown instance %q", instanceID)
	}
	st.mu.Lock()
	if st.inst.Status != StatusRunning {
		status := st.inst.Status
		st.mu.Unlock()
		return fmt.Errorf("workflow: instance %s is %s, not running", instanceID, status)
	}
	st.inst.Status = StatusPaused
	st.cond.Broadcast()
	st.mu.Unlock()
	e.publishWorkflow(st, EventWorkflowPaused, nil)
	return nil
}

// Resume unfreezes a paused instance, replaying frozen runs and deferred
// successor scans.
func (e *Engine) Resume(instanceID string) error {
	st := e.instance(instanceID)
	if st == nil {
		return fmt.Errorf("workflow: unknown instance %q", instanceID)
	}
	st.mu.Lock()
	if st.inst.Status != StatusPaused {
		status := st.inst.Status
		st.mu.Unlock()
		return fmt.Errorf("workflow: instance %s is %s, not paused", instanceID, status)
	}
	st.inst.Status = StatusRunning
	parked := st.parked
	st.parked = nil
	deferred := st.deferred
	st.deferred = nil
	for _, p := range parked {
		go st.run(p.nodeID, p.parent)
	}
	for _, d := range deferred {
		if node := st.nodes[d.nodeID]; node != nil {
			st.advanceLocked(node, d.parent)
		}
	}
	st.cond.Broadcast()
	st.mu.Unlock()
	e.publishWorkflow(st, EventWorkflowResumed, nil)
	st.checkCompletion()
	return nil
}

// Cancel terminates an instance. Running nodes finish but their successors
// never schedule; interruptible waits (delays, retry sleeps, sub-workflow
// waits) return early.
func (e *Engine) Cancel(instanceID string) error {
	st := e.instance(instanceID)
	if st == nil {
		return fmt.Errorf("workflow: unknown instance %q", instanceID)
	}
	st.mu.Lock()
	if st.inst.Status.Terminal() {
		status := st.inst.Status
		st.mu.Unlock()
		return fmt.Errorf("workflow: instance %s already %s", instanceID, status)
	}
	st.pending -= len(st.parked)
	st.parked = nil
	st.deferred = nil
	st.finishLocked(StatusCancelled, "")
	st.mu.Unlock()
	st.waitCancel()
	e.publishWorkflow(st, EventWorkflowCancelled, nil)
	return nil
}

// GetInstance returns a snapshot of one instance.
func (e *Engine) GetInstance(instanceID string) (*Instance, bool) {
	st := e.instance(instanceID)
	if st == nil {
		return nil, false
	}
	return st.snapshot(), true
}

// ListInstances returns snapshots of every known instance, oldest first.
func (e *Engine) ListInstances() []*Instance {
	e.mu.RLock()
	states := make([]*instanceState, 0, len(e.instances))
	for _, st := range e.instances {
		states = append(states, st)
	}
	e.mu.RUnlock()
	out := make([]*Instance, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Wait blocks until the instance reaches a terminal status or ctx ends.
func (e *Engine) Wait(ctx context.Context, instanceID string) (*Instance, error) {
	st := e.instance(instanceID)
	if st == nil {
		return nil, fmt.Errorf("workflow: unknown instance %q", instanceID)
	}
	select {
	case <-st.done:
		return st.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) instance(id string) *instanceState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instances[id]
}

func (e *Engine) reducer(name string) Reducer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reducers[name]
}

// maybeScheduleLocked queues a node unless it already ran, the instance is
// winding down, or a merge gate is still waiting on parents.
func (st *instanceState) maybeScheduleLocked(nodeID string, parent any) {
	if st.inst.Status.Terminal() {
		return
	}
	node := st.nodes[nodeID]
	if node == nil || st.scheduled[nodeID] {
		return
	}
	if node.Type == NodeMerge && !st.parentsSettledLocked(nodeID) {
		return
	}
	st.scheduled[nodeID] = true
	st.pending++
	if st.inst.Status == StatusPaused {
		st.parked = append(st.parked, parkedRun{nodeID, parent})
		return
	}
	go st.run(nodeID, parent)
}

func (st *instanceState) parentsSettledLocked(nodeID string) bool {
	for _, edge := range st.incoming[nodeID] {
		ns := st.inst.NodeStates[edge.From]
		if ns == nil || !ns.Status.settled() {
			return false
		}
	}
	return true
}

func (st *instanceState) settledCountLocked(ids []string) int {
	n := 0
	for _, id := range ids {
		if ns := st.inst.NodeStates[id]; ns != nil && ns.Status.settled() {
			n++
		}
	}
	return n
}

// run executes one node under the engine-wide concurrency gate.
func (st *instanceState) run(nodeID string, parent any) {
	e := st.eng
	e.sem <- struct{}{}
	var once sync.Once
	release := func() { once.Do(func() { <-e.sem }) }
	defer release()

	st.mu.Lock()
	switch {
	case st.inst.Status.Terminal():
		st.pending--
		st.cond.Broadcast()
		st.mu.Unlock()
		return
	case st.inst.Status == StatusPaused:
		st.parked = append(st.parked, parkedRun{nodeID, parent})
		st.mu.Unlock()
		return
	}
	node := st.nodes[nodeID]
	st.inst.NodeStates[nodeID] = &NodeState{
		Status:    NodeRunning,
		StartedAt: time.Now().UnixMilli(),
	}
	st.inst.CurrentNodes = append(st.inst.CurrentNodes, nodeID)
	st.mu.Unlock()

	e.publishNode(st, EventNodeStarted, nodeID, map[string]any{"type": string(node.Type)})
	result, attempts, err := e.executeNode(st, node, parent, release)
	st.settle(node, result, attempts, err)
}

func (e *Engine) executeNode(st *instanceState, node *Node, parent any, release func()) (any, int, error) {
	switch cfg := node.Config.(type) {
	case *TaskConfig:
		return e.runTaskNode(st, node.ID, cfg, parent)
	case *ConditionConfig:
		return e.runConditionNode(st, cfg, parent), 1, nil
	case *ParallelConfig:
		out, err := e.runParallelNode(st, cfg, parent, release)
		return out, 1, err
	case *MergeConfig:
		out, err := e.runMergeNode(st, node.ID, cfg)
		return out, 1, err
	case *DelayConfig:
		out, err := e.runDelayNode(st, cfg)
		return out, 1, err
	case *SubWorkflowConfig:
		out, err := e.runSubWorkflowNode(st, cfg, parent, release)
		return out, 1, err
	}
	return nil, 1, fmt.Errorf("node %q has unsupported type %q", node.ID, node.Type)
}

func (e *Engine) runTaskNode(st *instanceState, nodeID string, cfg *TaskConfig, parent any) (any, int, error) {
	params, _ := substituteValue(cfg.Parameters, st.scope(parent)).(map[string]any)
	task := &resolver.Task{
		ID:         st.inst.ID + "/" + nodeID,
		Name:       cfg.TaskType,
		Parameters: params,
	}
	var criteria selector.Criteria
	if cfg.AgentSelector != nil {
		criteria = *cfg.AgentSelector
		task.RequiredSkills = criteria.RequiredSkills
	}

	timeout := e.cfg.DefaultTaskTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	attempts := cfg.Retries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := e.attemptTask(task, criteria, timeout)
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		metrics.TaskRetries.Inc()
		e.publishNode(st, EventNodeRetrying, nodeID, map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		if d := retryDelay(time.Duration(cfg.RetryDelayMs)*time.Millisecond, cfg.RetryBackoff, attempt); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-st.waitCtx.Done():
				timer.Stop()
				return nil, attempt, lastErr
			}
		}
	}
	return nil, attempts, lastErr
}

// attemptTask selects an agent, marks it busy, and runs one executor call.
// The call gets its own timeout-bound context, detached from the instance,
// so cancellation lets in-flight work finish.
func (e *Engine) attemptTask(task *resolver.Task, criteria selector.Criteria, timeout time.Duration) (any, error) {
	agentID := ""
	if e.picker != nil {
		sel, err := e.picker.SelectAgent(criteria)
		if err != nil {
			return nil, fmt.Errorf("agent selection: %w", err)
		}
		agentID = sel.Agent.ID
	}
	if e.registry != nil && agentID != "" {
		ok, err := e.registry.AssignWork(agentID, task)
		if err != nil {
			return nil, fmt.Errorf("assign work: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("agent %s unavailable", agentID)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out, err := e.executor.Execute(ctx, agentID, task)

	if e.registry != nil && agentID != "" {
		if err != nil {
			if ferr := e.registry.FailWork(agentID, err); ferr != nil {
				e.logger.Warn("fail work", zap.String("agent_id", agentID), zap.Error(ferr))
			}
		} else if cerr := e.registry.CompleteWork(agentID, out); cerr != nil {
			e.logger.Warn("complete work", zap.String("agent_id", agentID), zap.Error(cerr))
		}
	}
	return out, err
}

// retryDelay computes the sleep before the attempt after n failures.
func retryDelay(base time.Duration, backoff Backoff, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	switch backoff {
	case BackoffLinear:
		return base * time.Duration(n)
	case BackoffExponential:
		return base << (n - 1)
	default:
		return base
	}
}

func (e *Engine) runConditionNode(st *instanceState, cfg *ConditionConfig, parent any) map[string]any {
	substituted := substituteExpr(cfg.Condition, st.scope(parent))
	v, err := evaluateExpr(substituted)
	value := err == nil && truthy(v)
	branch := cfg.FalseBranch
	if value {
		branch = cfg.TrueBranch
	}
	return map[string]any{
		"branch":             branch,
		"result":             value,
		"evaluatedCondition": substituted,
	}
}

// runParallelNode schedules every branch, then waits for the quota. The
// semaphore slot is released during the wait so branches can run even at
// concurrency 1.
func (e *Engine) runParallelNode(st *instanceState, cfg *ParallelConfig, parent any, release func()) (any, error) {
	need := cfg.WaitFor.count(len(cfg.Branches))

	st.mu.Lock()
	for _, branch := range cfg.Branches {
		st.maybeScheduleLocked(branch, parent)
	}
	st.mu.Unlock()

	release()

	st.mu.Lock()
	defer st.mu.Unlock()
	for st.settledCountLocked(cfg.Branches) < need {
		if st.inst.Status.Terminal() {
			return nil, fmt.Errorf("instance %s before %d branches settled", st.inst.Status, need)
		}
		st.cond.Wait()
	}
	results := make(map[string]any, need)
	for _, branch := range cfg.Branches {
		if ns := st.inst.NodeStates[branch]; ns != nil && ns.Status.settled() {
			results[branch] = ns.Result
		}
	}
	return map[string]any{"waitedFor": need, "results": results}, nil
}

// runMergeNode folds the settled results of the node's incoming-edge
// parents, in edge order.
func (e *Engine) runMergeNode(st *instanceState, nodeID string, cfg *MergeConfig) (any, error) {
	st.mu.Lock()
	results := make([]any, 0, len(st.incoming[nodeID]))
	for _, edge := range st.incoming[nodeID] {
		if ns := st.inst.NodeStates[edge.From]; ns != nil && ns.Status.settled() {
			results = append(results, ns.Result)
		}
	}
	st.mu.Unlock()

	switch cfg.Strategy {
	case MergeCollect, "":
		return results, nil
	case MergeFirst:
		if len(results) == 0 {
			return nil, nil
		}
		return results[0], nil
	case MergeLast:
		if len(results) == 0 {
			return nil, nil
		}
		return results[len(results)-1], nil
	case MergeConcat:
		return reduceConcat(results), nil
	case MergeReduce:
		fn := e.reducer(cfg.ReduceFunction)
		if fn == nil {
			return nil, fmt.Errorf("unknown reducer %q", cfg.ReduceFunction)
		}
		return fn(results), nil
	}
	return nil, fmt.Errorf("unknown merge strategy %q", cfg.Strategy)
}

func (e *Engine) runDelayNode(st *instanceState, cfg *DelayConfig) (any, error) {
	var d time.Duration
	if cfg.Until != "" {
		t, err := time.Parse(time.RFC3339, cfg.Until)
		if err != nil {
			return nil, fmt.Errorf("bad until timestamp: %w", err)
		}
		d = time.Until(t)
	} else {
		d = time.Duration(cfg.DurationMs) * time.Millisecond
	}
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-st.waitCtx.Done():
			return nil, st.waitCtx.Err()
		}
	} else {
		d = 0
	}
	return map[string]any{"delayedMs": d.Milliseconds()}, nil
}

// runSubWorkflowNode starts a child instance. When waiting, the semaphore
// slot is released so the child's nodes can run.
func (e *Engine) runSubWorkflowNode(st *instanceState, cfg *SubWorkflowConfig, parent any, release func()) (any, error) {
	scope := st.scope(parent)
	inputs := make(map[string]any, len(cfg.Inputs))
	for name, path := range cfg.Inputs {
		if v, ok := lookupPath(scope, path); ok {
			inputs[name] = v
		} else {
			inputs[name] = path
		}
	}

	childID, err := e.Start(context.Background(), cfg.WorkflowID, inputs, st.inst.ID)
	if err != nil {
		return nil, fmt.Errorf("start sub-workflow: %w", err)
	}
	if !cfg.WaitForCompletion {
		return map[string]any{"instanceId": childID}, nil
	}

	timeout := e.cfg.SubWorkflowTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	release()

	child := e.instance(childID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-child.done:
	case <-timer.C:
		return map[string]any{"instanceId": childID}, fmt.Errorf("sub-workflow %s timed out after %s", childID, timeout)
	case <-st.waitCtx.Done():
		return nil, st.waitCtx.Err()
	}

	snap := child.snapshot()
	out := map[string]any{
		"instanceId": childID,
		"status":     string(snap.Status),
		"results":    snap.Results,
	}
	if snap.Status != StatusCompleted && cfg.PropagateErrors {
		msg := snap.Error
		if msg == "" {
			msg = string(snap.Status)
		}
		return out, fmt.Errorf("sub-workflow %s %s: %s", childID, snap.Status, msg)
	}
	return out, nil
}

// settle records a node outcome and drives traversal.
func (st *instanceState) settle(node *Node, result any, attempts int, err error) {
	e := st.eng

	st.mu.Lock()
	ns := st.inst.NodeStates[node.ID]
	ns.Attempts = attempts
	ns.CompletedAt = time.Now().UnixMilli()
	st.inst.CurrentNodes = removeString(st.inst.CurrentNodes, node.ID)
	st.pending--

	if err == nil {
		ns.Status = NodeCompleted
		ns.Result = result
		st.inst.Results[node.ID] = result
		st.inst.CompletedNodes = append(st.inst.CompletedNodes, node.ID)
		st.cond.Broadcast()
		st.mu.Unlock()

		metrics.WorkflowNodes.WithLabelValues(string(node.Type), string(NodeCompleted)).Inc()
		e.publishNode(st, EventNodeCompleted, node.ID, map[string]any{"result": result})
		st.advance(node, result)
		st.checkCompletion()
		return
	}

	if st.inst.Status.Terminal() {
		// Cancelled or failed elsewhere while this node ran; record the
		// outcome without cascading.
		ns.Status = NodeSkipped
		ns.Error = err.Error()
		st.cond.Broadcast()
		st.mu.Unlock()
		metrics.WorkflowNodes.WithLabelValues(string(node.Type), string(NodeSkipped)).Inc()
		return
	}

	if st.wf.OnFailure == FailureContinue {
		ns.Status = NodeSkipped
		ns.Error = err.Error()
		skipResult := map[string]any{"error": err.Error()}
		ns.Result = skipResult
		st.inst.Results[node.ID] = skipResult
		st.cond.Broadcast()
		st.mu.Unlock()

		metrics.WorkflowNodes.WithLabelValues(string(node.Type), string(NodeSkipped)).Inc()
		e.publishNode(st, EventNodeFailed, node.ID, map[string]any{"error": err.Error(), "attempts": attempts})
		e.publishNode(st, EventNodeSkipped, node.ID, map[string]any{"error": err.Error()})
		st.advance(node, skipResult)
		st.checkCompletion()
		return
	}

	ns.Status = NodeFailed
	ns.Error = err.Error()
	st.inst.FailedNodes = append(st.inst.FailedNodes, node.ID)
	msg := fmt.Sprintf("node %s: %s", node.ID, err.Error())
	st.finishLocked(StatusFailed, msg)
	st.mu.Unlock()

	metrics.WorkflowNodes.WithLabelValues(string(node.Type), string(NodeFailed)).Inc()
	e.publishNode(st, EventNodeFailed, node.ID, map[string]any{"error": err.Error(), "attempts": attempts})
	e.publishWorkflow(st, EventWorkflowFailed, map[string]any{"error": msg})
}

// advance schedules successors after a node settles with a usable result.
func (st *instanceState) advance(node *Node, result any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.inst.Status {
	case StatusPaused:
		st.deferred = append(st.deferred, parkedRun{node.ID, result})
	case StatusRunning:
		st.advanceLocked(node, result)
	}
}

func (st *instanceState) advanceLocked(node *Node, result any) {
	if node.Type == NodeCondition {
		// Only the chosen branch runs; other outgoing edges are ignored.
		m, _ := result.(map[string]any)
		if branch, _ := m["branch"].(string); branch != "" {
			st.maybeScheduleLocked(branch, result)
		}
		return
	}
	var scope map[string]any
	for _, edge := range st.outgoing[node.ID] {
		if edge.Condition != "" {
			if scope == nil {
				scope = st.scopeLocked(result)
			}
			if !evaluateCondition(edge.Condition, scope) {
				continue
			}
		}
		st.maybeScheduleLocked(edge.To, result)
	}
}

// checkCompletion finishes the instance once nothing is running or queued.
// Every reached node has settled at that point by construction.
func (st *instanceState) checkCompletion() {
	st.mu.Lock()
	if st.inst.Status != StatusRunning || st.pending > 0 {
		st.mu.Unlock()
		return
	}
	st.finishLocked(StatusCompleted, "")
	results := make(map[string]any, len(st.inst.Results))
	for k, v := range st.inst.Results {
		results[k] = v
	}
	st.mu.Unlock()
	st.eng.publishWorkflow(st, EventWorkflowCompleted, map[string]any{"results": results})
}

// finishLocked moves the instance to a terminal status exactly once.
func (st *instanceState) finishLocked(status Status, errMsg string) {
	if st.inst.Status.Terminal() {
		return
	}
	st.inst.Status = status
	st.inst.Error = errMsg
	st.inst.CompletedAt = time.Now().UnixMilli()
	st.cond.Broadcast()
	close(st.done)
	metrics.WorkflowInstancesActive.Dec()
	metrics.WorkflowsCompleted.WithLabelValues(string(status)).Inc()
	st.eng.logger.Info("workflow instance finished",
		zap.String("workflow_id", st.inst.WorkflowID),
		zap.String("instance_id", st.inst.ID),
		zap.String("status", string(status)))
}

func (st *instanceState) scope(result any) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.scopeLocked(result)
}

func (st *instanceState) scopeLocked(result any) map[string]any {
	scope := make(map[string]any, len(st.inst.Variables)+1)
	for k, v := range st.inst.Variables {
		scope[k] = v
	}
	scope["result"] = result
	return scope
}

func (st *instanceState) snapshot() *Instance {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inst.clone()
}

func (in *Instance) clone() *Instance {
	out := *in
	out.Variables = cloneAnyMap(in.Variables)
	out.NodeStates = make(map[string]*NodeState, len(in.NodeStates))
	for k, v := range in.NodeStates {
		ns := *v
		out.NodeStates[k] = &ns
	}
	out.CurrentNodes = append([]string(nil), in.CurrentNodes...)
	out.CompletedNodes = append([]string(nil), in.CompletedNodes...)
	out.FailedNodes = append([]string(nil), in.FailedNodes...)
	out.Results = cloneAnyMap(in.Results)
	return &out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (e *Engine) publishWorkflow(st *instanceState, eventType string, data map[string]any) {
	payload := map[string]any{
		"instanceId": st.inst.ID,
		"workflowId": st.inst.WorkflowID,
	}
	for k, v := range data {
		payload[k] = v
	}
	if _, err := e.bus.Publish(context.Background(), eventType, payload,
		eventbus.WithSource("workflow"),
		eventbus.WithCorrelationID(st.inst.ID),
	); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

func (e *Engine) publishNode(st *instanceState, eventType, nodeID string, data map[string]any) {
	payload := map[string]any{"nodeId": nodeID}
	for k, v := range data {
		payload[k] = v
	}
	e.publishWorkflow(st, eventType, payload)
}
