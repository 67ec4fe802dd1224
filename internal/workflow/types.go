// Package workflow interprets DAG-shaped workflow definitions whose nodes
// mix tasks, conditions, parallel fans, merges, delays, and sub-workflows.
// Definitions decode from JSON or YAML through a shared tagged-union codec;
// the engine in this package schedules instances over the event bus.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidkimai/godel-sub016/internal/selector"
)

// NodeType discriminates the node config union.
type NodeType string

const (
	NodeTask        NodeType = "task"
	NodeCondition   NodeType = "condition"
	NodeParallel    NodeType = "parallel"
	NodeMerge       NodeType = "merge"
	NodeDelay       NodeType = "delay"
	NodeSubWorkflow NodeType = "sub-workflow"
)

// NodeConfig is implemented by the six config kinds.
type NodeConfig interface{ nodeConfig() }

// Backoff names a retry delay progression for task nodes.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// TaskConfig executes one unit of agent work. Parameters undergo ${...}
// substitution before execution. Retries counts attempts AFTER the first.
type TaskConfig struct {
	TaskType      string             `json:"taskType" yaml:"taskType"`
	Parameters    map[string]any     `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	AgentSelector *selector.Criteria `json:"agentSelector,omitempty" yaml:"agentSelector,omitempty"`
	TimeoutMs     int64              `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	Retries       int                `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryDelayMs  int64              `json:"retryDelayMs,omitempty" yaml:"retryDelayMs,omitempty"`
	RetryBackoff  Backoff            `json:"retryBackoff,omitempty" yaml:"retryBackoff,omitempty"`
}

func (*TaskConfig) nodeConfig() {}

// ConditionConfig evaluates an expression and follows exactly one branch.
type ConditionConfig struct {
	Condition   string `json:"condition" yaml:"condition"`
	TrueBranch  string `json:"trueBranch" yaml:"trueBranch"`
	FalseBranch string `json:"falseBranch" yaml:"falseBranch"`
}

func (*ConditionConfig) nodeConfig() {}

// WaitFor is "all", "any", or a number of branches to wait for.
type WaitFor struct {
	All bool
	Any bool
	N   int
}

// count resolves the wait quota against the branch count.
func (w WaitFor) count(branches int) int {
	switch {
	case w.Any:
		return 1
	case w.N > 0:
		if w.N > branches {
			return branches
		}
		return w.N
	default: // all, including the zero value
		return branches
	}
}

func (w *WaitFor) set(v any) error {
	switch x := v.(type) {
	case nil:
		w.All = true
	case string:
		switch x {
		case "all", "":
			w.All = true
		case "any":
			w.Any = true
		default:
			return fmt.Errorf("waitFor must be \"all\", \"any\", or a number, got %q", x)
		}
	case int:
		w.N = x
	case int64:
		w.N = int(x)
	case float64:
		w.N = int(x)
	default:
		return fmt.Errorf("waitFor must be \"all\", \"any\", or a number, got %T", v)
	}
	if w.N < 0 {
		return fmt.Errorf("waitFor count must be positive, got %d", w.N)
	}
	return nil
}

func (w *WaitFor) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return w.set(v)
}

func (w WaitFor) MarshalJSON() ([]byte, error) {
	switch {
	case w.Any:
		return json.Marshal("any")
	case w.N > 0:
		return json.Marshal(w.N)
	default:
		return json.Marshal("all")
	}
}

func (w *WaitFor) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return err
	}
	return w.set(v)
}

func (w WaitFor) MarshalYAML() (any, error) {
	switch {
	case w.Any:
		return "any", nil
	case w.N > 0:
		return w.N, nil
	default:
		return "all", nil
	}
}

// ParallelConfig fans out into branch nodes and waits for a quota of them.
// Branch nodes are never start nodes; the parallel node is their trigger.
type ParallelConfig struct {
	Branches []string `json:"branches" yaml:"branches"`
	WaitFor  WaitFor  `json:"waitFor,omitempty" yaml:"waitFor,omitempty"`
}

func (*ParallelConfig) nodeConfig() {}

// MergeStrategy folds parent results into one value.
type MergeStrategy string

const (
	MergeCollect MergeStrategy = "collect"
	MergeFirst   MergeStrategy = "first"
	MergeLast    MergeStrategy = "last"
	MergeConcat  MergeStrategy = "concat"
	MergeReduce  MergeStrategy = "reduce"
)

// MergeConfig collects the results of the node's graph-parents.
type MergeConfig struct {
	Strategy       MergeStrategy `json:"strategy" yaml:"strategy"`
	ReduceFunction string        `json:"reduceFunction,omitempty" yaml:"reduceFunction,omitempty"`
}

func (*MergeConfig) nodeConfig() {}

// DelayConfig sleeps for a duration or until an absolute RFC3339 instant.
type DelayConfig struct {
	DurationMs int64  `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`
	Until      string `json:"until,omitempty" yaml:"until,omitempty"`
}

func (*DelayConfig) nodeConfig() {}

// SubWorkflowConfig starts another workflow as a child instance. Inputs map
// child variable names to ${...}-style paths in the parent's scope; values
// that resolve to nothing pass through as literals.
type SubWorkflowConfig struct {
	WorkflowID        string            `json:"workflowId" yaml:"workflowId"`
	Inputs            map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	WaitForCompletion bool              `json:"waitForCompletion,omitempty" yaml:"waitForCompletion,omitempty"`
	TimeoutMs         int64             `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	PropagateErrors   bool              `json:"propagateErrors,omitempty" yaml:"propagateErrors,omitempty"`
}

func (*SubWorkflowConfig) nodeConfig() {}

// Node is one vertex of a workflow.
type Node struct {
	ID     string
	Type   NodeType
	Config NodeConfig
}

func newConfig(t NodeType) (NodeConfig, error) {
	switch t {
	case NodeTask:
		return &TaskConfig{}, nil
	case NodeCondition:
		return &ConditionConfig{}, nil
	case NodeParallel:
		return &ParallelConfig{}, nil
	case NodeMerge:
		return &MergeConfig{}, nil
	case NodeDelay:
		return &DelayConfig{}, nil
	case NodeSubWorkflow:
		return &SubWorkflowConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     string          `json:"id"`
		Type   NodeType        `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := newConfig(raw.Type)
	if err != nil {
		return fmt.Errorf("node %q: %w", raw.ID, err)
	}
	if len(raw.Config) > 0 {
		if err := json.Unmarshal(raw.Config, cfg); err != nil {
			return fmt.Errorf("node %q config: %w", raw.ID, err)
		}
	}
	n.ID, n.Type, n.Config = raw.ID, raw.Type, cfg
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID     string     `json:"id"`
		Type   NodeType   `json:"type"`
		Config NodeConfig `json:"config,omitempty"`
	}{n.ID, n.Type, n.Config})
}

func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID     string    `yaml:"id"`
		Type   NodeType  `yaml:"type"`
		Config yaml.Node `yaml:"config"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	cfg, err := newConfig(raw.Type)
	if err != nil {
		return fmt.Errorf("node %q: %w", raw.ID, err)
	}
	if raw.Config.Kind != 0 {
		if err := raw.Config.Decode(cfg); err != nil {
			return fmt.Errorf("node %q config: %w", raw.ID, err)
		}
	}
	n.ID, n.Type, n.Config = raw.ID, raw.Type, cfg
	return nil
}

func (n Node) MarshalYAML() (any, error) {
	return struct {
		ID     string     `yaml:"id"`
		Type   NodeType   `yaml:"type"`
		Config NodeConfig `yaml:"config,omitempty"`
	}{n.ID, n.Type, n.Config}, nil
}

// Edge connects two nodes; an optional condition expression gates it.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// VariableDef declares one workflow variable.
type VariableDef struct {
	Name     string `json:"name" yaml:"name"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// FailurePolicy says what a node failure does to the instance.
type FailurePolicy string

const (
	FailureStop     FailurePolicy = "stop"
	FailureContinue FailurePolicy = "continue"
)

// Workflow is a registered definition.
type Workflow struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes     []Node        `json:"nodes" yaml:"nodes"`
	Edges     []Edge        `json:"edges,omitempty" yaml:"edges,omitempty"`
	Variables []VariableDef `json:"variables,omitempty" yaml:"variables,omitempty"`
	OnFailure FailurePolicy `json:"onFailure,omitempty" yaml:"onFailure,omitempty"`
}

// Parse decodes a workflow definition. YAML and JSON both parse; nodes
// decode through the tagged-union codec.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return &wf, nil
}

// LoadFile reads and parses one definition file. Registration stays with
// Engine.RegisterWorkflow so reducer references validate against the
// engine that will run the workflow.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	return Parse(data)
}

// Status is an instance's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further scheduling can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NodeStatus is one node's state within an instance.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

func (s NodeStatus) settled() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// NodeState is the per-node record inside an instance.
type NodeState struct {
	Status      NodeStatus `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	StartedAt   int64      `json:"startedAt,omitempty"`
	CompletedAt int64      `json:"completedAt,omitempty"`
}

// Instance is a snapshot of one workflow run.
type Instance struct {
	ID               string                `json:"id"`
	WorkflowID       string                `json:"workflowId"`
	Status           Status                `json:"status"`
	Variables        map[string]any        `json:"variables,omitempty"`
	NodeStates       map[string]*NodeState `json:"nodeStates"`
	CurrentNodes     []string              `json:"currentNodes,omitempty"`
	CompletedNodes   []string              `json:"completedNodes,omitempty"`
	FailedNodes      []string              `json:"failedNodes,omitempty"`
	Results          map[string]any        `json:"results,omitempty"`
	ParentInstanceID string                `json:"parentInstanceId,omitempty"`
	RootInstanceID   string                `json:"rootInstanceId,omitempty"`
	Depth            int                   `json:"depth"`
	Error            string                `json:"error,omitempty"`
	StartedAt        int64                 `json:"startedAt"`
	CompletedAt      int64                 `json:"completedAt,omitempty"`
}
