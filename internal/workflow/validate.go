package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/davidkimai/godel-sub016/internal/dag"
)

// validate checks a definition before registration: ids are unique and
// non-empty, every reference lands on an existing node, reduce names
// resolve, configs match their declared kind, and the graph (explicit
// edges plus condition branches plus parallel fans) is acyclic.
func validate(wf *Workflow, reducers map[string]Reducer) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow: id is required")
	}
	if wf.OnFailure != "" && wf.OnFailure != FailureStop && wf.OnFailure != FailureContinue {
		return fmt.Errorf("workflow %s: onFailure must be %q or %q, got %q",
			wf.ID, FailureStop, FailureContinue, wf.OnFailure)
	}

	ids := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow %s: node with empty id", wf.ID)
		}
		if ids[n.ID] {
			return fmt.Errorf("workflow %s: duplicate node id %q", wf.ID, n.ID)
		}
		ids[n.ID] = true
	}

	for _, n := range wf.Nodes {
		if err := validateNode(wf, &n, ids, reducers); err != nil {
			return err
		}
	}

	for i, edge := range wf.Edges {
		if !ids[edge.From] {
			return fmt.Errorf("workflow %s: edge %d references unknown node %q", wf.ID, i, edge.From)
		}
		if !ids[edge.To] {
			return fmt.Errorf("workflow %s: edge %d references unknown node %q", wf.ID, i, edge.To)
		}
	}

	for _, v := range wf.Variables {
		if v.Name == "" {
			return fmt.Errorf("workflow %s: variable with empty name", wf.ID)
		}
	}

	return validateAcyclic(wf)
}

func validateNode(wf *Workflow, n *Node, ids map[string]bool, reducers map[string]Reducer) error {
	switch cfg := n.Config.(type) {
	case *TaskConfig:
		if n.Type != NodeTask {
			return configMismatch(wf, n)
		}
		if cfg.TaskType == "" {
			return fmt.Errorf("workflow %s: task node %q needs a taskType", wf.ID, n.ID)
		}
		if cfg.Retries < 0 || cfg.RetryDelayMs < 0 || cfg.TimeoutMs < 0 {
			return fmt.Errorf("workflow %s: task node %q has negative retry or timeout settings", wf.ID, n.ID)
		}
		switch cfg.RetryBackoff {
		case "", BackoffFixed, BackoffLinear, BackoffExponential:
		default:
			return fmt.Errorf("workflow %s: task node %q has unknown retryBackoff %q", wf.ID, n.ID, cfg.RetryBackoff)
		}
	case *ConditionConfig:
		if n.Type != NodeCondition {
			return configMismatch(wf, n)
		}
		if cfg.Condition == "" {
			return fmt.Errorf("workflow %s: condition node %q needs a condition expression", wf.ID, n.ID)
		}
		for _, branch := range []string{cfg.TrueBranch, cfg.FalseBranch} {
			if branch == "" {
				return fmt.Errorf("workflow %s: condition node %q needs both branches", wf.ID, n.ID)
			}
			if !ids[branch] {
				return fmt.Errorf("workflow %s: condition node %q references unknown branch %q", wf.ID, n.ID, branch)
			}
		}
	case *ParallelConfig:
		if n.Type != NodeParallel {
			return configMismatch(wf, n)
		}
		if len(cfg.Branches) == 0 {
			return fmt.Errorf("workflow %s: parallel node %q has no branches", wf.ID, n.ID)
		}
		seen := make(map[string]bool, len(cfg.Branches))
		for _, branch := range cfg.Branches {
			if !ids[branch] {
				return fmt.Errorf("workflow %s: parallel node %q references unknown branch %q", wf.ID, n.ID, branch)
			}
			if branch == n.ID {
				return fmt.Errorf("workflow %s: parallel node %q lists itself as a branch", wf.ID, n.ID)
			}
			if seen[branch] {
				return fmt.Errorf("workflow %s: parallel node %q lists branch %q twice", wf.ID, n.ID, branch)
			}
			seen[branch] = true
		}
	case *MergeConfig:
		if n.Type != NodeMerge {
			return configMismatch(wf, n)
		}
		switch cfg.Strategy {
		case "", MergeCollect, MergeFirst, MergeLast, MergeConcat:
		case MergeReduce:
			if cfg.ReduceFunction == "" {
				return fmt.Errorf("workflow %s: merge node %q needs a reduceFunction", wf.ID, n.ID)
			}
			if _, ok := reducers[cfg.ReduceFunction]; !ok {
				return fmt.Errorf("workflow %s: merge node %q references unknown reducer %q", wf.ID, n.ID, cfg.ReduceFunction)
			}
		default:
			return fmt.Errorf("workflow %s: merge node %q has unknown strategy %q", wf.ID, n.ID, cfg.Strategy)
		}
	case *DelayConfig:
		if n.Type != NodeDelay {
			return configMismatch(wf, n)
		}
		if cfg.DurationMs < 0 {
			return fmt.Errorf("workflow %s: delay node %q has negative duration", wf.ID, n.ID)
		}
		if cfg.Until != "" {
			if _, err := time.Parse(time.RFC3339, cfg.Until); err != nil {
				return fmt.Errorf("workflow %s: delay node %q has invalid until timestamp: %w", wf.ID, n.ID, err)
			}
		}
	case *SubWorkflowConfig:
		if n.Type != NodeSubWorkflow {
			return configMismatch(wf, n)
		}
		if cfg.WorkflowID == "" {
			return fmt.Errorf("workflow %s: sub-workflow node %q needs a workflowId", wf.ID, n.ID)
		}
	case nil:
		return fmt.Errorf("workflow %s: node %q has no config", wf.ID, n.ID)
	default:
		return configMismatch(wf, n)
	}
	return nil
}

func configMismatch(wf *Workflow, n *Node) error {
	return fmt.Errorf("workflow %s: node %q config does not match type %q", wf.ID, n.ID, n.Type)
}

// validateAcyclic builds the traversal graph. Condition branches and
// parallel fans count as edges even when no explicit edge mirrors them.
func validateAcyclic(wf *Workflow) error {
	g := dag.New[NodeType]()
	for _, n := range wf.Nodes {
		if err := g.AddNode(n.ID, n.Type); err != nil {
			return fmt.Errorf("workflow %s: %w", wf.ID, err)
		}
	}
	addEdge := func(from, to string) {
		// References were checked above, duplicates are ignored.
		_ = g.AddEdge(from, to)
	}
	for _, edge := range wf.Edges {
		addEdge(edge.From, edge.To)
	}
	for _, n := range wf.Nodes {
		switch cfg := n.Config.(type) {
		case *ConditionConfig:
			addEdge(n.ID, cfg.TrueBranch)
			addEdge(n.ID, cfg.FalseBranch)
		case *ParallelConfig:
			for _, branch := range cfg.Branches {
				addEdge(n.ID, branch)
			}
		}
	}
	if cycle := g.DetectCycle(); cycle != nil {
		return fmt.Errorf("workflow %s: cycle %s", wf.ID, strings.Join(cycle, " -> "))
	}
	return nil
}
