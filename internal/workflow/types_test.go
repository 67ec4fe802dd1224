package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullDefinitionYAML = `
id: review-pipeline
name: Review pipeline
onFailure: continue
variables:
  - name: repo
    required: true
  - name: threshold
    default: 0.5
nodes:
  - id: fetch
    type: task
    config:
      taskType: fetch-diff
      parameters:
        repo: ${repo}
      timeoutMs: 1000
      retries: 2
      retryDelayMs: 10
      retryBackoff: exponential
      agentSelector:
        requiredSkills: [go]
        strategy: skill-match
  - id: gate
    type: condition
    config:
      condition: ${result.score} >= ${threshold}
      trueBranch: fan
      falseBranch: hold
  - id: fan
    type: parallel
    config:
      branches: [lint, vet]
      waitFor: all
  - id: lint
    type: task
    config:
      taskType: lint
  - id: vet
    type: task
    config:
      taskType: vet
  - id: collect
    type: merge
    config:
      strategy: reduce
      reduceFunction: concat
  - id: hold
    type: delay
    config:
      durationMs: 50
  - id: child
    type: sub-workflow
    config:
      workflowId: publish
      inputs:
        target: repo
      waitForCompletion: true
      propagateErrors: true
edges:
  - from: fetch
    to: gate
  - from: lint
    to: collect
  - from: vet
    to: collect
  - from: collect
    to: child
`

func TestParseYAMLDefinition(t *testing.T) {
	wf, err := Parse([]byte(fullDefinitionYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if wf.ID != "review-pipeline" || wf.OnFailure != FailureContinue {
		t.Errorf("Header decoded wrong: id=%q onFailure=%q", wf.ID, wf.OnFailure)
	}
	if len(wf.Nodes) != 8 || len(wf.Edges) != 4 {
		t.Fatalf("Expected 8 nodes / 4 edges, got %d/%d", len(wf.Nodes), len(wf.Edges))
	}

	task, ok := wf.Nodes[0].Config.(*TaskConfig)
	if !ok {
		t.Fatalf("Node fetch config = %T", wf.Nodes[0].Config)
	}
	if task.TaskType != "fetch-diff" || task.Retries != 2 || task.RetryBackoff != BackoffExponential {
		t.Errorf("Task config decoded wrong: %+v", task)
	}
	if task.Parameters["repo"] != "${repo}" {
		t.Errorf("Parameters should decode raw, got %v", task.Parameters)
	}
	if task.AgentSelector == nil || task.AgentSelector.Strategy != "skill-match" {
		t.Errorf("AgentSelector decoded wrong: %+v", task.AgentSelector)
	}

	cond, ok := wf.Nodes[1].Config.(*ConditionConfig)
	if !ok || cond.TrueBranch != "fan" || cond.FalseBranch != "hold" {
		t.Errorf("Condition config decoded wrong: %+v", wf.Nodes[1].Config)
	}

	par, ok := wf.Nodes[2].Config.(*ParallelConfig)
	if !ok || len(par.Branches) != 2 || par.WaitFor.count(2) != 2 {
		t.Errorf("Parallel config decoded wrong: %+v", wf.Nodes[2].Config)
	}

	merge, ok := wf.Nodes[5].Config.(*MergeConfig)
	if !ok || merge.Strategy != MergeReduce || merge.ReduceFunction != "concat" {
		t.Errorf("Merge config decoded wrong: %+v", wf.Nodes[5].Config)
	}

	delay, ok := wf.Nodes[6].Config.(*DelayConfig)
	if !ok || delay.DurationMs != 50 {
		t.Errorf("Delay config decoded wrong: %+v", wf.Nodes[6].Config)
	}

	sub, ok := wf.Nodes[7].Config.(*SubWorkflowConfig)
	if !ok || sub.WorkflowID != "publish" || !sub.WaitForCompletion || !sub.PropagateErrors {
		t.Errorf("Sub-workflow config decoded wrong: %+v", wf.Nodes[7].Config)
	}
	if sub.Inputs["target"] != "repo" {
		t.Errorf("Sub-workflow inputs decoded wrong: %v", sub.Inputs)
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	in := `{
		"id": "w1",
		"nodes": [
			{"id": "a", "type": "task", "config": {"taskType": "echo"}},
			{"id": "p", "type": "parallel", "config": {"branches": ["a"], "waitFor": 2}}
		],
		"edges": [{"from": "a", "to": "p", "condition": "${result} == 1"}]
	}`
	var wf Workflow
	if err := json.Unmarshal([]byte(in), &wf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := wf.Nodes[0].Config.(*TaskConfig); !ok {
		t.Fatalf("JSON task config = %T", wf.Nodes[0].Config)
	}
	par := wf.Nodes[1].Config.(*ParallelConfig)
	if par.WaitFor.N != 2 {
		t.Errorf("Numeric waitFor decoded wrong: %+v", par.WaitFor)
	}

	out, err := json.Marshal(wf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Workflow
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Re-unmarshal: %v", err)
	}
	if back.Nodes[1].Config.(*ParallelConfig).WaitFor.N != 2 {
		t.Errorf("waitFor lost in round trip: %s", out)
	}
	if back.Edges[0].Condition != "${result} == 1" {
		t.Errorf("Edge condition lost: %+v", back.Edges[0])
	}
}

func TestParseRejectsUnknownNodeType(t *testing.T) {
	_, err := Parse([]byte("id: w\nnodes:\n  - id: a\n    type: mystery\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown node type") {
		t.Errorf("Expected unknown node type error, got %v", err)
	}
}

func TestWaitForVariants(t *testing.T) {
	cases := []struct {
		raw      string
		branches int
		want     int
	}{
		{`"all"`, 4, 4},
		{`"any"`, 4, 1},
		{`2`, 4, 2},
		{`9`, 4, 4}, // clamped to the branch count
	}
	for _, tc := range cases {
		var w WaitFor
		if err := json.Unmarshal([]byte(tc.raw), &w); err != nil {
			t.Fatalf("Unmarshal %s: %v", tc.raw, err)
		}
		if got := w.count(tc.branches); got != tc.want {
			t.Errorf("waitFor %s with %d branches = %d, want %d", tc.raw, tc.branches, got, tc.want)
		}
	}

	var w WaitFor
	if err := json.Unmarshal([]byte(`"sometimes"`), &w); err == nil {
		t.Errorf("Expected error for unknown waitFor keyword")
	}
	var zero WaitFor
	if zero.count(3) != 3 {
		t.Errorf("Zero-value waitFor should mean all")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	if err := os.WriteFile(path, []byte(fullDefinitionYAML), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	wf, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if wf.ID != "review-pipeline" {
		t.Errorf("Loaded id = %q", wf.ID)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Errorf("Expected error for missing file")
	}
}
