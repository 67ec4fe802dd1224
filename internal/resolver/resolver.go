// Package resolver turns task lists with declared dependencies into layered
// execution plans. It owns the task model shared by the execution engine,
// the selector, and the HTTP surface.
package resolver

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/dag"
)

// Priority orders tasks when agents are scarce.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Task describes a unit of agent work. Parameters travel untouched to the
// executor; the resolver never reads them.
type Task struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	RequiredSkills  []string       `json:"requiredSkills,omitempty"`
	Priority        Priority       `json:"priority,omitempty"`
	Weight          float64        `json:"weight,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Checkpointable  bool           `json:"checkpointable,omitempty"`
	CanSaveProgress bool           `json:"canSaveProgress,omitempty"`
	Progress        float64        `json:"progress,omitempty"`
}

// TaskWithDependencies binds a task to the ids it must wait for.
type TaskWithDependencies struct {
	ID           string   `json:"id"`
	Task         *Task    `json:"task"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Level is one parallel wave of an execution plan.
type Level struct {
	Level    int                     `json:"level"`
	Tasks    []*TaskWithDependencies `json:"tasks"`
	Parallel bool                    `json:"parallel"`
}

// ExecutionPlan lays tasks out so that every dependency of a level-k task
// sits in a level below k.
type ExecutionPlan struct {
	Levels               []Level  `json:"levels"`
	TotalTasks           int      `json:"totalTasks"`
	EstimatedParallelism int      `json:"estimatedParallelism"`
	CriticalPath         []string `json:"criticalPath"`
}

// Options tunes a Resolve call.
type Options struct {
	// MaxLevels fails resolution when the plan is deeper. Zero means
	// unlimited.
	MaxLevels int
}

// Resolution is the outcome of Resolve. When Valid is false, Errors holds
// every problem found and Plan is nil.
type Resolution struct {
	Valid  bool           `json:"valid"`
	Errors []string       `json:"errors,omitempty"`
	Plan   *ExecutionPlan `json:"plan,omitempty"`
}

// Resolver builds dependency graphs from task lists. A Resolver is reusable;
// each BuildGraph or Resolve call starts from an empty graph.
type Resolver struct {
	mu     sync.Mutex
	graph  *dag.Graph[*TaskWithDependencies]
	logger *zap.Logger
}

// New creates a resolver. A nil logger falls back to a no-op logger.
func New(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		graph:  dag.New[*TaskWithDependencies](),
		logger: logger,
	}
}

// BuildGraph clears the resolver and rebuilds its graph from tasks. It
// returns the first structural problem found; Resolve reports all of them.
func (r *Resolver) BuildGraph(tasks []*TaskWithDependencies) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	problems := r.rebuild(tasks)
	if len(problems) > 0 {
		return fmt.Errorf("%s", problems[0])
	}
	return nil
}

// rebuild replaces the graph and returns every structural problem. Edges
// naming unknown tasks are skipped so cycle detection still runs on the rest.
func (r *Resolver) rebuild(tasks []*TaskWithDependencies) []string {
	r.graph = dag.New[*TaskWithDependencies]()
	var problems []string

	for _, task := range tasks {
		if err := r.graph.AddNode(task.ID, task); err != nil {
			problems = append(problems, fmt.Sprintf("duplicate task id %q", task.ID))
		}
	}
	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			if !r.graph.HasNode(dep) {
				problems = append(problems, fmt.Sprintf("task %q depends on unknown task %q", task.ID, dep))
				continue
			}
			if err := r.graph.AddEdge(dep, task.ID); err != nil {
				problems = append(problems, err.Error())
			}
		}
	}
	return problems
}

// Resolve rebuilds the graph and computes an execution plan. All detected
// problems (unknown dependencies, cycles, depth overflow) are returned
// together so callers can report them in one pass.
func (r *Resolver) Resolve(tasks []*TaskWithDependencies, opts Options) Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	problems := r.rebuild(tasks)
	if cycle := r.graph.DetectCycle(); cycle != nil {
		problems = append(problems, fmt.Sprintf("circular dependency detected involving tasks: %s", joinPath(cycle)))
	}
	if len(problems) > 0 {
		return Resolution{Valid: false, Errors: problems}
	}

	levelIDs, err := r.graph.ExecutionLevels()
	if err != nil {
		return Resolution{Valid: false, Errors: []string{err.Error()}}
	}
	if opts.MaxLevels > 0 && len(levelIDs) > opts.MaxLevels {
		return Resolution{Valid: false, Errors: []string{
			fmt.Sprintf("plan depth %d exceeds maximum of %d levels", len(levelIDs), opts.MaxLevels),
		}}
	}

	plan := &ExecutionPlan{
		TotalTasks:   len(tasks),
		CriticalPath: r.graph.CriticalPath(),
	}
	for i, ids := range levelIDs {
		level := Level{Level: i, Parallel: len(ids) > 1}
		for _, id := range ids {
			task, _ := r.graph.Node(id)
			level.Tasks = append(level.Tasks, task)
		}
		plan.Levels = append(plan.Levels, level)
		if len(ids) > plan.EstimatedParallelism {
			plan.EstimatedParallelism = len(ids)
		}
	}

	r.logger.Debug("resolved execution plan",
		zap.Int("tasks", plan.TotalTasks),
		zap.Int("levels", len(plan.Levels)),
		zap.Int("parallelism", plan.EstimatedParallelism),
	)
	return Resolution{Valid: true, Plan: plan}
}

// Graph exposes a copy of the last built graph for inspection.
func (r *Resolver) Graph() *dag.Graph[*TaskWithDependencies] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph.Clone()
}

func joinPath(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out
}
