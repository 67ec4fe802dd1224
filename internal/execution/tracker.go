package execution

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
)

// Progress is the live view of a run.
type Progress struct {
	TotalTasks               int     `json:"totalTasks"`
	CompletedTasks           int     `json:"completedTasks"`
	FailedTasks              int     `json:"failedTasks"`
	RunningTasks             int     `json:"runningTasks"`
	CurrentLevel             int     `json:"currentLevel"`
	TotalLevels              int     `json:"totalLevels"`
	Percentage               float64 `json:"percentage"`
	ActiveAgents             int     `json:"activeAgents"`
	EstimatedTimeRemainingMs int64   `json:"estimatedTimeRemainingMs,omitempty"`
}

// Summary is the settled view of a run.
type Summary struct {
	TotalTasks            int     `json:"totalTasks"`
	Completed             int     `json:"completed"`
	Failed                int     `json:"failed"`
	Cancelled             int     `json:"cancelled"`
	Skipped               int     `json:"skipped"`
	Running               int     `json:"running"`
	Pending               int     `json:"pending"`
	AverageTaskDurationMs float64 `json:"averageTaskDurationMs"`
}

// TrackerOptions tune a Tracker.
type TrackerOptions struct {
	// EnableETA turns on remaining-time estimation: mean completed-task
	// duration times the number of tasks not yet started.
	EnableETA bool
	// CorrelationID scopes the tracker to one execution's events. Empty
	// tracks every execution on the bus.
	CorrelationID string
	Logger        *zap.Logger
}

// Tracker folds the engine's bus events into progress and summary views.
// ActiveAgents counts fleet-wide busy agents from the registry's
// agent.busy/agent.idle/agent.error events.
type Tracker struct {
	bus    *eventbus.Bus
	opts   TrackerOptions
	logger *zap.Logger

	mu           sync.Mutex
	totalTasks   int
	totalLevels  int
	currentLevel int
	completed    int
	failed       int
	cancelled    int
	skipped      int
	running      map[string]struct{}
	busyAgents   map[string]struct{}
	durationSum  int64
	subs         []string
}

// NewTracker subscribes to the bus and starts tracking immediately.
func NewTracker(bus *eventbus.Bus, opts TrackerOptions) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		bus:        bus,
		opts:       opts,
		logger:     logger,
		running:    make(map[string]struct{}),
		busyAgents: make(map[string]struct{}),
	}

	var filter []eventbus.SubscribeOption
	if opts.CorrelationID != "" {
		id := opts.CorrelationID
		filter = append(filter, eventbus.WithFilter(func(ev *eventbus.Event) bool {
			return ev.Metadata.CorrelationID == id
		}))
	}
	t.subs = append(t.subs,
		bus.Subscribe("execution:*", t.onEvent, filter...),
		bus.Subscribe("level:*", t.onEvent, filter...),
		bus.Subscribe("task:*", t.onEvent, filter...),
		bus.Subscribe("agent.*", t.onAgentEvent),
	)
	return t
}

// Initialize resets the counters for a fresh run. The tracker also resets
// itself when it sees execution:started.
func (t *Tracker) Initialize(totalTasks, totalLevels int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset(totalTasks, totalLevels)
}

func (t *Tracker) reset(totalTasks, totalLevels int) {
	t.totalTasks = totalTasks
	t.totalLevels = totalLevels
	t.currentLevel = 0
	t.completed = 0
	t.failed = 0
	t.cancelled = 0
	t.skipped = 0
	t.running = make(map[string]struct{})
	t.durationSum = 0
}

func (t *Tracker) onEvent(_ context.Context, ev *eventbus.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case EventExecutionStarted:
		t.reset(asInt(ev.Payload["totalTasks"]), asInt(ev.Payload["totalLevels"]))
	case EventLevelStarted:
		t.currentLevel = asInt(ev.Payload["level"])
	case EventTaskStarted:
		t.running[asString(ev.Payload["taskId"])] = struct{}{}
	case EventTaskCompleted:
		delete(t.running, asString(ev.Payload["taskId"]))
		t.completed++
		t.durationSum += int64(asInt(ev.Payload["durationMs"]))
	case EventTaskFailed:
		delete(t.running, asString(ev.Payload["taskId"]))
		t.failed++
	case EventExecutionCompleted:
		// Cancelled and skipped tasks have no per-task events; their
		// counts arrive with the completion event.
		t.cancelled += asInt(ev.Payload["cancelled"])
		t.skipped += asInt(ev.Payload["skipped"])
	}
	return nil
}

func (t *Tracker) onAgentEvent(_ context.Context, ev *eventbus.Event) error {
	id := asString(ev.Payload["agentId"])
	if id == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.Type == "agent.busy" {
		t.busyAgents[id] = struct{}{}
	} else {
		delete(t.busyAgents, id)
	}
	return nil
}

// Progress returns the live counters.
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	terminal := t.completed + t.failed + t.cancelled + t.skipped
	p := Progress{
		TotalTasks:     t.totalTasks,
		CompletedTasks: t.completed,
		FailedTasks:    t.failed,
		RunningTasks:   len(t.running),
		CurrentLevel:   t.currentLevel,
		TotalLevels:    t.totalLevels,
		ActiveAgents:   len(t.busyAgents),
	}
	if t.totalTasks > 0 {
		p.Percentage = float64(terminal) / float64(t.totalTasks) * 100
	}
	if t.opts.EnableETA && t.completed > 0 {
		pending := t.totalTasks - terminal - len(t.running)
		if pending > 0 {
			mean := t.durationSum / int64(t.completed)
			p.EstimatedTimeRemainingMs = mean * int64(pending)
		}
	}
	return p
}

// Summary returns the settled counters.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		TotalTasks: t.totalTasks,
		Completed:  t.completed,
		Failed:     t.failed,
		Cancelled:  t.cancelled,
		Skipped:    t.skipped,
		Running:    len(t.running),
	}
	s.Pending = t.totalTasks - s.Completed - s.Failed - s.Cancelled - s.Skipped - s.Running
	if s.Pending < 0 {
		s.Pending = 0
	}
	if t.completed > 0 {
		s.AverageTaskDurationMs = float64(t.durationSum) / float64(t.completed)
	}
	return s
}

// Close detaches the tracker from the bus.
func (t *Tracker) Close() {
	for _, id := range t.subs {
		t.bus.Unsubscribe(id)
	}
	t.subs = nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
