package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/davidkimai/godel-sub016/internal/execution"
	"github.com/davidkimai/godel-sub016/internal/resolver"
	"github.com/davidkimai/godel-sub016/internal/tracing"
)

// run tracks one async plan execution. Fields are guarded by Server.mu.
type run struct {
	id      string
	plan    *resolver.ExecutionPlan
	tracker *execution.Tracker
	status  string
	result  *execution.Result
	err     error
	started time.Time
}

const (
	runRunning   = "running"
	runCompleted = "completed"
	runFailed    = "failed"
	runCancelled = "cancelled"
)

type submitPlanRequest struct {
	Tasks     []*resolver.TaskWithDependencies `json:"tasks"`
	MaxLevels int                              `json:"maxLevels,omitempty"`
}

// handleSubmitPlan resolves the submitted task graph and starts executing
// it in the background. The response carries the execution id to poll.
func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req submitPlanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "tasks must not be empty")
		return
	}

	// Round parameters through structpb so values that cannot cross a
	// JSON boundary are rejected here, not deep inside a task.
	for _, t := range req.Tasks {
		if t == nil || t.Task == nil || t.Task.Parameters == nil {
			continue
		}
		st, err := structpb.NewStruct(t.Task.Parameters)
		if err != nil {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("task %s: parameters are not JSON-compatible: %v", t.ID, err))
			return
		}
		t.Task.Parameters = st.AsMap()
	}

	res := s.resolver.Resolve(req.Tasks, resolver.Options{MaxLevels: req.MaxLevels})
	if !res.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "plan validation failed",
			"errors": res.Errors,
		})
		return
	}

	id := uuid.NewString()
	tracker := execution.NewTracker(s.opts.Bus, execution.TrackerOptions{
		CorrelationID: id,
		EnableETA:     true,
		Logger:        s.logger,
	})
	tracker.Initialize(res.Plan.TotalTasks, len(res.Plan.Levels))

	rec := &run{
		id:      id,
		plan:    res.Plan,
		tracker: tracker,
		status:  runRunning,
		started: time.Now(),
	}
	s.mu.Lock()
	s.runs[id] = rec
	s.mu.Unlock()

	// The run outlives the request, so it executes under the server's
	// context. A traceparent header still ties its spans to the caller.
	execCtx := tracing.ContinueFromTraceparent(s.ctx, r.Header.Get("traceparent"))

	go func() {
		result, err := s.opts.Exec.Execute(execCtx, rec.plan, execution.WithExecutionID(id))
		tracker.Close()
		s.mu.Lock()
		rec.result = result
		rec.err = err
		rec.status = runStatusOf(result, err)
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("plan execution failed", zap.String("execution_id", id), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"executionId":          id,
		"totalTasks":           res.Plan.TotalTasks,
		"levels":               len(res.Plan.Levels),
		"estimatedParallelism": res.Plan.EstimatedParallelism,
		"criticalPath":         res.Plan.CriticalPath,
	})
}

// handleGetExecution reports live progress while the run is in flight and
// the settled result once it has finished.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	rec, ok := s.runs[id]
	var (
		status string
		result *execution.Result
		runErr error
	)
	if ok {
		status = rec.status
		result = rec.result
		runErr = rec.err
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}

	resp := map[string]any{
		"executionId": id,
		"status":      status,
		"progress":    rec.tracker.Progress(),
		"summary":     rec.tracker.Summary(),
		"startedAt":   rec.started.UnixMilli(),
	}
	if result != nil {
		resp["result"] = result
	}
	if runErr != nil {
		resp["error"] = runErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func runStatusOf(result *execution.Result, err error) string {
	switch {
	case err != nil || result == nil:
		return runFailed
	case result.Failed > 0:
		return runFailed
	case result.Cancelled > 0:
		return runCancelled
	default:
		return runCompleted
	}
}
