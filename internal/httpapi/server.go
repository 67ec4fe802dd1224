// Package httpapi exposes the runtime's operations surface: plan
// submission, agent and workflow lifecycle, cluster routing, quota
// snapshots, event history and the live event stream.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/agent"
	"github.com/davidkimai/godel-sub016/internal/auth"
	"github.com/davidkimai/godel-sub016/internal/cluster"
	"github.com/davidkimai/godel-sub016/internal/eventbus"
	"github.com/davidkimai/godel-sub016/internal/execution"
	"github.com/davidkimai/godel-sub016/internal/metrics"
	"github.com/davidkimai/godel-sub016/internal/quota"
	"github.com/davidkimai/godel-sub016/internal/resolver"
	"github.com/davidkimai/godel-sub016/internal/workflow"
)

// Options wires the server to the runtime subsystems. Bus, Agents, Exec,
// Workflows, Clusters, Balancer and Quotas are required; Auth wraps the
// API routes when set.
type Options struct {
	Bus       *eventbus.Bus
	Agents    *agent.StatefulRegistry
	Exec      *execution.Engine
	Workflows *workflow.Engine
	Clusters  *cluster.Registry
	Balancer  *cluster.Balancer
	Quotas    *quota.Manager
	Auth      func(http.Handler) http.Handler
	Logger    *zap.Logger
}

// Server owns the handler set and the async plan executions it started.
type Server struct {
	opts     Options
	logger   *zap.Logger
	resolver *resolver.Resolver

	// ctx scopes async executions; Close cancels them.
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
}

// NewServer validates the wiring and returns a server ready for Router.
func NewServer(opts Options) (*Server, error) {
	if opts.Bus == nil {
		return nil, errors.New("httpapi: bus is required")
	}
	if opts.Agents == nil {
		return nil, errors.New("httpapi: agent registry is required")
	}
	if opts.Exec == nil {
		return nil, errors.New("httpapi: execution engine is required")
	}
	if opts.Workflows == nil {
		return nil, errors.New("httpapi: workflow engine is required")
	}
	if opts.Clusters == nil || opts.Balancer == nil {
		return nil, errors.New("httpapi: cluster registry and balancer are required")
	}
	if opts.Quotas == nil {
		return nil, errors.New("httpapi: quota manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("httpapi")

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		logger:   logger,
		resolver: resolver.New(logger),
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*run),
	}, nil
}

// Close cancels every async execution this server started.
func (s *Server) Close() {
	s.cancel()
}

// Router assembles the full handler: API routes behind auth, metrics and
// streaming outside it, CORS around everything.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /api/v1/plans", scoped(auth.ScopePlansExecute, s.handleSubmitPlan))
	s.handle(mux, "GET /api/v1/executions/{id}", s.handleGetExecution)

	s.handle(mux, "GET /api/v1/agents", s.handleListAgents)
	s.handle(mux, "POST /api/v1/agents", scoped(auth.ScopeAgentsManage, s.handleRegisterAgent))
	s.handle(mux, "GET /api/v1/agents/{id}", s.handleGetAgent)
	s.handle(mux, "GET /api/v1/agents/{id}/state", s.handleAgentState)
	s.handle(mux, "POST /api/v1/agents/{id}/pause", scoped(auth.ScopeAgentsManage, s.handleAgentPause))
	s.handle(mux, "POST /api/v1/agents/{id}/resume", scoped(auth.ScopeAgentsManage, s.handleAgentResume))
	s.handle(mux, "POST /api/v1/agents/{id}/stop", scoped(auth.ScopeAgentsManage, s.handleAgentStop))
	s.handle(mux, "POST /api/v1/agents/{id}/recover", scoped(auth.ScopeAgentsManage, s.handleAgentRecover))

	s.handle(mux, "GET /api/v1/workflows", s.handleListWorkflows)
	s.handle(mux, "POST /api/v1/workflows", scoped(auth.ScopeWorkflowsWrite, s.handleRegisterWorkflow))
	s.handle(mux, "POST /api/v1/workflows/{id}/start", scoped(auth.ScopeWorkflowsWrite, s.handleStartWorkflow))
	s.handle(mux, "GET /api/v1/instances", s.handleListInstances)
	s.handle(mux, "GET /api/v1/instances/{id}", s.handleGetInstance)
	s.handle(mux, "POST /api/v1/instances/{id}/pause", scoped(auth.ScopeWorkflowsWrite, s.handleInstancePause))
	s.handle(mux, "POST /api/v1/instances/{id}/resume", scoped(auth.ScopeWorkflowsWrite, s.handleInstanceResume))
	s.handle(mux, "POST /api/v1/instances/{id}/cancel", scoped(auth.ScopeWorkflowsWrite, s.handleInstanceCancel))

	s.handle(mux, "GET /api/v1/clusters", s.handleListClusters)
	s.handle(mux, "POST /api/v1/clusters", scoped(auth.ScopeClustersManage, s.handleRegisterCluster))
	s.handle(mux, "POST /api/v1/route", s.handleRoute)
	s.handle(mux, "GET /api/v1/rebalance-plan", s.handleRebalancePlan)

	s.handle(mux, "GET /api/v1/quotas/{userId}", s.handleQuotaSnapshot)
	s.handle(mux, "GET /api/v1/events", s.handleQueryEvents)
	s.handle(mux, "POST /api/v1/events", scoped(auth.ScopeEventsWrite, s.handlePublishEvent))

	// Long-lived connections skip the request instruments; the stream
	// client gauge covers them.
	mux.HandleFunc("GET /stream/sse", s.handleSSE)
	mux.HandleFunc("GET /stream/ws", s.handleWS)

	var api http.Handler = mux
	if s.opts.Auth != nil {
		api = s.opts.Auth(api)
	}

	root := http.NewServeMux()
	root.Handle("GET /metrics", promhttp.Handler())
	root.Handle("/", api)
	return corsMiddleware(root)
}

// handle registers an instrumented route. The method prefix is stripped
// from the pattern so the path label stays bounded.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	route := pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		route = pattern[i+1:]
	}
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// scoped rejects authenticated principals that lack the scope. Requests
// carrying no principal at all (no auth middleware installed) pass through.
func scoped(scope string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p, ok := auth.PrincipalFrom(r.Context()); ok && !p.HasScope(scope) {
			writeError(w, http.StatusForbidden, "missing scope "+scope)
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response code and forwards the optional
// interfaces streaming handlers rely on.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Requested-With, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
