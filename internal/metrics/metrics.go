package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"type"},
	)

	EventsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "godel_events_cancelled_total",
			Help: "Total number of publishes cancelled by middleware",
		},
	)

	EventDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "godel_event_deliveries_total",
			Help: "Total number of handler deliveries",
		},
	)

	EventHandlerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "godel_event_handler_errors_total",
			Help: "Total number of subscriber handler errors",
		},
	)

	BusSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "godel_bus_subscriptions",
			Help: "Current number of bus subscriptions",
		},
	)

	// Event store metrics
	StoreAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "godel_store_appends_total",
			Help: "Total number of events appended to the store",
		},
	)

	StoreFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_store_flushes_total",
			Help: "Total number of store batch flushes",
		},
		[]string{"status"},
	)

	StoreFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "godel_store_flush_duration_ms",
			Help:    "Store batch flush duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	StoreBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "godel_store_buffer_size",
			Help: "Events currently buffered awaiting flush",
		},
	)

	// Agent lifecycle metrics
	AgentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_agent_transitions_total",
			Help: "Total number of agent state transitions",
		},
		[]string{"from", "to"},
	)

	AgentTransitionDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_agent_transition_denials_total",
			Help: "Total number of guard-denied transitions",
		},
		[]string{"from", "to"},
	)

	AgentsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "godel_agents_registered",
			Help: "Current number of registered agents",
		},
	)

	StateSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_agent_state_saves_total",
			Help: "Total number of agent state persistence writes",
		},
		[]string{"status"},
	)

	// Execution metrics
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_tasks_executed_total",
			Help: "Total number of task executions by terminal status",
		},
		[]string{"status"},
	)

	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "godel_task_retries_total",
			Help: "Total number of task retry attempts",
		},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "godel_task_duration_ms",
			Help:    "Task execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
		},
	)

	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "godel_executions_active",
			Help: "Number of plans currently executing",
		},
	)

	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "godel_workflows_started_total",
			Help: "Total number of workflow instances started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_workflows_completed_total",
			Help: "Total number of workflow instances reaching a terminal status",
		},
		[]string{"status"},
	)

	WorkflowNodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_workflow_nodes_total",
			Help: "Total number of workflow node runs",
		},
		[]string{"type", "status"},
	)

	WorkflowInstancesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "godel_workflow_instances_active",
			Help: "Number of workflow instances currently running",
		},
	)

	// Selection and routing metrics
	AgentSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_agent_selections_total",
			Help: "Total number of agent selections by strategy",
		},
		[]string{"strategy", "status"},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_routing_decisions_total",
			Help: "Total number of cluster routing decisions",
		},
		[]string{"strategy", "status"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state changes",
		},
		[]string{"key", "state"},
	)

	// Quota metrics
	QuotaDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_quota_decisions_total",
			Help: "Total number of quota admission decisions",
		},
		[]string{"level", "allowed"},
	)

	QuotaViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_quota_violations_total",
			Help: "Total number of quota violations by dimension",
		},
		[]string{"level", "dimension"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "godel_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "godel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "godel_stream_clients",
			Help: "Connected SSE and WebSocket stream clients",
		},
	)
)
