// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Trigger evaluation metrics
	TriggerEvaluationsTotal    *prometheus.CounterVec
	TriggerEvaluationDuration  *prometheus.HistogramVec
	CircuitBreakerState        *prometheus.GaugeVec
	CircuitBreakerTransitions  *prometheus.CounterVec

	// Action job queue / worker metrics
	QueueDepth             *prometheus.GaugeVec
	JobsEnqueuedTotal       *prometheus.CounterVec
	JobsDeadLetteredTotal   *prometheus.CounterVec
	WorkerExecutionsTotal   *prometheus.CounterVec
	WorkerExecutionDuration *prometheus.HistogramVec

	// Rate limiter metrics
	RateLimitDecisionsTotal *prometheus.CounterVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Trigger evaluation metrics
		TriggerEvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trigger_evaluations_total",
				Help: "Total number of trigger condition evaluations",
			},
			[]string{"matched", "condition_type"},
		),
		TriggerEvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trigger_evaluation_duration_seconds",
				Help:    "Trigger evaluation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"trigger_id"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state per trigger (0=closed, 1=half_open, 2=open)",
			},
			[]string{"trigger_id"},
		),
		CircuitBreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"trigger_id", "from_state", "to_state"},
		),

		// Action job queue / worker metrics
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "action_queue_depth",
				Help: "Current number of pending jobs per action type and priority tier",
			},
			[]string{"action_type", "priority"},
		),
		JobsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_jobs_enqueued_total",
				Help: "Total number of action jobs enqueued",
			},
			[]string{"action_type"},
		),
		JobsDeadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_jobs_dead_lettered_total",
				Help: "Total number of action jobs moved to the dead letter queue",
			},
			[]string{"action_type"},
		),
		WorkerExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_executions_total",
				Help: "Total number of worker action executions",
			},
			[]string{"action_type", "status"},
		),
		WorkerExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_execution_duration_seconds",
				Help:    "Worker action execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"action_type"},
		),

		// Rate limiter metrics
		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_decisions_total",
				Help: "Total number of rate limiter allow/deny decisions",
			},
			[]string{"scope", "tier", "decision"},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.TriggerEvaluationsTotal,
			m.TriggerEvaluationDuration,
			m.CircuitBreakerState,
			m.CircuitBreakerTransitions,
			m.QueueDepth,
			m.JobsEnqueuedTotal,
			m.JobsDeadLetteredTotal,
			m.WorkerExecutionsTotal,
			m.WorkerExecutionDuration,
			m.RateLimitDecisionsTotal,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordTriggerEvaluation records a trigger condition evaluation outcome.
func (m *Metrics) RecordTriggerEvaluation(triggerID, conditionType string, matched bool, duration time.Duration) {
	m.TriggerEvaluationsTotal.WithLabelValues(boolLabel(matched), conditionType).Inc()
	m.TriggerEvaluationDuration.WithLabelValues(triggerID).Observe(duration.Seconds())
}

// SetCircuitBreakerState records the current state of a trigger's circuit breaker.
// 0=closed, 1=half_open, 2=open.
func (m *Metrics) SetCircuitBreakerState(triggerID string, stateValue float64) {
	m.CircuitBreakerState.WithLabelValues(triggerID).Set(stateValue)
}

// RecordCircuitBreakerTransition records a circuit breaker state transition.
func (m *Metrics) RecordCircuitBreakerTransition(triggerID, from, to string) {
	m.CircuitBreakerTransitions.WithLabelValues(triggerID, from, to).Inc()
}

// SetQueueDepth records the current pending job count for an action type/priority.
func (m *Metrics) SetQueueDepth(actionType, priority string, depth int) {
	m.QueueDepth.WithLabelValues(actionType, priority).Set(float64(depth))
}

// RecordJobEnqueued records an action job being enqueued.
func (m *Metrics) RecordJobEnqueued(actionType string) {
	m.JobsEnqueuedTotal.WithLabelValues(actionType).Inc()
}

// RecordJobDeadLettered records an action job being moved to the dead letter queue.
func (m *Metrics) RecordJobDeadLettered(actionType string) {
	m.JobsDeadLetteredTotal.WithLabelValues(actionType).Inc()
}

// RecordWorkerExecution records a worker's attempt to deliver an action.
func (m *Metrics) RecordWorkerExecution(actionType, status string, duration time.Duration) {
	m.WorkerExecutionsTotal.WithLabelValues(actionType, status).Inc()
	m.WorkerExecutionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// RecordRateLimitDecision records an allow/deny decision from the rate limiter.
func (m *Metrics) RecordRateLimitDecision(scope, tier string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.RateLimitDecisionsTotal.WithLabelValues(scope, tier, decision).Inc()
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	if env == "" {
		return "development"
	}
	return env
}

func isProduction() bool {
	return getEnvironment() == "production"
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !isProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
