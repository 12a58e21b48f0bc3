package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/stepflow/model"
)

var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus instruments of the service.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Orchestration
	OperationsTotal          *prometheus.CounterVec
	OperationDuration        *prometheus.HistogramVec
	ConcurrentConflictsTotal *prometheus.CounterVec
	WorkflowStartsTotal      *prometheus.CounterVec
	TaskTransitionsTotal     *prometheus.CounterVec
	InstanceOutcomesTotal    *prometheus.CounterVec
	IdempotencyTotal         *prometheus.CounterVec

	// Background processing
	ReconcileScannedTotal  prometheus.Counter
	ReconcileChangedTotal  prometheus.Counter
	ReconcileFailedTotal   prometheus.Counter
	AutomaticTasksTotal    prometheus.Counter
	TimedOutTasksTotal     prometheus.Counter
	NotificationsTotal     *prometheus.CounterVec
	NotificationsDropped   prometheus.Counter
	DefinitionsPublished   *prometheus.CounterVec
	DefinitionsActiveGauge prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_operations_total",
			Help: "Orchestration operations by outcome (ok or error code).",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_operation_duration_seconds",
			Help:    "Orchestration operation duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),
		ConcurrentConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_concurrent_modifications_total",
			Help: "Optimistic concurrency conflicts, including ones resolved by retry.",
		}, []string{"operation"}),
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_workflow_starts_total",
			Help: "Workflow start requests by whether a new instance was created.",
		}, []string{"definition", "created"}),
		TaskTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_task_transitions_total",
			Help: "Successful task transitions by step type and target status.",
		}, []string{"step_type", "status"}),
		InstanceOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_instance_outcomes_total",
			Help: "Instances that reached BLOCKED or a terminal status.",
		}, []string{"definition", "status"}),
		IdempotencyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_idempotency_lookups_total",
			Help: "Idempotency key lookups by result (miss, replay, conflict).",
		}, []string{"result"}),

		ReconcileScannedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_reconcile_scanned_total",
			Help: "Instances examined by reconciliation passes.",
		}),
		ReconcileChangedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_reconcile_changed_total",
			Help: "Instances repaired by reconciliation passes.",
		}),
		ReconcileFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_reconcile_failed_total",
			Help: "Instances reconciliation could not re-derive.",
		}),
		AutomaticTasksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_automatic_tasks_total",
			Help: "AUTOMATIC tasks driven to a terminal status.",
		}),
		TimedOutTasksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_timed_out_tasks_total",
			Help: "Overdue tasks whose on_timeout action was applied.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_notifications_total",
			Help: "Notification publish attempts by topic and outcome.",
		}, []string{"topic", "outcome"}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_notifications_dropped_total",
			Help: "Notifications discarded because the relay buffer was full.",
		}),
		DefinitionsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_definitions_published_total",
			Help: "Workflow definition versions published.",
		}, []string{"definition"}),
		DefinitionsActiveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepflow_definitions_active",
			Help: "Number of active workflow definitions.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.OperationsTotal,
		m.OperationDuration,
		m.ConcurrentConflictsTotal,
		m.WorkflowStartsTotal,
		m.TaskTransitionsTotal,
		m.InstanceOutcomesTotal,
		m.IdempotencyTotal,
		m.ReconcileScannedTotal,
		m.ReconcileChangedTotal,
		m.ReconcileFailedTotal,
		m.AutomaticTasksTotal,
		m.TimedOutTasksTotal,
		m.NotificationsTotal,
		m.NotificationsDropped,
		m.DefinitionsPublished,
		m.DefinitionsActiveGauge,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// Outcome labels an operation result: "ok", or the error code.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if ee, ok := model.AsEnvelope(err); ok {
		return ee.Code
	}
	return model.ErrInternalError
}

// RecordOperation records one orchestration operation.
func (m *Metrics) RecordOperation(operation string, err error, duration time.Duration) {
	m.OperationsTotal.WithLabelValues(operation, Outcome(err)).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordConflict records an optimistic concurrency conflict.
func (m *Metrics) RecordConflict(operation string) {
	m.ConcurrentConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordWorkflowStart records a start request.
func (m *Metrics) RecordWorkflowStart(definition string, created bool) {
	m.WorkflowStartsTotal.WithLabelValues(definition, strconv.FormatBool(created)).Inc()
}

// RecordTaskTransition records a successful task transition.
func (m *Metrics) RecordTaskTransition(stepType, status string) {
	m.TaskTransitionsTotal.WithLabelValues(stepType, status).Inc()
}

// RecordInstanceOutcome records an instance reaching BLOCKED or a terminal
// status.
func (m *Metrics) RecordInstanceOutcome(definition, status string) {
	m.InstanceOutcomesTotal.WithLabelValues(definition, status).Inc()
}

// RecordIdempotency records an idempotency lookup result.
func (m *Metrics) RecordIdempotency(result string) {
	m.IdempotencyTotal.WithLabelValues(result).Inc()
}

// RecordReconcile records one reconciliation pass.
func (m *Metrics) RecordReconcile(scanned, changed, failed int) {
	m.ReconcileScannedTotal.Add(float64(scanned))
	m.ReconcileChangedTotal.Add(float64(changed))
	m.ReconcileFailedTotal.Add(float64(failed))
}

// RecordAutomaticTasks records tasks finished by an automation pass.
func (m *Metrics) RecordAutomaticTasks(n int) {
	m.AutomaticTasksTotal.Add(float64(n))
}

// RecordTimedOutTasks records tasks handled by a timeout pass.
func (m *Metrics) RecordTimedOutTasks(n int) {
	m.TimedOutTasksTotal.Add(float64(n))
}

// RecordNotification records a relay publish attempt.
func (m *Metrics) RecordNotification(topic string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.NotificationsTotal.WithLabelValues(topic, outcome).Inc()
}

// RecordNotificationDropped records an event dropped by the relay.
func (m *Metrics) RecordNotificationDropped() {
	m.NotificationsDropped.Inc()
}

// RecordDefinitionPublished records a new definition version.
func (m *Metrics) RecordDefinitionPublished(name string) {
	m.DefinitionsPublished.WithLabelValues(name).Inc()
}

// SetDefinitionsActive sets the number of active definitions.
func (m *Metrics) SetDefinitionsActive(count int) {
	m.DefinitionsActiveGauge.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context,
// falling back to the raw URL path.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
