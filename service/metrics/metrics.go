package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec
	solanaRPCErrors       *prometheus.CounterVec
	confirmationDuration  *prometheus.HistogramVec

	// Transaction Pipeline Metrics
	assembliesTotal        *prometheus.CounterVec
	statusTransitionsTotal *prometheus.CounterVec
	refreshesTotal         *prometheus.CounterVec
	settleDelaySeconds     *prometheus.HistogramVec
	supersededTotal        *prometheus.CounterVec

	// Workflow Metrics
	workflowDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_errors_total",
				Help: "Total number of classified gateway errors by operation and kind",
			},
			[]string{"operation", "kind"},
		),
		confirmationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transaction_confirmation_duration_seconds",
				Help:    "Time from submission to confirmation or failure",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
			},
			[]string{"status"},
		),

		// Transaction Pipeline Metrics
		assembliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transaction_assemblies_total",
				Help: "Total number of transaction assemblies by template and status",
			},
			[]string{"template", "status"},
		),
		statusTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signature_status_transitions_total",
				Help: "Total number of signature status transitions by template and state",
			},
			[]string{"template", "state"},
		),
		refreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dependent_refreshes_total",
				Help: "Total number of post-confirmation resource refreshes",
			},
			[]string{"resource", "status"},
		),
		settleDelaySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settle_delay_seconds",
				Help:    "Observed wait between confirmation and dependent refresh",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"resource"},
		),
		supersededTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resource_results_superseded_total",
				Help: "Total number of resource fetch results discarded because a newer fetch started",
			},
			[]string{"resource"},
		),

		// Workflow Metrics
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transaction_workflow_duration_seconds",
				Help:    "Duration of transaction workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"wallet_address"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"wallet_address", "event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordGatewayError records a classified gateway error.
func (m *Metrics) RecordGatewayError(operation, kind string) {
	m.solanaRPCErrors.WithLabelValues(operation, kind).Inc()
}

// RecordConfirmation records how long a submission took to reach a final answer.
func (m *Metrics) RecordConfirmation(status string, duration float64) {
	m.confirmationDuration.WithLabelValues(status).Observe(duration)
}

// Transaction pipeline metric helpers

// RecordAssembly records a transaction assembly attempt.
func (m *Metrics) RecordAssembly(template, status string) {
	m.assembliesTotal.WithLabelValues(template, status).Inc()
}

// RecordStatusTransition records a signature machine transition.
func (m *Metrics) RecordStatusTransition(template, state string) {
	m.statusTransitionsTotal.WithLabelValues(template, state).Inc()
}

// RecordRefresh records a dependent resource refresh.
func (m *Metrics) RecordRefresh(resource, status string) {
	m.refreshesTotal.WithLabelValues(resource, status).Inc()
}

// RecordSettleDelay records the wait before a dependent refresh.
func (m *Metrics) RecordSettleDelay(resource string, duration float64) {
	m.settleDelaySeconds.WithLabelValues(resource).Observe(duration)
}

// RecordSuperseded records a discarded fetch result.
func (m *Metrics) RecordSuperseded(resource string) {
	m.supersededTotal.WithLabelValues(resource).Inc()
}

// Workflow metric helpers

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.workflowDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(walletAddress string, delta float64) {
	m.sseActiveConnections.WithLabelValues(walletAddress).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(walletAddress, eventType string) {
	m.sseEventsSent.WithLabelValues(walletAddress, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
