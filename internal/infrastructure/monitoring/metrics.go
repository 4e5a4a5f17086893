package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Run metrics
	RunsTotal             *prometheus.CounterVec
	RunDuration           *prometheus.HistogramVec
	RunsActive            prometheus.Gauge
	NodeStatusTransitions *prometheus.CounterVec

	// Graph execution metrics
	NodesFiredTotal *prometheus.CounterVec
	NodeDuration    *prometheus.HistogramVec
	NodeErrors      *prometheus.CounterVec

	// Worker dispatch metrics
	WorkerDispatchesTotal *prometheus.CounterVec
	WorkerTimeoutsTotal   *prometheus.CounterVec
	WorkerCallbacksTotal  *prometheus.CounterVec

	// Webhook metrics
	WebhooksReceivedTotal *prometheus.CounterVec
	WebhooksRejectedTotal *prometheus.CounterVec

	// Event bus metrics
	EventsPublishedTotal *prometheus.CounterVec
	EventsConsumedTotal  *prometheus.CounterVec

	// Database metrics
	DBQueriesTotal      *prometheus.CounterVec
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "flowengine"
	}

	return &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_size_bytes",
				Help:      "HTTP request size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Run metrics
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of runs created",
			},
			[]string{"flow_id"},
		),
		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"flow_id", "status"},
		),
		RunsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Number of currently active runs",
			},
		),
		NodeStatusTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_status_transitions_total",
				Help:      "Total number of node status transitions",
			},
			[]string{"from_status", "to_status"},
		),

		// Graph execution metrics
		NodesFiredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_fired_total",
				Help:      "Total number of nodes fired",
			},
			[]string{"node_type", "status"},
		),
		NodeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Node execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node_type"},
		),
		NodeErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_errors_total",
				Help:      "Total number of node execution errors",
			},
			[]string{"node_type", "error_type"},
		),

		// Worker dispatch metrics
		WorkerDispatchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_dispatches_total",
				Help:      "Total number of worker dispatches",
			},
			[]string{"worker_kind", "mode", "status"},
		),
		WorkerTimeoutsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_timeouts_total",
				Help:      "Total number of worker callbacks that missed their deadline",
			},
			[]string{"worker_kind"},
		),
		WorkerCallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_callbacks_total",
				Help:      "Total number of worker callbacks received",
			},
			[]string{"status"},
		),

		// Webhook metrics
		WebhooksReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_received_total",
				Help:      "Total number of inbound webhooks received",
			},
			[]string{"slug", "outcome"},
		),
		WebhooksRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_rejected_total",
				Help:      "Total number of inbound webhooks rejected before run creation",
			},
			[]string{"slug", "reason"},
		),

		// Event bus metrics
		EventsPublishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of events published",
			},
			[]string{"event_type"},
		),
		EventsConsumedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_consumed_total",
				Help:      "Total number of events consumed",
			},
			[]string{"event_type"},
		),

		// Database metrics
		DBQueriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_queries_total",
				Help:      "Total number of database queries",
			},
			[]string{"operation", "table"},
		),
		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_active",
				Help:      "Number of active database connections",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, reqSize, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
}

// RecordRunCreated records a run creation
func (m *Metrics) RecordRunCreated(flowID string) {
	m.RunsTotal.WithLabelValues(flowID).Inc()
	m.RunsActive.Inc()
}

// RecordRunCompleted records a run reaching a terminal status
func (m *Metrics) RecordRunCompleted(flowID, status string, duration time.Duration) {
	m.RunDuration.WithLabelValues(flowID, status).Observe(duration.Seconds())
	m.RunsActive.Dec()
}

// RecordNodeFired records one node firing
func (m *Metrics) RecordNodeFired(nodeType, status string, duration time.Duration) {
	m.NodesFiredTotal.WithLabelValues(nodeType, status).Inc()
	m.NodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// RecordWorkerDispatch records one worker dispatch
func (m *Metrics) RecordWorkerDispatch(workerKind, mode, status string) {
	m.WorkerDispatchesTotal.WithLabelValues(workerKind, mode, status).Inc()
}

// RecordWebhook records one inbound webhook outcome
func (m *Metrics) RecordWebhook(slug, outcome string) {
	m.WebhooksReceivedTotal.WithLabelValues(slug, outcome).Inc()
	if outcome != "accepted" {
		m.WebhooksRejectedTotal.WithLabelValues(slug, outcome).Inc()
	}
}
