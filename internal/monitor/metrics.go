package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the sandbox system.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge
	QueueDepth        prometheus.Gauge
	CleanupFailures   *prometheus.CounterVec
	OrphansReaped     *prometheus.CounterVec
	RuntimeLatency    *prometheus.HistogramVec
	RequestsInFlight  prometheus.Gauge
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "executions_total",
				Help:      "Total number of sandbox executions by language and error kind (ok when none).",
			},
			[]string{"language", "kind"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock time from launch to collected output.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_executions",
				Help:      "Number of isolation units currently owned by a worker.",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "queue_depth",
				Help:      "Executions waiting for a free worker.",
			},
		),

		CleanupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "cleanup_failures_total",
				Help:      "Best-effort cleanup steps that failed.",
			},
			[]string{"resource"},
		),

		OrphansReaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "orphans_reaped_total",
				Help:      "Leaked units and workspaces removed by the sweeper.",
			},
			[]string{"resource"},
		),

		RuntimeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "runtime_operation_duration_seconds",
				Help:      "Duration of isolation runtime API operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
			},
			[]string{"backend", "operation"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route pattern and status.",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by method and route pattern.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.QueueDepth,
		m.CleanupFailures,
		m.OrphansReaped,
		m.RuntimeLatency,
		m.RequestsInFlight,
		m.HTTPRequests,
		m.HTTPDuration,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a finished execution. An empty kind is recorded as "ok".
func (m *Metrics) RecordExecution(language, kind string, durationSec float64, outputBytes int) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "ok"
	}
	m.ExecutionsTotal.WithLabelValues(language, kind).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// RecordCleanupFailure counts a failed release of a unit or workspace.
func (m *Metrics) RecordCleanupFailure(resource string) {
	if m == nil {
		return
	}
	m.CleanupFailures.WithLabelValues(resource).Inc()
}

// RecordOrphan counts a leaked resource removed by the sweeper.
func (m *Metrics) RecordOrphan(resource string) {
	if m == nil {
		return
	}
	m.OrphansReaped.WithLabelValues(resource).Inc()
}

// ObserveRuntime records the latency of one runtime call.
func (m *Metrics) ObserveRuntime(backend, op string, seconds float64) {
	if m == nil {
		return
	}
	m.RuntimeLatency.WithLabelValues(backend, op).Observe(seconds)
}

// ObserveRequest records one finished HTTP request. route is the matched
// pattern, never the raw path.
func (m *Metrics) ObserveRequest(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}
