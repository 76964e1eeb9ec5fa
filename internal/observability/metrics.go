package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for devconsole.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Gate metrics.
	SecurityChecksTotal *prometheus.CounterVec

	// Execution metrics.
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// Serializer metrics.
	SerializerSentinelsTotal *prometheus.CounterVec

	// Session store metrics.
	SessionsSweptTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SecurityChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devconsole",
			Subsystem: "security",
			Name:      "checks_total",
			Help:      "Total authorization gate checks performed.",
		}, []string{"check_type", "result"}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devconsole",
			Subsystem: "runner",
			Name:      "executions_total",
			Help:      "Total script executions.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devconsole",
			Subsystem: "runner",
			Name:      "execution_duration_seconds",
			Help:      "Script execution duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"status"}),

		SerializerSentinelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devconsole",
			Subsystem: "serializer",
			Name:      "sentinels_total",
			Help:      "Sentinel markers emitted while serializing results.",
		}, []string{"kind"}),

		SessionsSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devconsole",
			Subsystem: "session",
			Name:      "swept_total",
			Help:      "Idle sessions removed by the janitor.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devconsole",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devconsole",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devconsole",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SecurityChecksTotal,
		m.RunsTotal,
		m.RunDuration,
		m.SerializerSentinelsTotal,
		m.SessionsSweptTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
