package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds the gateway-level Prometheus metrics.
// Uses a custom registry, no global state. Execution lifecycle metrics are
// registered on the same registry by the executor, scheduler and worker pool.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Handler metrics.
	HandlerExecutionsTotal   *prometheus.CounterVec
	HandlerExecutionDuration *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxOperationsTotal *prometheus.CounterVec
	SandboxRunDuration     *prometheus.HistogramVec

	// Security metrics.
	SecurityChecksTotal     *prometheus.CounterVec
	SecurityViolationsTotal *prometheus.CounterVec

	// Anomaly metrics.
	AnomaliesTotal *prometheus.CounterVec

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

		HandlerExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "handler",
			Name:      "executions_total",
			Help:      "Total handler attempts by kind and outcome.",
		}, []string{"kind", "status"}),

		HandlerExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolexec",
			Subsystem: "handler",
			Name:      "execution_duration_seconds",
			Help:      "Handler attempt duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		SandboxOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Total sandbox operations.",
		}, []string{"operation", "level", "status"}),

		SandboxRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolexec",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Sandboxed command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"level"}),

		SecurityChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "security",
			Name:      "checks_total",
			Help:      "Total admission checks performed.",
		}, []string{"result"}),

		SecurityViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "security",
			Name:      "violations_total",
			Help:      "Total sandbox policy violations reported.",
		}, []string{"tool"}),

		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "anomaly",
			Name:      "detected_total",
			Help:      "Failure-rate threshold crossings per tool.",
		}, []string{"tool"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolexec",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolexec",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HandlerExecutionsTotal,
		m.HandlerExecutionDuration,
		m.SandboxOperationsTotal,
		m.SandboxRunDuration,
		m.SecurityChecksTotal,
		m.SecurityViolationsTotal,
		m.AnomaliesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
