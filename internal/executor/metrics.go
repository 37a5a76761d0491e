package executor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/toolexec/internal/execution"
)

// Metrics holds Prometheus metrics for executions.
type Metrics struct {
	Submitted *prometheus.CounterVec
	Rejected  *prometheus.CounterVec
	Ended     *prometheus.CounterVec
	Attempts  *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Running   prometheus.Gauge
}

// NewMetrics creates and registers executor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "executor",
			Name:      "submitted_total",
			Help:      "Total executions admitted.",
		}, []string{"tool"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "executor",
			Name:      "rejected_total",
			Help:      "Total requests rejected at admission by error kind.",
		}, []string{"kind"}),
		Ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "executor",
			Name:      "ended_total",
			Help:      "Total executions reaching a terminal status.",
		}, []string{"tool", "status"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Total attempts by outcome.",
		}, []string{"tool", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolexec",
			Subsystem: "executor",
			Name:      "duration_seconds",
			Help:      "Execution duration from first start to terminal status.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"tool", "status"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolexec",
			Subsystem: "executor",
			Name:      "running",
			Help:      "Attempts currently running.",
		}),
	}

	reg.MustRegister(
		m.Submitted,
		m.Rejected,
		m.Ended,
		m.Attempts,
		m.Duration,
		m.Running,
	)

	return m
}

func (m *Metrics) submitted(tool string) {
	if m == nil {
		return
	}
	m.Submitted.WithLabelValues(tool).Inc()
}

func (m *Metrics) rejected(kind execution.Kind) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) attemptStarted() {
	if m == nil {
		return
	}
	m.Running.Inc()
}

func (m *Metrics) attemptEnded(tool string, outcome execution.Status) {
	if m == nil {
		return
	}
	m.Running.Dec()
	m.Attempts.WithLabelValues(tool, string(outcome)).Inc()
}

func (m *Metrics) ended(rec *execution.Record) {
	if m == nil {
		return
	}
	m.Ended.WithLabelValues(rec.ToolID, string(rec.Status)).Inc()
	if d := rec.Duration(); d > 0 {
		m.Duration.WithLabelValues(rec.ToolID, string(rec.Status)).Observe(d.Seconds())
	}
}
