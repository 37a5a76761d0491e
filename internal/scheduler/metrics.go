package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/toolexec/internal/execution"
)

// Metrics holds Prometheus metrics for the execution queue.
type Metrics struct {
	Enqueued *prometheus.CounterVec
	Rejected *prometheus.CounterVec
	Requeued prometheus.Counter
	Depth    prometheus.Gauge
	WaitTime *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "scheduler",
			Name:      "enqueued_total",
			Help:      "Total executions admitted to the queue.",
		}, []string{"priority"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "scheduler",
			Name:      "rejected_total",
			Help:      "Total admissions rejected by the queue.",
		}, []string{"reason"}),
		Requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "scheduler",
			Name:      "requeued_total",
			Help:      "Total retried executions put back on the queue.",
		}),
		Depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolexec",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Current number of queued executions, delayed retries included.",
		}),
		WaitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolexec",
			Subsystem: "scheduler",
			Name:      "wait_seconds",
			Help:      "Time from enqueue to dequeue.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"priority"}),
	}

	reg.MustRegister(
		m.Enqueued,
		m.Rejected,
		m.Requeued,
		m.Depth,
		m.WaitTime,
	)

	return m
}

func (m *Metrics) enqueued(p execution.Priority) {
	if m == nil {
		return
	}
	m.Enqueued.WithLabelValues(p.String()).Inc()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) requeued() {
	if m == nil {
		return
	}
	m.Requeued.Inc()
}

func (m *Metrics) setDepth(n int) {
	if m == nil {
		return
	}
	m.Depth.Set(float64(n))
}

func (m *Metrics) dequeued(item Item, now time.Time) {
	if m == nil {
		return
	}
	m.WaitTime.WithLabelValues(item.Priority.String()).Observe(now.Sub(item.EnqueuedAt).Seconds())
}
