package worker

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the worker pool.
type Metrics struct {
	Workers prometheus.Gauge
	Busy    prometheus.Gauge
	Panics  prometheus.Counter
	Scaling *prometheus.CounterVec
}

// NewMetrics creates and registers worker pool metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolexec",
			Subsystem: "worker",
			Name:      "workers",
			Help:      "Current number of workers in the pool.",
		}),
		Busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolexec",
			Subsystem: "worker",
			Name:      "busy",
			Help:      "Workers currently processing an execution.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "worker",
			Name:      "panics_total",
			Help:      "Total panics recovered at the worker boundary.",
		}),
		Scaling: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "worker",
			Name:      "scaling_events_total",
			Help:      "Total autoscaling events by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(m.Workers, m.Busy, m.Panics, m.Scaling)
	return m
}

func (m *Metrics) setWorkers(n int) {
	if m == nil {
		return
	}
	m.Workers.Set(float64(n))
}

func (m *Metrics) setBusy(n int) {
	if m == nil {
		return
	}
	m.Busy.Set(float64(n))
}

func (m *Metrics) panicked() {
	if m == nil {
		return
	}
	m.Panics.Inc()
}

func (m *Metrics) scaled(direction string) {
	if m == nil {
		return
	}
	m.Scaling.WithLabelValues(direction).Inc()
}
