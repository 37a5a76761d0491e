package retention

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the retention job.
type Metrics struct {
	Runs     *prometheus.CounterVec
	Purged   prometheus.Counter
	Duration prometheus.Histogram
}

// NewMetrics creates and registers retention metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Total retention runs by result.",
		}, []string{"result"}),
		Purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolexec",
			Subsystem: "retention",
			Name:      "purged_total",
			Help:      "Total ended executions dropped from memory.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "toolexec",
			Subsystem: "retention",
			Name:      "run_duration_seconds",
			Help:      "Retention run duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.Runs, m.Purged, m.Duration)
	return m
}

func (m *Metrics) observe(res Result, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if res.Err != nil {
		result = "error"
	}
	m.Runs.WithLabelValues(result).Inc()
	m.Purged.Add(float64(res.Purged))
	m.Duration.Observe(d.Seconds())
}
