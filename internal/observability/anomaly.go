package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/toolexec/internal/config"
	"github.com/jkaninda/toolexec/internal/execution"
)

const minAnomalySamples = 5

// AnomalyDetector performs threshold-based failure-rate detection per tool
// using sliding windows. It observes executions as an executor.Monitor.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	threshold     float64
	window        time.Duration
	metrics       *MetricsCollector
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, metrics *MetricsCollector, logger *slog.Logger) *AnomalyDetector {
	if logger == nil {
		logger = discard()
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		threshold:     cfg.Threshold(),
		window:        cfg.Window(),
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// RecordError records a failed execution of tool.
func (a *AnomalyDetector) RecordError(tool string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.getOrCreateWindow(a.errorCounts, tool).add(now, 1)
	a.checkErrorRate(tool, now)
}

// RecordSuccess records a successful execution of tool.
func (a *AnomalyDetector) RecordSuccess(tool string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, tool).add(a.now(), 1)
}

// ErrorRate returns the failure rate of tool within the window and the
// number of samples it was computed from.
func (a *AnomalyDetector) ErrorRate(tool string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, total := a.rate(tool, a.now())
	return rate, int(total)
}

// checkErrorRate warns when the failure rate exceeds the threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(tool string, now time.Time) {
	rate, total := a.rate(tool, now)
	if total < minAnomalySamples || rate <= a.threshold {
		return
	}
	if a.metrics != nil {
		a.metrics.AnomaliesTotal.WithLabelValues(tool).Inc()
	}
	a.logger.Warn("anomaly detected: high error rate",
		slog.String("tool_id", tool),
		slog.Float64("error_rate", rate),
		slog.Float64("threshold", a.threshold),
		slog.Float64("total", total),
	)
}

func (a *AnomalyDetector) rate(tool string, now time.Time) (float64, float64) {
	errs := a.getOrCreateWindow(a.errorCounts, tool).sum(now)
	oks := a.getOrCreateWindow(a.successCounts, tool).sum(now)
	total := errs + oks
	if total == 0 {
		return 0, 0
	}
	return errs / total, total
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

// --- executor.Monitor ---

func (a *AnomalyDetector) ExecutionStarted(context.Context, *execution.Record) {}

func (a *AnomalyDetector) ExecutionRetrying(_ context.Context, rec *execution.Record, _ time.Duration) {
	a.RecordError(rec.ToolID)
}

// ExecutionEnded counts completions as successes and failures or timeouts
// as errors. Cancellations are caller decisions and are not counted.
func (a *AnomalyDetector) ExecutionEnded(_ context.Context, rec *execution.Record) {
	switch rec.Status {
	case execution.StatusCompleted:
		a.RecordSuccess(rec.ToolID)
	case execution.StatusFailed, execution.StatusTimedOut:
		a.RecordError(rec.ToolID)
	}
}

func (a *AnomalyDetector) SecurityViolation(context.Context, *execution.Record, *execution.Error) {}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
