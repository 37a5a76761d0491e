// Package retention periodically purges ended executions and expires
// in-memory security and rate-limit state on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger drops ended executions older than cutoff. Satisfied by
// *executor.Executor.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time, purgeLog bool) (int, error)
}

// Cleaner expires stale entries and returns how many were dropped.
// Satisfied by *security.Manager and *ratelimit.Limiter.
type Cleaner interface {
	Cleanup() int
}

// Config configures the job.
type Config struct {
	Schedule string        // Standard 5-field cron expression or descriptor like "@hourly".
	MaxAge   time.Duration // Ended executions older than this are purged.
	PurgeLog bool          // Also delete from the execution log.
}

// Job runs the purge on schedule.
type Job struct {
	cfg      Config
	purger   Purger
	cleaners map[string]Cleaner
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a retention job. The schedule is validated here.
func New(cfg Config, purger Purger, logger *slog.Logger) (*Job, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}
	if _, err := parser().Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	return &Job{
		cfg:      cfg,
		purger:   purger,
		cleaners: make(map[string]Cleaner),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// WithCleaner adds a named cleaner run after each purge.
func (j *Job) WithCleaner(name string, c Cleaner) *Job {
	j.cleaners[name] = c
	return j
}

// WithMetrics attaches Prometheus metrics.
func (j *Job) WithMetrics(m *Metrics) *Job {
	j.metrics = m
	return j
}

func parser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Start schedules the job. Returns a stop function that waits for a
// running purge to finish.
func (j *Job) Start(ctx context.Context) func() {
	c := cron.New(cron.WithParser(parser()), cron.WithLocation(time.UTC))
	// Schedule was validated in New.
	_, _ = c.AddFunc(j.cfg.Schedule, func() { j.RunOnce(ctx) })
	c.Start()

	j.logger.InfoContext(ctx, "retention job started",
		slog.String("schedule", j.cfg.Schedule),
		slog.Duration("max_age", j.cfg.MaxAge),
		slog.Bool("purge_log", j.cfg.PurgeLog),
	)

	return func() {
		<-c.Stop().Done()
		j.logger.Info("retention job stopped")
	}
}

// Result summarizes one run.
type Result struct {
	Purged  int
	Cleaned map[string]int
	Err     error
}

// RunOnce purges once and runs every cleaner.
func (j *Job) RunOnce(ctx context.Context) Result {
	start := j.now()
	cutoff := start.Add(-j.cfg.MaxAge)
	res := Result{Cleaned: make(map[string]int, len(j.cleaners))}

	if j.purger != nil {
		n, err := j.purger.Purge(ctx, cutoff, j.cfg.PurgeLog)
		res.Purged, res.Err = n, err
		if err != nil {
			j.logger.ErrorContext(ctx, "retention purge failed",
				slog.Time("cutoff", cutoff),
				slog.String("error", err.Error()),
			)
		}
	}
	for name, c := range j.cleaners {
		res.Cleaned[name] = c.Cleanup()
	}

	j.metrics.observe(res, time.Since(start))
	j.logger.InfoContext(ctx, "retention run complete",
		slog.Time("cutoff", cutoff),
		slog.Int("purged", res.Purged),
		slog.Any("cleaned", res.Cleaned),
	)
	return res
}
