// Package executor is the public façade of the execution engine. It admits
// requests, builds execution records, feeds the scheduler and runs attempts
// on the worker pool inside sandbox instances.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/handler"
	"github.com/jkaninda/toolexec/internal/registry"
	"github.com/jkaninda/toolexec/internal/sandbox"
	"github.com/jkaninda/toolexec/internal/scheduler"
	"github.com/jkaninda/toolexec/internal/worker"
)

const (
	defaultMaxDepth        = 5
	defaultTimeout         = 30 * time.Second
	defaultMaxTimeout      = time.Hour
	defaultCancelGrace     = 5 * time.Second
	defaultTeardownTimeout = 10 * time.Second
	defaultPersistTimeout  = 5 * time.Second
	defaultMaxRetries      = 10
	defaultMaxRetryElapsed = time.Hour
)

// Config configures the executor.
type Config struct {
	// MaxDepth bounds nested sub-execution depth. Default: 5.
	MaxDepth int
	// DefaultTimeout applies when neither the request nor the tool sets one.
	DefaultTimeout time.Duration
	// MaxTimeout is the ceiling for requested and configured timeouts.
	MaxTimeout time.Duration
	// CancelGrace is how long a cancelled or timed-out attempt may take to
	// observe cancellation before its sandbox is destroyed by force.
	CancelGrace time.Duration
	// Ceilings caps per-tool resource limits. Zero fields are unbounded.
	Ceilings sandbox.ResourceLimits
	// MaxRetries caps the retries a request may ask for. Default: 10.
	MaxRetries int
	// MaxRetryElapsed caps a requested retry window. An override without
	// max_elapsed gets this window. Default: 1h.
	MaxRetryElapsed time.Duration

	Queue   scheduler.Config
	Workers worker.Config
}

func (c Config) maxDepth() int {
	if c.MaxDepth > 0 {
		return c.MaxDepth
	}
	return defaultMaxDepth
}

func (c Config) defaultTimeout() time.Duration {
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return defaultTimeout
}

func (c Config) maxTimeout() time.Duration {
	if c.MaxTimeout > 0 {
		return c.MaxTimeout
	}
	return defaultMaxTimeout
}

func (c Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return defaultMaxRetries
}

func (c Config) maxRetryElapsed() time.Duration {
	if c.MaxRetryElapsed > 0 {
		return c.MaxRetryElapsed
	}
	return defaultMaxRetryElapsed
}

func (c Config) cancelGrace() time.Duration {
	if c.CancelGrace > 0 {
		return c.CancelGrace
	}
	return defaultCancelGrace
}

// Store is the persisted execution log, keyed by execution id.
type Store interface {
	SaveExecution(ctx context.Context, rec *execution.Record) error
	// GetExecution returns an error wrapping execution.ErrNotFound when absent.
	GetExecution(ctx context.Context, id execution.ID) (*execution.Record, error)
	ListExecutions(ctx context.Context, f execution.Filter) ([]*execution.Record, error)
	SaveAttempt(ctx context.Context, a *execution.Attempt) error
	ListAttempts(ctx context.Context, id execution.ID) ([]*execution.Attempt, error)
	PurgeExecutions(ctx context.Context, before time.Time) (int64, error)
}

// Guard performs tenant permission checks and records security violations.
type Guard interface {
	// Authorize returns an error wrapping execution.ErrPermissionDenied when
	// caller may not run the tool.
	Authorize(ctx context.Context, caller execution.Caller, desc *registry.Descriptor) error
	ReportViolation(ctx context.Context, rec *execution.Record, err *execution.Error)
}

// Limiter is a per-tenant admission rate limiter.
type Limiter interface {
	Allow(key string) error
}

type entry struct {
	mu   sync.Mutex
	rec  *execution.Record
	desc *registry.Descriptor
	done chan struct{}

	cancelRequested bool
	cancelAttempt   context.CancelFunc
	teardown        func() // Destroys the current attempt's sandbox, once.
	released        bool   // Tenant slot already returned to the scheduler.
	attemptStarted  time.Time
}

// Executor runs tool executions. Construct with New, wire optional
// collaborators with the With* methods, then Start.
type Executor struct {
	cfg       Config
	tools     registry.Registry
	handlers  *handler.Registry
	sandboxes sandbox.Manager
	sched     *scheduler.Scheduler
	pool      *worker.Pool
	logger    *slog.Logger

	store   Store
	guard   Guard
	limiter Limiter
	monitor Monitor
	metrics *Metrics

	mu      sync.RWMutex
	entries map[execution.ID]*entry

	runCtx    context.Context
	cancelRun context.CancelFunc
	started   atomic.Bool
	stopped   atomic.Bool
	now       func() time.Time
}

// New creates an executor. The handler registry and sandbox manager are
// owned by this executor from here on.
func New(cfg Config, tools registry.Registry, handlers *handler.Registry, sandboxes sandbox.Manager, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		cfg:       cfg,
		tools:     tools,
		handlers:  handlers,
		sandboxes: sandboxes,
		logger:    logger,
		monitor:   nopMonitor{},
		entries:   make(map[execution.ID]*entry),
		runCtx:    runCtx,
		cancelRun: cancel,
		now:       time.Now,
	}
	e.sched = scheduler.New(cfg.Queue, nil)
	e.pool = worker.NewPool(cfg.Workers, e.sched, e, nil, logger)
	return e
}

// WithStore attaches the persisted execution log.
func (e *Executor) WithStore(s Store) *Executor {
	e.store = s
	return e
}

// WithGuard attaches tenant permission checks and violation reporting.
func (e *Executor) WithGuard(g Guard) *Executor {
	e.guard = g
	return e
}

// WithLimiter attaches a per-tenant admission rate limiter.
func (e *Executor) WithLimiter(l Limiter) *Executor {
	e.limiter = l
	return e
}

// WithMonitor adds lifecycle observers. Repeated calls accumulate; every
// monitor sees every event in attachment order.
func (e *Executor) WithMonitor(monitors ...Monitor) *Executor {
	var all Monitors
	if existing, ok := e.monitor.(Monitors); ok {
		all = append(all, existing...)
	}
	for _, m := range monitors {
		if m != nil {
			all = append(all, m)
		}
	}
	e.monitor = all
	return e
}

// WithMetrics attaches executor, scheduler and worker metrics.
func (e *Executor) WithMetrics(m *Metrics, sm *scheduler.Metrics, wm *worker.Metrics) *Executor {
	e.metrics = m
	e.sched = scheduler.New(e.cfg.Queue, sm)
	e.pool = worker.NewPool(e.cfg.Workers, e.sched, e, wm, e.logger)
	return e
}

// Start spawns the worker pool.
func (e *Executor) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("executor already started")
	}
	if err := e.pool.Start(e.runCtx); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}
	e.logger.Info("executor started",
		slog.Int("max_depth", e.cfg.maxDepth()),
		slog.Duration("default_timeout", e.cfg.defaultTimeout()),
	)
	return nil
}

// Shutdown stops admission, cancels queued executions and waits for running
// attempts until ctx ends, after which they are cancelled.
func (e *Executor) Shutdown(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Info("executor shutting down")

	for _, item := range e.sched.Close() {
		if en := e.lookup(item.ID); en != nil {
			en.mu.Lock()
			en.released = true
			snap, ok := e.terminateLocked(en, execution.StatusCancelled, nil)
			en.mu.Unlock()
			if ok {
				e.ended(snap)
			}
		}
	}

	err := e.pool.Stop(ctx)
	if err != nil {
		e.logger.Warn("cancelling in-flight executions", slog.String("error", err.Error()))
		e.cancelRun()
		waitCtx, cancel := context.WithTimeout(context.Background(), e.cfg.cancelGrace())
		defer cancel()
		_ = e.pool.Stop(waitCtx)
	}
	e.cancelRun()
	return err
}

// Handlers returns the handler registry owned by this executor.
func (e *Executor) Handlers() *handler.Registry { return e.handlers }

func (e *Executor) lookup(id execution.ID) *entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.entries[id]
}

// terminateLocked moves en to a terminal status. It returns a snapshot to
// hand to ended, or false if the record was already terminal.
func (e *Executor) terminateLocked(en *entry, status execution.Status, cause *execution.Error) (*execution.Record, bool) {
	if en.rec.Status.IsTerminal() {
		return nil, false
	}
	if err := en.rec.Transition(status, e.now()); err != nil {
		e.logger.Error("illegal transition",
			slog.String("execution_id", en.rec.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if cause != nil {
		en.rec.Err = cause
	} else if status == execution.StatusCancelled {
		en.rec.Err = execution.NewError(execution.KindCancelled, nil, "execution cancelled")
	}
	if status != execution.StatusCompleted {
		en.rec.Output = nil
	}
	en.cancelAttempt = nil
	en.teardown = nil
	return en.rec.Clone(), true
}

// ended runs the post-terminal side effects outside the entry lock, then
// wakes waiters. Called exactly once per record.
func (e *Executor) ended(rec *execution.Record) {
	en := e.lookup(rec.ID)
	if en != nil {
		en.mu.Lock()
		release := !en.released
		en.released = true
		en.mu.Unlock()
		if release {
			e.sched.Release(rec.Caller.TenantID)
		}
		defer close(en.done)
	}

	e.persist(rec)
	e.metrics.ended(rec)
	e.monitor.ExecutionEnded(context.Background(), rec)

	attrs := []any{
		slog.String("execution_id", rec.ID.String()),
		slog.String("tool_id", rec.ToolID),
		slog.String("tenant_id", rec.Caller.TenantID),
		slog.String("status", string(rec.Status)),
		slog.Int("attempts", rec.Attempts),
		slog.Duration("duration", rec.Duration()),
	}
	if rec.Err != nil && rec.Status != execution.StatusCancelled {
		attrs = append(attrs, slog.String("error", rec.Err.Error()))
		e.logger.Warn("execution ended", attrs...)
		return
	}
	e.logger.Info("execution ended", attrs...)
}

func (e *Executor) persist(rec *execution.Record) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
	defer cancel()
	if err := e.store.SaveExecution(ctx, rec); err != nil {
		e.logger.Error("persisting execution",
			slog.String("execution_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) persistAttempt(a *execution.Attempt) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
	defer cancel()
	if err := e.store.SaveAttempt(ctx, a); err != nil {
		e.logger.Error("persisting attempt",
			slog.String("execution_id", a.ExecutionID.String()),
			slog.Int("attempt", a.Number),
			slog.String("error", err.Error()),
		)
	}
}
