package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/handler"
	"github.com/jkaninda/toolexec/internal/registry"
	"github.com/jkaninda/toolexec/internal/sandbox"
	"github.com/jkaninda/toolexec/internal/scheduler"
)

type attemptResult struct {
	output    json.RawMessage
	err       error
	usage     *execution.Usage
	sandboxID string
	started   time.Time
	timedOut  bool
	timeout   time.Duration
}

// Process runs one dequeued item. It implements worker.Processor.
func (e *Executor) Process(ctx context.Context, item scheduler.Item) {
	en := e.lookup(item.ID)
	if en == nil {
		e.sched.Release(item.TenantID)
		return
	}

	en.mu.Lock()
	if en.rec.Status.IsTerminal() {
		en.mu.Unlock()
		return
	}
	if en.cancelRequested {
		snap, ok := e.terminateLocked(en, execution.StatusCancelled, nil)
		en.mu.Unlock()
		if ok {
			e.ended(snap)
		}
		return
	}
	if err := en.rec.Transition(execution.StatusRunning, e.now()); err != nil {
		en.mu.Unlock()
		e.logger.Error("cannot start execution",
			slog.String("execution_id", item.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	en.cancelAttempt = cancel
	en.attemptStarted = e.now()
	rec := en.rec.Clone()
	desc := en.desc
	en.mu.Unlock()

	e.metrics.attemptStarted()
	e.monitor.ExecutionStarted(ctx, rec)
	e.logger.Debug("attempt started",
		slog.String("execution_id", rec.ID.String()),
		slog.String("tool_id", rec.ToolID),
		slog.Int("attempt", rec.Attempts),
	)

	res := e.runAttempt(attemptCtx, en, rec, desc)
	e.complete(en, item, rec, res)
}

// Abort converts a panic recovered by the worker into a Failed record.
// It implements worker.Processor.
func (e *Executor) Abort(item scheduler.Item, recovered any) {
	en := e.lookup(item.ID)
	if en == nil {
		e.sched.Release(item.TenantID)
		return
	}

	en.mu.Lock()
	if en.rec.Status != execution.StatusRunning {
		en.mu.Unlock()
		return
	}
	a := &execution.Attempt{
		ExecutionID: en.rec.ID,
		Number:      en.rec.Attempts,
		SandboxID:   en.rec.SandboxID,
		StartedAt:   en.attemptStarted,
		EndedAt:     e.now(),
		Outcome:     execution.StatusFailed,
		Err:         execution.NewError(execution.KindInternal, nil, "handler panicked: %v", recovered),
	}
	if en.cancelAttempt != nil {
		en.cancelAttempt()
	}
	tool := en.rec.ToolID
	snap, ok := e.terminateLocked(en, execution.StatusFailed, a.Err)
	en.mu.Unlock()

	e.metrics.attemptEnded(tool, execution.StatusFailed)
	e.persistAttempt(a)
	if ok {
		e.ended(snap)
	}
}

// runAttempt resolves the handler, validates its config, creates the sandbox
// and executes. The sandbox is destroyed on every return path.
func (e *Executor) runAttempt(ctx context.Context, en *entry, rec *execution.Record, desc *registry.Descriptor) (res attemptResult) {
	res.started = e.now()
	defer func() {
		if res.usage == nil {
			res.usage = &execution.Usage{}
		}
		res.usage.WallTime = e.now().Sub(res.started)
	}()

	kind, err := handler.ParseKind(desc.Kind)
	if err != nil {
		res.err = fmt.Errorf("%w: %w", execution.ErrInvalidConfig, err)
		return res
	}
	h, err := e.handlers.New(kind)
	if err != nil {
		res.err = err
		return res
	}
	if err := h.Validate(desc.Config); err != nil {
		h.Cleanup()
		res.err = fmt.Errorf("%w: %w", execution.ErrInvalidConfig, err)
		return res
	}

	timeout := rec.Timeout
	if w := rec.Retry.MaxElapsed; w > 0 && rec.StartedAt != nil {
		if remaining := rec.StartedAt.Add(w).Sub(res.started); remaining < timeout {
			timeout = remaining
		}
	}
	res.timeout = timeout
	if timeout <= 0 {
		h.Cleanup()
		res.err, res.timedOut = context.DeadlineExceeded, true
		return res
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sbxID, err := e.sandboxes.Create(runCtx, sandbox.Spec{
		Level:  desc.Level,
		Limits: desc.Limits,
		Policy: desc.Policy,
		Image:  desc.Image,
		Labels: map[string]string{
			"execution_id": rec.ID.String(),
			"tool_id":      rec.ToolID,
			"tenant_id":    rec.Caller.TenantID,
		},
	})
	if err != nil {
		h.Cleanup()
		if errors.Is(err, sandbox.ErrInvalidPolicy) {
			err = fmt.Errorf("%w: %w", execution.ErrInvalidConfig, err)
		}
		res.err = err
		res.timedOut = runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		return res
	}
	res.sandboxID = sbxID

	log := e.logger.With(
		slog.String("execution_id", rec.ID.String()),
		slog.String("tool_id", rec.ToolID),
		slog.Int("attempt", rec.Attempts),
		slog.String("sandbox_id", sbxID),
	)
	teardown := sync.OnceFunc(func() {
		dctx, dcancel := context.WithTimeout(context.Background(), defaultTeardownTimeout)
		defer dcancel()
		if err := e.sandboxes.Destroy(dctx, sbxID); err != nil {
			log.Error("destroying sandbox", slog.String("error", err.Error()))
		}
	})
	defer teardown()

	en.mu.Lock()
	en.rec.SandboxID = sbxID
	en.teardown = teardown
	en.mu.Unlock()

	runner := &usageRunner{inner: handler.BindSandbox(e.sandboxes, sbxID)}
	inv := &handler.Invocation{
		ExecutionID: rec.ID,
		ToolID:      rec.ToolID,
		ToolVersion: rec.ToolVersion,
		Config:      desc.Config,
		Input:       rec.Input,
		Caller:      rec.Caller,
		Depth:       rec.Depth,
		Attempt:     rec.Attempts,
		Sandbox:     runner,
		Logger:      log,
	}

	type outcome struct {
		output   json.RawMessage
		err      error
		panicked any
	}
	done := make(chan outcome, 1)
	go func() {
		defer h.Cleanup()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panicked: r}
			}
		}()
		out, err := h.Execute(runCtx, inv)
		done <- outcome{output: out, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-runCtx.Done():
		// Kill whatever runs inside the sandbox, then give the handler the
		// grace period to return.
		teardown()
		select {
		case o = <-done:
		case <-time.After(e.cfg.cancelGrace()):
			log.Warn("handler ignored cancellation, abandoning attempt")
			o = outcome{err: runCtx.Err()}
		}
	}
	if o.panicked != nil {
		panic(o.panicked)
	}

	res.output, res.err = o.output, o.err
	res.usage = runner.snapshot()
	// Past the deadline the attempt is TimedOut even if the handler ignored
	// its context and returned a result late.
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		res.timedOut = true
		res.output = nil
		if res.err == nil {
			res.err = context.DeadlineExceeded
		}
	}
	return res
}

// complete records the outcome of an attempt: terminal status, or re-queue
// for a retry.
func (e *Executor) complete(en *entry, item scheduler.Item, started *execution.Record, res attemptResult) {
	now := e.now()
	a := &execution.Attempt{
		ExecutionID: started.ID,
		Number:      started.Attempts,
		SandboxID:   res.sandboxID,
		StartedAt:   res.started,
		EndedAt:     now,
	}

	var (
		snap      *execution.Record
		ended     bool
		retrySnap *execution.Record
		violation *execution.Error
	)

	en.mu.Lock()
	en.rec.Usage = res.usage
	switch {
	case en.cancelRequested || (res.err != nil && e.runCtx.Err() != nil):
		snap, ended = e.terminateLocked(en, execution.StatusCancelled, nil)
	case res.err == nil:
		en.rec.Output = res.output
		snap, ended = e.terminateLocked(en, execution.StatusCompleted, nil)
	default:
		xerr := classify(res, started.Attempts)
		a.Err = xerr
		if xerr.Kind == execution.KindSecurity {
			violation = xerr
		}
		if delay, ok := e.retryDelay(en.rec, xerr, res.err, now); ok {
			en.rec.Err = xerr
			if err := en.rec.Transition(execution.StatusQueued, now); err == nil {
				next := now.Add(delay)
				en.rec.NextRetryAt = &next
				en.cancelAttempt = nil
				en.teardown = nil
				a.RetryDelay = delay
				retrySnap = en.rec.Clone()
			}
		} else {
			status := execution.StatusFailed
			if xerr.Kind == execution.KindTimeout {
				status = execution.StatusTimedOut
			}
			snap, ended = e.terminateLocked(en, status, xerr)
		}
	}
	a.Outcome = en.rec.Status
	en.mu.Unlock()

	e.metrics.attemptEnded(started.ToolID, a.Outcome)
	e.persistAttempt(a)

	if violation != nil {
		if e.guard != nil {
			e.guard.ReportViolation(context.Background(), started, violation)
		}
		e.monitor.SecurityViolation(context.Background(), started, violation)
	}

	if retrySnap != nil {
		e.requeue(en, item, retrySnap, a.RetryDelay)
		return
	}
	if ended {
		e.ended(snap)
	}
}

func (e *Executor) requeue(en *entry, item scheduler.Item, rec *execution.Record, delay time.Duration) {
	if err := e.sched.Requeue(item, delay); err != nil {
		en.mu.Lock()
		snap, ok := e.terminateLocked(en, execution.StatusCancelled, nil)
		en.mu.Unlock()
		if ok {
			e.ended(snap)
		}
		return
	}

	// A cancel that landed between the transition and the re-queue could
	// not remove the item; finish it here.
	en.mu.Lock()
	if en.cancelRequested && e.sched.Remove(rec.ID) {
		en.released = true
		snap, ok := e.terminateLocked(en, execution.StatusCancelled, nil)
		en.mu.Unlock()
		if ok {
			e.ended(snap)
		}
		return
	}
	en.mu.Unlock()

	e.monitor.ExecutionRetrying(context.Background(), rec, delay)
	e.logger.Info("execution retrying",
		slog.String("execution_id", rec.ID.String()),
		slog.String("tool_id", rec.ToolID),
		slog.Int("attempt", rec.Attempts),
		slog.Int("retry", rec.RetryCount),
		slog.Duration("delay", delay),
		slog.String("error", rec.Err.Error()),
	)
}

// retryDelay reports whether the failed attempt may be retried, and after
// how long.
func (e *Executor) retryDelay(rec *execution.Record, xerr *execution.Error, cause error, now time.Time) (time.Duration, bool) {
	if rec.Attempts >= rec.Retry.MaxAttempts() {
		return 0, false
	}
	if !rec.Retry.Retryable(xerr.Kind) {
		return 0, false
	}
	if xerr.Kind == execution.KindExecution && !handler.IsRetryable(cause) {
		return 0, false
	}
	delay := rec.Retry.DelayFor(rec.RetryCount + 1)
	if w := rec.Retry.MaxElapsed; w > 0 && rec.StartedAt != nil {
		if now.Add(delay).After(rec.StartedAt.Add(w)) {
			return 0, false
		}
	}
	return delay, true
}

// classify maps an attempt failure to its error kind.
func classify(res attemptResult, attempt int) *execution.Error {
	err := res.err
	switch {
	case res.timedOut:
		return execution.NewError(execution.KindTimeout, err, "attempt %d exceeded its %s timeout", attempt, res.timeout)
	case errors.Is(err, execution.ErrSecurityViolation):
		return execution.NewError(execution.KindSecurity, err, "attempt %d violated the sandbox policy", attempt)
	case errors.Is(err, execution.ErrResourceLimit):
		return execution.NewError(execution.KindResourceLimit, err, "attempt %d exceeded a resource limit", attempt)
	case errors.Is(err, execution.ErrInvalidConfig):
		return execution.NewError(execution.KindInvalidConfig, err, "invalid tool configuration")
	case errors.Is(err, execution.ErrInvalidParameters), errors.Is(err, execution.ErrDepthExceeded):
		return execution.NewError(execution.KindValidation, err, "attempt %d rejected its input", attempt)
	}
	return execution.NewError(execution.KindExecution, err, "attempt %d failed", attempt)
}

// usageRunner accumulates resource usage over every command an attempt runs.
type usageRunner struct {
	inner handler.Runner

	mu    sync.Mutex
	usage execution.Usage
}

func (u *usageRunner) Run(ctx context.Context, cmd sandbox.Command, input []byte) (*sandbox.Output, error) {
	out, err := u.inner.Run(ctx, cmd, input)
	if out != nil {
		u.mu.Lock()
		u.usage.UserCPU += out.Usage.UserCPU
		u.usage.SystemCPU += out.Usage.SystemCPU
		u.usage.MaxRSSKB = max(u.usage.MaxRSSKB, out.Usage.MaxRSSKB)
		u.usage.OutputBytes += out.Usage.OutputBytes
		u.mu.Unlock()
	}
	return out, err
}

func (u *usageRunner) snapshot() *execution.Usage {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := u.usage
	return &s
}
