package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
)

// Cancel requests cancellation. Queued executions end Cancelled at once.
// Running ones have their attempt context cancelled; the sandbox is
// destroyed by force if the attempt has not wound down after the grace
// period. Cancelling an ended or already-cancelled execution is a no-op.
func (e *Executor) Cancel(ctx context.Context, id execution.ID) error {
	en := e.lookup(id)
	if en == nil {
		rec, err := e.Status(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status.IsTerminal() {
			return nil
		}
		return execution.NewError(execution.KindInternal, nil, "execution %s is not tracked by this executor", id)
	}

	en.mu.Lock()
	if en.rec.Status.IsTerminal() || en.cancelRequested {
		en.mu.Unlock()
		return nil
	}
	en.cancelRequested = true

	switch en.rec.Status {
	case execution.StatusPending, execution.StatusQueued:
		if !e.sched.Remove(id) {
			// Dequeued but not yet Running: the worker observes the flag.
			en.mu.Unlock()
			return nil
		}
		en.released = true
		snap, ok := e.terminateLocked(en, execution.StatusCancelled, nil)
		en.mu.Unlock()
		if ok {
			e.ended(snap)
		}
		return nil

	case execution.StatusRunning:
		cancelAttempt, teardown := en.cancelAttempt, en.teardown
		en.mu.Unlock()

		e.logger.Info("cancelling running execution", slog.String("execution_id", id.String()))
		if cancelAttempt != nil {
			cancelAttempt()
		}
		if teardown != nil {
			time.AfterFunc(e.cfg.cancelGrace(), teardown)
		}
		return nil
	}

	en.mu.Unlock()
	return nil
}
