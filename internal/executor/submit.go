package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/registry"
	"github.com/jkaninda/toolexec/internal/sandbox"
	"github.com/jkaninda/toolexec/internal/scheduler"
)

// Execute submits req and blocks until the execution reaches a terminal
// status. The result is returned for every terminal status; the error is
// the classified failure when the status is not Completed. If ctx ends
// first, the execution is cancelled and ctx's error is returned classified.
func (e *Executor) Execute(ctx context.Context, req execution.Request) (*execution.Result, error) {
	en, err := e.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	select {
	case <-en.done:
	case <-ctx.Done():
		_ = e.Cancel(context.WithoutCancel(ctx), en.rec.ID)
		return nil, execution.AsError(ctx.Err())
	}

	en.mu.Lock()
	res := execution.ResultOf(en.rec.Clone())
	en.mu.Unlock()
	return res, resultError(res)
}

// ExecuteAsync submits req and returns its execution id.
func (e *Executor) ExecuteAsync(ctx context.Context, req execution.Request) (execution.ID, error) {
	en, err := e.submit(ctx, req)
	if err != nil {
		return execution.ID{}, err
	}
	return en.rec.ID, nil
}

func resultError(res *execution.Result) error {
	switch res.Status {
	case execution.StatusCompleted:
		return nil
	case execution.StatusCancelled:
		if res.Err != nil {
			return res.Err
		}
		return execution.NewError(execution.KindCancelled, nil, "execution cancelled")
	}
	return res.Err
}

// submit runs admission and enqueues a new record. Admission failures never
// leave a record behind.
func (e *Executor) submit(ctx context.Context, req execution.Request) (*entry, error) {
	en, err := e.admit(ctx, req)
	if err != nil {
		aerr := execution.AsError(err)
		e.metrics.rejected(aerr.Kind)
		e.logger.Debug("execution rejected",
			slog.String("tool_id", req.ToolID),
			slog.String("tenant_id", req.Caller.TenantID),
			slog.String("kind", string(aerr.Kind)),
			slog.String("error", err.Error()),
		)
		return nil, aerr
	}
	return en, nil
}

func (e *Executor) admit(ctx context.Context, req execution.Request) (*entry, error) {
	if e.stopped.Load() {
		return nil, execution.NewError(execution.KindInternal, execution.ErrExecutorStopped, "executor is shutting down")
	}
	if req.ToolID == "" {
		return nil, execution.NewError(execution.KindValidation, nil, "tool_id is required")
	}
	if !req.Options.Priority.Valid() {
		return nil, execution.NewError(execution.KindValidation, nil, "invalid priority %d", req.Options.Priority)
	}
	if req.Options.Timeout < 0 {
		return nil, execution.NewError(execution.KindValidation, nil, "timeout must not be negative")
	}
	if req.Options.Retry != nil {
		if err := req.Options.Retry.Validate(); err != nil {
			return nil, execution.NewError(execution.KindValidation, err, "invalid retry override")
		}
		if err := e.checkRetry(*req.Options.Retry); err != nil {
			return nil, err
		}
	}

	depth, err := e.depthOf(ctx, req.Caller.ParentID)
	if err != nil {
		return nil, err
	}

	desc, err := e.tools.Resolve(ctx, req.ToolID, req.Version)
	if err != nil {
		return nil, execution.NewError(execution.KindOf(err), err, "resolving %s", req.ToolID)
	}
	if err := registry.ValidateInput(desc.InputSchema, req.Input); err != nil {
		return nil, execution.NewError(execution.KindValidation, err, "input does not match the tool schema")
	}
	if e.guard != nil {
		if err := e.guard.Authorize(ctx, req.Caller, desc); err != nil {
			return nil, execution.NewError(execution.KindPermissionDenied, err, "tenant %q may not run %s", req.Caller.TenantID, desc.ID)
		}
	}

	timeout := e.timeoutFor(req, desc)
	if err := e.checkCeilings(timeout, desc.Limits); err != nil {
		return nil, err
	}
	if e.limiter != nil {
		if err := e.limiter.Allow(req.Caller.TenantID); err != nil {
			return nil, execution.NewError(execution.KindRateLimited, err, "tenant %q exceeded its admission rate", req.Caller.TenantID)
		}
	}

	rec := execution.NewRecord(req, e.now())
	rec.ToolVersion = desc.Version
	rec.Depth = depth
	rec.Timeout = timeout
	rec.Retry = desc.Retry
	if req.Options.Retry != nil {
		rec.Retry = *req.Options.Retry
		if rec.Retry.MaxRetries > 0 && rec.Retry.MaxElapsed == 0 {
			rec.Retry.MaxElapsed = e.cfg.maxRetryElapsed()
		}
	}

	en := &entry{rec: rec, desc: desc, done: make(chan struct{})}
	en.mu.Lock()
	defer en.mu.Unlock()

	e.mu.Lock()
	e.entries[rec.ID] = en
	e.mu.Unlock()

	err = e.sched.Schedule(scheduler.Item{
		ID:         rec.ID,
		TenantID:   rec.Caller.TenantID,
		Priority:   rec.Priority,
		EnqueuedAt: rec.SubmittedAt,
	})
	if err != nil {
		e.mu.Lock()
		delete(e.entries, rec.ID)
		e.mu.Unlock()
		if errors.Is(err, scheduler.ErrClosed) {
			return nil, execution.NewError(execution.KindInternal, execution.ErrExecutorStopped, "executor is shutting down")
		}
		return nil, err
	}
	if err := rec.Transition(execution.StatusQueued, e.now()); err != nil {
		return nil, execution.NewError(execution.KindInternal, err, "queueing execution")
	}

	e.metrics.submitted(rec.ToolID)
	e.logger.Info("execution queued",
		slog.String("execution_id", rec.ID.String()),
		slog.String("tool_id", desc.ID),
		slog.String("version", desc.Version),
		slog.String("tenant_id", rec.Caller.TenantID),
		slog.String("priority", rec.Priority.String()),
		slog.Int("depth", depth),
	)
	return en, nil
}

// depthOf returns the nesting depth of a child of parentID.
func (e *Executor) depthOf(ctx context.Context, parentID *execution.ID) (int, error) {
	if parentID == nil {
		return 0, nil
	}
	parentDepth := 0
	if p := e.lookup(*parentID); p != nil {
		p.mu.Lock()
		parentDepth = p.rec.Depth
		p.mu.Unlock()
	} else if e.store != nil {
		if rec, err := e.store.GetExecution(ctx, *parentID); err == nil {
			parentDepth = rec.Depth
		}
	}
	depth := parentDepth + 1
	if depth > e.cfg.maxDepth() {
		return 0, execution.NewError(execution.KindValidation, execution.ErrDepthExceeded,
			"depth %d exceeds the limit of %d", depth, e.cfg.maxDepth())
	}
	return depth, nil
}

func (e *Executor) timeoutFor(req execution.Request, desc *registry.Descriptor) time.Duration {
	switch {
	case req.Options.Timeout > 0:
		return req.Options.Timeout
	case desc.Timeout > 0:
		return desc.Timeout
	}
	return e.cfg.defaultTimeout()
}

func (e *Executor) checkCeilings(timeout time.Duration, limits sandbox.ResourceLimits) error {
	if timeout > e.cfg.maxTimeout() {
		return execution.NewError(execution.KindValidation, nil,
			"timeout %s exceeds the ceiling of %s", timeout, e.cfg.maxTimeout())
	}
	c := e.cfg.Ceilings
	over := func(v, ceiling int) bool { return ceiling > 0 && v > ceiling }
	switch {
	case over(limits.MaxCPUSeconds, c.MaxCPUSeconds):
		return execution.NewError(execution.KindValidation, nil, "cpu limit %ds exceeds the ceiling of %ds", limits.MaxCPUSeconds, c.MaxCPUSeconds)
	case over(limits.MaxMemoryMB, c.MaxMemoryMB):
		return execution.NewError(execution.KindValidation, nil, "memory limit %dMB exceeds the ceiling of %dMB", limits.MaxMemoryMB, c.MaxMemoryMB)
	case over(limits.MaxProcesses, c.MaxProcesses):
		return execution.NewError(execution.KindValidation, nil, "process limit %d exceeds the ceiling of %d", limits.MaxProcesses, c.MaxProcesses)
	case over(limits.MaxFileSizeMB, c.MaxFileSizeMB):
		return execution.NewError(execution.KindValidation, nil, "file size limit %dMB exceeds the ceiling of %dMB", limits.MaxFileSizeMB, c.MaxFileSizeMB)
	case over(limits.MaxOpenFiles, c.MaxOpenFiles):
		return execution.NewError(execution.KindValidation, nil, "open files limit %d exceeds the ceiling of %d", limits.MaxOpenFiles, c.MaxOpenFiles)
	}
	return nil
}

// checkRetry bounds a caller-supplied retry policy. Tool descriptors are
// trusted configuration and are not capped here.
func (e *Executor) checkRetry(p execution.RetryPolicy) error {
	if p.MaxRetries > e.cfg.maxRetries() {
		return execution.NewError(execution.KindValidation, nil,
			"max_retries %d exceeds the ceiling of %d", p.MaxRetries, e.cfg.maxRetries())
	}
	if p.MaxElapsed > e.cfg.maxRetryElapsed() {
		return execution.NewError(execution.KindValidation, nil,
			"retry max_elapsed %s exceeds the ceiling of %s", p.MaxElapsed, e.cfg.maxRetryElapsed())
	}
	return nil
}
