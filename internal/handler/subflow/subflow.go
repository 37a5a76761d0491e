// Package subflow implements nested sub-execution: a tool whose attempt runs
// another tool through the executor, linked to the parent execution.
package subflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/handler"
)

// Executor is the subset of the executor a subflow needs.
type Executor interface {
	ExecuteAsync(ctx context.Context, req execution.Request) (execution.ID, error)
	Wait(ctx context.Context, id execution.ID) (*execution.Result, error)
	Cancel(ctx context.Context, id execution.ID) error
}

// workerReporter is implemented by executors that can report free worker
// slots.
type workerReporter interface {
	SpareWorkers() int
}

// ErrNoSpareWorker is returned when the child could never be dequeued
// because every worker, the parent's included, is busy.
var ErrNoSpareWorker = errors.New("no spare worker for the subflow child")

// Handler runs config.tool (at config.version) with config.input, or the
// parent's input when no input is configured.
//
// The parent attempt keeps its worker slot while it waits on the child, so a
// chain of depth N needs N free workers. When the executor reports no spare
// worker the attempt fails fast with a transient ErrNoSpareWorker instead of
// waiting out its timeout; the parent's retry policy decides whether to try
// again.
type Handler struct {
	exec Executor
}

// NewFactory returns the handler.Factory for handler.KindSubflow.
func NewFactory(exec Executor) handler.Factory {
	return func() handler.Handler { return &Handler{exec: exec} }
}

func (h *Handler) Validate(cfg map[string]any) error {
	if _, err := handler.RequireString(cfg, "tool"); err != nil {
		return err
	}
	if _, err := handler.String(cfg, "version"); err != nil {
		return err
	}
	_, err := handler.String(cfg, "priority")
	return err
}

func (h *Handler) Execute(ctx context.Context, inv *handler.Invocation) (json.RawMessage, error) {
	tool, _ := handler.RequireString(inv.Config, "tool")
	version, _ := handler.String(inv.Config, "version")

	input := inv.Input
	if v, ok := inv.Config["input"]; ok {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, handler.Permanent(fmt.Errorf("encoding subflow input: %w", err))
		}
		input = data
	}

	parent := inv.ExecutionID
	req := execution.Request{
		ToolID:  tool,
		Version: version,
		Input:   input,
		Caller: execution.Caller{
			TenantID:  inv.Caller.TenantID,
			UserID:    inv.Caller.UserID,
			RequestID: inv.Caller.RequestID,
			ParentID:  &parent,
		},
	}
	if p, _ := handler.String(inv.Config, "priority"); p != "" {
		prio, ok := execution.ParsePriority(p)
		if !ok {
			return nil, handler.Permanentf("unknown priority %q", p)
		}
		req.Options.Priority = prio
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.Options.Timeout = time.Until(deadline)
	}

	if wr, ok := h.exec.(workerReporter); ok && wr.SpareWorkers() == 0 {
		return nil, handler.Transient(fmt.Errorf("running %s: %w", tool, ErrNoSpareWorker))
	}

	childID, err := h.exec.ExecuteAsync(ctx, req)
	if err != nil {
		kind := execution.KindOf(err)
		if kind == execution.KindQueueFull || kind == execution.KindRateLimited {
			return nil, handler.Transient(err)
		}
		return nil, handler.Permanent(err)
	}
	if inv.Logger != nil {
		inv.Logger.DebugContext(ctx, "subflow started",
			slog.String("execution_id", parent.String()),
			slog.String("child_id", childID.String()),
			slog.String("tool_id", tool),
		)
	}

	res, err := h.exec.Wait(ctx, childID)
	if err != nil {
		// Parent cancelled or timed out: the child must not outlive it.
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = h.exec.Cancel(cancelCtx, childID)
		return nil, err
	}

	switch res.Status {
	case execution.StatusCompleted:
		return res.Output, nil
	case execution.StatusTimedOut:
		return nil, handler.Transient(fmt.Errorf("subflow %s timed out", childID))
	case execution.StatusCancelled:
		return nil, handler.Permanent(fmt.Errorf("subflow %s was cancelled", childID))
	default:
		// The child already exhausted its own retry policy.
		msg := "unknown error"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return nil, handler.Permanent(fmt.Errorf("subflow %s failed: %s", childID, msg))
	}
}

func (h *Handler) Cleanup() {}
