package executor

import (
	"context"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
)

// Monitor observes execution lifecycle events. Implementations must not
// block; they are called from worker goroutines.
type Monitor interface {
	// ExecutionStarted is called when an attempt enters Running.
	ExecutionStarted(ctx context.Context, rec *execution.Record)
	// ExecutionRetrying is called when a failed attempt is re-queued.
	ExecutionRetrying(ctx context.Context, rec *execution.Record, delay time.Duration)
	// ExecutionEnded is called once per record, after its terminal transition.
	ExecutionEnded(ctx context.Context, rec *execution.Record)
	// SecurityViolation is called when an attempt fails on a sandbox policy.
	SecurityViolation(ctx context.Context, rec *execution.Record, err *execution.Error)
}

// Monitors fans every event out to each monitor in order.
type Monitors []Monitor

func (ms Monitors) ExecutionStarted(ctx context.Context, rec *execution.Record) {
	for _, m := range ms {
		m.ExecutionStarted(ctx, rec)
	}
}

func (ms Monitors) ExecutionRetrying(ctx context.Context, rec *execution.Record, delay time.Duration) {
	for _, m := range ms {
		m.ExecutionRetrying(ctx, rec, delay)
	}
}

func (ms Monitors) ExecutionEnded(ctx context.Context, rec *execution.Record) {
	for _, m := range ms {
		m.ExecutionEnded(ctx, rec)
	}
}

func (ms Monitors) SecurityViolation(ctx context.Context, rec *execution.Record, err *execution.Error) {
	for _, m := range ms {
		m.SecurityViolation(ctx, rec, err)
	}
}

type nopMonitor struct{}

func (nopMonitor) ExecutionStarted(context.Context, *execution.Record) {}
func (nopMonitor) ExecutionRetrying(context.Context, *execution.Record, time.Duration) {}
func (nopMonitor) ExecutionEnded(context.Context, *execution.Record) {}
func (nopMonitor) SecurityViolation(context.Context, *execution.Record, *execution.Error) {}
