package executor

import (
	"context"
	"sort"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
)

// Status returns a snapshot of the record. Records no longer in memory are
// answered from the execution log when one is attached.
func (e *Executor) Status(ctx context.Context, id execution.ID) (*execution.Record, error) {
	if en := e.lookup(id); en != nil {
		en.mu.Lock()
		defer en.mu.Unlock()
		return en.rec.Clone(), nil
	}
	if e.store != nil {
		rec, err := e.store.GetExecution(ctx, id)
		if err == nil {
			return rec, nil
		}
		if execution.KindOf(err) != execution.KindNotFound {
			return nil, execution.NewError(execution.KindInternal, err, "reading execution log")
		}
	}
	return nil, execution.NewError(execution.KindNotFound, nil, "execution %s not found", id)
}

// Result returns the caller-facing result. For a record that has not ended,
// the result carries the current status and no output.
func (e *Executor) Result(ctx context.Context, id execution.ID) (*execution.Result, error) {
	rec, err := e.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return execution.ResultOf(rec), nil
}

// Wait blocks until the execution ends or ctx is done. Unlike Execute, an
// ended ctx leaves the execution running.
func (e *Executor) Wait(ctx context.Context, id execution.ID) (*execution.Result, error) {
	en := e.lookup(id)
	if en == nil {
		rec, err := e.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if !rec.Status.IsTerminal() {
			return nil, execution.NewError(execution.KindInternal, nil, "execution %s is not tracked by this executor", id)
		}
		return execution.ResultOf(rec), nil
	}

	select {
	case <-en.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return execution.ResultOf(en.rec.Clone()), nil
}

// List returns records matching f, newest first. In-memory records take
// precedence over their persisted copies.
func (e *Executor) List(ctx context.Context, f execution.Filter) ([]*execution.Record, error) {
	seen := make(map[execution.ID]struct{})
	var out []*execution.Record

	e.mu.RLock()
	entries := make([]*entry, 0, len(e.entries))
	for _, en := range e.entries {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	for _, en := range entries {
		en.mu.Lock()
		if f.Match(en.rec) {
			out = append(out, en.rec.Clone())
			seen[en.rec.ID] = struct{}{}
		}
		en.mu.Unlock()
	}

	if e.store != nil {
		persisted, err := e.store.ListExecutions(ctx, f)
		if err != nil {
			return nil, execution.NewError(execution.KindInternal, err, "reading execution log")
		}
		for _, rec := range persisted {
			if _, dup := seen[rec.ID]; !dup {
				out = append(out, rec)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Attempts returns the attempt log of an execution. It requires a store.
func (e *Executor) Attempts(ctx context.Context, id execution.ID) ([]*execution.Attempt, error) {
	if _, err := e.Status(ctx, id); err != nil {
		return nil, err
	}
	if e.store == nil {
		return nil, nil
	}
	attempts, err := e.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, execution.NewError(execution.KindInternal, err, "reading attempt log")
	}
	return attempts, nil
}

// Stats is a point-in-time summary of the executor.
type Stats struct {
	ByStatus        map[execution.Status]int `json:"by_status"`
	Total           int                      `json:"total"`
	QueueDepth      int                      `json:"queue_depth"`
	QueueByPriority map[string]int           `json:"queue_by_priority"`
	Workers         int                      `json:"workers"`
	BusyWorkers     int                      `json:"busy_workers"`
	AvgDuration     time.Duration            `json:"avg_duration"`
}

// SpareWorkers returns how many more attempts could start right now.
func (e *Executor) SpareWorkers() int {
	return e.pool.Spare()
}

// Stats summarizes the records held in memory.
func (e *Executor) Stats() Stats {
	s := Stats{
		ByStatus:        make(map[execution.Status]int),
		QueueDepth:      e.sched.Len(),
		QueueByPriority: make(map[string]int),
		Workers:         e.pool.Workers(),
		BusyWorkers:     e.pool.Busy(),
	}
	for p, n := range e.sched.Depth() {
		s.QueueByPriority[execution.Priority(p).String()] = n
	}

	e.mu.RLock()
	entries := make([]*entry, 0, len(e.entries))
	for _, en := range e.entries {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	var total time.Duration
	var ended int
	for _, en := range entries {
		en.mu.Lock()
		s.ByStatus[en.rec.Status]++
		if en.rec.Status.IsTerminal() {
			if d := en.rec.Duration(); d > 0 {
				total += d
				ended++
			}
		}
		en.mu.Unlock()
	}
	s.Total = len(entries)
	if ended > 0 {
		s.AvgDuration = total / time.Duration(ended)
	}
	return s
}

// Purge drops terminal records that ended before cutoff from memory, and
// from the execution log when purgeLog is set. It returns the number of
// in-memory records removed.
func (e *Executor) Purge(ctx context.Context, cutoff time.Time, purgeLog bool) (int, error) {
	e.mu.Lock()
	removed := 0
	for id, en := range e.entries {
		en.mu.Lock()
		old := en.released && en.rec.EndedAt != nil && en.rec.EndedAt.Before(cutoff)
		en.mu.Unlock()
		if old {
			delete(e.entries, id)
			removed++
		}
	}
	e.mu.Unlock()

	if purgeLog && e.store != nil {
		if _, err := e.store.PurgeExecutions(ctx, cutoff); err != nil {
			return removed, execution.NewError(execution.KindInternal, err, "purging execution log")
		}
	}
	return removed, nil
}
