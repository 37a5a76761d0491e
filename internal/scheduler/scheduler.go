// Package scheduler implements admission control and ordering for queued
// executions: a bounded multi-level priority queue, FIFO within a level,
// with optional per-tenant caps and delayed re-queue for retries.
//
// Core invariant: the queue is the only contention point between the
// executor and the worker pool. One mutex guards all queue state.
package scheduler

import (
	"container/heap"
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
)

// ErrClosed is returned once the scheduler has been closed.
var ErrClosed = errors.New("scheduler closed")

const defaultCapacity = 1000

// Config configures the scheduler.
type Config struct {
	// Capacity bounds the number of queued items. Default: 1000.
	Capacity int
	// TenantLimit caps queued+running items per tenant. Zero disables fairness.
	TenantLimit int
}

func (c Config) capacity() int {
	if c.Capacity > 0 {
		return c.Capacity
	}
	return defaultCapacity
}

// Item is a queued reference to an execution record.
type Item struct {
	ID         execution.ID
	TenantID   string
	Priority   execution.Priority
	EnqueuedAt time.Time
}

type entry struct {
	item    Item
	elem    *list.Element // Set while in a ready level.
	readyAt time.Time     // Set while delayed.
	heapIdx int
}

// Scheduler is the bounded priority queue.
type Scheduler struct {
	cfg     Config
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	levels  [execution.NumPriorities]*list.List
	entries map[execution.ID]*entry
	delayed delayHeap
	tenants map[string]int
	wake    chan struct{}
	closed  bool
}

// New creates a scheduler. metrics may be nil.
func New(cfg Config, metrics *Metrics) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[execution.ID]*entry),
		tenants: make(map[string]int),
		wake:    make(chan struct{}),
	}
	for i := range s.levels {
		s.levels[i] = list.New()
	}
	return s
}

// Schedule admits a new item. It fails with ErrQueueFull when the queue is
// at capacity and with ErrTenantLimitReached when the tenant's cap is hit.
func (s *Scheduler) Schedule(item Item) error {
	if !item.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %d", execution.ErrInvalidParameters, item.Priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.entries[item.ID]; exists {
		return fmt.Errorf("execution %s already queued", item.ID)
	}
	if len(s.entries) >= s.cfg.capacity() {
		s.metrics.rejected("queue_full")
		return fmt.Errorf("%w: capacity %d reached", execution.ErrQueueFull, s.cfg.capacity())
	}
	if s.cfg.TenantLimit > 0 && s.tenants[item.TenantID] >= s.cfg.TenantLimit {
		s.metrics.rejected("tenant_limit")
		return fmt.Errorf("%w: tenant %q has %d in flight", execution.ErrTenantLimitReached, item.TenantID, s.tenants[item.TenantID])
	}

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = s.now()
	}
	s.tenants[item.TenantID]++
	s.pushReady(&entry{item: item, heapIdx: -1})
	s.metrics.enqueued(item.Priority)
	s.signal()
	return nil
}

// Requeue puts a retried item back, ready after delay. Retries keep their
// tenant slot and bypass the capacity check.
func (s *Scheduler) Requeue(item Item, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.entries[item.ID]; exists {
		return fmt.Errorf("execution %s already queued", item.ID)
	}
	item.EnqueuedAt = s.now()
	e := &entry{item: item, heapIdx: -1}
	if delay > 0 {
		e.readyAt = item.EnqueuedAt.Add(delay)
		s.entries[item.ID] = e
		heap.Push(&s.delayed, e)
	} else {
		s.pushReady(e)
	}
	s.metrics.requeued()
	s.signal()
	return nil
}

// Next blocks until an item is ready, ctx is done, or the scheduler closes.
// Higher priorities drain first; within a level, order is FIFO.
func (s *Scheduler) Next(ctx context.Context) (Item, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Item{}, ErrClosed
		}
		now := s.now()
		s.promote(now)
		if item, ok := s.popReady(); ok {
			s.mu.Unlock()
			s.metrics.dequeued(item, now)
			return item, nil
		}
		wake := s.wake
		var timer *time.Timer
		var fire <-chan time.Time
		if len(s.delayed) > 0 {
			timer = time.NewTimer(s.delayed[0].readyAt.Sub(now))
			fire = timer.C
		}
		s.mu.Unlock()

		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return Item{}, err
		}
	}
}

// TryNext returns a ready item without blocking.
func (s *Scheduler) TryNext() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Item{}, false
	}
	now := s.now()
	s.promote(now)
	item, ok := s.popReady()
	if ok {
		s.metrics.dequeued(item, now)
	}
	return item, ok
}

// Remove drops a queued or delayed item and releases its tenant slot.
// It reports whether the item was found.
func (s *Scheduler) Remove(id execution.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	if e.elem != nil {
		s.levels[e.item.Priority].Remove(e.elem)
	} else if e.heapIdx >= 0 {
		heap.Remove(&s.delayed, e.heapIdx)
	}
	s.releaseLocked(e.item.TenantID)
	s.metrics.setDepth(len(s.entries))
	return true
}

// Release frees the tenant slot held by an item that left the queue and has
// now finished running.
func (s *Scheduler) Release(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(tenantID)
}

// Len returns the number of queued items, delayed retries included.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Depth returns the number of ready items per priority level.
func (s *Scheduler) Depth() [execution.NumPriorities]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d [execution.NumPriorities]int
	for i, l := range s.levels {
		d[i] = l.Len()
	}
	return d
}

// InFlight returns the queued+running count held by tenantID.
func (s *Scheduler) InFlight(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenants[tenantID]
}

// Close stops the scheduler and returns the items still queued. Blocked
// Next calls return ErrClosed.
func (s *Scheduler) Close() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var drained []Item
	for i := len(s.levels) - 1; i >= 0; i-- {
		for el := s.levels[i].Front(); el != nil; el = el.Next() {
			drained = append(drained, el.Value.(*entry).item)
		}
		s.levels[i].Init()
	}
	for _, e := range s.delayed {
		drained = append(drained, e.item)
	}
	s.delayed = nil
	s.entries = make(map[execution.ID]*entry)
	s.metrics.setDepth(0)
	s.signal()
	return drained
}

func (s *Scheduler) pushReady(e *entry) {
	e.readyAt = time.Time{}
	e.elem = s.levels[e.item.Priority].PushBack(e)
	s.entries[e.item.ID] = e
	s.metrics.setDepth(len(s.entries))
}

func (s *Scheduler) popReady() (Item, bool) {
	for i := len(s.levels) - 1; i >= 0; i-- {
		front := s.levels[i].Front()
		if front == nil {
			continue
		}
		e := s.levels[i].Remove(front).(*entry)
		delete(s.entries, e.item.ID)
		s.metrics.setDepth(len(s.entries))
		return e.item, true
	}
	return Item{}, false
}

// promote moves delayed items whose time has come into their ready level.
func (s *Scheduler) promote(now time.Time) {
	for len(s.delayed) > 0 && !s.delayed[0].readyAt.After(now) {
		e := heap.Pop(&s.delayed).(*entry)
		s.pushReady(e)
	}
}

func (s *Scheduler) releaseLocked(tenantID string) {
	if n := s.tenants[tenantID]; n > 1 {
		s.tenants[tenantID] = n - 1
	} else {
		delete(s.tenants, tenantID)
	}
}

// signal wakes every blocked Next.
func (s *Scheduler) signal() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// delayHeap orders delayed entries by ready time.
type delayHeap []*entry

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *delayHeap) Push(x any) {
	e := x.(*entry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}
