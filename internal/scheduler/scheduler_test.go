package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/toolexec/internal/execution"
)

func item(tenant string, p execution.Priority) Item {
	return Item{ID: execution.NewID(), TenantID: tenant, Priority: p}
}

func mustSchedule(t *testing.T, s *Scheduler, it Item) {
	t.Helper()
	if err := s.Schedule(it); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
}

func mustNext(t *testing.T, s *Scheduler) Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return it
}

// --- Ordering ---

func TestScheduler_FIFOWithinLevel(t *testing.T) {
	s := New(Config{}, nil)
	var ids []execution.ID
	for i := 0; i < 5; i++ {
		it := item("t", execution.PriorityNormal)
		ids = append(ids, it.ID)
		mustSchedule(t, s, it)
	}
	for i, want := range ids {
		if got := mustNext(t, s); got.ID != want {
			t.Fatalf("position %d: got %s, want %s", i, got.ID, want)
		}
	}
}

func TestScheduler_HigherPriorityDrainsFirst(t *testing.T) {
	s := New(Config{}, nil)
	low := item("t", execution.PriorityLow)
	normal := item("t", execution.PriorityNormal)
	critical := item("t", execution.PriorityCritical)
	high := item("t", execution.PriorityHigh)
	for _, it := range []Item{low, normal, critical, high} {
		mustSchedule(t, s, it)
	}

	want := []execution.ID{critical.ID, high.ID, normal.ID, low.ID}
	for i, id := range want {
		if got := mustNext(t, s); got.ID != id {
			t.Fatalf("position %d: got priority %s", i, got.Priority)
		}
	}
}

func TestScheduler_InvalidPriority(t *testing.T) {
	s := New(Config{}, nil)
	err := s.Schedule(Item{ID: execution.NewID(), Priority: execution.Priority(9)})
	if !errors.Is(err, execution.ErrInvalidParameters) {
		t.Errorf("err = %v, want ErrInvalidParameters", err)
	}
}

// --- Backpressure ---

func TestScheduler_BurstBeyondCapacity(t *testing.T) {
	s := New(Config{Capacity: 10}, nil)
	accepted, rejected := 0, 0
	for i := 0; i < 25; i++ {
		err := s.Schedule(item("t", execution.PriorityNormal))
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, execution.ErrQueueFull):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if accepted != 10 || rejected != 15 {
		t.Errorf("accepted=%d rejected=%d, want 10/15", accepted, rejected)
	}
	if s.Len() != 10 {
		t.Errorf("Len = %d", s.Len())
	}
}

func TestScheduler_TenantLimit(t *testing.T) {
	s := New(Config{TenantLimit: 2}, nil)
	mustSchedule(t, s, item("a", execution.PriorityNormal))
	mustSchedule(t, s, item("a", execution.PriorityNormal))
	err := s.Schedule(item("a", execution.PriorityNormal))
	if !errors.Is(err, execution.ErrTenantLimitReached) {
		t.Fatalf("err = %v, want ErrTenantLimitReached", err)
	}
	if execution.KindOf(err) != execution.KindQueueFull {
		t.Errorf("kind = %s, want queue_full class", execution.KindOf(err))
	}

	// Other tenants are unaffected.
	mustSchedule(t, s, item("b", execution.PriorityNormal))

	// Dequeue keeps the slot (running still counts); Release frees it.
	got := mustNext(t, s)
	if s.InFlight("a") != 2 {
		t.Errorf("InFlight(a) = %d after dequeue, want 2", s.InFlight("a"))
	}
	s.Release(got.TenantID)
	if err := s.Schedule(item("a", execution.PriorityNormal)); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestScheduler_DuplicateID(t *testing.T) {
	s := New(Config{}, nil)
	it := item("t", execution.PriorityNormal)
	mustSchedule(t, s, it)
	if err := s.Schedule(it); err == nil {
		t.Error("duplicate id accepted")
	}
}

// --- Remove ---

func TestScheduler_Remove(t *testing.T) {
	s := New(Config{TenantLimit: 1}, nil)
	it := item("a", execution.PriorityHigh)
	mustSchedule(t, s, it)

	if !s.Remove(it.ID) {
		t.Fatal("Remove returned false")
	}
	if s.Remove(it.ID) {
		t.Error("second Remove returned true")
	}
	if s.Len() != 0 || s.InFlight("a") != 0 {
		t.Errorf("Len=%d InFlight=%d after remove", s.Len(), s.InFlight("a"))
	}
	if _, ok := s.TryNext(); ok {
		t.Error("removed item was dequeued")
	}
}

func TestScheduler_RemoveDelayed(t *testing.T) {
	s := New(Config{}, nil)
	it := item("a", execution.PriorityNormal)
	if err := s.Requeue(it, time.Hour); err != nil {
		t.Fatal(err)
	}
	if !s.Remove(it.ID) {
		t.Fatal("delayed item not removed")
	}
	if len(s.delayed) != 0 {
		t.Errorf("delayed heap = %d", len(s.delayed))
	}
}

// --- Requeue ---

func TestScheduler_RequeueBypassesCapacity(t *testing.T) {
	s := New(Config{Capacity: 1}, nil)
	mustSchedule(t, s, item("t", execution.PriorityNormal))
	retry := item("t", execution.PriorityNormal)
	if err := s.Requeue(retry, 0); err != nil {
		t.Fatalf("Requeue at capacity: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
}

func TestScheduler_RequeueDelay(t *testing.T) {
	s := New(Config{}, nil)
	it := item("t", execution.PriorityNormal)
	start := time.Now()
	if err := s.Requeue(it, 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.TryNext(); ok {
		t.Fatal("delayed item ready too early")
	}
	got := mustNext(t, s)
	if got.ID != it.ID {
		t.Fatalf("got %s", got.ID)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("dequeued after %v, want >= 30ms", elapsed)
	}
}

func TestScheduler_DelayedOrdering(t *testing.T) {
	s := New(Config{}, nil)
	now := time.Now()
	s.now = func() time.Time { return now }

	late := item("t", execution.PriorityNormal)
	early := item("t", execution.PriorityNormal)
	_ = s.Requeue(late, 2*time.Second)
	_ = s.Requeue(early, time.Second)

	now = now.Add(3 * time.Second)
	first, _ := s.TryNext()
	second, _ := s.TryNext()
	if first.ID != early.ID || second.ID != late.ID {
		t.Error("delayed items not promoted in ready-time order")
	}
}

// --- Blocking ---

func TestScheduler_NextWakesOnSchedule(t *testing.T) {
	s := New(Config{}, nil)
	got := make(chan Item, 1)
	go func() {
		it, err := s.Next(context.Background())
		if err == nil {
			got <- it
		}
	}()

	time.Sleep(20 * time.Millisecond)
	it := item("t", execution.PriorityNormal)
	mustSchedule(t, s, it)

	select {
	case g := <-got:
		if g.ID != it.ID {
			t.Errorf("got %s", g.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake")
	}
}

func TestScheduler_NextHonoursContext(t *testing.T) {
	s := New(Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestScheduler_CloseDrainsAndUnblocks(t *testing.T) {
	s := New(Config{}, nil)
	mustSchedule(t, s, item("t", execution.PriorityLow))
	mustSchedule(t, s, item("t", execution.PriorityCritical))
	_ = s.Requeue(item("t", execution.PriorityNormal), time.Hour)

	drained := s.Close()
	if len(drained) != 3 {
		t.Fatalf("drained %d, want 3", len(drained))
	}
	if drained[0].Priority != execution.PriorityCritical {
		t.Errorf("drain order starts with %s", drained[0].Priority)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after close: %v", err)
	}
	if err := s.Schedule(item("t", execution.PriorityNormal)); !errors.Is(err, ErrClosed) {
		t.Errorf("Schedule after close: %v", err)
	}
	if s.Close() != nil {
		t.Error("second Close returned items")
	}
}

func TestScheduler_Depth(t *testing.T) {
	s := New(Config{}, nil)
	mustSchedule(t, s, item("t", execution.PriorityHigh))
	mustSchedule(t, s, item("t", execution.PriorityHigh))
	mustSchedule(t, s, item("t", execution.PriorityLow))
	d := s.Depth()
	if d[execution.PriorityHigh] != 2 || d[execution.PriorityLow] != 1 || d[execution.PriorityNormal] != 0 {
		t.Errorf("Depth = %v", d)
	}
}

// --- Metrics ---

func TestMetrics_NilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("expected nil metrics for nil registry")
	}
}

func TestMetrics_Recorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := New(Config{Capacity: 1}, m)

	mustSchedule(t, s, item("t", execution.PriorityHigh))
	_ = s.Schedule(item("t", execution.PriorityHigh))

	var c dto.Metric
	if err := m.Enqueued.WithLabelValues("high").Write(&c); err != nil {
		t.Fatal(err)
	}
	if c.GetCounter().GetValue() != 1 {
		t.Errorf("enqueued = %v", c.GetCounter().GetValue())
	}
	var r dto.Metric
	_ = m.Rejected.WithLabelValues("queue_full").Write(&r)
	if r.GetCounter().GetValue() != 1 {
		t.Errorf("rejected = %v", r.GetCounter().GetValue())
	}
	var g dto.Metric
	_ = m.Depth.Write(&g)
	if g.GetGauge().GetValue() != 1 {
		t.Errorf("depth = %v", g.GetGauge().GetValue())
	}
}
