package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/security"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: MemoryPath}, nil)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(tenant, tool string, submitted time.Time) *execution.Record {
	rec := execution.NewRecord(execution.Request{
		ToolID: tool,
		Input:  json.RawMessage(`{"x":1}`),
		Caller: execution.Caller{TenantID: tenant, UserID: "u1"},
		Options: execution.Options{
			Priority: execution.PriorityHigh,
		},
	}, submitted)
	rec.ToolVersion = "1.0.0"
	rec.Timeout = 2 * time.Second
	rec.Retry = execution.RetryPolicy{MaxRetries: 3, Backoff: execution.BackoffFixed, Delay: 10 * time.Millisecond}
	return rec
}

func finish(rec *execution.Record, status execution.Status, ended time.Time) {
	rec.Status = status
	rec.StartedAt = &rec.SubmittedAt
	rec.EndedAt = &ended
	rec.Attempts = 1
	switch status {
	case execution.StatusCompleted:
		rec.Output = json.RawMessage(`{"x":1}`)
		rec.Usage = &execution.Usage{WallTime: time.Second, MaxRSSKB: 1024}
	default:
		rec.Err = execution.NewError(execution.KindExecution, errors.New("exit status 1"), "tool failed")
	}
}

// --- Execution log ---

func TestStore_SaveGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	parent := execution.NewID()
	rec := record("acme", "util/echo", now)
	rec.Caller.ParentID = &parent
	rec.Depth = 1
	finish(rec, execution.StatusCompleted, now.Add(time.Second))

	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetExecution(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != execution.StatusCompleted || got.ToolID != "util/echo" || got.Depth != 1 {
		t.Errorf("unexpected record %+v", got)
	}
	if got.Caller.ParentID == nil || *got.Caller.ParentID != parent {
		t.Errorf("parent = %v", got.Caller.ParentID)
	}
	if got.Priority != execution.PriorityHigh || got.Timeout != 2*time.Second {
		t.Errorf("priority %s timeout %s", got.Priority, got.Timeout)
	}
	if got.Retry.MaxRetries != 3 || got.Retry.Delay != 10*time.Millisecond {
		t.Errorf("retry = %+v", got.Retry)
	}
	if string(got.Output) != `{"x":1}` {
		t.Errorf("output = %s", got.Output)
	}
	if got.Usage == nil || got.Usage.MaxRSSKB != 1024 {
		t.Errorf("usage = %+v", got.Usage)
	}
	if got.Duration() != time.Second {
		t.Errorf("duration = %s", got.Duration())
	}
}

func TestStore_UpsertOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := record("acme", "util/fail", time.Now())
	rec.Status = execution.StatusQueued
	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatal(err)
	}
	finish(rec, execution.StatusFailed, time.Now())
	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetExecution(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != execution.StatusFailed {
		t.Errorf("status = %s", got.Status)
	}
	if got.Err == nil || got.Err.Kind != execution.KindExecution || got.Err.Detail != "exit status 1" {
		t.Errorf("error = %+v", got.Err)
	}
	if !errors.Is(got.Err, execution.ErrExecution) {
		t.Error("decoded error lost its kind sentinel")
	}
}

func TestStore_GetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetExecution(context.Background(), execution.NewID())
	if !errors.Is(err, execution.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if execution.KindOf(err) != execution.KindNotFound {
		t.Errorf("kind = %s", execution.KindOf(err))
	}
}

func TestStore_ListFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	var ids []execution.ID
	for i, spec := range []struct {
		tenant, tool string
		status       execution.Status
	}{
		{"acme", "util/echo", execution.StatusCompleted},
		{"acme", "util/fail", execution.StatusFailed},
		{"globex", "util/echo", execution.StatusCompleted},
		{"acme", "util/echo", execution.StatusFailed},
	} {
		rec := record(spec.tenant, spec.tool, base.Add(time.Duration(i)*time.Minute))
		finish(rec, spec.status, base.Add(time.Duration(i)*time.Minute+time.Second))
		if err := s.SaveExecution(ctx, rec); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}

	acme, err := s.ListExecutions(ctx, execution.Filter{TenantID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(acme) != 3 {
		t.Fatalf("acme: got %d", len(acme))
	}
	if acme[0].ID != ids[3] {
		t.Error("list not ordered newest first")
	}

	echoFailed, err := s.ListExecutions(ctx, execution.Filter{TenantID: "acme", ToolID: "util/echo", Status: execution.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(echoFailed) != 1 || echoFailed[0].ID != ids[3] {
		t.Errorf("combined filter returned %d", len(echoFailed))
	}

	limited, err := s.ListExecutions(ctx, execution.Filter{Limit: 2, Since: base.Add(30 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].ID != ids[3] || limited[1].ID != ids[2] {
		t.Errorf("limit/since returned %d", len(limited))
	}
}

func TestStore_Attempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := record("acme", "util/fail", time.Now())
	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	for n := 2; n >= 1; n-- {
		a := &execution.Attempt{
			ExecutionID: rec.ID,
			Number:      n,
			SandboxID:   "sbx",
			StartedAt:   now,
			EndedAt:     now.Add(time.Millisecond),
			Outcome:     execution.StatusQueued,
			Err:         execution.NewError(execution.KindExecution, nil, "attempt %d failed", n),
			RetryDelay:  10 * time.Millisecond,
		}
		if err := s.SaveAttempt(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	// Re-saving an attempt is idempotent.
	if err := s.SaveAttempt(ctx, &execution.Attempt{ExecutionID: rec.ID, Number: 1, StartedAt: now, EndedAt: now}); err != nil {
		t.Fatalf("duplicate attempt: %v", err)
	}

	attempts, err := s.ListAttempts(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts", len(attempts))
	}
	if attempts[0].Number != 1 || attempts[1].Number != 2 {
		t.Error("attempts not ordered")
	}
	if attempts[0].Err == nil || attempts[0].Err.Message != "attempt 1 failed" || attempts[0].RetryDelay != 10*time.Millisecond {
		t.Errorf("attempt 1 = %+v", attempts[0])
	}
}

func TestStore_Purge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := record("acme", "util/echo", now.Add(-48*time.Hour))
	finish(old, execution.StatusCompleted, now.Add(-47*time.Hour))
	fresh := record("acme", "util/echo", now)
	finish(fresh, execution.StatusCompleted, now)
	running := record("acme", "util/echo", now.Add(-72*time.Hour))
	running.Status = execution.StatusRunning

	for _, r := range []*execution.Record{old, fresh, running} {
		if err := s.SaveExecution(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveAttempt(ctx, &execution.Attempt{ExecutionID: old.ID, Number: 1, StartedAt: now, EndedAt: now, Outcome: execution.StatusCompleted}); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeExecutions(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := s.GetExecution(ctx, old.ID); !errors.Is(err, execution.ErrNotFound) {
		t.Error("old record survived")
	}
	for _, id := range []execution.ID{fresh.ID, running.ID} {
		if _, err := s.GetExecution(ctx, id); err != nil {
			t.Errorf("%s purged: %v", id, err)
		}
	}
	attempts, err := s.ListAttempts(ctx, old.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 0 {
		t.Error("attempts of purged record survived")
	}
}

// --- Audit ---

func TestStore_Audit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	audit := security.NewStoreAuditLogger(s, nil)

	for _, tenant := range []string{"acme", "acme", "globex"} {
		if err := audit.Append(ctx, security.AuditEvent{TenantID: tenant, Action: "authorize", Tool: "util/echo@1.0.0", Result: security.ResultDenied}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := s.QueryAudit(ctx, "acme", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("acme events = %d", len(events))
	}
	all, err := s.QueryAudit(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all events = %d", len(all))
	}
}

// --- Lifecycle ---

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "toolexec.db")
	s, err := Open(Config{Path: path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Driver() != "sqlite" {
		t.Errorf("driver = %s", s.Driver())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: schema migration is idempotent and data persists.
	s, err = Open(Config{Path: path}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Fatal("expected error")
	}
}
