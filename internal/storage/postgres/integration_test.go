//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/security"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func endedRecord(tenant string, ended time.Time) *execution.Record {
	rec := execution.NewRecord(execution.Request{
		ToolID: "util/echo",
		Input:  []byte(`{"x":1}`),
		Caller: execution.Caller{TenantID: tenant},
	}, ended.Add(-time.Second))
	rec.ToolVersion = "1.0.0"
	rec.Status = execution.StatusFailed
	rec.EndedAt = &ended
	rec.Attempts = 1
	rec.Err = execution.NewError(execution.KindExecution, errors.New("exit 1"), "tool failed")
	return rec
}

// --- Execution log ---

func TestExecutionRepository_RoundTrip(t *testing.T) {
	s := NewStore(testDB(t))
	ctx := context.Background()
	tenant := "it-" + execution.NewID().String()[:8]

	rec := endedRecord(tenant, time.Now().Truncate(time.Millisecond))
	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Attempts = 2
	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetExecution(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempts != 2 || got.Caller.TenantID != tenant || got.Err == nil || got.Err.Kind != execution.KindExecution {
		t.Errorf("unexpected record %+v", got)
	}

	list, err := s.ListExecutions(ctx, execution.Filter{TenantID: tenant})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("listed %d records", len(list))
	}

	_, err = s.GetExecution(ctx, execution.NewID())
	if !errors.Is(err, execution.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExecutionRepository_DuplicateAttemptIgnored(t *testing.T) {
	s := NewStore(testDB(t))
	ctx := context.Background()
	rec := endedRecord("it-dup", time.Now())
	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatal(err)
	}
	a := &execution.Attempt{ExecutionID: rec.ID, Number: 1, StartedAt: time.Now(), EndedAt: time.Now(), Outcome: execution.StatusFailed}
	for i := 0; i < 2; i++ {
		if err := s.SaveAttempt(ctx, a); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	attempts, err := s.ListAttempts(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Errorf("got %d attempts", len(attempts))
	}
}

func TestExecutionRepository_Purge(t *testing.T) {
	s := NewStore(testDB(t))
	ctx := context.Background()
	old := endedRecord("it-purge", time.Now().Add(-48*time.Hour))
	fresh := endedRecord("it-purge", time.Now())
	for _, r := range []*execution.Record{old, fresh} {
		if err := s.SaveExecution(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.PurgeExecutions(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetExecution(ctx, old.ID); !errors.Is(err, execution.ErrNotFound) {
		t.Errorf("old record survived: %v", err)
	}
	if _, err := s.GetExecution(ctx, fresh.ID); err != nil {
		t.Errorf("fresh record purged: %v", err)
	}
}

// --- Audit ---

func TestAuditRepository_AppendQuery(t *testing.T) {
	s := NewStore(testDB(t))
	ctx := context.Background()
	tenant := "it-" + execution.NewID().String()[:8]
	for _, result := range []string{security.ResultAllowed, security.ResultDenied} {
		if err := s.AppendAudit(ctx, security.AuditEvent{TenantID: tenant, Action: "authorize", Tool: "util/echo@1.0.0", Result: result}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := s.QueryAudit(ctx, tenant, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events", len(events))
	}
}
