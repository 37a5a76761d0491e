package postgres

import (
	"context"

	"github.com/jkaninda/toolexec/internal/executor"
	"github.com/jkaninda/toolexec/internal/security"
)

// Store is the PostgreSQL execution log: executions, attempts and audit.
type Store struct {
	*ExecutionRepository
	*AuditRepository
	pgDB *DB
}

// NewStore wraps an open DB.
func NewStore(pgDB *DB) *Store {
	return &Store{
		ExecutionRepository: NewExecutionRepository(pgDB.GormDB()),
		AuditRepository:     NewAuditRepository(pgDB.GormDB()),
		pgDB:                pgDB,
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

// Close closes the connection pool.
func (s *Store) Close() error { return s.pgDB.Close() }

// Driver returns "postgres".
func (s *Store) Driver() string { return "postgres" }

var (
	_ executor.Store      = (*Store)(nil)
	_ security.AuditStore = (*Store)(nil)
)
