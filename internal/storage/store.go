// Package storage selects the execution log backend. Two backends are
// provided: SQLite (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/toolexec/internal/executor"
	"github.com/jkaninda/toolexec/internal/security"
	"github.com/jkaninda/toolexec/internal/storage/postgres"
	"github.com/jkaninda/toolexec/internal/storage/sqlite"
)

// Store is the persisted execution log: records, attempts and the audit
// trail. Both backends implement it.
type Store interface {
	executor.Store
	security.AuditStore
	QueryAudit(ctx context.Context, tenantID string, limit int) ([]security.AuditEvent, error)

	Ping(ctx context.Context) error
	Close() error
	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string          `json:"driver" yaml:"driver" toml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   sqlite.Config   `json:"sqlite" yaml:"sqlite" toml:"sqlite"`
	Postgres postgres.Config `json:"postgres" yaml:"postgres" toml:"postgres"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverSQLite

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// Open opens the backend named by cfg.Driver.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		s, err := sqlite.Open(cfg.SQLite, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		db, err := postgres.Open(cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(db), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
