// Package sqlite implements the execution log on SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - JSONB columns use TEXT affinity (SQLite stores JSON as text natively)
//   - No connection pooling (single file, WAL handles concurrency)
package sqlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/toolexec/internal/executor"
	"github.com/jkaninda/toolexec/internal/security"
	pgstore "github.com/jkaninda/toolexec/internal/storage/postgres"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string `json:"path" yaml:"path" toml:"path"`                         // Database file path, or MemoryPath.
	JournalMode string `json:"journal_mode" yaml:"journal_mode" toml:"journal_mode"` // WAL mode by default.
}

// Store is the SQLite execution log.
// All repositories reuse the PostgreSQL implementations since they operate
// on the same GORM models. GORM's SQLite dialect handles the SQL differences.
type Store struct {
	*pgstore.ExecutionRepository
	*pgstore.AuditRepository
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

var (
	_ executor.Store      = (*Store)(nil)
	_ security.AuditStore = (*Store)(nil)
)

// Open creates a SQLite-backed Store and migrates its schema.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	var dsn string
	if cfg.Path == MemoryPath {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	} else {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
		journalMode := cfg.JournalMode
		if journalMode == "" {
			journalMode = "wal"
		}
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)
	}

	db, err := gorm.Open(sqlite.Open(dsn), pgstore.GormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if cfg.Path == MemoryPath {
		// Every connection to :memory: is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{
		ExecutionRepository: pgstore.NewExecutionRepository(db),
		AuditRepository:     pgstore.NewAuditRepository(db),
		db:                  db,
		logger:              slogger,
		path:                cfg.Path,
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrating sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path))
	return s, nil
}

// Migrate runs GORM AutoMigrate with the PostgreSQL backend's models.
func (s *Store) Migrate(_ context.Context) error {
	return pgstore.AutoMigrate(s.db)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string { return "sqlite" }

// GormDB returns the underlying GORM DB.
func (s *Store) GormDB() *gorm.DB { return s.db }
