package storage

import (
	"context"
	"testing"

	"github.com/jkaninda/toolexec/internal/storage/sqlite"
)

func TestOpen_DefaultsToSQLite(t *testing.T) {
	s, err := Open(Config{SQLite: sqlite.Config{Path: sqlite.MemoryPath}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Driver() != DriverSQLite {
		t.Errorf("driver = %s", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpen_PostgresRequiresDSN(t *testing.T) {
	if _, err := Open(Config{Driver: DriverPostgres}, nil); err == nil {
		t.Fatal("expected error")
	}
}
