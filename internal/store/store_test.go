package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/roach88/syncd/internal/ir"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{
		"entities", "entity_fields", "connector_fields", "identity_map", "applied_changes",
		"cursors", "conflicts", "runs", "batches", "run_fetches", "run_origins", "run_entities",
		"manual_review",
	}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_PureGoDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := OpenWithOptions(path, Options{Driver: DriverPureGo})
	if err != nil {
		t.Fatalf("OpenWithOptions(sqlite) failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if _, err := s.ReserveSeq(context.Background(), "crm", 1); err != nil {
		t.Errorf("ReserveSeq() on pure-Go driver failed: %v", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := OpenWithOptions(filepath.Join(t.TempDir(), "x.db"), Options{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	s.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected error opening a database with a newer schema version")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

// Pragma tests

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name, want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.verifyPragma(tt.name, tt.want); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestSchemaVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != ir.SchemaVersion {
		t.Errorf("user_version = %d, want %d", version, ir.SchemaVersion)
	}
}

func TestSnapshot(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.ReserveSeq(ctx, "crm", 3); err != nil {
		t.Fatalf("ReserveSeq() failed: %v", err)
	}

	target := filepath.Join(t.TempDir(), "snap.db")
	if err := s.Snapshot(ctx, target); err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}

	copyStore, err := Open(target)
	if err != nil {
		t.Fatalf("Open(snapshot) failed: %v", err)
	}
	defer copyStore.Close()

	next, err := copyStore.ReserveSeq(ctx, "crm", 1)
	if err != nil {
		t.Fatalf("ReserveSeq() on snapshot failed: %v", err)
	}
	if next != 4 {
		t.Errorf("snapshot seq continues at %d, want 4", next)
	}
}
