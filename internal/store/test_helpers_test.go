package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/syncd/internal/ir"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenWithOptions(path, Options{Now: func() time.Time { return testEpoch }})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// beginTestRun records a run so batches and origins can reference it.
func beginTestRun(t *testing.T, s *Store, runID string, connectors ...string) {
	t.Helper()
	if err := s.BeginRun(context.Background(), runID, connectors, testEpoch); err != nil {
		t.Fatalf("BeginRun() failed: %v", err)
	}
}

// createTestState builds an entity state with string fields from one source.
func createTestState(entityID, source string, seq int64, fields map[string]string) ir.EntityState {
	e := ir.Entity{
		ID:     entityID,
		Type:   "contact",
		Fields: map[string]ir.FieldState{},
		Vector: ir.VersionVector{source: seq},
	}
	observed := ir.Fields{}
	for k, v := range fields {
		e.Fields[k] = ir.FieldState{
			Value:           ir.String(v),
			SourceConnector: source,
			SourceRevision:  entityID + "-r",
			ObservedAt:      testEpoch,
			VectorEntry:     seq,
		}
		observed[k] = ir.String(v)
	}
	return ir.EntityState{Entity: e, Observed: map[string]ir.Fields{source: observed}}
}

// createTestOutbound builds an outbound record for destination.
func createTestOutbound(entityID, destination, revision string, fields ir.Fields) ir.ChangeRecord {
	return ir.ChangeRecord{
		EntityID:       entityID,
		EntityType:     "contact",
		Connector:      destination,
		Fields:         fields,
		ObservedAt:     testEpoch,
		SourceRevision: revision,
	}
}
