package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/syncd/internal/ir"
)

// CursorInfo is one row of the cursor table.
type CursorInfo struct {
	Connector string `json:"connector"`
	Position  string `json:"position"`
	Seq       int64  `json:"seq"`
	UpdatedAt string `json:"updated_at"`
}

// RunInfo summarizes a stored run.
type RunInfo struct {
	ID         string      `json:"id"`
	Connectors []string    `json:"connectors"`
	State      ir.RunState `json:"state"`
	AbortCause string      `json:"abort_cause,omitempty"`
	StartedAt  string      `json:"started_at"`
	FinishedAt string      `json:"finished_at,omitempty"`
}

// GetCursor returns the committed cursor of connector, or "" if it has never
// committed anything.
func (s *Store) GetCursor(ctx context.Context, connector string) (string, error) {
	var pos string
	err := s.db.QueryRowContext(ctx, `SELECT position FROM cursors WHERE connector = ?`, connector).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", connector, err)
	}
	return pos, nil
}

// Cursors returns every connector cursor ordered by connector name.
func (s *Store) Cursors(ctx context.Context) ([]CursorInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connector, position, seq, updated_at FROM cursors ORDER BY connector ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	out := []CursorInfo{}
	for rows.Next() {
		var c CursorInfo
		if err := rows.Scan(&c.Connector, &c.Position, &c.Seq, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetEntityVersion returns the stored version vector of an entity. Unknown
// entities have an empty vector.
func (s *Store) GetEntityVersion(ctx context.Context, entityID string) (ir.VersionVector, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT vector FROM entities WHERE id = ?`, entityID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.VersionVector{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity version %s: %w", entityID, err)
	}
	return unmarshalVector(text)
}

// ReadEntity returns the stored entity. ok is false when it does not exist.
func (s *Store) ReadEntity(ctx context.Context, entityID string) (ir.Entity, bool, error) {
	var e ir.Entity
	var vec string
	var tomb int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, vector, tombstoned FROM entities WHERE id = ?
	`, entityID).Scan(&e.ID, &e.Type, &vec, &tomb)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Entity{}, false, nil
	}
	if err != nil {
		return ir.Entity{}, false, fmt.Errorf("read entity %s: %w", entityID, err)
	}
	if e.Vector, err = unmarshalVector(vec); err != nil {
		return ir.Entity{}, false, err
	}
	e.Tombstoned = tomb == 1

	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value, source_connector, source_revision, observed_at, vector_entry
		FROM entity_fields WHERE entity_id = ?
		ORDER BY field ASC
	`, entityID)
	if err != nil {
		return ir.Entity{}, false, fmt.Errorf("read entity fields %s: %w", entityID, err)
	}
	defer rows.Close()

	e.Fields = make(map[string]ir.FieldState)
	for rows.Next() {
		var field, val, observed string
		var fs ir.FieldState
		if err := rows.Scan(&field, &val, &fs.SourceConnector, &fs.SourceRevision, &observed, &fs.VectorEntry); err != nil {
			return ir.Entity{}, false, fmt.Errorf("scan field: %w", err)
		}
		if fs.Value, err = unmarshalValue(val); err != nil {
			return ir.Entity{}, false, err
		}
		if fs.ObservedAt, err = parseTime(observed); err != nil {
			return ir.Entity{}, false, err
		}
		e.Fields[field] = fs
	}
	if err := rows.Err(); err != nil {
		return ir.Entity{}, false, fmt.Errorf("iterate fields: %w", err)
	}
	return e, true, nil
}

// ReadEntities reads several entities; missing ids are absent from the map.
func (s *Store) ReadEntities(ctx context.Context, ids []string) (map[string]ir.Entity, error) {
	out := make(map[string]ir.Entity, len(ids))
	for _, id := range ids {
		e, ok, err := s.ReadEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = e
		}
	}
	return out, nil
}

// Mirror returns the values connector is known to hold for an entity.
func (s *Store) Mirror(ctx context.Context, connector, entityID string) (ir.Fields, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value FROM connector_fields WHERE connector = ? AND entity_id = ?
	`, connector, entityID)
	if err != nil {
		return nil, fmt.Errorf("mirror %s/%s: %w", connector, entityID, err)
	}
	defer rows.Close()

	out := ir.Fields{}
	for rows.Next() {
		var field, val string
		if err := rows.Scan(&field, &val); err != nil {
			return nil, fmt.Errorf("scan mirror: %w", err)
		}
		v, err := unmarshalValue(val)
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	return out, rows.Err()
}

// ExternalID returns connector's id for an entity, or "" if unmapped.
func (s *Store) ExternalID(ctx context.Context, connector, entityID string) (string, error) {
	var ext string
	err := s.db.QueryRowContext(ctx, `
		SELECT external_id FROM identity_map WHERE connector = ? AND entity_id = ?
		ORDER BY external_id ASC LIMIT 1
	`, connector, entityID).Scan(&ext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("external id %s/%s: %w", connector, entityID, err)
	}
	return ext, nil
}

// IsApplied reports whether a change record's key is in applied_changes.
func (s *Store) IsApplied(ctx context.Context, ref ir.RecordRef) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM applied_changes WHERE entity_id = ? AND connector = ? AND source_revision = ?
	`, ref.EntityID, ref.Connector, ref.SourceRevision).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is applied %s: %w", ref, err)
	}
	return true, nil
}

// CountApplied returns the number of applied-change keys.
func (s *Store) CountApplied(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM applied_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count applied: %w", err)
	}
	return n, nil
}

// ListConflicts returns conflict records in append order. An empty entityID
// lists every conflict.
func (s *Store) ListConflicts(ctx context.Context, entityID string) ([]ir.ConflictRecord, error) {
	query := `SELECT record FROM conflicts ORDER BY rowid ASC`
	args := []any{}
	if entityID != "" {
		query = `SELECT record FROM conflicts WHERE entity_id = ? ORDER BY rowid ASC`
		args = append(args, entityID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	out := []ir.ConflictRecord{}
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		var c ir.ConflictRecord
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return nil, fmt.Errorf("decode conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListReviews returns the manual review queue, oldest first.
func (s *Store) ListReviews(ctx context.Context) ([]ir.Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, run_id, reason, records, created_at FROM manual_review
		ORDER BY created_at ASC, entity_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	out := []ir.Review{}
	for rows.Next() {
		var r ir.Review
		var records, at string
		if err := rows.Scan(&r.EntityID, &r.RunID, &r.Reason, &records, &at); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		if err := json.Unmarshal([]byte(records), &r.Records); err != nil {
			return nil, fmt.Errorf("decode review records: %w", err)
		}
		if r.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListBatches returns the batch ledger of a run in dispatch order.
func (s *Store) ListBatches(ctx context.Context, runID string) ([]ir.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT id, run_id, connector, ordinal, depends_on, status, attempts, last_error, records, states
		FROM batches WHERE run_id = ?
		ORDER BY connector ASC, ordinal ASC, id ASC
	`, runID)
}

// UnfinishedBatches returns every batch still pending or dispatched, oldest
// run first, in dispatch order. These are the batches recovery re-dispatches.
func (s *Store) UnfinishedBatches(ctx context.Context) ([]ir.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT b.id, b.run_id, b.connector, b.ordinal, b.depends_on, b.status, b.attempts, b.last_error, b.records, b.states
		FROM batches b JOIN runs r ON r.id = b.run_id
		WHERE b.status IN (?, ?)
		ORDER BY r.started_at ASC, r.rowid ASC, b.connector ASC, b.ordinal ASC
	`, string(ir.BatchPending), string(ir.BatchDispatched))
}

func (s *Store) queryBatches(ctx context.Context, query string, args ...any) ([]ir.Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	out := []ir.Batch{}
	for rows.Next() {
		var b ir.Batch
		var status, records, states string
		if err := rows.Scan(&b.ID, &b.RunID, &b.Connector, &b.Ordinal, &b.DependsOn, &status, &b.Attempts, &b.LastError, &records, &states); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Status = ir.BatchStatus(status)
		if err := json.Unmarshal([]byte(records), &b.Records); err != nil {
			return nil, fmt.Errorf("decode batch %s records: %w", b.ID, err)
		}
		if err := json.Unmarshal([]byte(states), &b.States); err != nil {
			return nil, fmt.Errorf("decode batch %s states: %w", b.ID, err)
		}
		if len(b.States) == 0 {
			b.States = nil
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListRuns returns the most recent runs first. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunInfo, error) {
	query := `SELECT id, connectors, state, abort_cause, started_at, finished_at FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	out := []RunInfo{}
	for rows.Next() {
		var r RunInfo
		var conns, state string
		if err := rows.Scan(&r.ID, &conns, &state, &r.AbortCause, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.State = ir.RunState(state)
		if err := json.Unmarshal([]byte(conns), &r.Connectors); err != nil {
			return nil, fmt.Errorf("decode run connectors: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadReport returns the stored report of a finished run.
func (s *Store) LoadReport(ctx context.Context, runID string) (ir.Report, error) {
	var text string
	if err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, runID).Scan(&text); err != nil {
		return ir.Report{}, fmt.Errorf("load report %s: %w", runID, err)
	}
	if text == "" {
		return ir.Report{}, fmt.Errorf("load report %s: run has not finished", runID)
	}
	var r ir.Report
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return ir.Report{}, fmt.Errorf("decode report %s: %w", runID, err)
	}
	return r, nil
}
