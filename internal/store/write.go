package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/syncd/internal/ir"
)

// OriginState tracks whether a fetched record still holds its cursor back.
type OriginState string

const (
	// OriginPending records wait for their entity's outbound batches.
	OriginPending OriginState = "pending"
	// OriginSettled records were applied; their applied key is stored.
	OriginSettled OriginState = "settled"
	// OriginSkipped records were duplicates, rejected, or sent to review.
	// They do not hold the cursor back and are not marked applied.
	OriginSkipped OriginState = "skipped"
)

// Fetch is the cursor span read from one connector in a run.
type Fetch struct {
	Connector string
	Start     string
	End       string
}

// Origin is one fetched record, in fetch order per connector.
type Origin struct {
	Connector      string
	Ordinal        int
	EntityID       string
	SourceRevision string
	Position       string
	State          OriginState
}

// Plan is everything a run decided before dispatching anything. SavePlan
// persists it atomically so recovery can finish the run after a crash.
type Plan struct {
	RunID   string
	Fetches []Fetch
	Origins []Origin
	// Pending is the number of batches-worth of records (state record plus
	// outbound records) each entity waits for before its origins settle.
	Pending map[string]int
	Batches []ir.Batch
	Reviews []ir.Review
}

// BeginRun records a new run in the running state.
func (s *Store) BeginRun(ctx context.Context, runID string, connectors []string, startedAt time.Time) error {
	conns, err := marshalJSON(connectors)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, connectors, state, started_at)
		VALUES (?, ?, ?, ?)
	`, runID, conns, string(ir.RunRunning), formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun stores the final state and report of a run.
func (s *Store) FinishRun(ctx context.Context, report ir.Report) error {
	data, err := marshalJSON(report)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, abort_cause = ?, finished_at = ?, report = ?
		WHERE id = ?
	`, string(report.State), report.AbortCause, formatTime(report.FinishedAt), data, report.RunID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// MarkRunState updates only the state of a run.
func (s *Store) MarkRunState(ctx context.Context, runID string, state ir.RunState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET state = ?, finished_at = ? WHERE id = ?`,
		string(state), s.timestamp(), runID)
	if err != nil {
		return fmt.Errorf("mark run %s: %w", runID, err)
	}
	return nil
}

// ReserveSeq reserves n consecutive sync sequence numbers for connector and
// returns the first. Reservations are durable, so a number is never handed
// out twice even if the run that reserved it crashes.
func (s *Store) ReserveSeq(ctx context.Context, connector string, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reserve seq: n must be positive, got %d", n)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reserve seq: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cursors (connector) VALUES (?)
		ON CONFLICT(connector) DO NOTHING
	`, connector); err != nil {
		return 0, fmt.Errorf("reserve seq: %w", err)
	}

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM cursors WHERE connector = ?`, connector).Scan(&last); err != nil {
		return 0, fmt.Errorf("reserve seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE cursors SET seq = ? WHERE connector = ?`, last+int64(n), connector); err != nil {
		return 0, fmt.Errorf("reserve seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reserve seq: %w", err)
	}
	return last + 1, nil
}

// ResolveIdentity maps (connector, externalID) to an entity id. If no mapping
// exists, candidate is stored and returned.
func (s *Store) ResolveIdentity(ctx context.Context, connector, externalID, candidate string) (string, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_map (connector, external_id, entity_id)
		VALUES (?, ?, ?)
		ON CONFLICT(connector, external_id) DO NOTHING
	`, connector, externalID, candidate); err != nil {
		return "", fmt.Errorf("resolve identity: %w", err)
	}

	var entityID string
	if err := s.db.QueryRowContext(ctx, `
		SELECT entity_id FROM identity_map WHERE connector = ? AND external_id = ?
	`, connector, externalID).Scan(&entityID); err != nil {
		return "", fmt.Errorf("resolve identity: %w", err)
	}
	return entityID, nil
}

// SavePlan persists a run plan in one transaction: fetch spans, origins,
// per-entity pending counts, all batches (as pending) and review entries.
// Origins whose entities have nothing pending settle immediately, and
// cursors advance as far as the plan allows.
func (s *Store) SavePlan(ctx context.Context, plan Plan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.NewStoreCommitError("", fmt.Errorf("save plan: %w", err))
	}
	defer tx.Rollback()

	if err := s.savePlan(ctx, tx, plan); err != nil {
		return ir.NewStoreCommitError("", fmt.Errorf("save plan: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return ir.NewStoreCommitError("", fmt.Errorf("save plan: %w", err))
	}
	return nil
}

func (s *Store) savePlan(ctx context.Context, tx *sql.Tx, plan Plan) error {
	now := s.timestamp()

	for _, f := range plan.Fetches {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_fetches (run_id, connector, start_position, end_position)
			VALUES (?, ?, ?, ?)
		`, plan.RunID, f.Connector, f.Start, f.End); err != nil {
			return fmt.Errorf("fetch %s: %w", f.Connector, err)
		}
	}

	for _, o := range plan.Origins {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_origins (run_id, connector, ordinal, entity_id, source_revision, position, state)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, plan.RunID, o.Connector, o.Ordinal, o.EntityID, o.SourceRevision, o.Position, string(o.State)); err != nil {
			return fmt.Errorf("origin %s/%d: %w", o.Connector, o.Ordinal, err)
		}
	}

	var settleNow []string
	for _, entityID := range sortedKeys(plan.Pending) {
		n := plan.Pending[entityID]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_entities (run_id, entity_id, pending) VALUES (?, ?, ?)
		`, plan.RunID, entityID, n); err != nil {
			return fmt.Errorf("entity %s: %w", entityID, err)
		}
		if n == 0 {
			settleNow = append(settleNow, entityID)
		}
	}

	for _, b := range plan.Batches {
		if err := insertBatch(ctx, tx, b, now); err != nil {
			return err
		}
	}

	for _, r := range plan.Reviews {
		records, err := marshalJSON(r.Records)
		if err != nil {
			return fmt.Errorf("review %s: %w", r.EntityID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO manual_review (entity_id, run_id, reason, records, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(entity_id, run_id) DO NOTHING
		`, r.EntityID, plan.RunID, r.Reason, records, formatTime(r.At)); err != nil {
			return fmt.Errorf("review %s: %w", r.EntityID, err)
		}
	}

	if _, err := s.settleEntities(ctx, tx, plan.RunID, settleNow, now); err != nil {
		return err
	}

	connectors := make([]string, 0, len(plan.Fetches))
	for _, f := range plan.Fetches {
		connectors = append(connectors, f.Connector)
	}
	return advanceCursors(ctx, tx, plan.RunID, connectors, now)
}

func insertBatch(ctx context.Context, tx execer, b ir.Batch, now string) error {
	records, err := marshalJSON(b.Records)
	if err != nil {
		return fmt.Errorf("batch %s records: %w", b.ID, err)
	}
	states := "[]"
	if len(b.States) > 0 {
		if states, err = marshalJSON(b.States); err != nil {
			return fmt.Errorf("batch %s states: %w", b.ID, err)
		}
	}
	status := b.Status
	if status == "" {
		status = ir.BatchPending
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO batches (id, run_id, connector, ordinal, depends_on, status, attempts, last_error, records, states, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, b.ID, b.RunID, b.Connector, b.Ordinal, b.DependsOn, string(status), b.Attempts, b.LastError, records, states, now); err != nil {
		return fmt.Errorf("batch %s: %w", b.ID, err)
	}
	return nil
}

// MarkDispatched records that attempt number attempt of a batch is in flight.
func (s *Store) MarkDispatched(ctx context.Context, batchID string, attempt int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, attempts = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(ir.BatchDispatched), attempt, s.timestamp(), batchID, string(ir.BatchPending), string(ir.BatchDispatched))
	if err != nil {
		return ir.NewStoreCommitError(batchID, fmt.Errorf("mark dispatched: %w", err))
	}
	return nil
}

// FailBatch marks a batch failed after its retries ran out (or a persistent
// error). Its entities stay pending, so cursors hold before their origins.
func (s *Store) FailBatch(ctx context.Context, batchID string, attempts int, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status != ?
	`, string(ir.BatchFailed), attempts, reason, s.timestamp(), batchID, string(ir.BatchCommitted))
	if err != nil {
		return ir.NewStoreCommitError(batchID, fmt.Errorf("fail batch: %w", err))
	}
	return nil
}

// AppendConflict adds a conflict record to the log. Conflict ids are content
// addressed, so appending the same record twice is a no-op.
func (s *Store) AppendConflict(ctx context.Context, c ir.ConflictRecord) error {
	if err := appendConflict(ctx, s.db, c, s.timestamp()); err != nil {
		return fmt.Errorf("append conflict: %w", err)
	}
	return nil
}

func appendConflict(ctx context.Context, ex execer, c ir.ConflictRecord, now string) error {
	if c.ID == "" {
		return errors.New("conflict record has no id")
	}
	record, err := marshalJSON(c)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO conflicts (id, run_id, entity_id, field, strategy, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, c.ID, c.RunID, c.EntityID, c.Field, string(c.Strategy), record, now)
	return err
}
