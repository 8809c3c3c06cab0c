package store

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/syncd/internal/ir"
)

// CommitStage names a step inside the CommitBatch transaction.
type CommitStage string

const (
	StageBatch     CommitStage = "batch"
	StageApplied   CommitStage = "applied"
	StageEntities  CommitStage = "entities"
	StageConflicts CommitStage = "conflicts"
	StageSettle    CommitStage = "settle"
	StageCursors   CommitStage = "cursors"
)

// CommitHook runs before each stage of a CommitBatch transaction. Returning an
// error rolls the whole transaction back, which is how tests simulate a crash
// at any point of a commit.
type CommitHook func(stage CommitStage, batchID string) error

// SetCommitHook installs (or, with nil, removes) the commit hook.
func (s *Store) SetCommitHook(h CommitHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hook = h
}

func (s *Store) checkpoint(stage CommitStage, batchID string) error {
	s.hookMu.RLock()
	h := s.hook
	s.hookMu.RUnlock()
	if h == nil {
		return nil
	}
	if err := h(stage, batchID); err != nil {
		return fmt.Errorf("stage %s: %w", stage, err)
	}
	return nil
}

// RejectedRecord is an outbound record the destination refused.
type RejectedRecord struct {
	Record ir.ChangeRecord
	Reason string
}

// CommitSummary describes what a CommitBatch call changed.
type CommitSummary struct {
	// Committed holds the records that were applied (or, for the local state
	// batch, the entity ids that were written, as records without fields).
	Committed []ir.ChangeRecord
	Rejected  []RejectedRecord
	// Settled counts origins whose cursor hold was released.
	Settled int
	// AlreadyCommitted is set when the batch had been committed before.
	AlreadyCommitted bool
}

// FailedBatchID returns the id of the sub-batch that keeps the rejected
// records of batchID.
func FailedBatchID(batchID string) string {
	return batchID + ".failed"
}

// CommitBatch atomically records the result of a dispatched batch (or
// commits the local state batch):
//  1. batch status, plus a "<id>.failed" sub-batch for rejected records
//  2. applied-change keys of committed records, or of the origins folded
//     into the local state batch
//  3. entity fields and vectors, connector mirrors and identity mappings
//  4. conflict records
//  5. per-entity pending counts; origins settle when theirs reaches zero
//  6. cursors of the run's connectors
//
// Committing a batch twice is a no-op. Any failure rolls everything back and
// is reported as a STORE_COMMIT_FAILURE.
func (s *Store) CommitBatch(ctx context.Context, batch ir.Batch, outcomes []ir.Outcome) (CommitSummary, error) {
	summary, err := s.commitBatch(ctx, batch, outcomes)
	if err != nil {
		return CommitSummary{}, ir.NewStoreCommitError(batch.ID, err)
	}
	return summary, nil
}

func (s *Store) commitBatch(ctx context.Context, batch ir.Batch, outcomes []ir.Outcome) (CommitSummary, error) {
	var summary CommitSummary
	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, err
	}
	defer tx.Rollback() // No-op if committed

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM batches WHERE id = ?`, batch.ID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := insertBatch(ctx, tx, batch, now); err != nil {
			return summary, err
		}
	case err != nil:
		return summary, fmt.Errorf("load batch status: %w", err)
	case status == string(ir.BatchCommitted):
		summary.AlreadyCommitted = true
		return summary, nil
	}

	var committed []ir.ChangeRecord
	if batch.Local() {
		for _, st := range batch.States {
			committed = append(committed, ir.ChangeRecord{EntityID: st.Entity.ID, EntityType: st.Entity.Type, Connector: ir.StoreConnector})
		}
	} else {
		committed, summary.Rejected = matchOutcomes(batch.Records, outcomes)
	}
	summary.Committed = committed

	// 1. Batch ledger
	if err := s.checkpoint(StageBatch, batch.ID); err != nil {
		return summary, err
	}
	if err := writeBatchResult(ctx, tx, batch, committed, summary.Rejected, now); err != nil {
		return summary, err
	}

	// 2. Applied keys
	if err := s.checkpoint(StageApplied, batch.ID); err != nil {
		return summary, err
	}
	if batch.Local() {
		// Origins count as applied once folded into canonical state. Cursor
		// holds are tracked by run_origins and released at settlement.
		for _, st := range batch.States {
			for _, ref := range st.Origins {
				if err := markApplied(ctx, tx, ref, batch.RunID, now); err != nil {
					return summary, err
				}
			}
		}
	} else {
		for _, r := range committed {
			if err := markApplied(ctx, tx, r.Ref(), batch.RunID, now); err != nil {
				return summary, err
			}
		}
	}

	// 3. Entities, mirrors, identities
	if err := s.checkpoint(StageEntities, batch.ID); err != nil {
		return summary, err
	}
	if batch.Local() {
		for _, st := range batch.States {
			if err := writeEntityState(ctx, tx, st, now); err != nil {
				return summary, err
			}
		}
	} else {
		for _, r := range committed {
			if err := writeDelivered(ctx, tx, r); err != nil {
				return summary, err
			}
		}
	}

	// 4. Conflicts
	if err := s.checkpoint(StageConflicts, batch.ID); err != nil {
		return summary, err
	}
	for _, st := range batch.States {
		for _, c := range st.Conflicts {
			if err := appendConflict(ctx, tx, c, now); err != nil {
				return summary, fmt.Errorf("conflict %s: %w", c.ID, err)
			}
		}
	}

	// 5. Settlement
	if err := s.checkpoint(StageSettle, batch.ID); err != nil {
		return summary, err
	}
	var ready []string
	for _, r := range committed {
		done, err := decrementPending(ctx, tx, batch.RunID, r.EntityID)
		if err != nil {
			return summary, err
		}
		if done {
			ready = append(ready, r.EntityID)
		}
	}
	settled, err := s.settleEntities(ctx, tx, batch.RunID, ready, now)
	if err != nil {
		return summary, err
	}
	summary.Settled = settled

	// 6. Cursors
	if err := s.checkpoint(StageCursors, batch.ID); err != nil {
		return summary, err
	}
	connectors, err := runConnectors(ctx, tx, batch.RunID)
	if err != nil {
		return summary, err
	}
	if err := advanceCursors(ctx, tx, batch.RunID, connectors, now); err != nil {
		return summary, err
	}

	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("commit: %w", err)
	}
	return summary, nil
}

// matchOutcomes splits records by their outcome. Records without an outcome
// count as rejected: the destination gave no proof they were applied.
func matchOutcomes(records []ir.ChangeRecord, outcomes []ir.Outcome) ([]ir.ChangeRecord, []RejectedRecord) {
	byKey := make(map[string]ir.Outcome, len(outcomes))
	for _, o := range outcomes {
		byKey[o.EntityID+"\x00"+o.SourceRevision] = o
	}

	var committed []ir.ChangeRecord
	var rejected []RejectedRecord
	for _, r := range records {
		o, ok := byKey[r.EntityID+"\x00"+r.SourceRevision]
		switch {
		case !ok:
			rejected = append(rejected, RejectedRecord{Record: r, Reason: "no outcome reported"})
		case o.Status == ir.OutcomeCommitted:
			if o.ExternalID != "" {
				r.ExternalID = o.ExternalID
			}
			committed = append(committed, r)
		default:
			reason := o.Reason
			if reason == "" {
				reason = "rejected by connector"
			}
			rejected = append(rejected, RejectedRecord{Record: r, Reason: reason})
		}
	}
	return committed, rejected
}

func writeBatchResult(ctx context.Context, tx *sql.Tx, batch ir.Batch, committed []ir.ChangeRecord, rejected []RejectedRecord, now string) error {
	kept := batch.Records
	if !batch.Local() {
		kept = committed
	}
	records, err := marshalJSON(nonNil(kept))
	if err != nil {
		return fmt.Errorf("batch records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE batches SET status = ?, attempts = ?, records = ?, last_error = '', updated_at = ?
		WHERE id = ?
	`, string(ir.BatchCommitted), batch.Attempts, records, now, batch.ID); err != nil {
		return fmt.Errorf("update batch: %w", err)
	}

	if len(rejected) == 0 {
		return nil
	}

	failed := make([]ir.ChangeRecord, len(rejected))
	reasons := make([]string, len(rejected))
	for i, r := range rejected {
		failed[i] = r.Record
		reasons[i] = r.Record.EntityID + ": " + r.Reason
	}
	return insertBatch(ctx, tx, ir.Batch{
		ID:        FailedBatchID(batch.ID),
		RunID:     batch.RunID,
		Connector: batch.Connector,
		Ordinal:   batch.Ordinal,
		DependsOn: batch.ID,
		Records:   failed,
		Status:    ir.BatchFailed,
		Attempts:  batch.Attempts,
		LastError: strings.Join(reasons, "; "),
	}, now)
}

func markApplied(ctx context.Context, tx execer, ref ir.RecordRef, runID, now string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO applied_changes (entity_id, connector, source_revision, run_id, applied_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, connector, source_revision) DO NOTHING
	`, ref.EntityID, ref.Connector, ref.SourceRevision, runID, now); err != nil {
		return fmt.Errorf("mark applied %s: %w", ref, err)
	}
	return nil
}

// writeEntityState upserts the entity with its vector merged pointwise,
// writes the resolved fields (a stored tombstone is never overwritten) and
// seeds the mirrors of the connectors that reported values.
func writeEntityState(ctx context.Context, tx *sql.Tx, st ir.EntityState, now string) error {
	e := st.Entity

	var curText string
	var curTomb int
	err := tx.QueryRowContext(ctx, `SELECT vector, tombstoned FROM entities WHERE id = ?`, e.ID).Scan(&curText, &curTomb)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load entity %s: %w", e.ID, err)
	}
	cur, err := unmarshalVector(curText)
	if err != nil {
		return err
	}
	vec, err := marshalVector(cur.Merge(e.Vector))
	if err != nil {
		return err
	}

	tomb := 0
	if e.Tombstoned || curTomb == 1 {
		tomb = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, type, vector, tombstoned, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET vector = excluded.vector,
			tombstoned = excluded.tombstoned, updated_at = excluded.updated_at
	`, e.ID, e.Type, vec, tomb, now); err != nil {
		return fmt.Errorf("upsert entity %s: %w", e.ID, err)
	}

	for _, field := range sortedKeys(e.Fields) {
		fs := e.Fields[field]
		val, err := marshalValue(fs.Value)
		if err != nil {
			return fmt.Errorf("entity %s field %s: %w", e.ID, field, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_fields (entity_id, field, value, source_connector, source_revision, observed_at, vector_entry)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id, field) DO UPDATE SET value = excluded.value,
				source_connector = excluded.source_connector, source_revision = excluded.source_revision,
				observed_at = excluded.observed_at, vector_entry = excluded.vector_entry
			WHERE entity_fields.value != ?
		`, e.ID, field, val, fs.SourceConnector, fs.SourceRevision, formatTime(fs.ObservedAt), fs.VectorEntry, tombstoneText); err != nil {
			return fmt.Errorf("entity %s field %s: %w", e.ID, field, err)
		}
	}

	if tomb == 1 {
		if _, err := tx.ExecContext(ctx, `UPDATE entity_fields SET value = ? WHERE entity_id = ?`, tombstoneText, e.ID); err != nil {
			return fmt.Errorf("tombstone entity %s: %w", e.ID, err)
		}
	}

	for _, connector := range sortedKeys(st.Observed) {
		if err := writeMirror(ctx, tx, connector, e.ID, st.Observed[connector]); err != nil {
			return err
		}
	}
	return nil
}

// writeDelivered records what a destination now holds after a committed
// outbound record.
func writeDelivered(ctx context.Context, tx *sql.Tx, r ir.ChangeRecord) error {
	if err := writeMirror(ctx, tx, r.Connector, r.EntityID, r.Fields); err != nil {
		return err
	}
	if r.Deleted {
		if _, err := tx.ExecContext(ctx, `
			UPDATE connector_fields SET value = ? WHERE connector = ? AND entity_id = ?
		`, tombstoneText, r.Connector, r.EntityID); err != nil {
			return fmt.Errorf("mirror tombstone %s/%s: %w", r.Connector, r.EntityID, err)
		}
	}
	if r.ExternalID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO identity_map (connector, external_id, entity_id)
			VALUES (?, ?, ?)
			ON CONFLICT(connector, external_id) DO NOTHING
		`, r.Connector, r.ExternalID, r.EntityID); err != nil {
			return fmt.Errorf("identity %s/%s: %w", r.Connector, r.ExternalID, err)
		}
	}
	return nil
}

func writeMirror(ctx context.Context, tx *sql.Tx, connector, entityID string, fields ir.Fields) error {
	for _, field := range fields.SortedKeys() {
		val, err := marshalValue(fields[field])
		if err != nil {
			return fmt.Errorf("mirror %s/%s.%s: %w", connector, entityID, field, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO connector_fields (connector, entity_id, field, value)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(connector, entity_id, field) DO UPDATE SET value = excluded.value
		`, connector, entityID, field, val); err != nil {
			return fmt.Errorf("mirror %s/%s.%s: %w", connector, entityID, field, err)
		}
	}
	return nil
}

// decrementPending lowers an entity's pending count and reports whether it
// reached zero.
func decrementPending(ctx context.Context, tx *sql.Tx, runID, entityID string) (bool, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE run_entities SET pending = pending - 1
		WHERE run_id = ? AND entity_id = ? AND pending > 0
	`, runID, entityID); err != nil {
		return false, fmt.Errorf("decrement %s: %w", entityID, err)
	}
	var pending int
	err := tx.QueryRowContext(ctx, `
		SELECT pending FROM run_entities WHERE run_id = ? AND entity_id = ?
	`, runID, entityID).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load pending %s: %w", entityID, err)
	}
	return pending == 0, nil
}

// settleEntities marks the pending origins of each entity settled and stores
// their applied-change keys. Returns the number of origins settled.
func (s *Store) settleEntities(ctx context.Context, tx *sql.Tx, runID string, entityIDs []string, now string) (int, error) {
	total := 0
	for _, entityID := range entityIDs {
		refs, err := pendingOrigins(ctx, tx, runID, entityID)
		if err != nil {
			return total, err
		}
		for _, ref := range refs {
			if err := markApplied(ctx, tx, ref, runID, now); err != nil {
				return total, err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE run_origins SET state = ?
			WHERE run_id = ? AND entity_id = ? AND state = ?
		`, string(OriginSettled), runID, entityID, string(OriginPending)); err != nil {
			return total, fmt.Errorf("settle %s: %w", entityID, err)
		}
		total += len(refs)
	}
	return total, nil
}

func pendingOrigins(ctx context.Context, tx *sql.Tx, runID, entityID string) ([]ir.RecordRef, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT connector, source_revision FROM run_origins
		WHERE run_id = ? AND entity_id = ? AND state = ?
		ORDER BY connector ASC, ordinal ASC
	`, runID, entityID, string(OriginPending))
	if err != nil {
		return nil, fmt.Errorf("load origins %s: %w", entityID, err)
	}
	defer rows.Close()

	var refs []ir.RecordRef
	for rows.Next() {
		ref := ir.RecordRef{EntityID: entityID}
		if err := rows.Scan(&ref.Connector, &ref.SourceRevision); err != nil {
			return nil, fmt.Errorf("scan origin: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func runConnectors(ctx context.Context, tx *sql.Tx, runID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT connector FROM run_fetches WHERE run_id = ? ORDER BY connector ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load run connectors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// advanceCursors moves each connector's cursor to the furthest position the
// run has fully settled: the fetch end if nothing is pending, otherwise the
// position of the last origin before the first pending one. Only the most
// recent run that fetched a connector may move its cursor, so cursors never
// go back.
func advanceCursors(ctx context.Context, tx *sql.Tx, runID string, connectors []string, now string) error {
	for _, connector := range connectors {
		latest, err := latestFetchRun(ctx, tx, connector)
		if err != nil {
			return err
		}
		if latest != runID {
			continue
		}

		var end string
		err = tx.QueryRowContext(ctx, `
			SELECT end_position FROM run_fetches WHERE run_id = ? AND connector = ?
		`, runID, connector).Scan(&end)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cursor %s: %w", connector, err)
		}

		var firstPending sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MIN(ordinal) FROM run_origins WHERE run_id = ? AND connector = ? AND state = ?
		`, runID, connector, string(OriginPending)).Scan(&firstPending); err != nil {
			return fmt.Errorf("cursor %s: %w", connector, err)
		}

		position := end
		if firstPending.Valid {
			err := tx.QueryRowContext(ctx, `
				SELECT position FROM run_origins
				WHERE run_id = ? AND connector = ? AND ordinal < ?
				ORDER BY ordinal DESC LIMIT 1
			`, runID, connector, firstPending.Int64).Scan(&position)
			if errors.Is(err, sql.ErrNoRows) {
				continue // First record still pending: cursor stays at the run start
			}
			if err != nil {
				return fmt.Errorf("cursor %s: %w", connector, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cursors (connector, position, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(connector) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at
		`, connector, position, now); err != nil {
			return fmt.Errorf("cursor %s: %w", connector, err)
		}
	}
	return nil
}

func latestFetchRun(ctx context.Context, tx *sql.Tx, connector string) (string, error) {
	var runID string
	err := tx.QueryRowContext(ctx, `
		SELECT f.run_id FROM run_fetches f JOIN runs r ON r.id = f.run_id
		WHERE f.connector = ?
		ORDER BY r.started_at DESC, r.rowid DESC
		LIMIT 1
	`, connector).Scan(&runID)
	if err != nil {
		return "", fmt.Errorf("latest fetch %s: %w", connector, err)
	}
	return runID, nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp.Compare[string])
	return keys
}

func nonNil(records []ir.ChangeRecord) []ir.ChangeRecord {
	if records == nil {
		return []ir.ChangeRecord{}
	}
	return records
}
