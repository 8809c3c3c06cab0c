package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/zoobzio/capitan"

	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/monitor"
	"github.com/roach88/syncd/internal/schedule"
	"github.com/roach88/syncd/internal/store"
)

// sink delivers batches to their connectors and commits each result to the
// store. It accumulates outcomes into the report of the run it serves.
type sink struct {
	o      *Orchestrator
	report *run
}

var _ schedule.Sink = (*sink)(nil)

// Deliver records the attempt in the batch ledger, then calls the adapter.
func (s *sink) Deliver(ctx context.Context, b ir.Batch, attempt int) ([]ir.Outcome, error) {
	c, ok := s.o.connectors[b.Connector]
	if !ok {
		return nil, ir.NewPersistentError(b.Connector, errors.New("connector is not configured"))
	}
	if err := s.o.store.MarkDispatched(ctx, b.ID, attempt); err != nil {
		return nil, err
	}
	return c.Apply(ctx, b)
}

// Settle commits a delivered batch or records a failed one. Store errors are
// returned and abort the dispatch.
func (s *sink) Settle(ctx context.Context, res schedule.Result) error {
	b := res.Batch
	b.Attempts = res.Attempts

	switch res.Status {
	case ir.BatchCommitted:
		summary, err := s.o.store.CommitBatch(ctx, b, res.Outcomes)
		if err != nil {
			return err
		}
		capitan.Emit(ctx, monitor.BatchCommitted,
			monitor.KeyRun.Field(b.RunID),
			monitor.KeyBatch.Field(b.ID),
			monitor.KeyConnector.Field(b.Connector),
			monitor.KeyAttempt.Field(res.Attempts),
			monitor.KeyCount.Field(len(summary.Committed)),
		)
		if len(summary.Rejected) > 0 {
			s.o.logger.Warn("records rejected by connector",
				"run_id", b.RunID, "batch_id", b.ID, "connector", b.Connector, "count", len(summary.Rejected))
		}
		s.report.update(func(rep *ir.Report) {
			rep.Committed += len(summary.Committed)
			if len(summary.Rejected) == 0 {
				return
			}
			fb := ir.FailedBatch{
				BatchID:   store.FailedBatchID(b.ID),
				Connector: b.Connector,
				Attempts:  res.Attempts,
			}
			for i, rr := range summary.Rejected {
				fb.Records = append(fb.Records, rr.Record.Ref())
				if i == 0 {
					fb.Reason = rr.Record.EntityID + ": " + rr.Reason
				}
			}
			if len(summary.Rejected) > 1 {
				fb.Reason = fmt.Sprintf("%s (and %d more)", fb.Reason, len(summary.Rejected)-1)
			}
			rep.Failed += len(summary.Rejected)
			rep.FailedBatches = append(rep.FailedBatches, fb)
		})
		return nil

	case ir.BatchFailed:
		if ir.IsStoreFailure(res.Err) {
			return res.Err
		}
		reason := "batch failed"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		if err := s.o.store.FailBatch(ctx, b.ID, res.Attempts, reason); err != nil {
			return err
		}
		s.report.update(func(rep *ir.Report) {
			fb := ir.FailedBatch{
				BatchID:   b.ID,
				Connector: b.Connector,
				Attempts:  res.Attempts,
				Reason:    reason,
			}
			for _, rec := range b.Records {
				fb.Records = append(fb.Records, rec.Ref())
			}
			rep.Failed += len(b.Records)
			rep.FailedBatches = append(rep.FailedBatches, fb)
		})
		return nil
	}
	return nil
}
