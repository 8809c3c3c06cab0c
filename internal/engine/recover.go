package engine

import (
	"context"

	"github.com/roach88/syncd/internal/ir"
)

// recover finishes the work of earlier runs over this orchestrator's
// connectors. Local state batches are committed first, in run order; the
// remaining pending or dispatched batches are dispatched again. Application
// is keyed by source revision, so a batch that did reach its destination is
// applied there at most once.
//
// Runs whose batches all settle are marked recovered. A run left running
// with no batches at all never got as far as planning and is marked aborted.
func (o *Orchestrator) recover(ctx context.Context) (int, error) {
	runs, err := o.store.ListRuns(ctx, 0)
	if err != nil {
		return 0, ir.NewStoreCommitError("", err)
	}
	owned := make(map[string]ir.RunState)
	for _, ri := range runs {
		if o.covers(ri.Connectors) {
			owned[ri.ID] = ri.State
		}
	}

	batches, err := o.store.UnfinishedBatches(ctx)
	if err != nil {
		return 0, ir.NewStoreCommitError("", err)
	}
	var local, remote []ir.Batch
	touched := make(map[string]bool)
	for _, b := range batches {
		if _, ok := owned[b.RunID]; !ok {
			continue
		}
		touched[b.RunID] = true
		if b.Local() {
			local = append(local, b)
		} else {
			remote = append(remote, b)
		}
	}

	settled := 0
	if len(local)+len(remote) > 0 {
		o.state.enter(ctx, "", StateDispatching)
		o.logger.Info("recovering unfinished batches", "local", len(local), "remote", len(remote), "runs", len(touched))
	}

	for _, b := range local {
		if _, err := o.store.CommitBatch(ctx, b, nil); err != nil {
			return settled, err
		}
		settled++
	}

	unfinished := make(map[string]bool)
	if len(remote) > 0 {
		rec := &run{o: o}
		results, err := o.scheduler().Dispatch(ctx, remote, &sink{o: o, report: rec})
		if err != nil {
			return settled, err
		}
		for _, res := range results {
			if res.Started() {
				settled++
			} else {
				unfinished[res.Batch.RunID] = true
			}
		}
	}

	for _, ri := range runs {
		state, ok := owned[ri.ID]
		if !ok {
			continue
		}
		switch {
		case touched[ri.ID] && !unfinished[ri.ID]:
			if err := o.store.MarkRunState(ctx, ri.ID, ir.RunRecovered); err != nil {
				return settled, ir.NewStoreCommitError("", err)
			}
		case !touched[ri.ID] && state == ir.RunRunning:
			all, err := o.store.ListBatches(ctx, ri.ID)
			if err != nil {
				return settled, ir.NewStoreCommitError("", err)
			}
			next := ir.RunRecovered
			if len(all) == 0 {
				next = ir.RunAborted
			}
			if err := o.store.MarkRunState(ctx, ri.ID, next); err != nil {
				return settled, ir.NewStoreCommitError("", err)
			}
		}
	}

	if settled > 0 {
		o.logger.Info("recovery finished", "settled", settled)
	}
	return settled, nil
}

// covers reports whether every connector in names is one of ours.
func (o *Orchestrator) covers(names []string) bool {
	for _, n := range names {
		if _, ok := o.connectors[n]; !ok {
			return false
		}
	}
	return true
}
