package engine

import (
	"context"
	"sync"

	"github.com/roach88/syncd/internal/ir"
)

// fetchResult is what one connector returned in the fetch phase.
type fetchResult struct {
	connector string
	start     string
	end       string
	records   []ir.ChangeRecord
	err       error
}

// fetchAll fetches every connector in parallel from its committed cursor.
// Results come back in connector name order. A connector whose fetch fails
// is recorded in the report and sits the run out; only a store failure
// reading cursors is returned.
func (r *run) fetchAll(ctx context.Context) ([]fetchResult, error) {
	o := r.o
	results := make([]fetchResult, len(o.names))
	for i, name := range o.names {
		cursor, err := o.store.GetCursor(ctx, name)
		if err != nil {
			return nil, ir.NewStoreCommitError("", err)
		}
		results[i] = fetchResult{connector: name, start: cursor}
	}

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(res *fetchResult) {
			defer wg.Done()
			records, next, err := o.connectors[res.connector].Fetch(ctx, res.start)
			if err != nil {
				res.err = err
				return
			}
			res.records = records
			res.end = next
			if res.end == "" && len(records) == 0 {
				res.end = res.start
			}
		}(&results[i])
	}
	wg.Wait()

	for _, res := range results {
		if res.err != nil {
			o.logger.Warn("fetch failed", "run_id", r.id, "connector", res.connector, "error", res.err)
			r.update(func(rep *ir.Report) {
				rep.FetchErrors = append(rep.FetchErrors, ir.FetchError{Connector: res.connector, Error: res.err.Error()})
			})
			continue
		}
		o.logger.Debug("fetched", "run_id", r.id, "connector", res.connector, "count", len(res.records), "cursor", res.end)
		r.update(func(rep *ir.Report) { rep.Fetched += len(res.records) })
	}
	return results, nil
}
