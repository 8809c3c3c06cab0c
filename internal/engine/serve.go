package engine

import (
	"context"
	"time"

	"github.com/roach88/syncd/internal/ir"
)

// ReportFunc receives the outcome of each run started by Serve.
type ReportFunc func(report ir.Report, err error)

// Serve runs immediately and then every interval until ctx is cancelled.
// A RunInProgressError skips the tick. Store failures are passed to onReport
// and do not stop the loop; the next tick starts with recovery.
func (o *Orchestrator) Serve(ctx context.Context, interval time.Duration, onReport ReportFunc) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		report, err := o.Run(ctx)
		switch {
		case ir.IsRunInProgress(err):
			o.logger.Warn("skipping tick, run in progress", "error", err)
		case onReport != nil:
			onReport(report, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
