package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/syncd/internal/ir"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Perform one sync run",
		Long: `Perform one sync run over every configured connector.

Unfinished batches of earlier runs are re-dispatched first. The run then
fetches, validates, resolves and pushes, and prints its report.

Exit codes:
  0 - Run completed with nothing failed
  1 - Run finished with failed batches, rejected records, reviews or
      fetch errors, or was aborted
  2 - Command error (bad config, another run in progress, etc.)

Examples:
  syncd run
  syncd run --config ./syncd.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(rootOpts, cmd)
		},
	}
	return cmd
}

func runOnce(opts *RootOptions, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	a, err := loadApp(opts, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	report, err := a.orch.Run(ctx)
	if err != nil && report.RunID == "" {
		f := formatterFor(opts, cmd)
		_ = f.Fail(err, "E001")
		return WrapExitError(ExitCommandError, "run did not start", err)
	}
	return outputReport(formatterFor(opts, cmd), report)
}

// outputReport prints a run report and maps failures to exit code 1.
func outputReport(f *OutputFormatter, report ir.Report) error {
	if err := f.EmitRun(report.RunID, report, func(w io.Writer) { writeReport(w, report) }); err != nil {
		return err
	}
	if report.HasFailures() {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s %s with failures", report.RunID, report.State))
	}
	return nil
}

// writeReport renders a report for humans.
func writeReport(w io.Writer, r ir.Report) {
	mark := "✓"
	if r.HasFailures() {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s run %s %s\n", mark, r.RunID, r.State)
	if r.AbortCause != "" {
		fmt.Fprintf(w, "  cause: %s\n", r.AbortCause)
	}
	fmt.Fprintf(w, "  fetched %d, duplicates %d, validated %d (repaired %d), rejected %d\n",
		r.Fetched, r.Duplicates, r.Validated, r.Repaired, r.Rejected)
	fmt.Fprintf(w, "  conflicts %d, committed %d, state only %d, failed %d, recovered %d\n",
		r.Conflicted, r.Committed, r.StateOnly, r.Failed, r.Recovered)

	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "  conflict %s.%s: %s wins by %s with %s\n",
			c.EntityID, c.Field, c.Winner.Connector, c.Strategy, ir.FormatValue(c.WinningValue))
	}
	for _, rej := range r.Rejections {
		fmt.Fprintf(w, "  rejected %s/%s: %s\n", rej.Record.Connector, rej.Record.EntityID, rej.Reason)
	}
	for _, fb := range r.FailedBatches {
		fmt.Fprintf(w, "  failed batch %s to %s (%d record%s): %s\n",
			fb.BatchID, fb.Connector, len(fb.Records), plural(len(fb.Records)), fb.Reason)
	}
	for _, rv := range r.Reviews {
		fmt.Fprintf(w, "  review %s: %s\n", rv.EntityID, rv.Reason)
	}
	for _, fe := range r.FetchErrors {
		fmt.Fprintf(w, "  fetch error %s: %s\n", fe.Connector, fe.Error)
	}
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Re-dispatch unfinished batches without fetching",
		Long: `Re-dispatch the batches of interrupted runs and settle them.

Nothing new is fetched. Connectors are idempotent per source revision, so
a batch that was delivered before the interruption is acknowledged again
without being applied twice.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
}

// RecoverResult is the output of the recover command.
type RecoverResult struct {
	Settled int `json:"settled"`
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	a, err := loadApp(opts, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	n, err := a.orch.Recover(ctx)
	if err != nil {
		f := formatterFor(opts, cmd)
		_ = f.Fail(err, "E001")
		return WrapExitError(ExitCommandError, "recovery failed", err)
	}
	return formatterFor(opts, cmd).Emit(RecoverResult{Settled: n}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %d unfinished batch(es) settled\n", n)
	})
}
