package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/syncd/internal/config"
	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/monitor"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Interval time.Duration
	NoWatch  bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run on a timer until interrupted",
		Long: `Run immediately and then every interval until interrupted.

Priority changes in the config file are picked up without a restart. An
invalid edit is logged and ignored. A tick that finds another run in
progress is skipped.

Examples:
  syncd serve
  syncd serve --interval 30s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between runs (default from config)")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not reload the config file on change")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	a, err := loadApp(opts.RootOptions, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	monitor.LogHooks(logger)

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	if !opts.NoWatch {
		w := config.NewWatcher(opts.ConfigPath, func(cfg *config.Config) {
			a.orch.SetPriorities(mergePriorities(a.schemas, cfg.Priorities))
			logger.Info("priorities reloaded", "entity_types", len(cfg.Priorities))
		}, logger)
		go func() {
			if err := w.Watch(ctx); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = a.cfg.Interval
	}
	logger.Info("serving", "interval", interval, "connectors", a.orch.Connectors())
	fmt.Fprintln(cmd.OutOrStdout(), "Serving. Press Ctrl-C to stop.")

	f := formatterFor(opts.RootOptions, cmd)
	err = a.orch.Serve(ctx, interval, func(report ir.Report, err error) {
		if err != nil {
			logger.Error("run failed", "run_id", report.RunID, "error", err)
		}
		if report.RunID != "" {
			_ = f.Emit(report, func(w io.Writer) { writeReport(w, report) })
		}
	})
	if err != nil {
		return WrapExitError(ExitFailure, "serve stopped", err)
	}
	logger.Info("stopped gracefully")
	return nil
}
