package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Limit int
}

// StatusResult is the output of the status command.
type StatusResult struct {
	Runs    []store.RunInfo    `json:"runs"`
	Cursors []store.CursorInfo `json:"cursors"`
	Reviews int                `json:"reviews"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show recent runs and connector cursors",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 10, "number of runs to show")

	return cmd
}

// withStore opens the configured store for a read-only command.
func withStore(opts *RootOptions, fn func(st *store.Store) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	return withStore(opts.RootOptions, func(st *store.Store) error {
		ctx := cmd.Context()
		runs, err := st.ListRuns(ctx, opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runs", err)
		}
		cursors, err := st.Cursors(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read cursors", err)
		}
		reviews, err := st.ListReviews(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list reviews", err)
		}

		result := StatusResult{Runs: runs, Cursors: cursors, Reviews: len(reviews)}
		return formatterFor(opts.RootOptions, cmd).Emit(result, func(w io.Writer) {
			if len(runs) == 0 {
				fmt.Fprintln(w, "No runs yet.")
			}
			for _, r := range runs {
				line := fmt.Sprintf("%s  %-10s %s  [%s]", r.StartedAt, r.State, r.ID, strings.Join(r.Connectors, ","))
				if r.AbortCause != "" {
					line += "  cause: " + r.AbortCause
				}
				fmt.Fprintln(w, line)
			}
			if len(cursors) > 0 {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "Cursors:")
			}
			for _, c := range cursors {
				fmt.Fprintf(w, "  %-16s %q (updated %s)\n", c.Connector, c.Position, c.UpdatedAt)
			}
			if len(reviews) > 0 {
				fmt.Fprintf(w, "\nAwaiting review: %d (see syncd review)\n", len(reviews))
			}
		})
	})
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts [entity-id]",
		Short: "List resolved conflicts",
		Long: `List the conflict log, oldest first, optionally for one entity.

Each entry names the field, the competing writes, the winner and the
strategy that decided it.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID := ""
			if len(args) == 1 {
				entityID = args[0]
			}
			return runConflicts(rootOpts, entityID, cmd)
		},
	}
}

func runConflicts(opts *RootOptions, entityID string, cmd *cobra.Command) error {
	return withStore(opts, func(st *store.Store) error {
		conflicts, err := st.ListConflicts(cmd.Context(), entityID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list conflicts", err)
		}
		if conflicts == nil {
			conflicts = []ir.ConflictRecord{}
		}
		return formatterFor(opts, cmd).Emit(conflicts, func(w io.Writer) {
			if len(conflicts) == 0 {
				fmt.Fprintln(w, "No conflicts.")
				return
			}
			for _, c := range conflicts {
				losers := make([]string, len(c.Losers))
				for i, l := range c.Losers {
					losers[i] = l.Connector + "@" + l.SourceRevision
				}
				fmt.Fprintf(w, "%s %s.%s: %s@%s wins by %s with %s over %s\n",
					c.RunID, c.EntityID, c.Field, c.Winner.Connector, c.Winner.SourceRevision,
					c.Strategy, ir.FormatValue(c.WinningValue), strings.Join(losers, ", "))
			}
		})
	})
}

// NewReviewCommand creates the review command.
func NewReviewCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "review",
		Short: "List entities awaiting manual review",
		Long: `List entities excluded from sync because their version vectors
were inconsistent. They stay excluded until resolved by hand.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReview(rootOpts, cmd)
		},
	}
}

func runReview(opts *RootOptions, cmd *cobra.Command) error {
	return withStore(opts, func(st *store.Store) error {
		reviews, err := st.ListReviews(cmd.Context())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list reviews", err)
		}
		if reviews == nil {
			reviews = []ir.Review{}
		}
		return formatterFor(opts, cmd).Emit(reviews, func(w io.Writer) {
			if len(reviews) == 0 {
				fmt.Fprintln(w, "Nothing to review.")
				return
			}
			for _, r := range reviews {
				fmt.Fprintf(w, "%s (run %s, %d record%s): %s\n", r.EntityID, r.RunID, len(r.Records), plural(len(r.Records)), r.Reason)
			}
		})
	})
}
