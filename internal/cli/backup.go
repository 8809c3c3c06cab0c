package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/syncd/internal/backup"
	"github.com/roach88/syncd/internal/config"
	"github.com/roach88/syncd/internal/store"
)

// BackupOptions holds flags shared by the backup subcommands.
type BackupOptions struct {
	*RootOptions
	Passphrase string
	Name       string
	Overwrite  bool
	Output     string
}

// BackupResult is the output of backup create and restore.
type BackupResult struct {
	Name     string          `json:"name"`
	Path     string          `json:"path,omitempty"`
	Manifest backup.Manifest `json:"manifest"`
}

// NewBackupCommand creates the backup command group.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list and restore state store backups",
		Long: `Create, list and restore snapshots of the state store.

Archives are compressed with snappy and, given a passphrase, encrypted
with AES-256-GCM. They go to backup.dir, or to S3 when backup.s3.bucket
is configured. The passphrase defaults to backup.passphrase, then to
$SYNCD_BACKUP_PASSPHRASE.`,
	}
	cmd.PersistentFlags().StringVar(&opts.Passphrase, "passphrase", "", "archive passphrase")

	create := &cobra.Command{
		Use:           "create",
		Short:         "Snapshot the state store into a new archive",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupCreate(opts, cmd)
		},
	}
	create.Flags().StringVar(&opts.Name, "name", "", "archive name (default syncd-<timestamp>.bak)")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List archives",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupList(opts, cmd)
		},
	}

	restore := &cobra.Command{
		Use:   "restore <name>",
		Short: "Restore an archive into a database file",
		Long: `Restore an archive into a database file.

The archive must come from a compatible engine version and its checksum
must match. The target defaults to the configured store path and is only
replaced with --overwrite. Stop serve before restoring over a live store.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupRestore(opts, args[0], cmd)
		},
	}
	restore.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "replace an existing database file")
	restore.Flags().StringVarP(&opts.Output, "output", "o", "", "database file to write (default store.path)")

	cmd.AddCommand(create, list, restore)
	return cmd
}

// openSink returns the S3 sink when a bucket is configured, else the
// directory sink.
func openSink(cmd *cobra.Command, cfg *config.Config) (backup.Sink, error) {
	s3 := cfg.Backup.S3
	if s3.Bucket == "" {
		return backup.FileSink{Dir: cfg.Backup.Dir}, nil
	}
	sink, err := backup.NewS3Sink(cmd.Context(), backup.S3Options{
		Bucket:          s3.Bucket,
		Prefix:          s3.Prefix,
		Region:          s3.Region,
		Endpoint:        s3.Endpoint,
		AccessKeyID:     s3.AccessKeyID,
		SecretAccessKey: s3.SecretAccessKey,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open S3 sink", err)
	}
	return sink, nil
}

func (o *BackupOptions) passphrase(cfg *config.Config) string {
	if o.Passphrase != "" {
		return o.Passphrase
	}
	if cfg.Backup.Passphrase != "" {
		return cfg.Backup.Passphrase
	}
	return os.Getenv("SYNCD_BACKUP_PASSPHRASE")
}

func runBackupCreate(opts *BackupOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	sink, err := openSink(cmd, cfg)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	name, m, err := backup.Create(cmd.Context(), st, sink, backup.Options{
		Passphrase: opts.passphrase(cfg),
		Name:       opts.Name,
		Logger:     newLogger(cmd.ErrOrStderr(), opts.Verbose),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "backup failed", err)
	}
	return formatterFor(opts.RootOptions, cmd).Emit(BackupResult{Name: name, Manifest: m}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ created %s (%d bytes, encrypted=%t)\n", name, m.Size, m.Encrypted)
	})
}

func runBackupList(opts *BackupOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	sink, err := openSink(cmd, cfg)
	if err != nil {
		return err
	}
	names, err := backup.List(cmd.Context(), sink)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list archives", err)
	}
	if names == nil {
		names = []string{}
	}
	return formatterFor(opts.RootOptions, cmd).Emit(names, func(w io.Writer) {
		if len(names) == 0 {
			fmt.Fprintln(w, "No archives.")
		}
		for _, n := range names {
			fmt.Fprintln(w, n)
		}
	})
}

func runBackupRestore(opts *BackupOptions, name string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	sink, err := openSink(cmd, cfg)
	if err != nil {
		return err
	}
	target := opts.Output
	if target == "" {
		target = cfg.Store.Path
	}

	m, err := backup.Restore(cmd.Context(), sink, name, target, backup.Options{
		Passphrase: opts.passphrase(cfg),
		Overwrite:  opts.Overwrite,
		Logger:     newLogger(cmd.ErrOrStderr(), opts.Verbose),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "restore failed", err)
	}

	// The restored file must open as a store.
	st, err := store.OpenWithOptions(target, store.Options{Driver: cfg.Store.Driver})
	if err != nil {
		return WrapExitError(ExitCommandError, "restored database does not open", err)
	}
	if err := st.Close(); err != nil {
		return WrapExitError(ExitCommandError, "failed to close restored database", err)
	}

	return formatterFor(opts.RootOptions, cmd).Emit(BackupResult{Name: name, Path: target, Manifest: m}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ restored %s to %s (engine %s, created %s)\n",
			name, target, m.EngineVersion, m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	})
}
