package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/syncd/internal/config"
	"github.com/roach88/syncd/internal/connector"
	"github.com/roach88/syncd/internal/engine"
	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/resolve"
	"github.com/roach88/syncd/internal/schema"
	"github.com/roach88/syncd/internal/store"
	"github.com/roach88/syncd/internal/validate"
)

// app is a loaded configuration with its store and connectors open.
type app struct {
	cfg        *config.Config
	store      *store.Store
	connectors []connector.Connector
	schemas    []ir.EntitySchema
	orch       *engine.Orchestrator
	logger     *slog.Logger
}

// newLogger returns a text logger on w at Info, or Debug when verbose.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// knownRules lists the built-in rule names for schema checks.
func knownRules() map[string]bool {
	out := make(map[string]bool)
	for name := range validate.Builtins() {
		out[name] = true
	}
	return out
}

// loadConfig reads the config file named by the global flag.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openStore opens the configured state store, creating its directory.
func openStore(cfg *config.Config) (*store.Store, error) {
	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create store directory", err)
		}
	}
	st, err := store.OpenWithOptions(cfg.Store.Path, store.Options{Driver: cfg.Store.Driver})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return st, nil
}

// loadApp builds everything a sync run needs from the config file.
func loadApp(opts *RootOptions, logger *slog.Logger) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger.Debug("loading schemas", "dir", cfg.SchemaDir)
	schemas, err := schema.LoadDir(cfg.SchemaDir, knownRules())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schemas", err)
	}
	rules, err := validate.SchemaRules(schemas, validate.Builtins())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build rules", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: st, schemas: schemas, logger: logger}
	registry := connector.NewRegistry()
	for _, cc := range cfg.Connectors {
		c, err := registry.Open(cc)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open connector", err)
		}
		a.connectors = append(a.connectors, c)
	}

	engineOpts := []engine.Option{
		engine.WithSchedulerConfig(cfg.Scheduler),
		engine.WithLockDir(cfg.LockDir),
		engine.WithLogger(logger),
	}
	for _, cc := range cfg.Connectors {
		if cc.BatchSize > 0 {
			engineOpts = append(engineOpts, engine.WithBatchSize(cc.Name, cc.BatchSize))
		}
	}
	a.orch, err = engine.New(st, a.connectors, validate.New(schemas, rules),
		resolve.New(mergePriorities(schemas, cfg.Priorities)), engineOpts...)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	logger.Debug("engine ready", "connectors", a.orch.Connectors(), "schemas", len(schemas))
	return a, nil
}

// Close releases connectors and the store.
func (a *app) Close() {
	for _, c := range a.connectors {
		if cl, ok := c.(connector.Closer); ok {
			if err := cl.Close(); err != nil {
				a.logger.Warn("error closing connector", "connector", c.Name(), "error", err)
			}
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing store", "error", err)
	}
}

// mergePriorities starts from each schema's declared priority; the config
// replaces it per entity type.
func mergePriorities(schemas []ir.EntitySchema, override map[string]ir.Priority) map[string]ir.Priority {
	out := make(map[string]ir.Priority, len(schemas)+len(override))
	for _, s := range schemas {
		if len(s.Priority.Default) > 0 || len(s.Priority.Fields) > 0 {
			out[s.Name] = s.Priority
		}
	}
	for typ, p := range override {
		out[typ] = p
	}
	return out
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
// Uses the command's context if available (for testing).
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// formatterFor builds the output formatter of a command.
func formatterFor(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

func sortedNames[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// plural returns "s" unless n is 1.
func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
