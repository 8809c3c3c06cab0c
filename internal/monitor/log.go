package monitor

import (
	"context"
	"log/slog"

	"github.com/zoobzio/capitan"
)

// LogHooks subscribes logger to every syncd signal on the default capitan
// instance.
func LogHooks(logger *slog.Logger) {
	Hooks(capitan.Default(), logger)
}

// Hooks subscribes logger to every syncd signal on c. Failures log at Warn
// or Error, per-record and per-batch progress at Debug.
func Hooks(c *capitan.Capitan, logger *slog.Logger) []*capitan.Listener {
	if logger == nil {
		logger = slog.Default()
	}

	levels := []struct {
		signal capitan.Signal
		level  slog.Level
	}{
		{RunStarted, slog.LevelInfo},
		{RunFinished, slog.LevelInfo},
		{RunAborted, slog.LevelError},
		{StateChanged, slog.LevelDebug},
		{RecordValidated, slog.LevelDebug},
		{ConflictResolved, slog.LevelInfo},
		{BatchDispatched, slog.LevelDebug},
		{BatchRetrying, slog.LevelWarn},
		{BatchCommitted, slog.LevelDebug},
		{BatchFailed, slog.LevelError},
		{ConfigReloaded, slog.LevelInfo},
		{ConfigRejected, slog.LevelWarn},
	}
	out := make([]*capitan.Listener, 0, len(levels))
	for _, l := range levels {
		out = append(out, c.Hook(l.signal, logAt(logger, l.level, l.signal.Name())))
	}
	return out
}

func logAt(logger *slog.Logger, level slog.Level, msg string) func(context.Context, *capitan.Event) {
	return func(ctx context.Context, e *capitan.Event) {
		logger.Log(ctx, level, msg, Attrs(e)...)
	}
}

// Attrs converts the known fields present on an event to slog key/value
// pairs, in a fixed order.
func Attrs(e *capitan.Event) []any {
	var out []any
	for _, k := range []struct {
		name string
		get  func(*capitan.Event) (string, bool)
	}{
		{"run_id", KeyRun.From},
		{"connector", KeyConnector.From},
		{"entity_id", KeyEntity.From},
		{"batch_id", KeyBatch.From},
		{"field", KeyField.From},
		{"old_state", KeyOldState.From},
		{"new_state", KeyNewState.From},
		{"outcome", KeyOutcome.From},
		{"reason", KeyReason.From},
		{"strategy", KeyStrategy.From},
		{"path", KeyPath.From},
		{"error", KeyError.From},
	} {
		if v, ok := k.get(e); ok {
			out = append(out, k.name, v)
		}
	}
	if v, ok := KeyAttempt.From(e); ok {
		out = append(out, "attempt", v)
	}
	if v, ok := KeyCount.From(e); ok {
		out = append(out, "count", v)
	}
	if v, ok := KeyBackoff.From(e); ok {
		out = append(out, "backoff", v)
	}
	if v, ok := KeyDuration.From(e); ok {
		out = append(out, "duration", v)
	}
	return out
}
