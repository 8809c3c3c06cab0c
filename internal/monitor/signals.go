// Package monitor declares the capitan signals and field keys syncd emits,
// and bridges them to slog.
package monitor

import "github.com/zoobzio/capitan"

// Run lifecycle signals.
var (
	// RunStarted is emitted when a run has taken its connector locks.
	RunStarted = capitan.NewSignal(
		"sync.run.started",
		"Sync run started",
	)

	// RunFinished is emitted when a run completes or is cancelled.
	RunFinished = capitan.NewSignal(
		"sync.run.finished",
		"Sync run finished",
	)

	// RunAborted is emitted when a store failure aborts a run.
	RunAborted = capitan.NewSignal(
		"sync.run.aborted",
		"Sync run aborted",
	)

	// StateChanged is emitted on every orchestrator state transition.
	StateChanged = capitan.NewSignal(
		"sync.state.changed",
		"Orchestrator state transition",
	)
)

// Record and entity signals.
var (
	// RecordValidated is emitted once per validated record with its outcome.
	RecordValidated = capitan.NewSignal(
		"sync.record.validated",
		"Record validated",
	)

	// ConflictResolved is emitted for every recorded conflict.
	ConflictResolved = capitan.NewSignal(
		"sync.conflict.resolved",
		"Concurrent field write resolved",
	)
)

// Batch signals.
var (
	// BatchDispatched is emitted before each adapter call.
	BatchDispatched = capitan.NewSignal(
		"sync.batch.dispatched",
		"Batch dispatched to connector",
	)

	// BatchRetrying is emitted when a failed attempt will be retried.
	BatchRetrying = capitan.NewSignal(
		"sync.batch.retrying",
		"Batch attempt failed, retrying",
	)

	// BatchCommitted is emitted after CommitBatch succeeds.
	BatchCommitted = capitan.NewSignal(
		"sync.batch.committed",
		"Batch committed",
	)

	// BatchFailed is emitted when a batch gives up.
	BatchFailed = capitan.NewSignal(
		"sync.batch.failed",
		"Batch failed",
	)
)

// Configuration signals.
var (
	// ConfigReloaded is emitted when a changed config file was applied.
	ConfigReloaded = capitan.NewSignal(
		"sync.config.reloaded",
		"Configuration reloaded",
	)

	// ConfigRejected is emitted when a changed config file failed validation.
	ConfigRejected = capitan.NewSignal(
		"sync.config.rejected",
		"Configuration change rejected",
	)
)
