package monitor

import "github.com/zoobzio/capitan"

// Field keys for sync events.
var (
	KeyRun       = capitan.NewStringKey("run_id")
	KeyConnector = capitan.NewStringKey("connector")
	KeyEntity    = capitan.NewStringKey("entity_id")
	KeyBatch     = capitan.NewStringKey("batch_id")
	KeyField     = capitan.NewStringKey("field")

	// KeyOldState and KeyNewState carry orchestrator states.
	KeyOldState = capitan.NewStringKey("old_state")
	KeyNewState = capitan.NewStringKey("new_state")

	// KeyOutcome is a validation status or run state.
	KeyOutcome  = capitan.NewStringKey("outcome")
	KeyReason   = capitan.NewStringKey("reason")
	KeyStrategy = capitan.NewStringKey("strategy")
	KeyError    = capitan.NewStringKey("error")
	KeyPath     = capitan.NewStringKey("path")

	KeyAttempt = capitan.NewIntKey("attempt")
	KeyCount   = capitan.NewIntKey("count")

	KeyBackoff  = capitan.NewDurationKey("backoff")
	KeyDuration = capitan.NewDurationKey("duration")
)
