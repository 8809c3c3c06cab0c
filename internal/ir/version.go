package ir

// Version constants for stored data and the engine.
const (
	// SchemaVersion is the state store schema version (PRAGMA user_version).
	SchemaVersion = 1

	// EngineVersion is the syncd engine version. Backups record it and restore
	// checks caret compatibility against it.
	EngineVersion = "0.1.0"
)
