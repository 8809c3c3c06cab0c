// Package store provides the SQLite-backed sync state store.
//
// The store keeps:
//   - Entities: resolved field values with provenance and a version vector
//   - Connector mirrors: the last value each connector is known to hold
//   - Identity map: (connector, external_id) -> entity_id
//   - Applied changes: (entity_id, connector, source_revision) keys
//   - Cursors and per-connector sequence counters
//   - The batch ledger, run plans, the conflict log and the manual review queue
//
// # Commit Rules
//
// Atomic commits
//   - CommitBatch is one transaction; a CommitHook can fail it at any stage
//   - A failed commit leaves no partial state behind
//
// Monotonic vectors
//   - Stored vectors only ever merge by pointwise max
//
// Cursor safety
//   - A cursor moves past a fetched record only once every outbound record
//     derived from that record's entity in the run has committed
//   - Only the latest run that fetched a connector moves its cursor
//
// Tombstones
//   - A tombstoned entity or field is never overwritten by a live value
//
// # Database Configuration
//
//   - WAL mode, synchronous=NORMAL, busy_timeout=5000, foreign_keys=ON
//   - One connection: SQLite has a single writer
//   - Driver "sqlite3" (mattn/go-sqlite3, cgo) or "sqlite" (modernc.org/sqlite)
package store
