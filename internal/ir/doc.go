// Package ir provides the shared data model for syncd: field values,
// version vectors, change records, entities, batches, conflicts, run reports
// and the SyncError taxonomy.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key constraints:
//   - Field values are a sealed set (Null, String, Int, Float, Bool, Tombstone)
//   - Stages return copies of records, never mutate them
//   - Content-addressed ids hash RFC 8785 canonical JSON with a domain prefix
//   - All JSON tags use snake_case
package ir
