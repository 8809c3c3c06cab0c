// Package engine implements the sync orchestrator.
//
// The orchestrator composes the other packages into one run:
//
//	idle -> fetching -> validating -> resolving -> scheduling -> dispatching -> committing -> idle
//
// Any state may end in aborted when the state store fails.
//
// RUN FLOW:
//
//  1. Take the in-process and file locks of every connector in the run.
//  2. Recover: re-dispatch batches left pending or dispatched by earlier runs.
//  3. Fetch every connector in parallel from its committed cursor.
//  4. Map external ids to entity ids, drop records already applied, validate.
//  5. Stamp version vectors from durable per-connector sequence numbers and
//     resolve each touched entity against its stored state.
//  6. Derive outbound records: for every destination, the fields whose
//     resolved value differs from what that destination is known to hold.
//  7. Persist the plan, commit the resolved entity state, then dispatch the
//     outbound batches; each batch result is committed as it arrives.
//
// CURSOR SAFETY:
//
// Cursors only move inside store transactions, and only past records whose
// entity has nothing left outstanding in the run. A rejected or failed
// outbound record keeps its entity's origins pending, so the next run fetches
// them again.
//
// CANCELLATION:
//
// Cancelling the run context stops batches that have not started. Calls in
// flight finish under their own timeout and are committed. Whatever is left
// is picked up by recovery at the start of the next run.
package engine
