// Package harness runs conformance scenarios against the real orchestrator.
//
// A scenario declares entity schemas, memory connectors with seeded change
// logs and scripted failures, and a sequence of runs. Each run may seed more
// changes, swap failure plans, and check its report. Assertions then check
// the stored entities, connector state, cursors and conflict log.
//
// # Scenario Format
//
//	name: concurrent_email
//	description: "Both sides change the email; b has priority"
//	entities:
//	  contact:
//	    fields:
//	      email: { type: string, rules: [trim, email] }
//	connectors:
//	  - name: a
//	    records:
//	      - { entity: e1, type: contact, fields: { email: x@a.com } }
//	  - name: b
//	    records:
//	      - { entity: e1, type: contact, fields: { email: x@b.com } }
//	    reject: { e7: "duplicate at destination" }
//	priorities:
//	  contact:
//	    fields: { email: [b, a] }
//	runs:
//	  - expect: { conflicts: 1, committed: 1 }
//	assertions:
//	  - { type: entity, entity: e1, expect: { email: x@b.com } }
//	  - { type: cursor, connector: a, value: "1" }
//
// # Assertion Types
//
//   - entity: stored winner values (subset match) and tombstone flag
//   - connector_state: values a connector holds, or its delete flag
//   - cursor: the committed cursor of a connector
//   - applied: distinct records a connector applied
//   - conflicts: number of conflict records, for one entity or in total
//
// # Deterministic Testing
//
// Every scenario gets a fresh store, a fixed clock, sequential run ids and
// a sleeper that records backoffs instead of waiting. The text summary of
// a run is therefore stable and is compared against golden files with
// RunWithGolden.
package harness
