// Package harness runs scripted sync scenarios against an in-process
// remote store and checks the observable trace.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: offline_edit_replays
//	description: "An edit made offline reaches the store on reconnect"
//	campaign: camp-1
//	collections: [npcs]
//	offline: true
//	seed:
//	  - collection: npcs
//	    id: npc-1
//	    fields: { campaignId: camp-1, hp: 10 }
//	steps:
//	  - action: mutate
//	    collection: npcs
//	    id: npc-1
//	    op: update
//	    value: { hp: 5 }
//	  - action: connect
//	assertions:
//	  - type: remote_document
//	    collection: npcs
//	    id: npc-1
//	    expect: { hp: 5 }
//	  - type: final_state
//	    state: active
//
// # Steps
//
//   - mutate: local create, update, or delete through the coordinator
//   - disconnect, connect: flip both the store and the connection monitor
//   - fail_next: script transient or permanent failures for a document
//   - remote_write: another client writes a document
//   - advance: move the manual clock (drives confirmation timeouts)
//   - login, logout: change the authenticated user
//   - retry, discard: manage failed queue operations by id
//   - clear_error: acknowledge an errored optimistic update
//
// After each step the harness waits until the coordinator has no write,
// drain, or drainable queued work outstanding.
//
// # Assertion Types
//
//   - trace_contains, trace_count, trace_order: over trace event types,
//     optionally narrowed by collection and id
//   - remote_document, view_document: subset match on the store's document
//     or the coordinator's merged view, or absent: true
//   - final_state: the coordinator state
//   - queue: pending and failed operation counts
//   - errored_updates: the number of errored optimistic updates
//
// # Determinism
//
// Clocks, operation ids (op-N), and update ids (upd-N) are deterministic,
// and the offline queue replays with concurrency 1, so traces are stable
// enough for golden comparison.
package harness
