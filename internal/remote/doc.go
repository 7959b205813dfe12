// Package remote adapts the external document database.
//
// The Adapter interface is the only surface the synchronization layer
// consumes: live collection subscriptions, single-document writes and deletes,
// and server-assigned timestamps on every document.
//
// Two implementations live here:
//
//   - Memory: an in-process document store with monotonic server timestamps,
//     a connectivity switch, and write-failure injection. Used by tests, the
//     scenario harness, and `campaignsync serve`.
//   - Client: a WebSocket client speaking the JSON frame protocol in
//     protocol.go to a Server (which exposes any Adapter over WebSocket).
//
// # Callback contract
//
// Snapshot callbacks run on the adapter's delivery goroutine. A callback must
// not block and must not call Unsubscribe on its own handle. Unsubscribe
// returns only once no further callback will fire for that handle.
package remote
