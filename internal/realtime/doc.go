// Package realtime coordinates live sync for one user/campaign context.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// A Coordinator owns the context's ledger, offline queue, and subscriptions
// and mutates them only from Run. Everything that happens elsewhere
// (connection transitions, auth changes, snapshot deliveries, write
// completions, drain completions, mutation requests) is posted to a FIFO
// event queue and handled in arrival order.
//
// States:
//
//	Idle -> Initializing -> Active <-> Suspended -> TornDown
//
// While Active, mutations are reflected in the ledger and written straight
// to the remote store. Writes to the same document are chained so they land
// in request order. While Suspended, mutations are reflected in the ledger
// and appended to the offline queue.
//
// Reconnect (Suspended -> Active) runs, in order: drain the offline queue,
// re-establish stale subscriptions, reconcile the ledger against the
// freshest snapshots. The coordinator stays Suspended until all three are
// done. Logging out, switching user, or Close tears the context down:
// subscriptions closed, ledger cleared, queue listeners dropped. Queued
// operations stay persisted for the same context's next session.
//
// Timers: the optimistic sweep (default 1s) and the metrics tick (default
// 30s) belong to Run and stop with it.
package realtime
