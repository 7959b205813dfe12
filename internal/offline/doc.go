// Package offline holds mutations attempted while the remote store was
// unreachable and replays them when it comes back.
//
// Ordering is per document: operations targeting the same DocID are applied
// strictly in enqueue order, including across retries. Operations on
// distinct documents replay concurrently up to a configurable cap.
//
// A transient failure consumes one attempt and moves the operation, together
// with every later operation on the same document, to the tail of the queue.
// After the last attempt the operation moves to the failed list, the failure
// listeners fire, and nothing retries it again unless Retry is called.
// Permanent failures skip straight to the failed list.
//
// Both lists are written through Persistence after every change, so a
// restarted process replays exactly what was pending.
package offline
