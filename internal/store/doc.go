// Package store provides SQLite-backed durable storage for client-side sync
// state.
//
// Two tables:
//   - blobs: latest value per key (the offline queue persists its pending
//     and failed lists here, one key per user)
//   - journal: append-only log of queue lifecycle events
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Journal reads are ordered by seq ASC, never by wall time.
package store
