package remote

import (
	"context"

	"github.com/roach88/campaignsync/internal/document"
)

// SnapshotFunc receives snapshots for one subscription.
type SnapshotFunc func(document.Snapshot)

// Subscription is a live collection subscription.
type Subscription interface {
	// Unsubscribe cancels the subscription. It is synchronous: once it
	// returns, the callback will not be started again. Safe to call twice,
	// and from inside the callback.
	Unsubscribe()

	// Stale reports whether the subscription stopped receiving live updates
	// (for example after a lost session) and must be re-established.
	Stale() bool
}

// Adapter is the remote document store capability.
//
// Errors are classified with syncerr: connectivity failures are transient,
// rejections (authorization, validation) are permanent.
type Adapter interface {
	// Subscribe opens a live subscription on collection restricted by
	// filters. The current contents are delivered as the first snapshot.
	Subscribe(ctx context.Context, collection string, filters document.Filters, onSnapshot SnapshotFunc) (Subscription, error)

	// WriteDocument merges payload into the document, creating it if absent,
	// and returns the stored document with its new server timestamp.
	WriteDocument(ctx context.Context, collection, id string, payload document.Fields) (document.Document, error)

	// DeleteDocument removes the document. Deleting a missing document
	// succeeds.
	DeleteDocument(ctx context.Context, collection, id string) error
}

// Pinger is implemented by adapters that can report session reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
