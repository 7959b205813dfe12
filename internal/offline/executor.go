package offline

import (
	"context"

	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/remote"
	"github.com/roach88/campaignsync/internal/syncerr"
)

// Executor applies one operation to the remote store.
// For deletes the returned document is the zero value.
type Executor interface {
	Execute(ctx context.Context, op Operation) (document.Document, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, op Operation) (document.Document, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, op Operation) (document.Document, error) {
	return f(ctx, op)
}

// RemoteExecutor replays operations against a remote adapter.
type RemoteExecutor struct {
	Adapter remote.Adapter
}

// Execute implements Executor.
func (e RemoteExecutor) Execute(ctx context.Context, op Operation) (document.Document, error) {
	switch op.Type {
	case document.OpCreate, document.OpUpdate:
		return e.Adapter.WriteDocument(ctx, op.Collection, op.DocID, op.Payload)
	case document.OpDelete:
		return document.Document{}, e.Adapter.DeleteDocument(ctx, op.Collection, op.DocID)
	default:
		return document.Document{}, syncerr.Validation("unrecognized operation type %q", op.Type)
	}
}
