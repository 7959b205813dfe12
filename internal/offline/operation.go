package offline

import (
	"time"

	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/syncerr"
)

// Operation is one queued mutation.
type Operation struct {
	ID         string          `json:"id"`
	Type       document.Op     `json:"type"`
	Collection string          `json:"collection"`
	DocID      string          `json:"docId"`
	Payload    document.Fields `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Seq        int64           `json:"seq"`

	// UpdateID links the operation to the optimistic ledger entry that
	// reflects it locally, if any.
	UpdateID string `json:"updateId,omitempty"`

	// LastError is the message of the most recent failed attempt.
	LastError string `json:"lastError,omitempty"`
}

// Validate checks the operation shape.
func (op Operation) Validate() error {
	if !op.Type.Valid() {
		return syncerr.Validation("unrecognized operation type %q", op.Type)
	}
	if op.Collection == "" {
		return syncerr.Validation("operation %s: collection is required", op.Type)
	}
	if op.DocID == "" {
		return syncerr.Validation("operation %s on %s: document id is required", op.Type, op.Collection)
	}
	if op.Type.NeedsPayload() && op.Payload == nil {
		return syncerr.Validation("operation %s on %s/%s: payload is required", op.Type, op.Collection, op.DocID)
	}
	return nil
}

func (op Operation) clone() Operation {
	op.Payload = op.Payload.Clone()
	return op
}

func cloneOps(ops []Operation) []Operation {
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = op.clone()
	}
	return out
}

// State is a point-in-time view of the queue.
type State struct {
	Pending        []Operation `json:"pending"`
	Failed         []Operation `json:"failed"`
	SyncInProgress bool        `json:"syncInProgress"`
}

// Result summarizes one Drain call.
type Result struct {
	Succeeded int  `json:"succeeded"`
	Requeued  int  `json:"requeued"`
	Failed    int  `json:"failed"`
	Rounds    int  `json:"rounds"`
	Skipped   bool `json:"skipped,omitempty"`
}
