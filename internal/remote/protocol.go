package remote

import (
	"errors"

	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/syncerr"
)

// Frame types of the WebSocket protocol.
//
// Requests carry an ID that the matching result, error, or pong echoes.
// Snapshot frames carry the SubID chosen by the client at subscribe time and
// may arrive before the subscribe result.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameWrite       = "write"
	FrameDelete      = "delete"
	FramePing        = "ping"

	FrameSnapshot = "snapshot"
	FrameResult   = "result"
	FrameError    = "error"
	FramePong     = "pong"
)

// Error classes carried by error frames.
const (
	ErrorClassTransient = "transient"
	ErrorClassPermanent = "permanent"
)

// Frame is the single JSON message shape exchanged over the socket.
type Frame struct {
	Type       string             `json:"type"`
	ID         string             `json:"id,omitempty"`
	SubID      string             `json:"subId,omitempty"`
	Collection string             `json:"collection,omitempty"`
	DocID      string             `json:"docId,omitempty"`
	Filters    document.Filters   `json:"filters,omitempty"`
	Payload    document.Fields    `json:"payload,omitempty"`
	Snapshot   *document.Snapshot `json:"snapshot,omitempty"`
	Document   *document.Document `json:"document,omitempty"`
	Error      string             `json:"error,omitempty"`
	ErrorClass string             `json:"errorClass,omitempty"`
}

// errorFrame encodes err as a reply to request id.
func errorFrame(id string, err error) Frame {
	class := ErrorClassTransient
	if syncerr.IsPermanent(err) || syncerr.IsValidation(err) {
		class = ErrorClassPermanent
	}
	return Frame{Type: FrameError, ID: id, Error: err.Error(), ErrorClass: class}
}

// frameError decodes an error frame back into the syncerr taxonomy.
func frameError(f Frame, collection, docID string) error {
	cause := errors.New(f.Error)
	if f.ErrorClass == ErrorClassPermanent {
		return syncerr.Permanent(collection, docID, cause)
	}
	return syncerr.Transient(collection, docID, cause)
}
