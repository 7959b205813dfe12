package realtime

import (
	"github.com/roach88/campaignsync/internal/document"
)

// Documents returns the merged view of collection: the freshest remote
// documents across this context's subscriptions with pending optimistic
// changes applied on top. Errored entries are not applied.
func (c *Coordinator) Documents(collection string) []document.Document {
	byID := make(map[string]document.Document)
	for _, snap := range c.subs.Latest() {
		if snap.Collection != collection {
			continue
		}
		for _, d := range snap.Documents {
			if cur, ok := byID[d.ID]; ok && cur.ServerTime.After(d.ServerTime) {
				continue
			}
			d.Fields = d.Fields.Clone()
			byID[d.ID] = d
		}
	}

	for _, u := range c.ledger.Pending() {
		if u.TargetCollection != collection {
			continue
		}
		switch u.Op {
		case document.OpDelete:
			delete(byID, u.TargetDocID)
		default:
			d, ok := byID[u.TargetDocID]
			if !ok {
				d = document.Document{Collection: collection, ID: u.TargetDocID}
			}
			d.Fields = d.Fields.Merge(u.LocalValue)
			byID[u.TargetDocID] = d
		}
	}

	out := make([]document.Document, 0, len(byID))
	for _, d := range byID {
		out = append(out, d)
	}
	document.SortDocuments(out)
	return out
}

// Document returns one document from the merged view.
func (c *Coordinator) Document(collection, id string) (document.Document, bool) {
	for _, d := range c.Documents(collection) {
		if d.ID == id {
			return d, true
		}
	}
	return document.Document{}, false
}
