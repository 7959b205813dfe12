package realtime

import (
	"fmt"

	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/ledger"
	"github.com/roach88/campaignsync/internal/offline"
)

// State is the coordinator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateActive
	StateSuspended
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Context identifies a sync context.
type Context struct {
	UserID     string `json:"userId" yaml:"user_id"`
	CampaignID string `json:"campaignId" yaml:"campaign_id"`
}

// ID returns the registry and persistence key for the context.
func (c Context) ID() string {
	return c.UserID + "/" + c.CampaignID
}

// Collection is a base subscription established when the context starts.
type Collection struct {
	Name    string           `json:"name" yaml:"name"`
	Filters document.Filters `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// CampaignCollections subscribes each named collection filtered to the
// context's campaign.
func CampaignCollections(c Context, names ...string) []Collection {
	out := make([]Collection, len(names))
	for i, n := range names {
		out[i] = Collection{Name: n, Filters: document.Filters{document.Eq("campaignId", c.CampaignID)}}
	}
	return out
}

// NoticeKind names what a Notice reports.
type NoticeKind string

const (
	NoticeStateChanged    NoticeKind = "state_changed"
	NoticeSnapshot        NoticeKind = "snapshot"
	NoticeQueued          NoticeKind = "queued"
	NoticeConfirmed       NoticeKind = "confirmed"
	NoticeCorrected       NoticeKind = "corrected"
	NoticeFailed          NoticeKind = "update_failed"
	NoticeOperationFailed NoticeKind = "operation_failed"
	NoticeMetrics         NoticeKind = "metrics"
)

// Notice is delivered to the Observer from the Run goroutine.
// Only the fields relevant to Kind are set.
type Notice struct {
	Kind      NoticeKind                `json:"kind"`
	State     State                     `json:"state"`
	Snapshot  *document.Snapshot        `json:"snapshot,omitempty"`
	Update    *ledger.OptimisticUpdate  `json:"update,omitempty"`
	Operation *offline.Operation        `json:"operation,omitempty"`
	Document  *document.Document        `json:"document,omitempty"`
	Err       error                     `json:"-"`
	Metrics   *Metrics                  `json:"metrics,omitempty"`
}

// Observer receives notices. It runs on the coordinator goroutine and must
// not block or call back into the coordinator synchronously.
type Observer func(Notice)

// Metrics is the periodic health summary.
type Metrics struct {
	PendingUpdates     int `json:"pendingUpdates"`
	ErroredUpdates     int `json:"erroredUpdates"`
	QueuedOperations   int `json:"queuedOperations"`
	FailedOperations   int `json:"failedOperations"`
	Subscriptions      int `json:"subscriptions"`
	StaleSubscriptions int `json:"staleSubscriptions"`
}

// Status is a point-in-time view of the coordinator's outstanding work.
type Status struct {
	State     State   `json:"state"`
	Connected bool    `json:"connected"`
	Draining  bool    `json:"draining"`
	InFlight  int     `json:"inFlight"`
	Sweeps    uint64  `json:"sweeps"`
	Metrics   Metrics `json:"metrics"`
}

// Idle reports whether no write, drain, or drainable queued work is
// outstanding.
func (s Status) Idle() bool {
	if s.InFlight > 0 || s.Draining {
		return false
	}
	return !(s.State == StateActive && s.Connected && s.Metrics.QueuedOperations > 0)
}
