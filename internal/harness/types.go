package harness

// Trace event types. Notice kinds from the coordinator are recorded under
// their own names (queued, confirmed, corrected, update_failed,
// operation_failed).
const (
	EventStep         = "step"
	EventState        = "state"
	EventRemoteWrite  = "remote_write"
	EventRemoteDelete = "remote_delete"
)

// TraceEvent is one observable effect of a scenario.
type TraceEvent struct {
	Step       int            `json:"step"`
	Type       string         `json:"type"`
	Action     string         `json:"action,omitempty"`
	State      string         `json:"state,omitempty"`
	Collection string         `json:"collection,omitempty"`
	DocID      string         `json:"doc_id,omitempty"`
	UpdateID   string         `json:"update_id,omitempty"`
	OpID       string         `json:"op_id,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists step markers, notices, and remote writes in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds assertion and step failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State summarizes the final coordinator and queue state.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
