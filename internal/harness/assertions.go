package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/campaignsync/internal/document"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Type == EventStep {
				fmt.Fprintf(&buf, "  [%d] %s\n", event.Step, event.Action)
				continue
			}
			fmt.Fprintf(&buf, "      %s %s\n", event.Type, describe(event))
		}
	}
	return buf.String()
}

func describe(e TraceEvent) string {
	var parts []string
	if e.State != "" {
		parts = append(parts, e.State)
	}
	if e.Collection != "" {
		parts = append(parts, e.Collection+"/"+e.DocID)
	}
	if e.UpdateID != "" {
		parts = append(parts, e.UpdateID)
	}
	if e.OpID != "" {
		parts = append(parts, e.OpID)
	}
	return strings.Join(parts, " ")
}

// State reads the final state for document and state assertions.
type State interface {
	RemoteDocument(collection, id string) (document.Fields, bool)
	ViewDocument(collection, id string) (document.Fields, bool)
}

// RemoteDocument implements State.
func (h *Harness) RemoteDocument(collection, id string) (document.Fields, bool) {
	doc, ok := h.remote.Get(collection, id)
	return doc.Fields, ok
}

// ViewDocument implements State.
func (h *Harness) ViewDocument(collection, id string) (document.Fields, bool) {
	doc, ok := h.coord.Document(collection, id)
	return doc.Fields, ok
}

// matches reports whether a trace event satisfies an assertion's event
// selector. Collection and id narrow the match when set.
func matches(e TraceEvent, a Assertion, eventType string) bool {
	if e.Type != eventType {
		return false
	}
	if a.Collection != "" && e.Collection != a.Collection {
		return false
	}
	if a.ID != "" && e.DocID != a.ID {
		return false
	}
	return true
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, e := range trace {
		if matches(e, a, a.Event) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event %s %s", a.Event, target(a)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrence of each event type
// follows the previous one. Intervening events are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, want := range a.Events {
		found := -1
		for i := pos; i < len(trace); i++ {
			if matches(trace[i], a, want) {
				found = i
				break
			}
		}
		if found < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual:   fmt.Sprintf("no %s after position %d", want, pos),
				Trace:    trace,
			}
		}
		pos = found + 1
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, e := range trace {
		if matches(e, a, a.Event) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s %s", a.Count, a.Event, target(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertDocument(a Assertion, fields document.Fields, found bool) error {
	switch {
	case a.Absent && found:
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s absent", target(a)),
			Actual:   fmt.Sprintf("present with %v", fields),
		}
	case a.Absent:
		return nil
	case !found:
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s with %v", target(a), a.Expect),
			Actual:   "absent",
		}
	case !document.Contains(fields, document.Fields(a.Expect)):
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s with %v", target(a), a.Expect),
			Actual:   fmt.Sprintf("%v", fields),
		}
	}
	return nil
}

func assertCount(kind string, want, got int) error {
	if want == got {
		return nil
	}
	return &AssertionError{
		Type:     kind,
		Expected: fmt.Sprintf("%d", want),
		Actual:   fmt.Sprintf("%d", got),
	}
}

func target(a Assertion) string {
	if a.Collection == "" && a.ID == "" {
		return "(any document)"
	}
	return a.Collection + "/" + a.ID
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, state State) []string {
	var errors []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertRemoteDocument, AssertViewDocument:
			if state == nil {
				err = fmt.Errorf("assertion[%d]: %s requires final state", i, a.Type)
				break
			}
			var fields document.Fields
			var found bool
			if a.Type == AssertRemoteDocument {
				fields, found = state.RemoteDocument(a.Collection, a.ID)
			} else {
				fields, found = state.ViewDocument(a.Collection, a.ID)
			}
			err = assertDocument(a, fields, found)
		case AssertFinalState:
			if got, _ := result.State["state"].(string); got != a.State {
				err = &AssertionError{Type: AssertFinalState, Expected: a.State, Actual: got}
			}
		case AssertQueue:
			pending, _ := result.State["queue_pending"].(int)
			failed, _ := result.State["queue_failed"].(int)
			if err = assertCount("queue pending", a.Pending, pending); err == nil {
				err = assertCount("queue failed", a.Failed, failed)
			}
		case AssertErrored:
			got, _ := result.State["errored_updates"].(int)
			err = assertCount(AssertErrored, a.Count, got)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
