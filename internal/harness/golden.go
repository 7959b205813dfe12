package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/campaignsync/internal/document"
)

// MarshalTrace renders a trace as canonical JSON, one event per line,
// after a header line naming the scenario.
func MarshalTrace(scenarioName string, trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer

	header, err := document.MarshalCanonical(map[string]any{"scenario": scenarioName})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for i, e := range trace {
		line, err := document.MarshalCanonical(eventMap(e))
		if err != nil {
			return nil, fmt.Errorf("trace[%d]: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// eventMap keeps only the set fields so golden lines stay short.
func eventMap(e TraceEvent) map[string]any {
	m := map[string]any{
		"step": e.Step,
		"type": e.Type,
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set("action", e.Action)
	set("state", e.State)
	set("collection", e.Collection)
	set("doc_id", e.DocID)
	set("update_id", e.UpdateID)
	set("op_id", e.OpID)
	set("error", e.Error)
	if e.Attempts != 0 {
		m["attempts"] = e.Attempts
	}
	if e.Fields != nil {
		m["fields"] = e.Fields
	}
	return m
}

// RunWithGolden executes a scenario and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
