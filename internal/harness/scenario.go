package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/campaignsync/internal/document"
)

// Scenario drives one coordinator through a scripted sequence of
// connectivity changes, local edits, and remote events.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// User and Campaign form the sync context. User defaults to "u-1".
	User     string `yaml:"user,omitempty"`
	Campaign string `yaml:"campaign"`

	// Collections are subscribed with a campaignId filter.
	Collections []string `yaml:"collections"`

	// Offline starts the scenario without connectivity.
	Offline bool `yaml:"offline,omitempty"`

	// Seed documents exist in the remote store before the coordinator starts.
	Seed []SeedDoc `yaml:"seed,omitempty"`

	Options Options `yaml:"options,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// SeedDoc is a remote document written by another client.
type SeedDoc struct {
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id"`
	Fields     map[string]any `yaml:"fields"`
}

// Options tunes the coordinator and queue for the scenario.
type Options struct {
	MaxAttempts    int           `yaml:"max_attempts,omitempty"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout,omitempty"`
}

// Step actions.
const (
	ActionMutate      = "mutate"
	ActionDisconnect  = "disconnect"
	ActionConnect     = "connect"
	ActionFailNext    = "fail_next"
	ActionRemoteWrite = "remote_write"
	ActionAdvance     = "advance"
	ActionLogin       = "login"
	ActionLogout      = "logout"
	ActionRetry       = "retry"
	ActionDiscard     = "discard"
	ActionClearError  = "clear_error"
)

// Step is one scripted action. Only the fields for Action are read.
type Step struct {
	Action string `yaml:"action"`

	Collection string         `yaml:"collection,omitempty"`
	ID         string         `yaml:"id,omitempty"`
	Op         string         `yaml:"op,omitempty"`
	Value      map[string]any `yaml:"value,omitempty"`

	// Errors lists failure classes for fail_next: transient or permanent.
	Errors []string `yaml:"errors,omitempty"`

	Duration time.Duration `yaml:"duration,omitempty"`
	User     string        `yaml:"user,omitempty"`

	// Target is an operation id (retry, discard) or update id (clear_error).
	Target string `yaml:"target,omitempty"`

	// ExpectError is the error class a mutate must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertRemoteDocument = "remote_document"
	AssertViewDocument   = "view_document"
	AssertFinalState     = "final_state"
	AssertQueue          = "queue"
	AssertErrored        = "errored_updates"
)

// Assertion validates the trace or the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Event is a trace event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`
	// Events is the expected order of first occurrences (trace_order).
	Events []string `yaml:"events,omitempty"`
	Count  int      `yaml:"count,omitempty"`

	Collection string         `yaml:"collection,omitempty"`
	ID         string         `yaml:"id,omitempty"`
	Expect     map[string]any `yaml:"expect,omitempty"`
	Absent     bool           `yaml:"absent,omitempty"`

	State   string `yaml:"state,omitempty"`
	Pending int    `yaml:"pending,omitempty"`
	Failed  int    `yaml:"failed,omitempty"`
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Campaign == "" {
		return fmt.Errorf("campaign is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, d := range s.Seed {
		if d.Collection == "" || d.ID == "" {
			return fmt.Errorf("seed[%d]: collection and id are required", i)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	switch step.Action {
	case ActionMutate:
		if step.Collection == "" || step.ID == "" {
			return fmt.Errorf("steps[%d]: mutate requires collection and id", i)
		}
		if !document.Op(step.Op).Valid() {
			return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
		}
	case ActionFailNext:
		if step.Collection == "" || step.ID == "" || len(step.Errors) == 0 {
			return fmt.Errorf("steps[%d]: fail_next requires collection, id, and errors", i)
		}
		for _, class := range step.Errors {
			if class != "transient" && class != "permanent" {
				return fmt.Errorf("steps[%d]: unknown error class %q", i, class)
			}
		}
	case ActionRemoteWrite:
		if step.Collection == "" || step.ID == "" {
			return fmt.Errorf("steps[%d]: remote_write requires collection and id", i)
		}
	case ActionAdvance:
		if step.Duration <= 0 {
			return fmt.Errorf("steps[%d]: advance requires a positive duration", i)
		}
	case ActionLogin:
		if step.User == "" {
			return fmt.Errorf("steps[%d]: login requires user", i)
		}
	case ActionRetry, ActionDiscard, ActionClearError:
		if step.Target == "" {
			return fmt.Errorf("steps[%d]: %s requires target", i, step.Action)
		}
	case ActionDisconnect, ActionConnect, ActionLogout:
	case "":
		return fmt.Errorf("steps[%d]: action is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertRemoteDocument, AssertViewDocument:
		if a.Collection == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: collection and id are required for %s", index, a.Type)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for %s", index, a.Type)
		}
	case AssertFinalState:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for final_state", index)
		}
	case AssertQueue, AssertErrored:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
