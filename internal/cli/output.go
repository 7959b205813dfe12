package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/campaignsync/internal/realtime"
	"github.com/roach88/campaignsync/internal/syncerr"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Scenario failure, sync did not settle, operation rejected
	ExitCommandError = 2 // Command error (bad config, unknown operation, database unreadable)
)

// Error codes carried in JSON error responses.
const (
	CodeConfig   = "E_CONFIG"
	CodeStore    = "E_STORE"
	CodeNotFound = "E_NOT_FOUND"
	CodeScenario = "E_SCENARIO"
	CodeSync     = "E_SYNC"
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError; validation
// errors that escaped a command map to ExitCommandError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if syncerr.IsValidation(err) {
		return ExitCommandError
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// NoticeLine is the printable form of a coordinator notice.
type NoticeLine struct {
	Kind       string            `json:"kind"`
	State      string            `json:"state,omitempty"`
	Collection string            `json:"collection,omitempty"`
	DocID      string            `json:"docId,omitempty"`
	UpdateID   string            `json:"updateId,omitempty"`
	OpID       string            `json:"opId,omitempty"`
	Documents  int               `json:"documents,omitempty"`
	Metrics    *realtime.Metrics `json:"metrics,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// String renders the line for text output.
func (l NoticeLine) String() string {
	parts := []string{l.Kind}
	if l.State != "" {
		parts = append(parts, l.State)
	}
	if l.Collection != "" {
		target := l.Collection
		if l.DocID != "" {
			target += "/" + l.DocID
		}
		parts = append(parts, target)
	}
	if l.UpdateID != "" {
		parts = append(parts, "update="+l.UpdateID)
	}
	if l.OpID != "" {
		parts = append(parts, "op="+l.OpID)
	}
	if l.Documents > 0 {
		parts = append(parts, fmt.Sprintf("documents=%d", l.Documents))
	}
	if m := l.Metrics; m != nil {
		parts = append(parts, fmt.Sprintf("pending=%d errored=%d queued=%d failed=%d",
			m.PendingUpdates, m.ErroredUpdates, m.QueuedOperations, m.FailedOperations))
	}
	if l.Error != "" {
		parts = append(parts, "error="+l.Error)
	}
	return strings.Join(parts, " ")
}

// NewNoticeLine flattens a notice.
func NewNoticeLine(n realtime.Notice) NoticeLine {
	line := NoticeLine{Kind: string(n.Kind), Metrics: n.Metrics}
	if n.Kind == realtime.NoticeStateChanged {
		line.State = n.State.String()
	}
	if n.Err != nil {
		line.Error = n.Err.Error()
	}
	switch {
	case n.Operation != nil:
		line.Collection = n.Operation.Collection
		line.DocID = n.Operation.DocID
		line.OpID = n.Operation.ID
		line.UpdateID = n.Operation.UpdateID
	case n.Update != nil:
		line.Collection = n.Update.TargetCollection
		line.DocID = n.Update.TargetDocID
		line.UpdateID = n.Update.ID
	case n.Snapshot != nil:
		line.Collection = n.Snapshot.Collection
		line.Documents = len(n.Snapshot.Documents)
	}
	return line
}
