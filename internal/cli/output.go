package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/syncd/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The command ran but found failures (failed batches, rejected records, failed scenarios)
	ExitCommandError = 2 // Command error (bad config, store not found, etc.)
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
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
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope of every command's output.
type Response struct {
	Status string      `json:"status"` // "ok" or "error"
	RunID  string      `json:"run_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody describes why a command failed. Code is the SyncError code
// when the failure carries one, or a schema error code such as "E001".
type ErrorBody struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Connector string      `json:"connector,omitempty"`
	EntityID  string      `json:"entity_id,omitempty"`
	BatchID   string      `json:"batch_id,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}

// errorBody describes err, using fallback as the code unless err wraps a
// SyncError.
func errorBody(err error, fallback string) *ErrorBody {
	var se *ir.SyncError
	if !errors.As(err, &se) {
		return &ErrorBody{Code: fallback, Message: err.Error()}
	}
	msg := se.Message
	if se.Err != nil {
		msg += ": " + se.Err.Error()
	}
	return &ErrorBody{
		Code:      string(se.Code),
		Message:   msg,
		Connector: se.Connector,
		EntityID:  se.EntityID,
		BatchID:   se.BatchID,
	}
}

// OutputFormatter writes command results as JSON envelopes or text.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Verbose output; defaults to Writer
	Verbose   bool
}

func (f *OutputFormatter) encode(r Response) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Emit writes data as a JSON envelope, or calls text to render it for
// humans.
func (f *OutputFormatter) Emit(data interface{}, text func(w io.Writer)) error {
	return f.EmitRun("", data, text)
}

// EmitRun is Emit for output that belongs to a sync run.
func (f *OutputFormatter) EmitRun(runID string, data interface{}, text func(w io.Writer)) error {
	if f.Format == "json" {
		return f.encode(Response{Status: "ok", RunID: runID, Data: data})
	}
	text(f.Writer)
	return nil
}

// Fail writes err as an error envelope. fallback is the code used when err
// carries no SyncError.
func (f *OutputFormatter) Fail(err error, fallback string) error {
	return f.writeError(errorBody(err, fallback), nil)
}

// Error writes an error with an explicit code.
func (f *OutputFormatter) Error(code, message string, details interface{}) error {
	return f.writeError(&ErrorBody{Code: code, Message: message, Details: details}, nil)
}

// writeError writes body, with data alongside it in the JSON envelope.
func (f *OutputFormatter) writeError(body *ErrorBody, data interface{}) error {
	if f.Format == "json" {
		return f.encode(Response{Status: "error", Data: data, Error: body})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", body.Code, body.Message)
	for _, kv := range [][2]string{
		{"connector", body.Connector},
		{"entity", body.EntityID},
		{"batch", body.BatchID},
	} {
		if kv[1] != "" {
			fmt.Fprintf(f.Writer, "  %s: %s\n", kv[0], kv[1])
		}
	}
	if f.Verbose && body.Details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", body.Details)
	}
	return nil
}

// VerboseLog writes a diagnostic line when verbose mode is on. It goes to
// ErrWriter so JSON output on Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
