package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncd/internal/ir"
)

func TestOutputFormatter_EmitRun(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.EmitRun("run-7", map[string]string{"result": "success"}, nil)
	require.NoError(t, err)

	var resp Response
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-7", resp.RunID)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_FailSyncError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	cause := fmt.Errorf("run: %w", ir.NewStoreCommitError("b-3", errors.New("disk full")))
	err := formatter.Fail(cause, "E001")
	require.NoError(t, err)

	var resp Response
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "STORE_COMMIT_FAILURE", resp.Error.Code)
	assert.Equal(t, "state store commit failed: disk full", resp.Error.Message)
	assert.Equal(t, "b-3", resp.Error.BatchID)

	buf.Reset()
	formatter.Format = "text"
	require.NoError(t, formatter.Fail(ir.NewRunInProgressError("crm"), "E001"))
	assert.Equal(t, "Error [RUN_IN_PROGRESS]: another sync run holds the connector lock\n  connector: crm\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Fail(errors.New("boom"), "E001"))
	assert.Equal(t, "Error [E001]: boom\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	err := formatter.Error("E001", "schema load failed", map[string]string{"file": "contact.cue"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E001]")
	assert.Contains(t, buf.String(), "schema load failed")
	assert.NotContains(t, buf.String(), "Details:")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	details := map[string]string{"file": "contact.cue"}
	err := formatter.Error("E001", "schema load failed", details)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_Emit(t *testing.T) {
	buf := &bytes.Buffer{}
	text := func(w io.Writer) { fmt.Fprintln(w, "3 runs") }

	f := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.Emit(map[string]int{"runs": 3}, text))
	assert.Equal(t, "3 runs\n", buf.String())

	buf.Reset()
	f.Format = "json"
	require.NoError(t, f.Emit(map[string]int{"runs": 3}, text))

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Data["runs"])
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: errOut,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("Loading %s", "contact.cue")

			assert.Empty(t, out.String(), "verbose output never reaches stdout")
			if tt.wantLog {
				assert.Contains(t, errOut.String(), "Loading contact.cue")
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad config")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "inner", errors.New("cause")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "outer: inner: cause", wrapped.Error())
}
