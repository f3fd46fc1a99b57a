package agentexec

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShellExecHandler_RunsCommand(t *testing.T) {
	handler := NewShellExecHandler()
	payload, err := json.Marshal(ShellExecPayload{Command: "echo hello"})
	require.NoError(t, err)

	out, err := handler(context.Background(), Job{JobID: "job-1", Command: "shell.exec", Payload: payload}, noopReporter{})
	require.NoError(t, err)
	require.Contains(t, string(out), "hello")
}

func TestShellExecHandler_RejectsMissingCommand(t *testing.T) {
	handler := NewShellExecHandler()
	payload, err := json.Marshal(ShellExecPayload{})
	require.NoError(t, err)

	_, err = handler(context.Background(), Job{JobID: "job-2", Command: "shell.exec", Payload: payload}, noopReporter{})
	require.Error(t, err)
}

func TestShellExecHandler_RejectsInvalidPayload(t *testing.T) {
	handler := NewShellExecHandler()
	_, err := handler(context.Background(), Job{JobID: "job-3", Command: "shell.exec", Payload: []byte("not json")}, noopReporter{})
	require.Error(t, err)
}

func TestShellExecHandler_NonZeroExitIsError(t *testing.T) {
	handler := NewShellExecHandler()
	payload, err := json.Marshal(ShellExecPayload{Command: "exit 1"})
	require.NoError(t, err)

	_, err = handler(context.Background(), Job{JobID: "job-4", Command: "shell.exec", Payload: payload}, noopReporter{})
	require.Error(t, err)
}

func TestShellExecHandler_TimeoutCancelsCommand(t *testing.T) {
	handler := NewShellExecHandler()
	payload, err := json.Marshal(ShellExecPayload{Command: "sleep 5", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = handler(context.Background(), Job{JobID: "job-5", Command: "shell.exec", Payload: payload}, noopReporter{})
	require.Error(t, err)
}
