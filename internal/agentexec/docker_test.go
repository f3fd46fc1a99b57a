package agentexec

import (
	"context"
	"encoding/json"
	"testing"

	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/require"
)

// These tests exercise payload validation only — running a real container
// needs a reachable daemon, which CI does not guarantee.

func TestDockerExecHandler_RejectsMissingImage(t *testing.T) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.WithAPIVersionNegotiation())
	require.NoError(t, err)
	defer cli.Close()

	handler := NewDockerExecHandler(cli)
	payload, err := json.Marshal(DockerExecPayload{Cmd: []string{"echo", "hi"}})
	require.NoError(t, err)

	_, err = handler(context.Background(), Job{JobID: "job-1", Command: "docker.exec", Payload: payload}, noopReporter{})
	require.Error(t, err)
}

func TestDockerExecHandler_RejectsInvalidPayload(t *testing.T) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.WithAPIVersionNegotiation())
	require.NoError(t, err)
	defer cli.Close()

	handler := NewDockerExecHandler(cli)
	_, err = handler(context.Background(), Job{JobID: "job-2", Command: "docker.exec", Payload: []byte("not json")}, noopReporter{})
	require.Error(t, err)
}

type noopReporter struct{}

func (noopReporter) ReportStart(jobID string)                                       {}
func (noopReporter) ReportProgress(jobID string, pct int32, message, step string)    {}
func (noopReporter) ReportLog(jobID string, seq uint64, line string)                 {}
func (noopReporter) ReportResult(jobID string, result []byte)                        {}
func (noopReporter) ReportError(jobID string, code, message string, retryable bool)  {}
