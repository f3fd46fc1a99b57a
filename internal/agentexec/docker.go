package agentexec

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// DockerExecPayload is the JSON payload of a "docker.exec" job: run a
// short-lived container to completion and capture its combined log output
// as the job result. Adapted from the teacher's docker volume discovery —
// here the daemon is used to run work instead of only inspect volumes.
type DockerExecPayload struct {
	Image      string            `json:"image"`
	Cmd        []string          `json:"cmd"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
}

// ErrDockerUnavailable mirrors the teacher's docker package sentinel — the
// agent advertises the "docker" capability only when this is never hit at
// startup (see NewDockerExecHandler's Ping-at-registration caller contract).
var ErrDockerUnavailable = errors.New("agentexec: docker daemon unavailable")

// NewDockerExecHandler returns the CommandHandler for "docker.exec", backed
// by an already-connected Docker client. Call dockerclient.NewClientWithOpts
// with WithAPIVersionNegotiation, same as the teacher's docker.NewClient,
// and Ping it before registering this handler so agents without a reachable
// daemon never advertise the capability.
func NewDockerExecHandler(cli *dockerclient.Client) CommandHandler {
	return func(ctx context.Context, job Job, reporter Reporter) ([]byte, error) {
		var payload DockerExecPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("docker.exec: invalid payload: %w", err)
		}
		if payload.Image == "" {
			return nil, fmt.Errorf("docker.exec: image is required")
		}

		env := make([]string, 0, len(payload.Env))
		for k, v := range payload.Env {
			env = append(env, k+"="+v)
		}

		created, err := cli.ContainerCreate(ctx, &container.Config{
			Image:      payload.Image,
			Cmd:        payload.Cmd,
			Env:        env,
			WorkingDir: payload.WorkingDir,
		}, nil, nil, nil, "")
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil, fmt.Errorf("docker.exec: image %q not found: %w", payload.Image, err)
			}
			return nil, fmt.Errorf("%w: create container: %s", ErrDockerUnavailable, err)
		}
		defer cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})

		if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("docker.exec: start container: %w", err)
		}

		statusCh, errCh := cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)

		logs, err := cli.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
		if err != nil {
			return nil, fmt.Errorf("docker.exec: attach logs: %w", err)
		}
		defer logs.Close()

		var seq uint64
		scanner := bufio.NewScanner(logs)
		var output []byte
		for scanner.Scan() {
			line := scanner.Text()
			reporter.ReportLog(job.JobID, seq, line)
			seq++
			output = append(output, line...)
			output = append(output, '\n')
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("docker.exec: read logs: %w", err)
		}

		select {
		case werr := <-errCh:
			if werr != nil {
				return nil, fmt.Errorf("docker.exec: wait: %w", werr)
			}
		case status := <-statusCh:
			if status.StatusCode != 0 {
				return output, fmt.Errorf("docker.exec: container exited with status %d", status.StatusCode)
			}
		}

		return output, nil
	}
}
