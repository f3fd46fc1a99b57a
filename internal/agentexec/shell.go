package agentexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// ShellExecPayload is the JSON payload of a "shell.exec" job: run a shell
// command to completion and capture its combined stdout+stderr as the job
// result. Adapted from the teacher's internal/hooks runner, which ran this
// same way (blocking subprocess, combined-output capture, configurable
// timeout) for per-policy pre/post-backup hooks; here it is a first-class
// command any job can target rather than a policy-attached side effect.
type ShellExecPayload struct {
	Command string        `json:"command"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// DefaultShellTimeout is applied when a ShellExecPayload omits Timeout —
// the same 5-minute default the teacher's hook runner uses, generous for
// typical scripts while still bounding a stalled command.
const DefaultShellTimeout = 5 * time.Minute

// NewShellExecHandler returns the CommandHandler for "shell.exec". The
// shell used depends on the host OS, exactly as the teacher's hook runner
// picks it: /bin/sh -c "<command>" on Linux/macOS, cmd /C "<command>" on
// Windows.
func NewShellExecHandler() CommandHandler {
	return func(ctx context.Context, job Job, reporter Reporter) ([]byte, error) {
		var payload ShellExecPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("shell.exec: invalid payload: %w", err)
		}
		if payload.Command == "" {
			return nil, fmt.Errorf("shell.exec: command is required")
		}
		timeout := payload.Timeout
		if timeout <= 0 {
			timeout = DefaultShellTimeout
		}

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := shellCommand(runCtx, payload.Command)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		reporter.ReportProgress(job.JobID, 0, "running", "shell.exec")
		if err := cmd.Run(); err != nil {
			reporter.ReportLog(job.JobID, 1, out.String())
			return nil, fmt.Errorf("shell.exec: %w", err)
		}
		reporter.ReportLog(job.JobID, 1, out.String())
		return out.Bytes(), nil
	}
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}
