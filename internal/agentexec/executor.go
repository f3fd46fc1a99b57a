// Package agentexec runs commands assigned to this agent one at a time,
// reporting lifecycle and progress back through a Reporter. It generalizes
// the teacher's executor package: that one only understood a single
// hardwired job type (restic backup); this one dispatches by command name
// to a registered CommandHandler, so new commands add a handler instead of
// a new code path through Executor.execute.
//
// Execution stays sequential — one job at a time, queued — for the same
// reason the teacher gives: concurrent jobs competing for the same host's
// I/O and process table make failures harder to diagnose than the modest
// throughput lost to serialization.
package agentexec

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// queueSize bounds how many assignments can be buffered awaiting execution.
// A full queue means the agent already has enough work queued up that the
// dispatcher should stop sending more — Enqueue's error tells the caller to
// reject the Deliver rather than block the session's receive loop.
const queueSize = 16

// Job is one command assignment delivered to this agent.
type Job struct {
	JobID          string
	IdempotencyKey string
	Command        string
	Payload        []byte
	Attempt        int
}

// Reporter receives lifecycle and progress events as a job executes. The
// agent's session connection implements this, translating each call into
// the matching wire frame (Start/Progress/StreamItem/Result/Error).
type Reporter interface {
	ReportStart(jobID string)
	ReportProgress(jobID string, pct int32, message, step string)
	ReportLog(jobID string, seq uint64, line string)
	ReportResult(jobID string, result []byte)
	ReportError(jobID string, code, message string, retryable bool)
}

// CommandHandler executes one job's command and returns its result bytes,
// or an error describing why it failed. Handlers should call reporter's
// ReportProgress/ReportLog as they go — Executor only wraps Start/Result/Error.
type CommandHandler func(ctx context.Context, job Job, reporter Reporter) ([]byte, error)

// Executor runs registered command handlers one job at a time.
type Executor struct {
	handlers map[string]CommandHandler
	queue    chan Job
	logger   *zap.Logger
}

// New creates an idle Executor. Register handlers before calling Run.
func New(logger *zap.Logger) *Executor {
	return &Executor{
		handlers: make(map[string]CommandHandler),
		queue:    make(chan Job, queueSize),
		logger:   logger.Named("agentexec"),
	}
}

// Register binds a command name to the handler that executes it. Call
// before Run; Register is not safe to call concurrently with Enqueue/Run.
func (e *Executor) Register(command string, handler CommandHandler) {
	e.handlers[command] = handler
}

// Commands reports every registered command name, used to advertise
// capabilities in the session Hello frame.
func (e *Executor) Commands() []string {
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	return names
}

// Enqueue adds job to the queue. Returns an error without blocking if the
// queue is full; the connection manager then answers the Deliver with a
// Reject, and the dispatcher re-queues the job for another agent rather
// than wait here.
func (e *Executor) Enqueue(job Job) error {
	select {
	case e.queue <- job:
		e.logger.Info("job enqueued", zap.String("job_id", job.JobID), zap.String("command", job.Command))
		return nil
	default:
		return fmt.Errorf("agentexec: queue full, rejecting job %s", job.JobID)
	}
}

// Run drains the queue one job at a time until ctx is cancelled.
func (e *Executor) Run(ctx context.Context, reporter Reporter) {
	e.logger.Info("executor started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped")
			return
		case job := <-e.queue:
			e.execute(ctx, job, reporter)
		}
	}
}

func (e *Executor) execute(ctx context.Context, job Job, reporter Reporter) {
	handler, ok := e.handlers[job.Command]
	if !ok {
		reporter.ReportError(job.JobID, "unsupported_command", fmt.Sprintf("no handler registered for command %q", job.Command), false)
		return
	}

	reporter.ReportStart(job.JobID)
	e.logger.Info("job started", zap.String("job_id", job.JobID), zap.String("command", job.Command), zap.Int("attempt", job.Attempt))

	result, err := handler(ctx, job, reporter)
	if err != nil {
		e.logger.Error("job failed", zap.String("job_id", job.JobID), zap.Error(err))
		reporter.ReportError(job.JobID, "execution_failed", err.Error(), isRetryable(err))
		return
	}

	e.logger.Info("job completed", zap.String("job_id", job.JobID))
	reporter.ReportResult(job.JobID, result)
}

// isRetryable reports whether the agent believes re-dispatching this job is
// worth another attempt. ctx.Err() (deadline/cancellation) is the one
// failure mode under the executor's control that is not inherently
// transient — everything else a handler returns is assumed retryable unless
// the handler itself is more specific.
func isRetryable(err error) bool {
	return err != context.Canceled && err != context.DeadlineExceeded
}
