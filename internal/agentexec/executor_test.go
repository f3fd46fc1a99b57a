package agentexec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingReporter struct {
	mu      sync.Mutex
	started []string
	results []string
	errors  []string
}

func (r *recordingReporter) ReportStart(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, jobID)
}

func (r *recordingReporter) ReportProgress(jobID string, pct int32, message, step string) {}
func (r *recordingReporter) ReportLog(jobID string, seq uint64, line string)               {}

func (r *recordingReporter) ReportResult(jobID string, result []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, jobID)
}

func (r *recordingReporter) ReportError(jobID string, code, message string, retryable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, jobID)
}

func (r *recordingReporter) snapshot() (started, results, errs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...), append([]string(nil), r.results...), append([]string(nil), r.errors...)
}

func TestExecutor_RunsRegisteredHandler(t *testing.T) {
	exec := New(zap.NewNop())
	exec.Register("noop", func(ctx context.Context, job Job, reporter Reporter) ([]byte, error) {
		return []byte("ok"), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reporter := &recordingReporter{}
	go exec.Run(ctx, reporter)

	require.NoError(t, exec.Enqueue(Job{JobID: "job-1", Command: "noop"}))

	require.Eventually(t, func() bool {
		_, results, _ := reporter.snapshot()
		return len(results) == 1
	}, time.Second, 5*time.Millisecond)

	started, results, _ := reporter.snapshot()
	require.Equal(t, []string{"job-1"}, started)
	require.Equal(t, []string{"job-1"}, results)
}

func TestExecutor_UnsupportedCommandReportsError(t *testing.T) {
	exec := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reporter := &recordingReporter{}
	go exec.Run(ctx, reporter)

	require.NoError(t, exec.Enqueue(Job{JobID: "job-2", Command: "unknown"}))

	require.Eventually(t, func() bool {
		_, _, errs := reporter.snapshot()
		return len(errs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestExecutor_HandlerFailureReportsError(t *testing.T) {
	exec := New(zap.NewNop())
	exec.Register("boom", func(ctx context.Context, job Job, reporter Reporter) ([]byte, error) {
		return nil, errors.New("exploded")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reporter := &recordingReporter{}
	go exec.Run(ctx, reporter)

	require.NoError(t, exec.Enqueue(Job{JobID: "job-3", Command: "boom"}))

	require.Eventually(t, func() bool {
		_, _, errs := reporter.snapshot()
		return len(errs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestExecutor_RejectsWhenQueueFull(t *testing.T) {
	exec := New(zap.NewNop())
	exec.Register("slow", func(ctx context.Context, job Job, reporter Reporter) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	for i := 0; i < queueSize; i++ {
		require.NoError(t, exec.Enqueue(Job{JobID: "filler", Command: "slow"}))
	}

	err := exec.Enqueue(Job{JobID: "overflow", Command: "slow"})
	require.Error(t, err)
}

func TestExecutor_Commands(t *testing.T) {
	exec := New(zap.NewNop())
	exec.Register("a", func(ctx context.Context, job Job, reporter Reporter) ([]byte, error) { return nil, nil })
	exec.Register("b", func(ctx context.Context, job Job, reporter Reporter) ([]byte, error) { return nil, nil })

	require.ElementsMatch(t, []string{"a", "b"}, exec.Commands())
}
