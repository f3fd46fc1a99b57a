package agentconn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"

	"github.com/orbitmesh/orbitmesh/internal/agentexec"
	"github.com/orbitmesh/orbitmesh/internal/wire"
)

// fakeClientStream satisfies wire.ClientSessionStream (Send/Recv plus the
// embedded grpc.ClientStream) without a real connection, recording every
// frame sent to it.
type fakeClientStream struct {
	sent []*wire.Frame
}

func (f *fakeClientStream) Send(fr *wire.Frame) error { f.sent = append(f.sent, fr); return nil }
func (f *fakeClientStream) Recv() (*wire.Frame, error) {
	return nil, context.Canceled
}

func (f *fakeClientStream) Header() (metadata.MD, error) { return nil, nil }
func (f *fakeClientStream) Trailer() metadata.MD         { return nil }
func (f *fakeClientStream) CloseSend() error             { return nil }
func (f *fakeClientStream) Context() context.Context     { return context.Background() }
func (f *fakeClientStream) SendMsg(m any) error           { return nil }
func (f *fakeClientStream) RecvMsg(m any) error           { return nil }

func TestNextBackoff_CapsAtMax(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	require.Equal(t, backoffMax, d)
}

func TestJitter_StaysWithinFraction(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		require.InDelta(t, base, got, float64(base)*jitterFraction+1)
	}
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := agentState{AgentID: "agent-123", ResumeToken: "token-abc"}
	require.NoError(t, saveState(dir, want))

	got, err := loadState(dir)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadState_MissingFileReturnsEmpty(t *testing.T) {
	got, err := loadState(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, agentState{}, got)
}

func TestReporter_TranslatesToFrames(t *testing.T) {
	exec := agentexec.New(zap.NewNop())
	mgr := New(Config{NominalName: "worker-1"}, exec, zap.NewNop())

	stream := &fakeClientStream{}
	mgr.mu.Lock()
	mgr.stream = stream
	mgr.mu.Unlock()

	mgr.ReportStart("job-1")
	mgr.ReportProgress("job-1", 50, "halfway", "step-1")
	mgr.ReportLog("job-1", 0, "log line")
	mgr.ReportResult("job-1", []byte("done"))

	require.Len(t, stream.sent, 4)
	require.Equal(t, wire.KindStart, stream.sent[0].Kind)
	require.Equal(t, wire.KindProgress, stream.sent[1].Kind)
	require.Equal(t, wire.KindStreamItem, stream.sent[2].Kind)
	require.Equal(t, wire.KindResult, stream.sent[3].Kind)

	require.Equal(t, int32(0), mgr.loadActiveJobs())
}

func TestReporter_NoStreamDropsFrameWithoutPanic(t *testing.T) {
	exec := agentexec.New(zap.NewNop())
	mgr := New(Config{NominalName: "worker-2"}, exec, zap.NewNop())

	require.NotPanics(t, func() {
		mgr.ReportStart("job-2")
	})
}
