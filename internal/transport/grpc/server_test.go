package grpc

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/eventbus"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/wire"
)

type scriptedStream struct {
	in  []*wire.Frame
	out []*wire.Frame
	pos int
}

func (s *scriptedStream) Send(f *wire.Frame) error { s.out = append(s.out, f); return nil }

func (s *scriptedStream) Recv() (*wire.Frame, error) {
	if s.pos >= len(s.in) {
		return nil, io.EOF
	}
	f := s.in[s.pos]
	s.pos++
	return f, nil
}

func (s *scriptedStream) Context() context.Context { return context.Background() }

type noopSink struct{ calls []string }

func (n *noopSink) HandleAckReject(context.Context, string, wire.AckReject) error {
	n.calls = append(n.calls, "ack_reject")
	return nil
}
func (n *noopSink) HandleStart(context.Context, string, wire.Start) error {
	n.calls = append(n.calls, "start")
	return nil
}
func (n *noopSink) HandleProgress(context.Context, string, wire.ProgressFrame) error {
	n.calls = append(n.calls, "progress")
	return nil
}
func (n *noopSink) HandleResult(context.Context, string, wire.Result) error {
	n.calls = append(n.calls, "result")
	return nil
}
func (n *noopSink) HandleError(context.Context, string, wire.ErrorFrame) error {
	n.calls = append(n.calls, "error")
	return nil
}
func (n *noopSink) HandleStreamItem(context.Context, string, wire.StreamItem) error {
	n.calls = append(n.calls, "stream_item")
	return nil
}

func newTestServer(t *testing.T) (*Server, *noopSink) {
	t.Helper()
	db, err := store.New(store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.InitEncryption(make([]byte, 32)))

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	reg := registry.New(store.NewStore(db), bus, zap.NewNop(), registry.Config{})
	sink := &noopSink{}
	srv := New(reg, sink, NewSharedSecretAuthenticator(""), zap.NewNop())
	return srv, sink
}

func TestSession_HelloThenHeartbeatThenClose(t *testing.T) {
	srv, _ := newTestServer(t)

	hello := wire.Hello{AgentID: "", NominalName: "worker-x", Capabilities: []string{"exec"}}
	heartbeat := wire.Heartbeat{ActiveJobs: 0}

	stream := &scriptedStream{in: []*wire.Frame{
		{Kind: wire.KindHello, Version: wire.ProtocolVersion, Payload: hello.Marshal()},
		{Kind: wire.KindHeartbeat, Version: wire.ProtocolVersion, Payload: heartbeat.Marshal()},
	}}

	err := srv.Session(stream)
	require.NoError(t, err)
	require.Len(t, stream.out, 1)
	require.Equal(t, wire.KindWelcome, stream.out[0].Kind)
}

func TestSession_RejectsMissingNominalName(t *testing.T) {
	srv, _ := newTestServer(t)

	hello := wire.Hello{AgentID: ""}
	stream := &scriptedStream{in: []*wire.Frame{
		{Kind: wire.KindHello, Version: wire.ProtocolVersion, Payload: hello.Marshal()},
	}}

	err := srv.Session(stream)
	require.Error(t, err)
}

func TestSession_RoutesJobFramesToSink(t *testing.T) {
	srv, sink := newTestServer(t)

	hello := wire.Hello{NominalName: "worker-y"}
	start := wire.Start{JobID: "job-1"}
	progress := wire.ProgressFrame{JobID: "job-1", Pct: 50}

	stream := &scriptedStream{in: []*wire.Frame{
		{Kind: wire.KindHello, Version: wire.ProtocolVersion, Payload: hello.Marshal()},
		{Kind: wire.KindStart, Version: wire.ProtocolVersion, Payload: start.Marshal()},
		{Kind: wire.KindProgress, Version: wire.ProtocolVersion, Payload: progress.Marshal()},
	}}

	err := srv.Session(stream)
	require.NoError(t, err)
	require.Equal(t, []string{"start", "progress"}, sink.calls)
}
