package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/eventbus"
	"github.com/orbitmesh/orbitmesh/internal/model"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/wire"
)

// fakeStream records every frame sent to an agent, standing in for a real
// gRPC session.
type fakeStream struct {
	sent []*wire.Frame
}

func (f *fakeStream) Send(fr *wire.Frame) error  { f.sent = append(f.sent, fr); return nil }
func (f *fakeStream) Recv() (*wire.Frame, error) { return nil, nil }
func (f *fakeStream) Context() context.Context   { return context.Background() }

func (f *fakeStream) lastDeliver(t *testing.T) wire.Deliver {
	t.Helper()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Kind == wire.KindDeliver {
			d, err := wire.UnmarshalDeliver(f.sent[i].Payload)
			require.NoError(t, err)
			return d
		}
	}
	t.Fatal("no Deliver frame sent")
	return wire.Deliver{}
}

func (f *fakeStream) deliverCount() int {
	n := 0
	for _, fr := range f.sent {
		if fr.Kind == wire.KindDeliver {
			n++
		}
	}
	return n
}

type harness struct {
	store store.Store
	bus   *eventbus.Bus
	reg   *registry.Manager
	disp  *Dispatcher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := store.New(store.Config{Driver: store.DriverSQLite, DSN: ":memory:", Logger: nil})
	require.NoError(t, err)
	require.NoError(t, store.InitEncryption(make([]byte, 32)))

	st := store.NewStore(db)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	reg := registry.New(st, bus, zap.NewNop(), registry.Config{})
	disp, err := New(st, bus, reg, zap.NewNop(), cfg)
	require.NoError(t, err)

	return &harness{store: st, bus: bus, reg: reg, disp: disp}
}

// connection bundles an agent's stream with the connectionID its session
// was opened under, so tests can drive Handle* calls as that agent.
type connection struct {
	agentID uuid.UUID
	connID  string
	stream  *fakeStream
}

// connectAgent opens a session for a fresh agent with the given
// capabilities and returns its connection so the test can inspect frames
// sent to it and impersonate it on inbound Handle* calls.
func (h *harness) connectAgent(t *testing.T, name string, caps ...string) *connection {
	t.Helper()
	var capabilities []model.Capability
	for _, c := range caps {
		capabilities = append(capabilities, model.Capability{Name: c})
	}
	identity := registry.AgentIdentity{AgentID: uuid.New(), Name: name, Capabilities: capabilities}
	stream := &fakeStream{}
	connID, agentID, err := h.reg.OpenSession(context.Background(), identity, stream)
	require.NoError(t, err)
	return &connection{agentID: agentID, connID: connID, stream: stream}
}

func TestDispatcher_AssignsPendingJobToReadyAgent(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connectAgent(t, "worker-1", "exec")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.disp.Start(ctx)

	job, err := h.disp.Submit(context.Background(), model.JobRequest{Command: "echo", RequiredCapabilities: []string{"exec"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return conn.stream.deliverCount() == 1
	}, time.Second, 5*time.Millisecond)

	deliver := conn.stream.lastDeliver(t)
	require.Equal(t, job.ID.String(), deliver.JobID)

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobAssigned, stored.Status)
	require.Equal(t, conn.agentID, *stored.AssignedAgentID)
}

func TestDispatcher_FullLifecycleToCompletion(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connectAgent(t, "worker-1", "exec")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.disp.Start(ctx)

	job, err := h.disp.Submit(context.Background(), model.JobRequest{Command: "echo", RequiredCapabilities: []string{"exec"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return conn.stream.deliverCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.disp.HandleAckReject(context.Background(), conn.connID, wire.AckReject{JobID: job.ID.String(), Accepted: true}))
	stored, _ := h.store.GetJob(context.Background(), job.ID)
	require.Equal(t, model.JobAcknowledged, stored.Status)

	require.NoError(t, h.disp.HandleStart(context.Background(), conn.connID, wire.Start{JobID: job.ID.String(), StartedAt: time.Now()}))
	stored, _ = h.store.GetJob(context.Background(), job.ID)
	require.Equal(t, model.JobRunning, stored.Status)

	require.NoError(t, h.disp.HandleProgress(context.Background(), conn.connID, wire.ProgressFrame{JobID: job.ID.String(), Pct: 50, Message: "halfway"}))
	stored, _ = h.store.GetJob(context.Background(), job.ID)
	require.Equal(t, int32(50), stored.LastProgress.Pct)

	require.NoError(t, h.disp.HandleResult(context.Background(), conn.connID, wire.Result{JobID: job.ID.String(), ResultBytes: []byte("done")}))
	stored, _ = h.store.GetJob(context.Background(), job.ID)
	require.Equal(t, model.JobCompleted, stored.Status)
	require.Equal(t, []byte("done"), stored.Result)
}

func TestDispatcher_RejectBlacklistsAgentForRound(t *testing.T) {
	h := newHarness(t, Config{})
	conn1 := h.connectAgent(t, "worker-1", "exec")
	conn2 := h.connectAgent(t, "worker-2", "exec")
	conns := map[uuid.UUID]*connection{conn1.agentID: conn1, conn2.agentID: conn2}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.disp.Start(ctx)

	job, err := h.disp.Submit(context.Background(), model.JobRequest{Command: "echo", RequiredCapabilities: []string{"exec"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return conn1.stream.deliverCount()+conn2.stream.deliverCount() == 1
	}, time.Second, 5*time.Millisecond)

	stored, _ := h.store.GetJob(context.Background(), job.ID)
	firstAgent := *stored.AssignedAgentID

	require.NoError(t, h.disp.HandleAckReject(context.Background(), conns[firstAgent].connID, wire.AckReject{JobID: job.ID.String(), Accepted: false, Reason: "busy"}))

	require.Eventually(t, func() bool {
		return conn1.stream.deliverCount()+conn2.stream.deliverCount() == 2
	}, time.Second, 5*time.Millisecond)

	stored, _ = h.store.GetJob(context.Background(), job.ID)
	require.Equal(t, model.JobAssigned, stored.Status)
	require.NotEqual(t, firstAgent, *stored.AssignedAgentID)
	require.Contains(t, []uuid.UUID{conn1.agentID, conn2.agentID}, *stored.AssignedAgentID)
	require.Equal(t, 1, stored.RetryCount)
}

func TestDispatcher_RetryableErrorRequeuesWithBackoff(t *testing.T) {
	h := newHarness(t, Config{Backoff: backoffConfig{base: 10 * time.Millisecond, max: 50 * time.Millisecond, jitter: 0}})
	conn := h.connectAgent(t, "worker-1", "exec")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.disp.Start(ctx)

	job, err := h.disp.Submit(context.Background(), model.JobRequest{Command: "echo", RequiredCapabilities: []string{"exec"}, MaxRetries: 3})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return conn.stream.deliverCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.disp.HandleError(context.Background(), conn.connID, wire.ErrorFrame{JobID: job.ID.String(), Code: "transient", Message: "boom", Retryable: true}))

	stored, _ := h.store.GetJob(context.Background(), job.ID)
	require.Equal(t, model.JobPending, stored.Status)
	require.Equal(t, 1, stored.RetryCount)

	require.Eventually(t, func() bool { return conn.stream.deliverCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_NonRetryableErrorFailsJob(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connectAgent(t, "worker-1", "exec")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.disp.Start(ctx)

	job, err := h.disp.Submit(context.Background(), model.JobRequest{Command: "echo", RequiredCapabilities: []string{"exec"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return conn.stream.deliverCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.disp.HandleError(context.Background(), conn.connID, wire.ErrorFrame{JobID: job.ID.String(), Code: "bad_command", Message: "nope", Retryable: false}))

	stored, _ := h.store.GetJob(context.Background(), job.ID)
	require.Equal(t, model.JobFailed, stored.Status)
	require.Equal(t, "bad_command", stored.Error.Code)
}

func TestDispatcher_CancelPendingJobIsImmediate(t *testing.T) {
	h := newHarness(t, Config{})
	// No agents connected, so the job stays Pending.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.disp.Start(ctx)

	job, err := h.disp.Submit(context.Background(), model.JobRequest{Command: "echo"})
	require.NoError(t, err)

	require.NoError(t, h.disp.Cancel(context.Background(), job.ID, "no longer needed"))

	stored, _ := h.store.GetJob(context.Background(), job.ID)
	require.Equal(t, model.JobCancelled, stored.Status)
}

func TestDispatcher_CancelRunningSendsCancelFrame(t *testing.T) {
	h := newHarness(t, Config{CancelTimeout: 50 * time.Millisecond})
	conn := h.connectAgent(t, "worker-1", "exec")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.disp.Start(ctx)

	job, err := h.disp.Submit(context.Background(), model.JobRequest{Command: "echo", RequiredCapabilities: []string{"exec"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return conn.stream.deliverCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.disp.HandleStart(context.Background(), conn.connID, wire.Start{JobID: job.ID.String(), StartedAt: time.Now()}))

	require.NoError(t, h.disp.Cancel(context.Background(), job.ID, "stop it"))

	sawCancel := false
	for _, fr := range conn.stream.sent {
		if fr.Kind == wire.KindCancel {
			sawCancel = true
		}
	}
	require.True(t, sawCancel)

	require.Eventually(t, func() bool {
		stored, _ := h.store.GetJob(context.Background(), job.ID)
		return stored.Status == model.JobCancelled
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_TargetAgentFiltering(t *testing.T) {
	h := newHarness(t, Config{})
	connA := h.connectAgent(t, "worker-a", "exec")
	connB := h.connectAgent(t, "worker-b", "exec")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.disp.Start(ctx)

	job, err := h.disp.Submit(context.Background(), model.JobRequest{
		Command:       "echo",
		TargetAgentID: &connB.agentID,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return connB.stream.deliverCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, connA.stream.deliverCount())

	stored, _ := h.store.GetJob(context.Background(), job.ID)
	require.Equal(t, connB.agentID, *stored.AssignedAgentID)
}
