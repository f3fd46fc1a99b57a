package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/eventbus"
	"github.com/orbitmesh/orbitmesh/internal/model"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/wire"
)

// fakeStream records every frame sent to it; good enough to assert replay
// and delivery behavior without a real gRPC connection.
type fakeStream struct {
	sent []*wire.Frame
}

func (f *fakeStream) Send(fr *wire.Frame) error { f.sent = append(f.sent, fr); return nil }
func (f *fakeStream) Recv() (*wire.Frame, error) { return nil, nil }
func (f *fakeStream) Context() context.Context   { return context.Background() }

func newTestManager(t *testing.T) (*Manager, store.Store, *eventbus.Bus) {
	t.Helper()
	db, err := store.New(store.Config{Driver: store.DriverSQLite, DSN: ":memory:", Logger: nil})
	require.NoError(t, err)
	require.NoError(t, store.InitEncryption(make([]byte, 32)))

	st := store.NewStore(db)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	mgr := New(st, bus, zap.NewNop(), Config{})
	return mgr, st, bus
}

func TestOpenSession_EnrollsAgentAndPublishesReady(t *testing.T) {
	mgr, _, bus := newTestManager(t)
	sub := bus.Subscribe(eventbus.AllTopics)
	defer sub.Close()

	identity := AgentIdentity{AgentID: uuid.New(), Name: "worker-1", Capabilities: []model.Capability{{Name: "exec"}}}
	stream := &fakeStream{}

	connID, _, err := mgr.OpenSession(context.Background(), identity, stream)
	require.NoError(t, err)
	require.NotEmpty(t, connID)
	require.True(t, mgr.Connected(identity.AgentID))

	var sawReady bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			if ev.Type == eventbus.AgentReady {
				sawReady = true
			}
		case <-time.After(time.Second):
		}
	}
	require.True(t, sawReady, "expected AgentReady to be published")
}

func TestOpenSession_SupersedesPriorSession(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	identity := AgentIdentity{AgentID: uuid.New(), Name: "worker-2"}

	first := &fakeStream{}
	_, _, err := mgr.OpenSession(context.Background(), identity, first)
	require.NoError(t, err)

	second := &fakeStream{}
	connID2, _, err := mgr.OpenSession(context.Background(), identity, second)
	require.NoError(t, err)
	require.NotEmpty(t, connID2)

	require.True(t, mgr.Connected(identity.AgentID))
}

func TestOpenSession_ReplaysInflightJobs(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	identity := AgentIdentity{AgentID: uuid.New(), Name: "worker-3"}
	stream := &fakeStream{}

	_, _, err := mgr.OpenSession(context.Background(), identity, stream)
	require.NoError(t, err)

	job := &model.Job{
		IdempotencyKey:  "idem-1",
		Command:         "noop",
		Priority:        5,
		Status:          model.JobAssigned,
		AssignedAgentID: &identity.AgentID,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, st.CreateJob(context.Background(), job))

	// Reconnect — the new session should receive a Deliver for the
	// still-inflight job.
	second := &fakeStream{}
	_, _, err = mgr.OpenSession(context.Background(), identity, second)
	require.NoError(t, err)

	require.Len(t, second.sent, 1)
	require.Equal(t, wire.KindDeliver, second.sent[0].Kind)
}

func TestPauseResume(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	identity := AgentIdentity{AgentID: uuid.New(), Name: "worker-4"}
	_, _, err := mgr.OpenSession(context.Background(), identity, &fakeStream{})
	require.NoError(t, err)

	require.NoError(t, mgr.Pause(context.Background(), identity.AgentID))
	agent, err := st.GetAgent(context.Background(), identity.AgentID)
	require.NoError(t, err)
	require.Equal(t, model.AgentPaused, agent.Status)

	require.NoError(t, mgr.Resume(context.Background(), identity.AgentID))
	agent, err = st.GetAgent(context.Background(), identity.AgentID)
	require.NoError(t, err)
	require.Equal(t, model.AgentReady, agent.Status)
}
