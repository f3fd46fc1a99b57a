package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/dispatcher"
	"github.com/orbitmesh/orbitmesh/internal/eventbus"
	"github.com/orbitmesh/orbitmesh/internal/model"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/wire"
)

// fakeStream is the same minimal wire.SessionStream stand-in the dispatcher
// tests use, kept private to this package's test files.
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
	store      store.Store
	bus        *eventbus.Bus
	reg        *registry.Manager
	disp       *dispatcher.Dispatcher
	eng        *Engine
	lastConnID string
}

func newHarness(t *testing.T) *harness {
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
	disp, err := dispatcher.New(st, bus, reg, zap.NewNop(), dispatcher.Config{})
	require.NoError(t, err)
	disp.Start(ctx)

	eng, err := New(st, bus, disp, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))

	return &harness{store: st, bus: bus, reg: reg, disp: disp, eng: eng}
}

// connectAgentTracked opens a session for a fresh agent with the given
// capabilities and records its connection ID, so a job step's submitted
// job has somewhere to land and runJobToCompletion can address it.
func (h *harness) connectAgentTracked(t *testing.T, name string, caps ...string) *fakeStream {
	t.Helper()
	var capabilities []model.Capability
	for _, c := range caps {
		capabilities = append(capabilities, model.Capability{Name: c})
	}
	identity := registry.AgentIdentity{AgentID: uuid.New(), Name: name, Capabilities: capabilities}
	stream := &fakeStream{}
	connID, _, err := h.reg.OpenSession(context.Background(), identity, stream)
	require.NoError(t, err)
	h.lastConnID = connID
	return stream
}

// runJobToCompletion drives the one in-flight job the last connected agent
// was delivered through ack, start, and result, as if the agent executed it
// successfully.
func (h *harness) runJobToCompletion(t *testing.T, stream *fakeStream, result []byte) {
	t.Helper()
	require.Eventually(t, func() bool { return stream.deliverCount() >= 1 }, time.Second, 5*time.Millisecond)
	deliver := stream.lastDeliver(t)
	connID := h.lastConnID
	require.NoError(t, h.disp.HandleAckReject(context.Background(), connID, wire.AckReject{JobID: deliver.JobID, Accepted: true}))
	require.NoError(t, h.disp.HandleStart(context.Background(), connID, wire.Start{JobID: deliver.JobID, StartedAt: time.Now()}))
	require.NoError(t, h.disp.HandleResult(context.Background(), connID, wire.Result{JobID: deliver.JobID, ResultBytes: result}))
}

func TestEngine_SingleJobStepWorkflowCompletes(t *testing.T) {
	h := newHarness(t)
	stream := h.connectAgentTracked(t, "worker-1", "exec")

	def := &model.WorkflowDefinition{
		ID:      "single-job",
		Version: 1,
		Steps: []model.StepDefinition{
			{ID: "step1", Kind: model.StepJob, Command: "echo", RequiredCapabilities: []string{"exec"}, OutputVariable: "out"},
		},
		ErrorHandling: model.StopOnFirstError,
	}
	require.NoError(t, Validate(def))
	require.NoError(t, h.store.CreateWorkflowDefinition(context.Background(), def))

	inst, err := h.eng.StartWorkflow(context.Background(), def.ID, 0, nil)
	require.NoError(t, err)

	h.runJobToCompletion(t, stream, []byte("ok"))

	require.Eventually(t, func() bool {
		stored, err := h.store.GetWorkflowInstance(context.Background(), inst.ID)
		return err == nil && stored.Status == model.InstanceCompleted
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := h.store.GetWorkflowInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, "ok", stored.Variables["out"])
	require.Equal(t, model.StepCompleted, stored.StepInstances["step1"].Status)
}

func TestEngine_ConditionalStepSkippedWhenConditionFalse(t *testing.T) {
	h := newHarness(t)

	def := &model.WorkflowDefinition{
		ID:      "conditional-skip",
		Version: 1,
		Steps: []model.StepDefinition{
			{ID: "maybe", Kind: model.StepDelay, Condition: "enabled"},
		},
		ErrorHandling: model.StopOnFirstError,
	}
	require.NoError(t, Validate(def))
	require.NoError(t, h.store.CreateWorkflowDefinition(context.Background(), def))

	inst, err := h.eng.StartWorkflow(context.Background(), def.ID, 0, map[string]any{"enabled": false})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := h.store.GetWorkflowInstance(context.Background(), inst.ID)
		return err == nil && stored.Status == model.InstanceCompleted
	}, time.Second, 5*time.Millisecond)

	stored, err := h.store.GetWorkflowInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, model.StepSkipped, stored.StepInstances["maybe"].Status)
}

func TestEngine_WaitForEventResumesViaSignal(t *testing.T) {
	h := newHarness(t)

	def := &model.WorkflowDefinition{
		ID:      "pause-resume",
		Version: 1,
		Steps: []model.StepDefinition{
			{ID: "approval", Kind: model.StepWaitForEvent, EventType: "approved", OutputVariable: "decision"},
		},
		ErrorHandling: model.StopOnFirstError,
	}
	require.NoError(t, Validate(def))
	require.NoError(t, h.store.CreateWorkflowDefinition(context.Background(), def))

	inst, err := h.eng.StartWorkflow(context.Background(), def.ID, 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := h.store.GetWorkflowInstance(context.Background(), inst.ID)
		return err == nil && stored.StepInstances["approval"].Status == model.StepWaitingForEvent
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.eng.Signal(context.Background(), inst.ID, "approved", "", "yes"))

	require.Eventually(t, func() bool {
		stored, err := h.store.GetWorkflowInstance(context.Background(), inst.ID)
		return err == nil && stored.Status == model.InstanceCompleted
	}, time.Second, 5*time.Millisecond)

	stored, err := h.store.GetWorkflowInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, "yes", stored.Variables["decision"])
}

func TestEngine_SignalWithNoWaitingStepReturnsNotFound(t *testing.T) {
	h := newHarness(t)
	err := h.eng.Signal(context.Background(), uuid.New(), "nothing", "", nil)
	require.Error(t, err)
}

func TestEngine_CancelRunningInstance(t *testing.T) {
	h := newHarness(t)

	def := &model.WorkflowDefinition{
		ID:      "cancel-me",
		Version: 1,
		Steps: []model.StepDefinition{
			{ID: "wait", Kind: model.StepWaitForEvent, EventType: "never"},
		},
		ErrorHandling: model.StopOnFirstError,
	}
	require.NoError(t, Validate(def))
	require.NoError(t, h.store.CreateWorkflowDefinition(context.Background(), def))

	inst, err := h.eng.StartWorkflow(context.Background(), def.ID, 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := h.store.GetWorkflowInstance(context.Background(), inst.ID)
		return err == nil && stored.StepInstances["wait"].Status == model.StepWaitingForEvent
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.eng.Cancel(context.Background(), inst.ID, "operator requested cancellation"))

	require.Eventually(t, func() bool {
		stored, err := h.store.GetWorkflowInstance(context.Background(), inst.ID)
		return err == nil && stored.Status == model.InstanceCancelled
	}, time.Second, 5*time.Millisecond)
}
