// Package workflow executes WorkflowDefinition DAGs, the layer above
// internal/dispatcher that strings individual jobs (and delays, branches,
// fan-outs, and external signals) into a multi-step process.
//
// It uses an actor pattern for per-instance state: one goroutine and
// mailbox per WorkflowInstance, so concurrent step completions,
// cancellations, and signals for the same instance always serialize without
// a shared mutex guarding instance state. (internal/dispatcher and
// internal/registry guard their own state with mutexes instead.) gocron again supplies the one-shot timers (step
// delays, wait-for-event timeouts); the dispatch trigger itself is
// event-driven off the bus rather than polled.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/dispatcher"
	"github.com/orbitmesh/orbitmesh/internal/eventbus"
	"github.com/orbitmesh/orbitmesh/internal/model"
	"github.com/orbitmesh/orbitmesh/internal/orbiterr"
	"github.com/orbitmesh/orbitmesh/internal/store"
)

func jobTopic(id uuid.UUID) string      { return "job:" + id.String() }
func instanceTopic(id uuid.UUID) string { return "workflow:" + id.String() }

// waiter is a pending WaitForEvent/Notify/Approval registration. notify is
// buffered so Signal never blocks on a slow or abandoned waiter.
type waiter struct {
	eventType      string
	correlationKey string
	notify         chan any
}

// Engine owns every in-flight WorkflowInstance's actor and the scheduler
// that backs step delays and wait timeouts.
type Engine struct {
	store    store.Store
	bus      *eventbus.Bus
	disp     *dispatcher.Dispatcher
	log      *zap.Logger
	cron     gocron.Scheduler
	notifier Notifier

	mu      sync.Mutex
	actors  map[uuid.UUID]*instanceActor
	waiters map[uuid.UUID][]*waiter // instanceID -> pending waits
	varsMu  map[uuid.UUID]*sync.Mutex

	rootCtx context.Context
}

// New constructs an Engine. Call Start to resume in-flight instances and
// begin routing bus events to them.
func New(st store.Store, bus *eventbus.Bus, disp *dispatcher.Dispatcher, log *zap.Logger) (*Engine, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("workflow: gocron: %w", err)
	}
	return &Engine{
		store:   st,
		bus:     bus,
		disp:    disp,
		log:     log.Named("workflow"),
		cron:    cron,
		actors:  make(map[uuid.UUID]*instanceActor),
		waiters: make(map[uuid.UUID][]*waiter),
		varsMu:  make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

// SetNotifier installs the outbound side-effect handler Notify steps use.
// Optional: a nil (the default) or never-set notifier makes every Notify
// step a pure wait, skipping delivery.
func (eng *Engine) SetNotifier(n Notifier) {
	eng.notifier = n
}

// Start resumes every non-terminal instance left over from a prior process
// and begins the scheduler. It does not block.
func (eng *Engine) Start(ctx context.Context) error {
	eng.rootCtx = ctx
	eng.cron.Start()

	instances, err := eng.store.ListActiveWorkflowInstances(ctx)
	if err != nil {
		return fmt.Errorf("workflow: list active instances: %w", err)
	}
	for i := range instances {
		inst := instances[i]
		a := eng.spawn(&inst)
		a.resume(ctx)
	}
	return nil
}

// Stop shuts down the scheduler. Instance actor goroutines exit once their
// mailbox is drained and ctx (passed to Start) is cancelled.
func (eng *Engine) Stop() error {
	return eng.cron.Shutdown()
}

// StartWorkflow loads a WorkflowDefinition (the latest version if version is
// 0), creates a new instance, and spawns its actor.
func (eng *Engine) StartWorkflow(ctx context.Context, workflowID string, version int, vars map[string]any) (*model.WorkflowInstance, error) {
	var def *model.WorkflowDefinition
	var err error
	if version > 0 {
		def, err = eng.store.GetWorkflowDefinition(ctx, workflowID, version)
	} else {
		def, err = eng.store.GetLatestWorkflowDefinition(ctx, workflowID)
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(def); err != nil {
		return nil, orbiterr.Wrap(orbiterr.InvalidArgument, "workflow definition failed validation", err)
	}

	merged := make(map[string]any, len(def.Variables)+len(vars))
	for k, v := range def.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}

	inst := &model.WorkflowInstance{
		ID:              uuid.New(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          model.InstanceRunning,
		Variables:       merged,
		StepInstances:   make(map[string]*model.StepInstance, len(def.Steps)),
		StartedAt:       time.Now(),
	}
	for _, s := range def.Steps {
		inst.StepInstances[s.ID] = &model.StepInstance{StepID: s.ID, Status: model.StepPending}
	}
	if err := eng.store.CreateWorkflowInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("workflow: create instance: %w", err)
	}

	a := eng.spawn(inst)
	a.def = def
	eng.bus.Publish(instanceTopic(inst.ID), eventbus.WorkflowInstanceStarted, inst)
	a.send(actorMsg{kind: msgAdvance})
	return inst, nil
}

// Cancel marks instanceID cancelled. Steps already in flight run to
// completion but their results are discarded once they report back.
func (eng *Engine) Cancel(ctx context.Context, instanceID uuid.UUID, reason string) error {
	a := eng.actor(instanceID)
	if a == nil {
		return orbiterr.New(orbiterr.NotFound, "workflow instance not found")
	}
	a.send(actorMsg{kind: msgCancel, err: fmt.Errorf("%s", reason)})
	return nil
}

// Signal wakes the single step within instanceID currently waiting on
// eventType, matching correlationKey only when the step declared one (spec's
// resolution of the Signal-matching open question). payload is bound to the
// step's outputVariable when it resumes.
func (eng *Engine) Signal(ctx context.Context, instanceID uuid.UUID, eventType, correlationKey string, payload any) error {
	eng.mu.Lock()
	list := eng.waiters[instanceID]
	for i, w := range list {
		if w.eventType != eventType {
			continue
		}
		if w.correlationKey != "" && w.correlationKey != correlationKey {
			continue
		}
		eng.waiters[instanceID] = append(list[:i:i], list[i+1:]...)
		eng.mu.Unlock()
		select {
		case w.notify <- payload:
		default:
		}
		return nil
	}
	eng.mu.Unlock()
	return orbiterr.New(orbiterr.NotFound, "no step is waiting for this event")
}

func (eng *Engine) actor(id uuid.UUID) *instanceActor {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.actors[id]
}

func (eng *Engine) spawn(inst *model.WorkflowInstance) *instanceActor {
	a := &instanceActor{
		id:       inst.ID,
		eng:      eng,
		instance: inst,
		mailbox:  make(chan actorMsg, 32),
	}
	eng.mu.Lock()
	eng.actors[inst.ID] = a
	eng.mu.Unlock()
	go a.run(eng.rootCtx)
	return a
}

func (eng *Engine) despawn(id uuid.UUID) {
	eng.mu.Lock()
	delete(eng.actors, id)
	delete(eng.waiters, id)
	delete(eng.varsMu, id)
	eng.mu.Unlock()
}

// instanceVarsLock returns the mutex guarding instanceID's Variables map,
// creating one on first use. A single workflow instance's variables can be
// read and written concurrently from several step goroutines at once (a
// Parallel step's branches, a ForEach step's items, a sibling top-level
// step) and from the instance actor itself, so every access goes through
// readVars/writeVar rather than touching the map directly.
func (eng *Engine) instanceVarsLock(instanceID uuid.UUID) *sync.Mutex {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	l, ok := eng.varsMu[instanceID]
	if !ok {
		l = &sync.Mutex{}
		eng.varsMu[instanceID] = l
	}
	return l
}

// readVars returns a snapshot copy of vars safe to hand to Evaluate without
// holding the lock for the duration of parsing.
func (eng *Engine) readVars(instanceID uuid.UUID, vars map[string]any) map[string]any {
	l := eng.instanceVarsLock(instanceID)
	l.Lock()
	defer l.Unlock()
	return cloneVars(vars)
}

// writeVar sets vars[key] = val under instanceID's lock.
func (eng *Engine) writeVar(instanceID uuid.UUID, vars map[string]any, key string, val any) {
	if key == "" {
		return
	}
	l := eng.instanceVarsLock(instanceID)
	l.Lock()
	defer l.Unlock()
	vars[key] = val
}

// registerWait adds w to instanceID's pending-signal list.
func (eng *Engine) registerWait(instanceID uuid.UUID, w *waiter) {
	eng.mu.Lock()
	eng.waiters[instanceID] = append(eng.waiters[instanceID], w)
	eng.mu.Unlock()
}

func (eng *Engine) unregisterWait(instanceID uuid.UUID, w *waiter) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	list := eng.waiters[instanceID]
	for i, x := range list {
		if x == w {
			eng.waiters[instanceID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// waitForSignal blocks until Signal delivers a matching payload, timeout
// elapses, or ctx is cancelled. Used by both top-level WaitForEvent steps
// (from a detached goroutine, so the instance actor stays responsive) and
// nested ones (blocking the branch's own goroutine directly).
func (eng *Engine) waitForSignal(ctx context.Context, instanceID uuid.UUID, eventType, correlationKey string, timeout *time.Duration) (any, error) {
	w := &waiter{eventType: eventType, correlationKey: correlationKey, notify: make(chan any, 1)}
	eng.registerWait(instanceID, w)
	defer eng.unregisterWait(instanceID, w)

	var timeoutCh chan struct{}
	if timeout != nil && *timeout > 0 {
		timeoutCh = make(chan struct{}, 1)
		tag := fmt.Sprintf("wf-wait:%s:%s", instanceID, uuid.New())
		eng.scheduleOnce(tag, *timeout, func() { timeoutCh <- struct{}{} })
	}
	select {
	case payload := <-w.notify:
		return payload, nil
	case <-timeoutCh:
		return nil, fmt.Errorf("wait for event %q timed out", eventType)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// awaitInstance blocks until instanceID reaches a terminal status, by
// subscribing directly to its bus topic.
func (eng *Engine) awaitInstance(ctx context.Context, instanceID uuid.UUID) (any, error) {
	sub := eng.bus.Subscribe(instanceTopic(instanceID))
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil, fmt.Errorf("workflow: event bus closed awaiting instance %s", instanceID)
			}
			switch ev.Type {
			case eventbus.WorkflowInstanceCompleted:
				if inst, ok := ev.Payload.(*model.WorkflowInstance); ok {
					return inst.Variables, nil
				}
				return nil, nil
			case eventbus.WorkflowInstanceFailed, eventbus.WorkflowInstanceCancelled:
				if inst, ok := ev.Payload.(*model.WorkflowInstance); ok {
					return nil, fmt.Errorf("sub-workflow %s: %s", instanceID, inst.Error)
				}
				return nil, fmt.Errorf("sub-workflow %s did not complete", instanceID)
			}
		}
	}
}

func (eng *Engine) scheduleOnce(tag string, delay time.Duration, fn func()) {
	eng.cron.RemoveByTags(tag)
	_, err := eng.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(delay))),
		gocron.NewTask(fn),
		gocron.WithTags(tag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		eng.log.Error("failed to schedule timer", zap.String("tag", tag), zap.Error(err))
	}
}
