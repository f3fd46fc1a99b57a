package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/eventbus"
	"github.com/orbitmesh/orbitmesh/internal/model"
)

type msgKind int

const (
	msgAdvance msgKind = iota
	msgStepDone
	msgCancel
)

// actorMsg is the only thing ever sent through an instanceActor's mailbox,
// so every state change to a WorkflowInstance is serialized through one
// goroutine without a shared mutex.
type actorMsg struct {
	kind   msgKind
	stepID string
	output any
	err    error
}

// instanceActor owns one WorkflowInstance end to end: starting ready steps,
// absorbing their completions, and deciding when the instance itself is
// done. Every top-level step runs in its own detached goroutine that
// reports back through send, so a slow or waiting step never blocks the
// actor from handling a cancellation or another step's completion.
type instanceActor struct {
	id       uuid.UUID
	eng      *Engine
	instance *model.WorkflowInstance
	def      *model.WorkflowDefinition
	mailbox  chan actorMsg

	completionOrder []string // StepIDs in the order they reached Completed, for Compensate
}

func (a *instanceActor) send(msg actorMsg) {
	select {
	case a.mailbox <- msg:
	default:
		// Mailbox is generously buffered (32); a full mailbox means the
		// instance has far more concurrent in-flight steps than any real
		// definition should declare. Block rather than drop a completion.
		a.mailbox <- msg
	}
}

func (a *instanceActor) run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.mailbox:
			a.handle(ctx, msg)
			if a.instance.Status != model.InstanceRunning && a.instance.Status != model.InstancePaused {
				a.eng.despawn(a.id)
				return
			}
		}
	}
}

func (a *instanceActor) handle(ctx context.Context, msg actorMsg) {
	switch msg.kind {
	case msgCancel:
		a.handleCancel(ctx, msg)
	case msgStepDone:
		a.handleStepDone(ctx, msg)
	case msgAdvance:
		a.advance(ctx)
	}
}

func (a *instanceActor) def_() *model.WorkflowDefinition {
	if a.def != nil {
		return a.def
	}
	def, err := a.eng.store.GetWorkflowDefinition(context.Background(), a.instance.WorkflowID, a.instance.WorkflowVersion)
	if err != nil {
		a.eng.log.Error("workflow: failed to reload definition for resumed instance",
			zap.String("workflow_id", a.instance.WorkflowID), zap.Error(err))
		return &model.WorkflowDefinition{ID: a.instance.WorkflowID}
	}
	a.def = def
	return def
}

func (a *instanceActor) stepByID(id string) *model.StepDefinition {
	for i, s := range a.def_().Steps {
		if s.ID == id {
			return &a.def_().Steps[i]
		}
	}
	return nil
}

func (a *instanceActor) persist(ctx context.Context) {
	if err := a.eng.store.UpdateWorkflowInstance(ctx, a.instance); err != nil {
		a.eng.log.Error("workflow: failed to persist instance", zap.String("instance_id", a.id.String()), zap.Error(err))
	}
}

// resume re-attaches in-process waiters for an instance restored from
// storage after a restart, where the in-memory mailbox and waiter registry
// that normally back a suspended step were lost. A step already Running for
// a Job re-subscribes to that job's bus topic when its StepInstance carries
// a JobID; runJobStep does not record one, so such a step falls through to
// the reset below and its job is submitted again. A step WaitingForEvent
// re-registers its waiter so a later Signal still finds it. Any other kind
// left Running (Delay, Parallel, Conditional, ForEach, SubWorkflow) has no
// persisted sub-step state to resume from, so it is reset to Pending and
// restarted from scratch by the next advance.
func (a *instanceActor) resume(ctx context.Context) {
	def := a.def_()
	for _, step := range def.Steps {
		si := a.instance.StepInstances[step.ID]
		if si == nil {
			continue
		}
		step := step
		switch {
		case si.Status == model.StepWaitingForEvent:
			go func() {
				out, err := runWaitStep(ctx, a.eng, a.id, &step)
				a.send(actorMsg{kind: msgStepDone, stepID: step.ID, output: out, err: err})
			}()
		case si.Status == model.StepRunning && step.Kind == model.StepJob && si.JobID != nil:
			jobID := *si.JobID
			go func() {
				out, err := a.eng.awaitJob(ctx, jobID)
				a.send(actorMsg{kind: msgStepDone, stepID: step.ID, output: out, err: err})
			}()
		case si.Status == model.StepRunning:
			si.Status = model.StepPending
		}
	}
	a.send(actorMsg{kind: msgAdvance})
}

// advance starts every step whose dependencies are satisfied and whose
// condition (if any) evaluates true, skipping those whose condition is
// false — which may in turn free their own dependents, so this loops until
// a pass produces no further progress — then checks whether the instance as
// a whole has finished.
func (a *instanceActor) advance(ctx context.Context) {
	if a.instance.Status != model.InstanceRunning {
		return
	}
	def := a.def_()
	statusFn := func(id string) (model.StepInstanceStatus, bool) {
		si, ok := a.instance.StepInstances[id]
		if !ok {
			return "", false
		}
		return si.Status, true
	}

	for {
		ready := readySteps(def.Steps, statusFn)
		if len(ready) == 0 {
			break
		}
		for _, step := range ready {
			if a.skipIfConditionFalse(step) {
				continue
			}
			a.startStep(ctx, step)
		}
	}
	a.persist(ctx)

	if allTerminal(def.Steps, statusFn) {
		a.finish(ctx)
		return
	}

	// Nothing running or ready: every remaining step is WaitingForEvent, so
	// the instance has nothing left to do until an external Signal arrives.
	anyActive := false
	for _, si := range a.instance.StepInstances {
		if si.Status == model.StepRunning {
			anyActive = true
			break
		}
	}
	if !anyActive && a.instance.Status == model.InstanceRunning {
		a.instance.Status = model.InstancePaused
		a.persist(ctx)
		a.eng.bus.Publish(instanceTopic(a.id), eventbus.WorkflowInstancePaused, a.instance)
	}
}

// skipIfConditionFalse evaluates step.Condition, if any, against the
// instance's current variables, marking the step Skipped and reporting true
// if it is false — mirroring runSubDAG's handling of the same field for
// nested step lists.
func (a *instanceActor) skipIfConditionFalse(step model.StepDefinition) bool {
	if step.Condition == "" {
		return false
	}
	v, err := Evaluate(step.Condition, a.eng.readVars(a.id, a.instance.Variables))
	if err == nil && Truthy(v) {
		return false
	}
	si := a.instance.StepInstances[step.ID]
	if si == nil {
		si = &model.StepInstance{StepID: step.ID}
		a.instance.StepInstances[step.ID] = si
	}
	now := time.Now()
	si.Status = model.StepSkipped
	si.CompletedAt = &now
	if err != nil {
		si.Error = err.Error()
	}
	return true
}

func (a *instanceActor) startStep(ctx context.Context, step model.StepDefinition) {
	si := a.instance.StepInstances[step.ID]
	if si == nil {
		si = &model.StepInstance{StepID: step.ID}
		a.instance.StepInstances[step.ID] = si
	}
	now := time.Now()
	si.Status = model.StepRunning
	si.StartedAt = &now
	si.Attempts++
	if step.Kind == model.StepWaitForEvent || step.Kind == model.StepNotify || step.Kind == model.StepApproval {
		si.Status = model.StepWaitingForEvent
		si.WaitEventType = step.EventType
		si.WaitCorrelationKey = step.CorrelationKey
	}
	a.persist(ctx)

	step := step
	go func() {
		out, err := runStepBlocking(ctx, a.eng, a.instance, &step)
		a.send(actorMsg{kind: msgStepDone, stepID: step.ID, output: out, err: err})
	}()
}

func (a *instanceActor) handleStepDone(ctx context.Context, msg actorMsg) {
	if a.instance.Status != model.InstanceRunning && a.instance.Status != model.InstancePaused {
		return // instance already finished or was cancelled; drop stragglers
	}
	step := a.stepByID(msg.stepID)
	si := a.instance.StepInstances[msg.stepID]
	if si == nil || step == nil {
		return
	}
	now := time.Now()
	si.CompletedAt = &now

	if msg.err != nil {
		switch {
		case step.ContinueOnError:
			si.Status = model.StepSkipped
			si.Error = msg.err.Error()
		case a.def_().ErrorHandling == model.ContinueAndAggregate:
			si.Status = model.StepFailed
			si.Error = msg.err.Error()
		default:
			si.Status = model.StepFailed
			si.Error = msg.err.Error()
			a.persist(ctx)
			a.eng.bus.Publish(instanceTopic(a.id), eventbus.WorkflowStepCompleted, a.instance)
			a.fail(ctx, msg.err)
			return
		}
	} else {
		si.Status = model.StepCompleted
		si.Output = msg.output
		a.completionOrder = append(a.completionOrder, step.ID)
		if step.OutputVariable != "" {
			a.eng.writeVar(a.id, a.instance.Variables, step.OutputVariable, msg.output)
		}
	}
	a.persist(ctx)
	a.eng.bus.Publish(instanceTopic(a.id), eventbus.WorkflowStepCompleted, a.instance)

	if a.instance.Status == model.InstancePaused {
		a.instance.Status = model.InstanceRunning
		a.eng.bus.Publish(instanceTopic(a.id), eventbus.WorkflowInstanceResumed, a.instance)
	}
	a.advance(ctx)
}

// fail transitions the instance to Failed, running compensations in reverse
// completion order first when the definition asks for it.
func (a *instanceActor) fail(ctx context.Context, cause error) {
	def := a.def_()
	if def.ErrorHandling == model.Compensate {
		a.runCompensations(ctx)
	}
	now := time.Now()
	a.instance.Status = model.InstanceFailed
	a.instance.CompletedAt = &now
	a.instance.Error = cause.Error()
	a.persist(ctx)
	a.eng.bus.Publish(instanceTopic(a.id), eventbus.WorkflowInstanceFailed, a.instance)
}

// runCompensations submits each completed step's compensation command, most
// recently completed first, best-effort: a failed compensation is logged,
// not retried, since the instance is already on its way to Failed.
func (a *instanceActor) runCompensations(ctx context.Context) {
	for i := len(a.completionOrder) - 1; i >= 0; i-- {
		step := a.stepByID(a.completionOrder[i])
		if step == nil || step.Compensation == "" {
			continue
		}
		if _, err := a.eng.disp.Submit(ctx, model.JobRequest{Command: step.Compensation}); err != nil {
			a.eng.log.Error("workflow: compensation submit failed",
				zap.String("step_id", step.ID), zap.String("compensation", step.Compensation), zap.Error(err))
		}
	}
}

func (a *instanceActor) finish(ctx context.Context) {
	def := a.def_()
	statusFn := func(id string) (model.StepInstanceStatus, bool) {
		si, ok := a.instance.StepInstances[id]
		if !ok {
			return "", false
		}
		return si.Status, true
	}
	if anyFailed(def.Steps, statusFn) {
		a.fail(ctx, errAggregatedStepFailure(a.instance))
		return
	}
	now := time.Now()
	a.instance.Status = model.InstanceCompleted
	a.instance.CompletedAt = &now
	a.persist(ctx)
	a.eng.bus.Publish(instanceTopic(a.id), eventbus.WorkflowInstanceCompleted, a.instance)
}

// errAggregatedStepFailure summarizes every failed step for an instance
// finishing under continue_and_aggregate, where no single step's error was
// allowed to stop the run early.
func errAggregatedStepFailure(inst *model.WorkflowInstance) error {
	var failed []string
	for id, si := range inst.StepInstances {
		if si.Status == model.StepFailed {
			failed = append(failed, id)
		}
	}
	return fmt.Errorf("step(s) failed: %v", failed)
}

func (a *instanceActor) handleCancel(ctx context.Context, msg actorMsg) {
	if a.instance.Status != model.InstanceRunning && a.instance.Status != model.InstancePaused {
		return
	}
	for _, si := range a.instance.StepInstances {
		if !si.Status.Terminal() {
			si.Status = model.StepCancelled
		}
	}
	now := time.Now()
	a.instance.Status = model.InstanceCancelled
	a.instance.CompletedAt = &now
	if msg.err != nil {
		a.instance.Error = msg.err.Error()
	}
	a.persist(ctx)
	a.eng.bus.Publish(instanceTopic(a.id), eventbus.WorkflowInstanceCancelled, a.instance)
}
