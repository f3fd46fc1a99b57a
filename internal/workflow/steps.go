package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/eventbus"
	"github.com/orbitmesh/orbitmesh/internal/model"
)

// runStepBlocking executes one step to completion in the calling goroutine,
// returning its output (bound to outputVariable by the caller) or an error.
// It is the single place every step kind is implemented; the instance actor
// calls it from a detached goroutine per top-level step so the actor's
// mailbox loop is never blocked waiting on a suspension point, while nested
// steps (Parallel branches, Conditional subtrees, ForEach bodies) call it
// directly since blocking only their own private goroutine does not violate
// §5's "no lock held across a suspension point" — no engine-wide lock is
// ever held here.
func runStepBlocking(ctx context.Context, eng *Engine, instance *model.WorkflowInstance, step *model.StepDefinition) (any, error) {
	switch step.Kind {
	case model.StepJob:
		return runJobStep(ctx, eng, instance, step)
	case model.StepDelay:
		return runDelayStep(ctx, eng, step)
	case model.StepParallel:
		return runParallelStep(ctx, eng, instance, step)
	case model.StepConditional:
		return runConditionalStep(ctx, eng, instance, step)
	case model.StepForEach:
		return runForEachStep(ctx, eng, instance, step)
	case model.StepNotify:
		return runNotifyStep(ctx, eng, instance, step)
	case model.StepWaitForEvent, model.StepApproval:
		return runWaitStep(ctx, eng, instance.ID, step)
	case model.StepSubWorkflow:
		return runSubWorkflowStep(ctx, eng, instance, step)
	default:
		return nil, fmt.Errorf("workflow: unknown step kind %q", step.Kind)
	}
}

func runJobStep(ctx context.Context, eng *Engine, instance *model.WorkflowInstance, step *model.StepDefinition) (any, error) {
	var payload []byte
	if step.PayloadExpr != "" {
		v, err := Evaluate(step.PayloadExpr, eng.readVars(instance.ID, instance.Variables))
		if err != nil {
			return nil, fmt.Errorf("payload_expr: %w", err)
		}
		payload = []byte(fmt.Sprint(v))
	}
	job, err := eng.disp.Submit(ctx, model.JobRequest{
		Command:              step.Command,
		Pattern:              step.Pattern,
		RequiredCapabilities: step.RequiredCapabilities,
		Payload:              payload,
		Timeout:              step.JobTimeout,
		MaxRetries:           step.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	return eng.awaitJob(ctx, job.ID)
}

// awaitJob blocks until the job reaches a terminal state, by subscribing
// directly to its bus topic — independent of the instance actor's mailbox,
// so the same helper works whether the caller is a top-level step's
// detached goroutine or a nested branch's private goroutine.
func (eng *Engine) awaitJob(ctx context.Context, jobID uuid.UUID) (any, error) {
	topic := jobTopic(jobID)
	sub := eng.bus.Subscribe(topic)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil, fmt.Errorf("workflow: event bus closed awaiting job %s", topic)
			}
			job, _ := ev.Payload.(*model.Job)
			switch ev.Type {
			case eventbus.JobCompleted:
				if job != nil {
					return string(job.Result), nil
				}
				return nil, nil
			case eventbus.JobFailed, eventbus.JobTimedOut, eventbus.JobCancelled:
				if job != nil && job.Error != nil {
					return nil, fmt.Errorf("job %s: %s", topic, job.Error.Message)
				}
				return nil, fmt.Errorf("job %s did not complete successfully", topic)
			}
		}
	}
}

func runDelayStep(ctx context.Context, eng *Engine, step *model.StepDefinition) (any, error) {
	if step.Duration == nil || *step.Duration <= 0 {
		return nil, nil
	}
	fired := make(chan struct{}, 1)
	eng.scheduleOnce(fmt.Sprintf("wf-delay:%s", uuid.New()), *step.Duration, func() { fired <- struct{}{} })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-fired:
		return nil, nil
	}
}

func runParallelStep(ctx context.Context, eng *Engine, instance *model.WorkflowInstance, step *model.StepDefinition) (any, error) {
	outputs := make([]any, len(step.Branches))
	errs := make([]error, len(step.Branches))
	var wg sync.WaitGroup
	for i, branch := range step.Branches {
		i, branch := i, branch
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := runSubDAG(ctx, eng, instance, branch)
			outputs[i] = out
			errs[i] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			if step.FailFast {
				return outputs, err
			}
		}
	}
	for _, err := range errs {
		if err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

func runConditionalStep(ctx context.Context, eng *Engine, instance *model.WorkflowInstance, step *model.StepDefinition) (any, error) {
	branch := step.Else
	if step.Condition == "" {
		branch = step.Then
	} else {
		v, err := Evaluate(step.Condition, eng.readVars(instance.ID, instance.Variables))
		if err != nil {
			return nil, fmt.Errorf("condition: %w", err)
		}
		if Truthy(v) {
			branch = step.Then
		}
	}
	return runSubDAG(ctx, eng, instance, branch)
}

func runForEachStep(ctx context.Context, eng *Engine, instance *model.WorkflowInstance, step *model.StepDefinition) (any, error) {
	collection, err := Evaluate(step.CollectionExpr, eng.readVars(instance.ID, instance.Variables))
	if err != nil {
		return nil, fmt.Errorf("collection_expr: %w", err)
	}
	items, ok := collection.([]any)
	if !ok {
		return nil, fmt.Errorf("collection_expr did not evaluate to a list")
	}
	if len(items) == 0 {
		return []any{}, nil
	}

	concurrency := step.MaxConcurrency
	if concurrency <= 0 || concurrency > len(items) {
		concurrency = len(items)
	}

	outputs := make([]any, len(items))
	errs := make([]error, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for idx, item := range items {
		idx, item := idx, item
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			scoped := &model.WorkflowInstance{ID: instance.ID, Variables: eng.readVars(instance.ID, instance.Variables)}
			if step.ItemVariable != "" {
				scoped.Variables[step.ItemVariable] = item
			}
			out, err := runSubDAG(ctx, eng, scoped, step.Body)
			outputs[idx] = out
			errs[idx] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

func runWaitStep(ctx context.Context, eng *Engine, instanceID uuid.UUID, step *model.StepDefinition) (any, error) {
	return eng.waitForSignal(ctx, instanceID, step.EventType, step.CorrelationKey, step.WaitTimeout)
}

// runNotifyStep issues the step's outbound side effect, if a Notifier is
// configured and the step declares a channel/target, then falls through to
// the same WaitForEvent semantics every Notify/Approval step uses (spec
// §4.3). A delivery failure does not block the wait — the message may
// still reach its recipient out of band (e.g. a human re-reading a
// dashboard). The failure is only logged: it never becomes the step's
// error, so continueOnError and maxRetries have no effect on it.
func runNotifyStep(ctx context.Context, eng *Engine, instance *model.WorkflowInstance, step *model.StepDefinition) (any, error) {
	if eng.notifier != nil && step.NotifyChannel != "" && step.NotifyTarget != "" {
		message := step.NotifyMessageExpr
		if message != "" {
			v, err := Evaluate(step.NotifyMessageExpr, eng.readVars(instance.ID, instance.Variables))
			if err == nil {
				message = fmt.Sprint(v)
			}
		}
		if err := eng.notifier.Notify(ctx, step.NotifyChannel, step.NotifyTarget, message); err != nil {
			eng.log.Warn("notify step delivery failed",
				zap.String("step", step.ID),
				zap.String("channel", step.NotifyChannel),
				zap.Error(err),
			)
		}
	}
	return runWaitStep(ctx, eng, instance.ID, step)
}

func runSubWorkflowStep(ctx context.Context, eng *Engine, instance *model.WorkflowInstance, step *model.StepDefinition) (any, error) {
	var input map[string]any
	if step.InputExpr != "" {
		v, err := Evaluate(step.InputExpr, eng.readVars(instance.ID, instance.Variables))
		if err != nil {
			return nil, fmt.Errorf("input_expr: %w", err)
		}
		if m, ok := v.(map[string]any); ok {
			input = m
		}
	}
	child, err := eng.StartWorkflow(ctx, step.SubWorkflowID, 0, input)
	if err != nil {
		return nil, fmt.Errorf("start sub-workflow: %w", err)
	}
	if !step.WaitForCompletion {
		return child.ID.String(), nil
	}
	return eng.awaitInstance(ctx, child.ID)
}

func cloneVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// runSubDAG runs steps to completion as its own independent dependency
// graph — used for Parallel branches, Conditional subtrees, and ForEach
// bodies, each of which is validated as its own step list by dag.go.
func runSubDAG(ctx context.Context, eng *Engine, instance *model.WorkflowInstance, steps []model.StepDefinition) (any, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	var mu sync.Mutex
	status := make(map[string]model.StepInstanceStatus, len(steps))
	statusFn := func(id string) (model.StepInstanceStatus, bool) {
		mu.Lock()
		defer mu.Unlock()
		s, ok := status[id]
		return s, ok
	}

	var lastOutput any
	var firstErr error
	for {
		mu.Lock()
		done := allTerminal(steps, statusFn)
		mu.Unlock()
		if done {
			break
		}
		ready := readySteps(steps, statusFn)
		if len(ready) == 0 {
			break
		}
		var wg sync.WaitGroup
		for _, s := range ready {
			s := s
			mu.Lock()
			status[s.ID] = model.StepRunning
			mu.Unlock()

			if s.Condition != "" {
				v, err := Evaluate(s.Condition, eng.readVars(instance.ID, instance.Variables))
				if err != nil {
					mu.Lock()
					status[s.ID] = model.StepFailed
					firstErr = err
					mu.Unlock()
					continue
				}
				if !Truthy(v) {
					mu.Lock()
					status[s.ID] = model.StepSkipped
					mu.Unlock()
					continue
				}
			}

			wg.Add(1)
			go func(step model.StepDefinition) {
				defer wg.Done()
				out, err := runStepBlocking(ctx, eng, instance, &step)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if step.ContinueOnError {
						status[step.ID] = model.StepSkipped
					} else {
						status[step.ID] = model.StepFailed
						firstErr = err
					}
					return
				}
				status[step.ID] = model.StepCompleted
				lastOutput = out
				if step.OutputVariable != "" {
					eng.writeVar(instance.ID, instance.Variables, step.OutputVariable, out)
				}
			}(s)
		}
		wg.Wait()
		if firstErr != nil {
			break
		}
	}
	return lastOutput, firstErr
}
