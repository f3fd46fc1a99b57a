// Package dispatcher owns Job.status, Job.assignedAgentId, and
// Job.retryCount transitions end to end: accepting submissions, selecting a
// ready agent for each pending job, delivering the assignment over the
// agent's session stream, and reacting to every AckReject/Start/Progress/
// Result/Error frame the agent sends back.
//
// It is grounded on the teacher's scheduler.Scheduler, but the trigger model
// is rebuilt from the ground up: the teacher runs one gocron cron job per
// backup policy, each tick creating and dispatching a fresh job. OrbitMesh
// jobs are submitted directly (there is no recurring policy concept at this
// layer — that belongs to the workflow engine's triggers), so dispatch here
// is event-driven off the event bus instead: a job submission, an agent
// becoming Ready, a capability update, or another job freeing up an agent's
// capacity all post a "try again" kick, and a single loop goroutine coalesces
// bursts of kicks into one dispatch pass. gocron is kept for exactly the
// concern the teacher doesn't use it for: one-shot timers (Ack timeout,
// Running timeout, cancellation grace period), run in SingletonMode so a
// slow timer callback can't pile up re-entrant firings for the same job.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/eventbus"
	"github.com/orbitmesh/orbitmesh/internal/model"
	"github.com/orbitmesh/orbitmesh/internal/orbiterr"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/wire"
)

const (
	defaultAckTimeout    = 5 * time.Second
	defaultCancelTimeout = 10 * time.Second
	defaultListLimit     = 256
)

// Config tunes the dispatcher's timing. Zero values fall back to spec
// defaults.
type Config struct {
	AckTimeout    time.Duration
	CancelTimeout time.Duration
	Backoff       backoffConfig
	ListLimit     int
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = defaultCancelTimeout
	}
	if c.Backoff == (backoffConfig{}) {
		c.Backoff = defaultBackoff
	}
	if c.ListLimit <= 0 {
		c.ListLimit = defaultListLimit
	}
	return c
}

// Dispatcher implements internal/transport/grpc.JobEventSink and owns the
// ready-set-to-agent assignment loop described by spec §4.2.
type Dispatcher struct {
	store    store.Store
	bus      *eventbus.Bus
	registry *registry.Manager
	log      *zap.Logger
	cron     gocron.Scheduler
	cfg      Config

	mu            sync.Mutex
	active        map[uuid.UUID]int        // agentID -> assigned-but-not-terminal job count
	lastCompleted map[uuid.UUID]time.Time  // agentID -> last time a job on it reached Completed
	blacklist     map[uuid.UUID][]uuid.UUID // jobID -> agents that rejected it this round

	kick chan struct{}
}

// New constructs a Dispatcher. Call Start to begin processing.
func New(st store.Store, bus *eventbus.Bus, reg *registry.Manager, log *zap.Logger, cfg Config) (*Dispatcher, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: gocron: %w", err)
	}
	return &Dispatcher{
		store:         st,
		bus:           bus,
		registry:      reg,
		log:           log.Named("dispatcher"),
		cron:          cron,
		cfg:           cfg.withDefaults(),
		active:        make(map[uuid.UUID]int),
		lastCompleted: make(map[uuid.UUID]time.Time),
		blacklist:     make(map[uuid.UUID][]uuid.UUID),
		kick:          make(chan struct{}, 1),
	}, nil
}

// Start subscribes to the events that can unblock a pending job (an agent
// becoming available, or another job finishing on one) and begins the
// dispatch loop. It does not block.
func (d *Dispatcher) Start(ctx context.Context) {
	d.cron.Start()

	sub := d.bus.Subscribe(eventbus.AllTopics)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				switch ev.Type {
				case eventbus.AgentReady, eventbus.AgentCapabilitiesUpdated,
					eventbus.JobCompleted, eventbus.JobFailed, eventbus.JobTimedOut, eventbus.JobCancelled:
					d.Kick()
				}
			}
		}
	}()

	go d.kickLoop(ctx)
	d.Kick() // pick up anything left pending from before this process started
}

// Stop shuts down the dispatcher's timer scheduler. The kick loop exits when
// ctx (passed to Start) is cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.cron.Shutdown()
}

// Kick requests a dispatch pass without blocking the caller. Concurrent
// kicks while a pass is already pending collapse into that one pass, which
// is what keeps this event-driven rather than a busy poll.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) kickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			if err := d.tryDispatch(ctx); err != nil {
				d.log.Warn("dispatch pass failed", zap.Error(err))
			}
		}
	}
}

// Submit records a new job request and triggers a dispatch attempt.
// Re-submitting the same idempotency key returns the existing job instead
// of creating a duplicate.
func (d *Dispatcher) Submit(ctx context.Context, req model.JobRequest) (*model.Job, error) {
	if req.IdempotencyKey != "" {
		existing, err := d.store.GetJobByIdempotencyKey(ctx, req.IdempotencyKey, 1)
		if err == nil && existing != nil {
			return existing, nil
		}
	}

	job := &model.Job{
		IdempotencyKey:       req.IdempotencyKey,
		Command:              req.Command,
		Pattern:              req.Pattern,
		RequiredCapabilities: req.RequiredCapabilities,
		Priority:             req.Priority,
		Payload:              req.Payload,
		TargetAgentID:        req.TargetAgentID,
		CreatedAt:            time.Now(),
		Status:               model.JobPending,
		MaxRetries:           req.MaxRetries,
		Timeout:              req.Timeout,
		Attempt:              1,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("dispatcher: create job: %w", err)
	}

	d.Kick()
	return job, nil
}

// Retry re-queues a job that ended in Failed or TimedOut for manual retry
// via the administrative API's jobs.retry call, the same way an automatic
// reject-driven requeue does: the existing row is reused with Attempt
// incremented rather than creating a new job, so its idempotency key still
// resolves to one logical unit of work across every attempt.
func (d *Dispatcher) Retry(ctx context.Context, jobID uuid.UUID) (*model.Job, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: get job: %w", err)
	}
	if job.Status != model.JobFailed && job.Status != model.JobTimedOut {
		return nil, orbiterr.New(orbiterr.InvalidArgument, "only a failed or timed-out job can be retried")
	}
	job.Status = model.JobPending
	job.AssignedAgentID = nil
	job.AssignedAt = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.Error = nil
	job.NextAttemptAt = nil
	job.Attempt++
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("dispatcher: persist manual retry: %w", err)
	}
	d.Kick()
	return job, nil
}

// Cancel implements spec §4.2's cancellation semantics: a Pending job is
// cancelled immediately, an in-flight one is sent a Cancel frame and given
// CancelTimeout to confirm before being force-cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("dispatcher: get job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}

	if job.Status == model.JobPending {
		return d.finish(ctx, job, model.JobCancelled, nil)
	}

	if job.AssignedAgentID != nil {
		frame := wire.Cancel{JobID: job.ID.String(), Reason: reason}
		_ = d.registry.Send(*job.AssignedAgentID, &wire.Frame{Kind: wire.KindCancel, Version: wire.ProtocolVersion, Payload: frame.Marshal()})
	}

	d.scheduleOnce(fmt.Sprintf("cancel:%s", job.ID), d.cfg.CancelTimeout, func() {
		current, err := d.store.GetJob(context.Background(), job.ID)
		if err != nil || current.Status.Terminal() {
			return
		}
		if err := d.finish(context.Background(), current, model.JobCancelled, nil); err != nil {
			d.log.Warn("force-cancel failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	})
	return nil
}

// tryDispatch pulls the ready set and attempts to place each job on the
// best available agent, per spec §4.2's selection algorithm. Jobs that find
// no eligible agent stay Pending and are retried on the next kick.
func (d *Dispatcher) tryDispatch(ctx context.Context) error {
	pending, err := d.store.ListPendingJobs(ctx, d.cfg.ListLimit)
	if err != nil {
		return fmt.Errorf("dispatcher: list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	agents, _, err := d.store.ListAgents(ctx, store.ListOptions{})
	if err != nil {
		return fmt.Errorf("dispatcher: list agents: %w", err)
	}
	ready := make([]model.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Status == model.AgentReady && d.registry.Connected(a.ID) {
			ready = append(ready, a)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	d.mu.Lock()
	active := make(map[string]int, len(d.active))
	for id, n := range d.active {
		active[id.String()] = n
	}
	lastCompleted := make(map[string]int64, len(d.lastCompleted))
	for id, t := range d.lastCompleted {
		lastCompleted[id.String()] = t.UnixNano()
	}
	blacklist := make(map[uuid.UUID][]uuid.UUID, len(d.blacklist))
	for id, agents := range d.blacklist {
		blacklist[id] = agents
	}
	d.mu.Unlock()

	for i := range pending {
		job := &pending[i]
		job.BlacklistedAgents = blacklist[job.ID]
		candidates := eligible(job, ready)
		agent, ok := pickBest(candidates, active, lastCompleted)
		if !ok {
			continue
		}
		if err := d.assign(ctx, job, &agent); err != nil {
			d.log.Warn("assign failed", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		active[agent.ID.String()]++
	}
	return nil
}

// assign transitions job from Pending to Assigned, persists it, and delivers
// it over the agent's session stream. A send failure (the agent having just
// disconnected) rolls the job back to Pending rather than leaving it stuck
// Assigned with nobody listening.
func (d *Dispatcher) assign(ctx context.Context, job *model.Job, agent *model.Agent) error {
	now := time.Now()
	job.Status = model.JobAssigned
	job.AssignedAgentID = &agent.ID
	job.AssignedAt = &now

	if err := d.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist assignment: %w", err)
	}

	timeoutMillis := int64(0)
	if job.Timeout != nil {
		timeoutMillis = job.Timeout.Milliseconds()
	}
	deliver := wire.Deliver{
		JobID:          job.ID.String(),
		IdempotencyKey: job.IdempotencyKey,
		Command:        job.Command,
		Payload:        job.Payload,
		Priority:       int32(job.Priority),
		TimeoutMillis:  timeoutMillis,
		Attempt:        int32(job.Attempt),
	}
	if err := d.registry.Send(agent.ID, &wire.Frame{Kind: wire.KindDeliver, Version: wire.ProtocolVersion, Payload: deliver.Marshal()}); err != nil {
		job.Status = model.JobPending
		job.AssignedAgentID = nil
		job.AssignedAt = nil
		if rbErr := d.store.UpdateJob(ctx, job); rbErr != nil {
			d.log.Warn("rollback after send failure also failed to persist", zap.String("job_id", job.ID.String()), zap.Error(rbErr))
		}
		return fmt.Errorf("deliver: %w", err)
	}

	d.mu.Lock()
	d.active[agent.ID]++
	delete(d.blacklist, job.ID)
	d.mu.Unlock()

	d.bus.Publish(jobTopic(job.ID), eventbus.JobAssigned, job)

	d.scheduleOnce(fmt.Sprintf("ack:%s:%d", job.ID, job.Attempt), d.cfg.AckTimeout, func() {
		d.onAckTimeout(context.Background(), job.ID, job.Attempt)
	})
	return nil
}

// onAckTimeout fires when an assigned job's Ack/Reject never arrived within
// AckTimeout. Spec §4.2 leaves this case unstated; it is treated the same
// as an explicit Reject — requeue to Pending with the agent blacklisted for
// this round and retryCount incremented — since an agent that never
// acknowledges is indistinguishable from one that rejected silently.
func (d *Dispatcher) onAckTimeout(ctx context.Context, jobID uuid.UUID, attempt int) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil || job.Status != model.JobAssigned || job.Attempt != attempt {
		return
	}
	d.reject(ctx, job, "ack timeout")
}

// HandleAckReject implements transport/grpc.JobEventSink.
func (d *Dispatcher) HandleAckReject(ctx context.Context, connectionID string, f wire.AckReject) error {
	job, err := d.jobForFrame(ctx, f.JobID)
	if err != nil {
		return err
	}
	if !d.ownsJob(connectionID, job) || job.Status != model.JobAssigned {
		return nil
	}
	if f.Accepted {
		job.Status = model.JobAcknowledged
		return d.store.UpdateJob(ctx, job)
	}
	d.reject(ctx, job, f.Reason)
	return nil
}

// reject requeues job to Pending, blacklisting the agent that just rejected
// (or timed out acknowledging) it for this selection round.
func (d *Dispatcher) reject(ctx context.Context, job *model.Job, reason string) {
	if job.AssignedAgentID != nil {
		d.mu.Lock()
		if d.active[*job.AssignedAgentID] > 0 {
			d.active[*job.AssignedAgentID]--
		}
		d.blacklist[job.ID] = append(d.blacklist[job.ID], *job.AssignedAgentID)
		d.mu.Unlock()
	}
	job.Status = model.JobPending
	job.AssignedAgentID = nil
	job.AssignedAt = nil
	job.RetryCount++
	job.Attempt++

	if job.MaxRetries > 0 && job.RetryCount > job.MaxRetries {
		d.log.Warn("job exceeded max retries on reject", zap.String("job_id", job.ID.String()), zap.String("reason", reason))
		_ = d.finish(ctx, job, model.JobFailed, &model.JobError{Code: "max_retries_exceeded", Message: reason, Retryable: false})
		return
	}

	if err := d.store.UpdateJob(ctx, job); err != nil {
		d.log.Warn("failed to persist reject requeue", zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}
	d.Kick()
}

// HandleStart implements transport/grpc.JobEventSink.
func (d *Dispatcher) HandleStart(ctx context.Context, connectionID string, f wire.Start) error {
	job, err := d.jobForFrame(ctx, f.JobID)
	if err != nil {
		return err
	}
	if !d.ownsJob(connectionID, job) || job.Status.Terminal() {
		return nil
	}
	startedAt := f.StartedAt
	job.Status = model.JobRunning
	job.StartedAt = &startedAt
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist start: %w", err)
	}
	d.bus.Publish(jobTopic(job.ID), eventbus.JobStarted, job)

	if job.Timeout != nil {
		d.scheduleOnce(fmt.Sprintf("running-timeout:%s:%d", job.ID, job.Attempt), *job.Timeout, func() {
			d.onRunningTimeout(context.Background(), job.ID, job.Attempt)
		})
	}
	return nil
}

// onRunningTimeout implements spec §4.2's Running-timeout clause: a job
// still Running once its Timeout has elapsed is marked TimedOut, the agent
// is sent a best-effort Cancel, and the job is re-queued if it still has
// retries left.
func (d *Dispatcher) onRunningTimeout(ctx context.Context, jobID uuid.UUID, attempt int) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil || job.Status != model.JobRunning || job.Attempt != attempt {
		return
	}

	if job.AssignedAgentID != nil {
		frame := wire.Cancel{JobID: job.ID.String(), Reason: "running timeout"}
		_ = d.registry.Send(*job.AssignedAgentID, &wire.Frame{Kind: wire.KindCancel, Version: wire.ProtocolVersion, Payload: frame.Marshal()})
	}

	job.TimeoutCount++
	d.bus.Publish(jobTopic(job.ID), eventbus.JobTimedOut, job)

	if job.MaxRetries > 0 && job.TimeoutCount+job.RetryCount > job.MaxRetries {
		_ = d.finish(ctx, job, model.JobTimedOut, &model.JobError{Code: "running_timeout", Message: "job exceeded its timeout", Retryable: false})
		return
	}

	if job.AssignedAgentID != nil {
		d.mu.Lock()
		if d.active[*job.AssignedAgentID] > 0 {
			d.active[*job.AssignedAgentID]--
		}
		d.mu.Unlock()
	}
	job.Status = model.JobPending
	job.AssignedAgentID = nil
	job.AssignedAt = nil
	job.StartedAt = nil
	job.RetryCount++
	job.Attempt++
	delay := d.cfg.Backoff.nextAttemptDelay(job.RetryCount)
	next := time.Now().Add(delay)
	job.NextAttemptAt = &next

	if err := d.store.UpdateJob(ctx, job); err != nil {
		d.log.Warn("failed to persist running-timeout requeue", zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}
	d.scheduleOnce(fmt.Sprintf("retry-ready:%s:%d", job.ID, job.Attempt), delay, d.Kick)
}

// HandleProgress implements transport/grpc.JobEventSink.
func (d *Dispatcher) HandleProgress(ctx context.Context, connectionID string, f wire.ProgressFrame) error {
	job, err := d.jobForFrame(ctx, f.JobID)
	if err != nil {
		return err
	}
	if !d.ownsJob(connectionID, job) || job.Status.Terminal() {
		return nil
	}
	job.LastProgress = &model.Progress{Pct: f.Pct, Message: f.Message, Step: f.Step}
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	d.bus.Publish(jobTopic(job.ID), eventbus.JobProgress, job)
	return nil
}

// HandleResult implements transport/grpc.JobEventSink.
func (d *Dispatcher) HandleResult(ctx context.Context, connectionID string, f wire.Result) error {
	job, err := d.jobForFrame(ctx, f.JobID)
	if err != nil {
		return err
	}
	if !d.ownsJob(connectionID, job) || job.Status.Terminal() {
		return nil
	}
	job.Result = f.ResultBytes
	return d.finish(ctx, job, model.JobCompleted, nil)
}

// HandleError implements transport/grpc.JobEventSink. A retryable error
// under the max-retries ceiling re-queues the job with backoff; otherwise it
// fails terminally.
func (d *Dispatcher) HandleError(ctx context.Context, connectionID string, f wire.ErrorFrame) error {
	job, err := d.jobForFrame(ctx, f.JobID)
	if err != nil {
		return err
	}
	if !d.ownsJob(connectionID, job) || job.Status.Terminal() {
		return nil
	}

	jobErr := &model.JobError{Code: f.Code, Message: f.Message, Retryable: f.Retryable}

	if f.Code == "cancelled" {
		return d.finish(ctx, job, model.JobCancelled, nil)
	}

	if f.Retryable && (job.MaxRetries <= 0 || job.RetryCount < job.MaxRetries) {
		if job.AssignedAgentID != nil {
			d.mu.Lock()
			if d.active[*job.AssignedAgentID] > 0 {
				d.active[*job.AssignedAgentID]--
			}
			d.lastCompleted[*job.AssignedAgentID] = time.Now()
			d.mu.Unlock()
		}
		job.Status = model.JobPending
		job.AssignedAgentID = nil
		job.AssignedAt = nil
		job.StartedAt = nil
		job.RetryCount++
		job.Attempt++
		job.Error = jobErr
		delay := d.cfg.Backoff.nextAttemptDelay(job.RetryCount)
		next := time.Now().Add(delay)
		job.NextAttemptAt = &next
		if err := d.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("persist retry requeue: %w", err)
		}
		d.bus.Publish(jobTopic(job.ID), eventbus.JobRetried, job)
		d.scheduleOnce(fmt.Sprintf("retry-ready:%s:%d", job.ID, job.Attempt), delay, d.Kick)
		return nil
	}

	return d.finish(ctx, job, model.JobFailed, jobErr)
}

// HandleStreamItem implements transport/grpc.JobEventSink. Log lines are
// observability, not state: they are just forwarded onto the bus for any
// subscriber (the websocket push gateway, primarily) and never persisted.
func (d *Dispatcher) HandleStreamItem(ctx context.Context, connectionID string, f wire.StreamItem) error {
	id, err := uuid.Parse(f.JobID)
	if err != nil {
		return orbiterr.New(orbiterr.InvalidArgument, "dispatcher: malformed job id on stream item")
	}
	d.bus.Publish(jobTopic(id), eventbus.JobProgress, f)
	return nil
}

// finish transitions job to a terminal status, records agent bookkeeping,
// persists, and publishes the corresponding event. It is the single path
// every terminal transition goes through.
func (d *Dispatcher) finish(ctx context.Context, job *model.Job, status model.JobStatus, jobErr *model.JobError) error {
	now := time.Now()
	job.Status = status
	job.CompletedAt = &now
	if jobErr != nil {
		job.Error = jobErr
	}

	d.mu.Lock()
	if job.AssignedAgentID != nil {
		if d.active[*job.AssignedAgentID] > 0 {
			d.active[*job.AssignedAgentID]--
		}
		d.lastCompleted[*job.AssignedAgentID] = now
	}
	delete(d.blacklist, job.ID)
	d.mu.Unlock()

	if err := retryStoreWrite(ctx, d.log, func() error { return d.store.UpdateJob(ctx, job) }); err != nil {
		return fmt.Errorf("persist terminal transition: %w", err)
	}

	evt := map[model.JobStatus]eventbus.EventType{
		model.JobCompleted: eventbus.JobCompleted,
		model.JobFailed:    eventbus.JobFailed,
		model.JobTimedOut:  eventbus.JobTimedOut,
		model.JobCancelled: eventbus.JobCancelled,
	}[status]
	d.bus.Publish(jobTopic(job.ID), evt, job)
	return nil
}

// retryStoreWrite retries a failed terminal-transition write with backoff:
// up to five attempts, the delay starting at 250ms and doubling. It returns
// the last error when every attempt fails, or ctx's error when ctx ends
// first. It does not undo in-memory changes the caller made before the
// write (finish has already released the agent's assignment slot).
func retryStoreWrite(ctx context.Context, log *zap.Logger, write func() error) error {
	var lastErr error
	for attempt, delay := 0, 250*time.Millisecond; attempt < 5; attempt++ {
		if err := write(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("store write failed, retrying", zap.Error(err), zap.Int("attempt", attempt+1))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

// ownsJob reports whether connectionID belongs to the agent job is
// currently assigned to. A frame from any other connection is stale — most
// often a straggler from an agent that was already reassigned away from
// after a reject or timeout — and is dropped rather than applied.
func (d *Dispatcher) ownsJob(connectionID string, job *model.Job) bool {
	if job.AssignedAgentID == nil {
		return false
	}
	agentID, ok := d.registry.AgentForConnection(connectionID)
	return ok && agentID == *job.AssignedAgentID
}

func (d *Dispatcher) jobForFrame(ctx context.Context, jobIDStr string) (*model.Job, error) {
	id, err := uuid.Parse(jobIDStr)
	if err != nil {
		return nil, orbiterr.New(orbiterr.InvalidArgument, "dispatcher: malformed job id on frame")
	}
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: job %s: %w", jobIDStr, err)
	}
	return job, nil
}

// scheduleOnce runs fn once after delay, tagged so a re-schedule under the
// same tag (e.g. a retried attempt reusing the same job) replaces rather
// than piling up timers.
func (d *Dispatcher) scheduleOnce(tag string, delay time.Duration, fn func()) {
	d.cron.RemoveByTags(tag)
	if delay < 0 {
		delay = 0
	}
	_, err := d.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(delay))),
		gocron.NewTask(fn),
		gocron.WithTags(tag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		d.log.Warn("failed to schedule timer", zap.String("tag", tag), zap.Error(err))
	}
}

func jobTopic(id uuid.UUID) string {
	return "job:" + id.String()
}
