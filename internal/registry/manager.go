// Package registry implements the Agent Registry and Session Layer: the
// authoritative in-memory index of which agents are reachable right now,
// and the one-per-agent duplex session through which jobs are delivered and
// agent responses arrive.
//
// It generalizes the teacher's agentmanager.Manager, which tracked only an
// open gRPC stream per agent ID. Two things changed on the way: the zero
// value here additionally owns the full session lifecycle (supersede on
// reconnect, heartbeat-driven liveness, graceful drain, inflight replay)
// that spec.md §4.1 requires, and WaitForAgent's 500ms poll loop is gone —
// callers that need readiness are expected to react to the AgentReady event
// published on the EventBus instead of polling this registry.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/eventbus"
	"github.com/orbitmesh/orbitmesh/internal/model"
	"github.com/orbitmesh/orbitmesh/internal/orbiterr"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/wire"
)

// Default timing constants from spec.md §4.1/§5. All are overridable via
// Config for tests.
const (
	DefaultDrainTimeout     = 5 * time.Second
	DefaultHeartbeatPeriod  = 10 * time.Second
	DefaultHeartbeatTimeout = 3 * DefaultHeartbeatPeriod
	protocolErrorWindow     = 1 * time.Second
	protocolErrorThreshold  = 20
)

// AgentIdentity is what an Authenticator resolves an inbound credential to.
type AgentIdentity struct {
	AgentID      uuid.UUID
	Name         string
	Group        string
	Capabilities []model.Capability
	ResumeToken  string
}

// Authenticator is the opaque credential-verification collaborator; its
// implementation (certificates, bootstrap tokens, mTLS) is outside this
// core's scope, matching spec.md §1's "treated as an opaque Authenticator".
type Authenticator interface {
	Authenticate(ctx context.Context, credential []byte) (AgentIdentity, error)
}

// sessionState is the registry's private bookkeeping for one live session.
// model.Session is the public, storable projection of it.
type sessionState struct {
	model.Session
	stream wire.SessionStream
	sendMu sync.Mutex

	errMu      sync.Mutex
	errCount   int
	errWindow  time.Time
	drainTimer *time.Timer
}

// Manager is the Registry + SessionLayer singleton. The zero value is not
// usable; construct with New.
type Manager struct {
	mu       sync.RWMutex
	byAgent  map[uuid.UUID]*sessionState
	byConn   map[string]*sessionState
	agents   map[uuid.UUID]*model.Agent // cached snapshot, source of truth is Store
	stopping map[uuid.UUID]struct{}

	store            store.Store
	bus              *eventbus.Bus
	log              *zap.Logger
	drainTimeout     time.Duration
	heartbeatTimeout time.Duration
}

// Config customizes Manager timing; zero values fall back to the spec
// defaults.
type Config struct {
	DrainTimeout     time.Duration
	HeartbeatTimeout time.Duration
}

// New constructs a Manager backed by st for persistence and bus for
// publishing agent lifecycle events.
func New(st store.Store, bus *eventbus.Bus, log *zap.Logger, cfg Config) *Manager {
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	hbTimeout := cfg.HeartbeatTimeout
	if hbTimeout <= 0 {
		hbTimeout = DefaultHeartbeatTimeout
	}
	return &Manager{
		byAgent:          make(map[uuid.UUID]*sessionState),
		byConn:           make(map[string]*sessionState),
		agents:           make(map[uuid.UUID]*model.Agent),
		stopping:         make(map[uuid.UUID]struct{}),
		store:            st,
		bus:              bus,
		log:              log.Named("registry"),
		drainTimeout:     drain,
		heartbeatTimeout: hbTimeout,
	}
}

// OpenSession admits a newly authenticated agent connection. It supersedes
// any existing session for the same agent, transitions the agent through
// Initializing → Ready, publishes the corresponding events, and replays any
// jobs left inflight from a previous session (spec §4.1 invariant 6).
func (m *Manager) OpenSession(ctx context.Context, identity AgentIdentity, stream wire.SessionStream) (connectionID string, agentID uuid.UUID, err error) {
	agent, err := m.loadOrEnrollAgent(ctx, identity)
	if err != nil {
		return "", uuid.UUID{}, err
	}

	connectionID = uuid.NewString()
	now := time.Now()

	sess := &sessionState{
		Session: model.Session{
			ConnectionID: connectionID,
			AgentID:      agent.ID,
			OpenedAt:     now,
			LastSeen:     now,
			ResumeToken:  identity.ResumeToken,
		},
		stream:    stream,
		errWindow: now,
	}

	m.mu.Lock()
	if old, exists := m.byAgent[agent.ID]; exists {
		old.Superseded = true
		m.scheduleDrain(old)
		delete(m.byConn, old.ConnectionID)
	}
	m.byAgent[agent.ID] = sess
	m.byConn[connectionID] = sess
	m.agents[agent.ID] = agent
	m.mu.Unlock()

	agent.Status = model.AgentInitializing
	agent.ActiveConnectionID = connectionID
	agent.Capabilities = identity.Capabilities
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return "", uuid.UUID{}, fmt.Errorf("registry: persist initializing: %w", err)
	}
	m.publishAgent(agent, eventbus.AgentConnected)

	agent.Status = model.AgentReady
	agent.LastHeartbeat = now
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return "", uuid.UUID{}, fmt.Errorf("registry: persist ready: %w", err)
	}
	m.publishAgent(agent, eventbus.AgentReady)

	if err := m.replayInflight(ctx, agent.ID, sess); err != nil {
		m.log.Warn("registry: inflight replay failed", zap.String("agent_id", agent.ID.String()), zap.Error(err))
	}

	return connectionID, agent.ID, nil
}

func (m *Manager) loadOrEnrollAgent(ctx context.Context, identity AgentIdentity) (*model.Agent, error) {
	agent, err := m.store.GetAgentByName(ctx, identity.Name)
	if err == nil {
		return agent, nil
	}
	if !orbiterr.Is(err, orbiterr.NotFound) {
		return nil, fmt.Errorf("registry: lookup agent: %w", err)
	}

	agent = &model.Agent{
		ID:           identity.AgentID,
		Name:         identity.Name,
		Group:        identity.Group,
		Capabilities: identity.Capabilities,
		Status:       model.AgentCreated,
		CreatedAt:    time.Now(),
	}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("registry: enroll agent: %w", err)
	}
	return agent, nil
}

// replayInflight re-delivers jobs left in Assigned/Acknowledged for this
// agent from a prior session. No Job field is mutated — a replay resends
// the same attempt, it does not create a new one.
func (m *Manager) replayInflight(ctx context.Context, agentID uuid.UUID, sess *sessionState) error {
	jobs, err := m.store.ListJobsByAgent(ctx, agentID, []model.JobStatus{model.JobAssigned, model.JobAcknowledged})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		deliver := wire.Deliver{
			JobID:          j.ID.String(),
			IdempotencyKey: j.IdempotencyKey,
			Command:        j.Command,
			Payload:        j.Payload,
			Priority:       int32(j.Priority),
			Attempt:        int32(j.Attempt),
		}
		if j.Timeout != nil {
			deliver.TimeoutMillis = j.Timeout.Milliseconds()
		}
		frame := &wire.Frame{Kind: wire.KindDeliver, Version: wire.ProtocolVersion, Payload: deliver.Marshal()}
		if err := m.sendLocked(sess, frame); err != nil {
			return fmt.Errorf("registry: replay job %s: %w", j.ID, err)
		}
	}
	return nil
}

// scheduleDrain removes old's connection ID from the connection index once
// the drain grace window elapses (OpenSession has already removed it when
// superseding). It does not close old's stream: the superseded stream stays
// open until its peer or the transport ends it.
func (m *Manager) scheduleDrain(old *sessionState) {
	old.drainTimer = time.AfterFunc(m.drainTimeout, func() {
		m.mu.Lock()
		delete(m.byConn, old.ConnectionID)
		m.mu.Unlock()
	})
}

// Heartbeat records liveness for the session identified by connectionID.
func (m *Manager) Heartbeat(ctx context.Context, connectionID string, hb wire.Heartbeat) error {
	m.mu.Lock()
	sess, ok := m.byConn[connectionID]
	if !ok {
		m.mu.Unlock()
		return orbiterr.New(orbiterr.NotFound, "session not found")
	}
	sess.LastSeen = time.Now()
	agentID := sess.AgentID
	agent := m.agents[agentID]
	m.mu.Unlock()

	if agent == nil {
		return orbiterr.New(orbiterr.NotFound, "agent not found")
	}
	return m.store.UpdateAgentStatus(ctx, agentID, agent.Status, sess.LastSeen)
}

// RunWatchdog periodically scans sessions for heartbeat timeout, declaring
// dead any session that hasn't been heard from in heartbeatTimeout. It
// blocks until ctx is cancelled; call it in its own goroutine.
func (m *Manager) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepDeadSessions(ctx)
		}
	}
}

func (m *Manager) sweepDeadSessions(ctx context.Context) {
	deadline := time.Now().Add(-m.heartbeatTimeout)

	m.mu.RLock()
	var dead []*sessionState
	for _, sess := range m.byAgent {
		if !sess.Superseded && sess.LastSeen.Before(deadline) {
			dead = append(dead, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range dead {
		m.declareDead(ctx, sess)
	}
}

func (m *Manager) declareDead(ctx context.Context, sess *sessionState) {
	m.mu.Lock()
	if current, ok := m.byAgent[sess.AgentID]; !ok || current != sess {
		m.mu.Unlock()
		return
	}
	delete(m.byAgent, sess.AgentID)
	delete(m.byConn, sess.ConnectionID)
	agent := m.agents[sess.AgentID]
	m.mu.Unlock()

	if agent == nil {
		return
	}
	agent.Status = model.AgentDisconnected
	agent.ActiveConnectionID = ""
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		m.log.Warn("registry: persist disconnected", zap.String("agent_id", agent.ID.String()), zap.Error(err))
	}
	m.publishAgent(agent, eventbus.AgentDisconnected)
}

// Send delivers frame to the agent's currently open session. The dispatcher
// calls this for every Deliver/Cancel it issues. Returns Unavailable if no
// session is open — the caller (dispatcher) treats that exactly as a
// disconnect: the job returns to Pending.
func (m *Manager) Send(agentID uuid.UUID, frame *wire.Frame) error {
	m.mu.RLock()
	sess, ok := m.byAgent[agentID]
	m.mu.RUnlock()
	if !ok {
		return orbiterr.New(orbiterr.Unavailable, "agent not connected")
	}
	return m.sendLocked(sess, frame)
}

func (m *Manager) sendLocked(sess *sessionState, frame *wire.Frame) error {
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	return sess.stream.Send(frame)
}

// ReportProtocolError records a frame parse failure for the session and
// closes it if the error rate exceeds the defence threshold (spec §4.1
// "Failures": malformed peer defence).
func (m *Manager) ReportProtocolError(agentID uuid.UUID, cause error) {
	m.mu.RLock()
	sess, ok := m.byAgent[agentID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	sess.errMu.Lock()
	now := time.Now()
	if now.Sub(sess.errWindow) > protocolErrorWindow {
		sess.errWindow = now
		sess.errCount = 0
	}
	sess.errCount++
	exceeded := sess.errCount > protocolErrorThreshold
	sess.errMu.Unlock()

	m.log.Warn("registry: protocol error", zap.String("agent_id", agentID.String()), zap.Error(cause))
	m.bus.Publish("agent:"+agentID.String(), eventbus.ProtocolError, cause.Error())

	if exceeded {
		m.declareDead(context.Background(), sess)
	}
}

// CloseSession declares the session identified by connectionID dead
// immediately, without waiting for the watchdog's heartbeat-timeout sweep.
// The transport layer calls this when a stream's Recv loop ends (the agent
// disconnected or the connection dropped), mirroring the teacher's
// StreamJobs calling Deregister as soon as its stream closed.
func (m *Manager) CloseSession(ctx context.Context, connectionID string) {
	m.mu.RLock()
	sess, ok := m.byConn[connectionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.declareDead(ctx, sess)
}

// AgentForConnection resolves a connectionID (as carried on inbound
// job-lifecycle frames) back to the agent it belongs to, letting the
// dispatcher correlate AckReject/Start/Progress/Result/Error frames with
// the job rows it owns without the transport layer needing to know about
// jobs at all.
func (m *Manager) AgentForConnection(connectionID string) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.byConn[connectionID]
	if !ok {
		return uuid.UUID{}, false
	}
	return sess.AgentID, true
}

// Connected reports whether agentID currently has an open, non-superseded
// session.
func (m *Manager) Connected(agentID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.byAgent[agentID]
	return ok && !sess.Superseded
}

// Pause transitions a Ready/Running agent to Paused: the dispatcher stops
// selecting it for new work, but inflight jobs continue.
func (m *Manager) Pause(ctx context.Context, agentID uuid.UUID) error {
	return m.transition(ctx, agentID, model.AgentPaused, eventbus.AgentPaused)
}

// Resume returns a Paused agent to Ready.
func (m *Manager) Resume(ctx context.Context, agentID uuid.UUID) error {
	return m.transition(ctx, agentID, model.AgentReady, eventbus.AgentReady)
}

// Stop begins a graceful shutdown: the agent moves to Stopping immediately,
// and the caller (dispatcher, observing job completions on this agent) is
// expected to call MarkStopped once no inflight job remains.
func (m *Manager) Stop(ctx context.Context, agentID uuid.UUID) error {
	m.mu.Lock()
	m.stopping[agentID] = struct{}{}
	m.mu.Unlock()
	return m.transition(ctx, agentID, model.AgentStopping, eventbus.AgentStopped)
}

// MarkStopped finalizes a Stopping agent once its last inflight job reaches
// a terminal state.
func (m *Manager) MarkStopped(ctx context.Context, agentID uuid.UUID) error {
	m.mu.Lock()
	delete(m.stopping, agentID)
	m.mu.Unlock()
	return m.transition(ctx, agentID, model.AgentStopped, eventbus.AgentStopped)
}

// IsStopping reports whether Stop has been called for agentID and
// MarkStopped has not yet followed.
func (m *Manager) IsStopping(agentID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stopping[agentID]
	return ok
}

func (m *Manager) transition(ctx context.Context, agentID uuid.UUID, status model.AgentStatus, evt eventbus.EventType) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.Status = status
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("registry: transition to %s: %w", status, err)
	}
	m.mu.Lock()
	m.agents[agentID] = agent
	m.mu.Unlock()
	m.publishAgent(agent, evt)
	return nil
}

// Remove deregisters an agent permanently: closes any open session and
// deletes its Store record. Refuses agents with an open session to avoid
// orphaning inflight jobs — callers must Stop first.
func (m *Manager) Remove(ctx context.Context, agentID uuid.UUID) error {
	if m.Connected(agentID) {
		return orbiterr.New(orbiterr.Conflict, "agent has an open session; stop it first")
	}
	return m.store.DeleteAgent(ctx, agentID)
}

func (m *Manager) publishAgent(agent *model.Agent, evt eventbus.EventType) {
	m.bus.Publish("agent:"+agent.ID.String(), evt, agent)
}
