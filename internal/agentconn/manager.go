// Package agentconn maintains the agent's persistent session with the
// coordinator: it dials the Session RPC, sends Hello, waits for Welcome,
// then runs a heartbeat loop and a receive loop for the lifetime of the
// connection. It generalizes the teacher's connection package, which kept
// four separate RPCs (Register/Heartbeat/StreamJobs/StreamLogs) going at
// once — here every frame kind rides the one Session stream, so there is a
// single send/receive loop pair instead of four.
//
// Manager implements agentexec.Reporter so the executor can call
// ReportStart/ReportProgress/ReportLog/ReportResult/ReportError without
// knowing the wire protocol; each call is translated into the matching
// frame and sent on the current stream.
package agentconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/orbitmesh/orbitmesh/internal/agentexec"
	"github.com/orbitmesh/orbitmesh/internal/wire"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to +/-20% random jitter to each backoff interval
	// to prevent thundering herd when many agents reconnect simultaneously.
	jitterFraction = 0.2

	// heartbeatInterval is how often the agent sends liveness signals. The
	// registry declares an agent dead if none arrives within its configured
	// heartbeat timeout (several multiples of this).
	heartbeatInterval = 10 * time.Second
)

// agentState is persisted to disk after the first successful enrollment so
// the agent presents the same identity on every subsequent reconnect
// instead of minting a new Agent row each time.
type agentState struct {
	AgentID     string `json:"agent_id"`
	ResumeToken string `json:"resume_token"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

func loadState(stateDir string) (agentState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return agentState{}, nil
		}
		return agentState{}, fmt.Errorf("agentconn: failed to read state file: %w", err)
	}
	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return agentState{}, fmt.Errorf("agentconn: corrupted state file: %w", err)
	}
	return s, nil
}

// saveState writes the agent state to disk atomically via temp file + rename.
func saveState(stateDir string, s agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("agentconn: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("agentconn: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("agentconn: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("agentconn: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("agentconn: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("agentconn: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

// Config holds the parameters needed to open a session with the coordinator.
type Config struct {
	ServerAddr   string
	SharedSecret string
	StateDir     string
	NominalName  string
	Group        string
}

// Manager maintains the persistent session to the coordinator, implementing
// agentexec.Reporter so the executor can report job lifecycle events back
// over whichever stream is currently live.
type Manager struct {
	cfg    Config
	exec   *agentexec.Executor
	logger *zap.Logger

	// mu protects stream and the identity fields below, all replaced on
	// every reconnect.
	mu          sync.RWMutex
	stream      wire.ClientSessionStream
	agentID     string
	resumeToken string
	activeJobs  int32
}

// New creates a Manager. Call Run to start the connection loop; pass it as
// the Reporter to exec.Run so job lifecycle events flow back over the
// session this Manager maintains.
func New(cfg Config, exec *agentexec.Executor, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, exec: exec, logger: logger.Named("agentconn")}
}

// Run connects to the coordinator and keeps reconnecting with exponential
// backoff until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to coordinator", zap.String("addr", m.cfg.ServerAddr))

		if err := m.connect(ctx); err != nil {
			m.logger.Warn("session failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

// connect opens one session: dial, Hello/Welcome handshake, then run the
// heartbeat and receive loops concurrently until either fails.
func (m *Manager) connect(ctx context.Context) error {
	conn, err := grpc.NewClient(
		m.cfg.ServerAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)),
	)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	ctx = metadata.NewOutgoingContext(ctx, metadata.Pairs("agent-secret", m.cfg.SharedSecret))

	client := wire.NewSessionClient(conn)
	stream, err := client.Session(ctx)
	if err != nil {
		return fmt.Errorf("session open failed: %w", err)
	}

	state, err := loadState(m.cfg.StateDir)
	if err != nil {
		m.logger.Warn("failed to load agent state, will re-enroll", zap.Error(err))
	}

	hello := wire.Hello{
		AgentID:      state.AgentID,
		NominalName:  m.cfg.NominalName,
		Capabilities: m.exec.Commands(),
		Group:        m.cfg.Group,
		ResumeToken:  state.ResumeToken,
	}
	if err := stream.Send(&wire.Frame{Kind: wire.KindHello, Version: wire.ProtocolVersion, Payload: hello.Marshal()}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	frame, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("recv welcome: %w", err)
	}
	if frame.Kind != wire.KindWelcome {
		return fmt.Errorf("expected welcome, got %s", frame.Kind)
	}
	welcome, err := wire.UnmarshalWelcome(frame.Payload)
	if err != nil {
		return fmt.Errorf("decode welcome: %w", err)
	}

	if welcome.AgentID != state.AgentID || welcome.ResumeToken != state.ResumeToken {
		if err := saveState(m.cfg.StateDir, agentState{AgentID: welcome.AgentID, ResumeToken: welcome.ResumeToken}); err != nil {
			m.logger.Warn("failed to persist agent state", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.stream = stream
	m.agentID = welcome.AgentID
	m.resumeToken = welcome.ResumeToken
	m.mu.Unlock()

	m.logger.Info("session open",
		zap.String("agent_id", welcome.AgentID),
		zap.String("connection_id", welcome.ConnectionID),
	)

	errCh := make(chan error, 2)
	go func() { errCh <- m.heartbeatLoop(ctx, stream) }()
	go func() { errCh <- m.recvLoop(ctx, stream) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// heartbeatLoop sends a Heartbeat frame on every tick until ctx is
// cancelled or the send fails.
func (m *Manager) heartbeatLoop(ctx context.Context, stream wire.ClientSessionStream) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cpuPct, memPct := collectSystemMetrics()
			hb := wire.Heartbeat{
				Timestamp:  time.Now(),
				CPUPercent: cpuPct,
				MemPercent: memPct,
				ActiveJobs: m.loadActiveJobs(),
			}
			if err := stream.Send(&wire.Frame{Kind: wire.KindHeartbeat, Version: wire.ProtocolVersion, Payload: hb.Marshal()}); err != nil {
				return fmt.Errorf("heartbeat send: %w", err)
			}
		}
	}
}

// recvLoop reads frames sent by the coordinator. A Deliver is enqueued on the
// executor and answered with an AckReject; a Cancel is only logged — it does
// not stop a queued or running job.
func (m *Manager) recvLoop(ctx context.Context, stream wire.ClientSessionStream) error {
	for {
		frame, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}

		switch frame.Kind {
		case wire.KindDeliver:
			d, err := wire.UnmarshalDeliver(frame.Payload)
			if err != nil {
				m.logger.Error("malformed deliver frame", zap.Error(err))
				continue
			}
			job := agentexec.Job{
				JobID:          d.JobID,
				IdempotencyKey: d.IdempotencyKey,
				Command:        d.Command,
				Payload:        d.Payload,
				Attempt:        int(d.Attempt),
			}
			accept := m.exec.Enqueue(job) == nil
			reason := ""
			if !accept {
				reason = "queue full"
				m.logger.Warn("rejecting delivery", zap.String("job_id", d.JobID))
			}
			ack := wire.AckReject{JobID: d.JobID, Accepted: accept, Reason: reason}
			if err := stream.Send(&wire.Frame{Kind: wire.KindAckReject, Version: wire.ProtocolVersion, Payload: ack.Marshal()}); err != nil {
				return fmt.Errorf("ack send: %w", err)
			}

		case wire.KindCancel:
			c, err := wire.UnmarshalCancel(frame.Payload)
			if err != nil {
				m.logger.Error("malformed cancel frame", zap.Error(err))
				continue
			}
			m.logger.Info("cancel requested", zap.String("job_id", c.JobID), zap.String("reason", c.Reason))

		default:
			m.logger.Warn("unexpected frame from coordinator", zap.String("kind", frame.Kind.String()))
		}
	}
}

func (m *Manager) loadActiveJobs() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeJobs
}

func (m *Manager) send(kind wire.Kind, payload []byte) {
	m.mu.RLock()
	stream := m.stream
	m.mu.RUnlock()
	if stream == nil {
		m.logger.Warn("no active stream, dropping frame", zap.String("kind", kind.String()))
		return
	}
	if err := stream.Send(&wire.Frame{Kind: kind, Version: wire.ProtocolVersion, Payload: payload}); err != nil {
		m.logger.Warn("frame send failed", zap.String("kind", kind.String()), zap.Error(err))
	}
}

// ReportStart implements agentexec.Reporter.
func (m *Manager) ReportStart(jobID string) {
	m.mu.Lock()
	m.activeJobs++
	m.mu.Unlock()
	m.send(wire.KindStart, wire.Start{JobID: jobID, StartedAt: time.Now()}.Marshal())
}

// ReportProgress implements agentexec.Reporter.
func (m *Manager) ReportProgress(jobID string, pct int32, message, step string) {
	m.send(wire.KindProgress, wire.ProgressFrame{JobID: jobID, Pct: pct, Message: message, Step: step}.Marshal())
}

// ReportLog implements agentexec.Reporter, carrying each log line as a
// StreamItem frame tagged with a text/plain content type.
func (m *Manager) ReportLog(jobID string, seq uint64, line string) {
	m.send(wire.KindStreamItem, wire.StreamItem{JobID: jobID, Seq: seq, Bytes: []byte(line), ContentType: "text/plain"}.Marshal())
}

// ReportResult implements agentexec.Reporter.
func (m *Manager) ReportResult(jobID string, result []byte) {
	m.mu.Lock()
	m.activeJobs--
	m.mu.Unlock()
	m.send(wire.KindResult, wire.Result{JobID: jobID, ResultBytes: result}.Marshal())
}

// ReportError implements agentexec.Reporter.
func (m *Manager) ReportError(jobID string, code, message string, retryable bool) {
	m.mu.Lock()
	m.activeJobs--
	m.mu.Unlock()
	m.send(wire.KindError, wire.ErrorFrame{JobID: jobID, Code: code, Message: message, Retryable: retryable}.Marshal())
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random +/-jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
