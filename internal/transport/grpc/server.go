// Package grpc implements the gRPC transport that agents connect to: one
// bidirectional Session stream per agent, carrying wire.Frame values in
// both directions for the lifetime of the connection.
//
// It generalizes the teacher's internal/grpc server, which exposed four
// separate RPCs (Register/Heartbeat/StreamJobs/StreamLogs) backed by a
// proto-generated stub. Here every frame kind rides the single Session
// stream instead (spec.md §6), so the server's job collapses to: read the
// Hello, hand the stream to the registry, then loop Recv dispatching each
// inbound frame kind to its owner — Heartbeat to the registry, and every
// job-lifecycle frame (AckReject/Start/Progress/Result/Error/StreamItem) to
// the JobEventSink, which the dispatcher implements.
package grpc

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/orbitmesh/orbitmesh/internal/model"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/wire"
)

// JobEventSink receives every job-lifecycle frame an agent sends on its
// session stream. internal/dispatcher implements this; the transport layer
// only needs the interface shape so it has no import-cycle on dispatcher.
type JobEventSink interface {
	HandleAckReject(ctx context.Context, connectionID string, f wire.AckReject) error
	HandleStart(ctx context.Context, connectionID string, f wire.Start) error
	HandleProgress(ctx context.Context, connectionID string, f wire.ProgressFrame) error
	HandleResult(ctx context.Context, connectionID string, f wire.Result) error
	HandleError(ctx context.Context, connectionID string, f wire.ErrorFrame) error
	HandleStreamItem(ctx context.Context, connectionID string, f wire.StreamItem) error
}

// Authenticator resolves the shared secret (or future mTLS identity) carried
// in gRPC metadata to nothing more than a go/no-go decision — identity
// itself travels in the Hello frame's payload, matching spec.md §1 treating
// authentication as an opaque concern the core doesn't own the mechanism of.
type Authenticator interface {
	Authenticate(ctx context.Context, md metadata.MD) error
}

// sharedSecretAuthenticator is the development-mode Authenticator, grounded
// on the teacher's validateToken: an "agent-secret" metadata key compared
// against a configured value. Leave Secret empty to disable auth, same as
// the teacher — a warning belongs in the caller's startup log, not here.
type sharedSecretAuthenticator struct {
	secret string
}

// NewSharedSecretAuthenticator returns the shared-secret Authenticator, the
// only Authenticator implementation this package provides.
func NewSharedSecretAuthenticator(secret string) Authenticator {
	return &sharedSecretAuthenticator{secret: secret}
}

func (a *sharedSecretAuthenticator) Authenticate(ctx context.Context, md metadata.MD) error {
	if a.secret == "" {
		return nil
	}
	values := md.Get("agent-secret")
	if len(values) == 0 || values[0] != a.secret {
		return status.Error(codes.Unauthenticated, "invalid agent secret")
	}
	return nil
}

// Server is the gRPC server agents dial to open a session.
type Server struct {
	registry *registry.Manager
	sink     JobEventSink
	auth     Authenticator
	log      *zap.Logger
}

// New constructs a Server. sink may be nil during early bring-up (before the
// dispatcher exists); frames destined for it are dropped with a warning.
func New(reg *registry.Manager, sink JobEventSink, auth Authenticator, log *zap.Logger) *Server {
	return &Server{registry: reg, sink: sink, auth: auth, log: log.Named("transport.grpc")}
}

// ListenAndServe starts the gRPC server and blocks until ctx is cancelled or
// a fatal error occurs, draining in-flight RPCs via GracefulStop on
// shutdown — the same pattern the teacher's ListenAndServe uses.
func (s *Server) ListenAndServe(ctx context.Context, listenAddr string) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("grpc: failed to listen on %s: %w", listenAddr, err)
	}

	grpcServer := grpc.NewServer(grpc.StreamInterceptor(s.authStreamInterceptor))
	wire.RegisterSessionServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		s.log.Info("grpc server shutting down gracefully")
		grpcServer.GracefulStop()
	}()

	s.log.Info("grpc server listening", zap.String("addr", listenAddr))
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("grpc: server error: %w", err)
	}
	return nil
}

func (s *Server) authStreamInterceptor(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	md, _ := metadata.FromIncomingContext(ss.Context())
	if err := s.auth.Authenticate(ss.Context(), md); err != nil {
		return err
	}
	return handler(srv, ss)
}

// Session implements wire.SessionServer: one call per agent connection,
// blocking for the stream's entire lifetime.
func (s *Server) Session(stream wire.SessionStream) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return status.Errorf(codes.Internal, "session: recv hello: %v", err)
	}
	if first.Kind != wire.KindHello {
		return status.Errorf(codes.InvalidArgument, "session: expected Hello, got %s", first.Kind)
	}
	hello, err := wire.UnmarshalHello(first.Payload)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "session: malformed Hello: %v", err)
	}

	identity, err := identityFromHello(hello)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "session: %v", err)
	}

	connectionID, agentID, err := s.registry.OpenSession(ctx, identity, stream)
	if err != nil {
		return status.Errorf(codes.Internal, "session: open: %v", err)
	}

	welcome := wire.Welcome{
		ConnectionID:      connectionID,
		ServerID:          "orbitmeshd",
		HeartbeatInterval: registry.DefaultHeartbeatPeriod,
		AgentID:           agentID.String(),
	}
	if err := stream.Send(&wire.Frame{Kind: wire.KindWelcome, Version: wire.ProtocolVersion, Payload: welcome.Marshal()}); err != nil {
		return status.Errorf(codes.Internal, "session: send welcome: %v", err)
	}

	log := s.log.With(zap.String("agent_id", agentID.String()), zap.String("connection_id", connectionID))
	log.Info("session opened")

	for {
		frame, err := stream.Recv()
		if err != nil {
			break
		}
		if rerr := s.dispatchFrame(ctx, connectionID, frame); rerr != nil {
			log.Warn("session: frame dispatch failed", zap.String("kind", frame.Kind.String()), zap.Error(rerr))
			s.registry.ReportProtocolError(agentID, rerr)
		}
	}

	s.registry.CloseSession(context.Background(), connectionID)
	log.Info("session closed")
	return nil
}

func (s *Server) dispatchFrame(ctx context.Context, connectionID string, frame *wire.Frame) error {
	switch frame.Kind {
	case wire.KindHeartbeat:
		hb, err := wire.UnmarshalHeartbeat(frame.Payload)
		if err != nil {
			return err
		}
		return s.registry.Heartbeat(ctx, connectionID, hb)

	case wire.KindAckReject:
		f, err := wire.UnmarshalAckReject(frame.Payload)
		if err != nil {
			return err
		}
		return s.withSink(func(sink JobEventSink) error { return sink.HandleAckReject(ctx, connectionID, f) })

	case wire.KindStart:
		f, err := wire.UnmarshalStart(frame.Payload)
		if err != nil {
			return err
		}
		return s.withSink(func(sink JobEventSink) error { return sink.HandleStart(ctx, connectionID, f) })

	case wire.KindProgress:
		f, err := wire.UnmarshalProgress(frame.Payload)
		if err != nil {
			return err
		}
		return s.withSink(func(sink JobEventSink) error { return sink.HandleProgress(ctx, connectionID, f) })

	case wire.KindResult:
		f, err := wire.UnmarshalResult(frame.Payload)
		if err != nil {
			return err
		}
		return s.withSink(func(sink JobEventSink) error { return sink.HandleResult(ctx, connectionID, f) })

	case wire.KindError:
		f, err := wire.UnmarshalError(frame.Payload)
		if err != nil {
			return err
		}
		return s.withSink(func(sink JobEventSink) error { return sink.HandleError(ctx, connectionID, f) })

	case wire.KindStreamItem:
		f, err := wire.UnmarshalStreamItem(frame.Payload)
		if err != nil {
			return err
		}
		return s.withSink(func(sink JobEventSink) error { return sink.HandleStreamItem(ctx, connectionID, f) })

	default:
		return fmt.Errorf("session: unexpected frame kind from agent: %s", frame.Kind)
	}
}

func (s *Server) withSink(fn func(JobEventSink) error) error {
	if s.sink == nil {
		s.log.Warn("session: dropping job-event frame, no sink wired yet")
		return nil
	}
	return fn(s.sink)
}

// identityFromHello builds the AgentIdentity the registry enrolls or looks
// up by. A blank AgentID is treated as "first connection, let the registry
// enroll a new agent" rather than an error — an agent has no persistent
// identity to send until its first enrollment returns one in the Welcome
// frame's AgentID. A non-blank AgentID that does not parse as a UUID is
// rejected with an error, as is a blank NominalName.
func identityFromHello(h wire.Hello) (registry.AgentIdentity, error) {
	if h.NominalName == "" {
		return registry.AgentIdentity{}, fmt.Errorf("hello: nominal_name is required")
	}
	var agentID uuid.UUID
	if h.AgentID != "" {
		parsed, err := uuid.Parse(h.AgentID)
		if err != nil {
			return registry.AgentIdentity{}, fmt.Errorf("hello: invalid agent_id: %w", err)
		}
		agentID = parsed
	}
	caps := make([]model.Capability, 0, len(h.Capabilities))
	for _, c := range h.Capabilities {
		caps = append(caps, model.Capability{Name: c})
	}
	return registry.AgentIdentity{
		AgentID:      agentID,
		Name:         h.NominalName,
		Group:        h.Group,
		Capabilities: caps,
		ResumeToken:  h.ResumeToken,
	}, nil
}
