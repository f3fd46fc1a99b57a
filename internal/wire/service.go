package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service name exposed for the single Session RPC.
// There is no .proto-generated stub here (see DESIGN.md) — the ServiceDesc
// below is the hand-written equivalent of what protoc-gen-go-grpc would emit
// for a single bidirectional-streaming method.
const ServiceName = "orbitmesh.Session"

// SessionServer is implemented by the coordinator's session handler.
type SessionServer interface {
	Session(stream SessionStream) error
}

// SessionStream is the server-side view of one open session: a bidirectional
// stream of Frame values, matching every (kind) row of spec.md §6's table in
// both directions over the lifetime of one connection.
type SessionStream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	Context() context.Context
}

type serverSessionStream struct {
	grpc.ServerStream
}

func (x *serverSessionStream) Send(f *Frame) error { return x.ServerStream.SendMsg(f) }

func (x *serverSessionStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := x.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (x *serverSessionStream) Context() context.Context { return x.ServerStream.Context() }

func sessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SessionServer).Session(&serverSessionStream{stream})
}

// ServiceDesc is registered with a *grpc.Server via RegisterSessionServer.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "orbitmesh/session",
}

// RegisterSessionServer registers srv as the handler for the Session RPC.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// SessionClient opens Session streams against a coordinator.
type SessionClient interface {
	Session(ctx context.Context, opts ...grpc.CallOption) (ClientSessionStream, error)
}

type sessionClient struct {
	cc grpc.ClientConnInterface
}

// NewSessionClient returns a SessionClient bound to the given connection.
func NewSessionClient(cc grpc.ClientConnInterface) SessionClient {
	return &sessionClient{cc: cc}
}

func (c *sessionClient) Session(ctx context.Context, opts ...grpc.CallOption) (ClientSessionStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Session", opts...)
	if err != nil {
		return nil, err
	}
	return &clientSessionStream{stream}, nil
}

// ClientSessionStream is the agent-side view of one open session.
type ClientSessionStream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

type clientSessionStream struct {
	grpc.ClientStream
}

func (x *clientSessionStream) Send(f *Frame) error { return x.ClientStream.SendMsg(f) }

func (x *clientSessionStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := x.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}
