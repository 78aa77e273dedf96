package api

// The SSHDeck service is declared by hand instead of generated from a
// .proto file. Messages are plain structs carried by the JSON codec in
// codec.go.

import (
	"context"
	"time"

	"github.com/sshdeck/sshdeck/internal/core"
	"github.com/sshdeck/sshdeck/internal/tunnel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const serviceName = "api.v1.SSHDeck"

// ── Envelope ────────────────────────────────────────────────────────────────

// Reply is embedded in every response. Operation failures are reported
// here rather than as gRPC status errors.
type Reply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Err returns nil for a successful reply and an *Error otherwise.
func (r Reply) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Code: r.Code, Message: r.Message}
}

// Error is a failed envelope seen from the client side.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func okReply(msg string) Reply { return Reply{Success: true, Message: msg} }

func failReply(err error) Reply {
	return Reply{Message: err.Error(), Code: core.Code(err)}
}

// ── Request / Response types ────────────────────────────────────────────────

type Empty struct{}

type StatusResponse struct {
	Reply
	Version     string        `json:"version"`
	Uptime      time.Duration `json:"uptime"`
	Sessions    int           `json:"sessions"`
	Tunnels     int           `json:"tunnels"`
	Subscribers int           `json:"subscribers"`
}

type ConnectRequest = core.ConnectRequest

type ConnectResponse struct {
	Reply
	ConnectionID string          `json:"connectionId,omitempty"`
	Tunnels      []tunnel.Result `json:"tunnels,omitempty"`
}

// SessionRequest addresses one session.
type SessionRequest struct {
	ConnectionID string `json:"connectionId"`
}

type SessionsResponse struct {
	Reply
	Sessions []core.SessionInfo `json:"sessions"`
}

type ExecuteRequest struct {
	ConnectionID string `json:"connectionId"`
	Command      string `json:"command"`
	// Stream forces streaming on or off. Nil lets the command decide.
	Stream *bool `json:"stream,omitempty"`
}

type ExecuteResponse struct {
	Reply
	*core.ExecResult
}

type TerminalRequest struct {
	ConnectionID string `json:"connectionId"`
	Cols         int    `json:"cols"`
	Rows         int    `json:"rows"`
}

type WriteTerminalRequest struct {
	ConnectionID string `json:"connectionId"`
	Data         []byte `json:"data"`
}

type TunnelsResponse struct {
	Reply
	Tunnels []tunnel.Info `json:"tunnels"`
}

type StartTunnelRequest struct {
	ConnectionID string      `json:"connectionId"`
	Tunnel       tunnel.Spec `json:"tunnel"`
}

type TunnelResponse struct {
	Reply
	Tunnel *tunnel.Info `json:"tunnel,omitempty"`
}

// StopTunnelRequest names the tunnel by name or listen address.
type StopTunnelRequest struct {
	ConnectionID string `json:"connectionId"`
	Tunnel       string `json:"tunnel"`
}

type CheckTunnelRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type CheckTunnelResponse struct {
	Reply
	Status *tunnel.Status `json:"status,omitempty"`
}

// EventsRequest subscribes to events. An empty ConnectionID receives
// events of every session.
type EventsRequest struct {
	ConnectionID string `json:"connectionId,omitempty"`
}

// ── Service interface ───────────────────────────────────────────────────────

type SSHDeckServer interface {
	Status(ctx context.Context, req *Empty) (*StatusResponse, error)
	Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error)
	Disconnect(ctx context.Context, req *SessionRequest) (*Reply, error)
	ListSessions(ctx context.Context, req *Empty) (*SessionsResponse, error)
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
	Interrupt(ctx context.Context, req *SessionRequest) (*Reply, error)
	CreateTerminal(ctx context.Context, req *TerminalRequest) (*Reply, error)
	WriteTerminal(ctx context.Context, req *WriteTerminalRequest) (*Reply, error)
	ResizeTerminal(ctx context.Context, req *TerminalRequest) (*Reply, error)
	CloseTerminal(ctx context.Context, req *SessionRequest) (*Reply, error)
	ListTunnels(ctx context.Context, req *SessionRequest) (*TunnelsResponse, error)
	StartTunnel(ctx context.Context, req *StartTunnelRequest) (*TunnelResponse, error)
	StopTunnel(ctx context.Context, req *StopTunnelRequest) (*Reply, error)
	CheckTunnel(ctx context.Context, req *CheckTunnelRequest) (*CheckTunnelResponse, error)
	Events(req *EventsRequest, stream EventStreamServer) error
}

// EventStreamServer is the server side of the Events stream.
type EventStreamServer interface {
	Send(*core.Event) error
	SendHeader(metadata.MD) error
	Context() context.Context
}

type eventStreamServer struct {
	grpc.ServerStream
}

func (s *eventStreamServer) Send(ev *core.Event) error { return s.ServerStream.SendMsg(ev) }

// ── Registration ────────────────────────────────────────────────────────────

var eventsStreamDesc = grpc.StreamDesc{
	StreamName:    "Events",
	ServerStreams: true,
	Handler: func(srv interface{}, stream grpc.ServerStream) error {
		req := new(EventsRequest)
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		return srv.(SSHDeckServer).Events(req, &eventStreamServer{stream})
	},
}

func RegisterSSHDeckServer(s *grpc.Server, srv SSHDeckServer) {
	methods := []grpc.MethodDesc{
		unaryMethod("Status", decode(func(s SSHDeckServer, ctx context.Context, req *Empty) (interface{}, error) {
			return s.Status(ctx, req)
		})),
		unaryMethod("Connect", decode(func(s SSHDeckServer, ctx context.Context, req *ConnectRequest) (interface{}, error) {
			return s.Connect(ctx, req)
		})),
		unaryMethod("Disconnect", decode(func(s SSHDeckServer, ctx context.Context, req *SessionRequest) (interface{}, error) {
			return s.Disconnect(ctx, req)
		})),
		unaryMethod("ListSessions", decode(func(s SSHDeckServer, ctx context.Context, req *Empty) (interface{}, error) {
			return s.ListSessions(ctx, req)
		})),
		unaryMethod("Execute", decode(func(s SSHDeckServer, ctx context.Context, req *ExecuteRequest) (interface{}, error) {
			return s.Execute(ctx, req)
		})),
		unaryMethod("Interrupt", decode(func(s SSHDeckServer, ctx context.Context, req *SessionRequest) (interface{}, error) {
			return s.Interrupt(ctx, req)
		})),
		unaryMethod("CreateTerminal", decode(func(s SSHDeckServer, ctx context.Context, req *TerminalRequest) (interface{}, error) {
			return s.CreateTerminal(ctx, req)
		})),
		unaryMethod("WriteTerminal", decode(func(s SSHDeckServer, ctx context.Context, req *WriteTerminalRequest) (interface{}, error) {
			return s.WriteTerminal(ctx, req)
		})),
		unaryMethod("ResizeTerminal", decode(func(s SSHDeckServer, ctx context.Context, req *TerminalRequest) (interface{}, error) {
			return s.ResizeTerminal(ctx, req)
		})),
		unaryMethod("CloseTerminal", decode(func(s SSHDeckServer, ctx context.Context, req *SessionRequest) (interface{}, error) {
			return s.CloseTerminal(ctx, req)
		})),
		unaryMethod("ListTunnels", decode(func(s SSHDeckServer, ctx context.Context, req *SessionRequest) (interface{}, error) {
			return s.ListTunnels(ctx, req)
		})),
		unaryMethod("StartTunnel", decode(func(s SSHDeckServer, ctx context.Context, req *StartTunnelRequest) (interface{}, error) {
			return s.StartTunnel(ctx, req)
		})),
		unaryMethod("StopTunnel", decode(func(s SSHDeckServer, ctx context.Context, req *StopTunnelRequest) (interface{}, error) {
			return s.StopTunnel(ctx, req)
		})),
		unaryMethod("CheckTunnel", decode(func(s SSHDeckServer, ctx context.Context, req *CheckTunnelRequest) (interface{}, error) {
			return s.CheckTunnel(ctx, req)
		})),
	}

	sd := grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*SSHDeckServer)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{eventsStreamDesc},
	}
	s.RegisterService(&sd, srv)
}

type unaryFunc func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error)

// decode adapts a typed call into a unaryFunc that first decodes Req.
func decode[Req any](call func(SSHDeckServer, context.Context, *Req) (interface{}, error)) unaryFunc {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		return call(srv.(SSHDeckServer), ctx, req)
	}
}

// unaryMethod builds a grpc.MethodDesc with interceptor support.
func unaryMethod(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			if interceptor == nil {
				return fn(srv, ctx, dec)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, nil, info, func(ctx context.Context, _ interface{}) (interface{}, error) {
				return fn(srv, ctx, dec)
			})
		},
	}
}

// ── Unimplemented base ──────────────────────────────────────────────────────

type UnimplementedSSHDeckServer struct{}

func (UnimplementedSSHDeckServer) Status(context.Context, *Empty) (*StatusResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) Connect(context.Context, *ConnectRequest) (*ConnectResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) Disconnect(context.Context, *SessionRequest) (*Reply, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) ListSessions(context.Context, *Empty) (*SessionsResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) Interrupt(context.Context, *SessionRequest) (*Reply, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) CreateTerminal(context.Context, *TerminalRequest) (*Reply, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) WriteTerminal(context.Context, *WriteTerminalRequest) (*Reply, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) ResizeTerminal(context.Context, *TerminalRequest) (*Reply, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) CloseTerminal(context.Context, *SessionRequest) (*Reply, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) ListTunnels(context.Context, *SessionRequest) (*TunnelsResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) StartTunnel(context.Context, *StartTunnelRequest) (*TunnelResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) StopTunnel(context.Context, *StopTunnelRequest) (*Reply, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) CheckTunnel(context.Context, *CheckTunnelRequest) (*CheckTunnelResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedSSHDeckServer) Events(*EventsRequest, EventStreamServer) error {
	return status.Errorf(codes.Unimplemented, "not implemented")
}
