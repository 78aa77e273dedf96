package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/sshdeck/sshdeck/internal/auth"
	"github.com/sshdeck/sshdeck/internal/core"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Version is reported by the Status RPC. Set at build time with
// -ldflags "-X github.com/sshdeck/sshdeck/internal/api.Version=...".
var Version = "dev"

// Server wraps a gRPC server and the session service.
type Server struct {
	core *core.Service
	addr string
	gs   *grpc.Server
}

// NewServer builds the API server. A nil or empty token leaves the API
// open.
func NewServer(svc *core.Service, addr string, token *auth.Token) *Server {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(recoverUnary, authUnary(token)),
		grpc.ChainStreamInterceptor(recoverStream, authStream(token)),
	)
	s := &Server{
		core: svc,
		addr: addr,
		gs:   gs,
	}
	RegisterSSHDeckServer(gs, &handler{core: svc, started: time.Now()})
	return s
}

// Run starts the gRPC server (blocking).
func (s *Server) Run() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.gs.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.gs.GracefulStop()
}

// recoverUnary turns a handler panic into a failure envelope.
func recoverUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in handler", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
			resp = &Reply{Message: fmt.Sprintf("internal error: %v", r), Code: "Internal"}
			err = nil
		}
	}()
	return next(ctx, req)
}

func tokenFromContext(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(auth.Header); len(v) > 0 {
		return v[0]
	}
	return ""
}

// authUnary answers calls without the configured token with an
// Unauthorized envelope.
func authUnary(token *auth.Token) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
		if err := token.Check(tokenFromContext(ctx)); err != nil {
			slog.Warn("rejected API call", "method", info.FullMethod)
			return &Reply{Message: err.Error(), Code: "Unauthorized"}, nil
		}
		return next(ctx, req)
	}
}

func authStream(token *auth.Token) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		if err := token.Check(tokenFromContext(ss.Context())); err != nil {
			slog.Warn("rejected API stream", "method", info.FullMethod)
			return status.Error(codes.Unauthenticated, err.Error())
		}
		return next(srv, ss)
	}
}

func recoverStream(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in stream", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
			err = status.Errorf(codes.Internal, "internal error: %v", r)
		}
	}()
	return next(srv, ss)
}
