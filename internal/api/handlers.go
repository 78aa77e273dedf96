package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sshdeck/sshdeck/internal/core"
	"google.golang.org/grpc/metadata"
)

// eventBuffer is the per-stream subscription buffer.
const eventBuffer = 256

type handler struct {
	UnimplementedSSHDeckServer
	core    *core.Service
	started time.Time
}

func (h *handler) Status(ctx context.Context, req *Empty) (*StatusResponse, error) {
	sessions := h.core.Sessions()
	resp := &StatusResponse{
		Reply:       okReply(""),
		Version:     Version,
		Uptime:      time.Since(h.started).Truncate(time.Second),
		Sessions:    len(sessions),
		Subscribers: h.core.Bus().Subscribers(),
	}
	for _, s := range sessions {
		resp.Tunnels += s.Tunnels
	}
	return resp, nil
}

func (h *handler) Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error) {
	res, err := h.core.Connect(ctx, *req)
	if err != nil {
		return &ConnectResponse{Reply: failReply(err)}, nil
	}
	return &ConnectResponse{
		Reply:        okReply(fmt.Sprintf("connected to %s@%s", req.User, req.Addr())),
		ConnectionID: res.ConnectionID,
		Tunnels:      res.Tunnels,
	}, nil
}

func (h *handler) Disconnect(ctx context.Context, req *SessionRequest) (*Reply, error) {
	if err := h.core.Disconnect(ctx, req.ConnectionID); err != nil {
		return reply(err), nil
	}
	return ptr(okReply("disconnected")), nil
}

func (h *handler) ListSessions(ctx context.Context, req *Empty) (*SessionsResponse, error) {
	return &SessionsResponse{Reply: okReply(""), Sessions: h.core.Sessions()}, nil
}

func (h *handler) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	mode := core.StreamAuto
	if req.Stream != nil {
		mode = core.StreamOff
		if *req.Stream {
			mode = core.StreamOn
		}
	}
	res, err := h.core.Execute(ctx, req.ConnectionID, req.Command, mode)
	if err != nil {
		return &ExecuteResponse{Reply: failReply(err)}, nil
	}
	return &ExecuteResponse{Reply: okReply(""), ExecResult: res}, nil
}

func (h *handler) Interrupt(ctx context.Context, req *SessionRequest) (*Reply, error) {
	msg, err := h.core.Interrupt(req.ConnectionID)
	if err != nil {
		return reply(err), nil
	}
	return ptr(okReply(msg)), nil
}

func (h *handler) CreateTerminal(ctx context.Context, req *TerminalRequest) (*Reply, error) {
	if err := h.core.CreateTerminal(ctx, req.ConnectionID, req.Cols, req.Rows); err != nil {
		return reply(err), nil
	}
	return ptr(okReply("terminal opened")), nil
}

func (h *handler) WriteTerminal(ctx context.Context, req *WriteTerminalRequest) (*Reply, error) {
	if err := h.core.WriteTerminal(req.ConnectionID, req.Data); err != nil {
		return reply(err), nil
	}
	return ptr(okReply("")), nil
}

func (h *handler) ResizeTerminal(ctx context.Context, req *TerminalRequest) (*Reply, error) {
	if err := h.core.ResizeTerminal(req.ConnectionID, req.Cols, req.Rows); err != nil {
		return reply(err), nil
	}
	return ptr(okReply("")), nil
}

func (h *handler) CloseTerminal(ctx context.Context, req *SessionRequest) (*Reply, error) {
	if err := h.core.CloseTerminal(req.ConnectionID); err != nil {
		return reply(err), nil
	}
	return ptr(okReply("terminal closed")), nil
}

func (h *handler) ListTunnels(ctx context.Context, req *SessionRequest) (*TunnelsResponse, error) {
	tunnels, err := h.core.ListTunnels(req.ConnectionID)
	if err != nil {
		return &TunnelsResponse{Reply: failReply(err)}, nil
	}
	return &TunnelsResponse{Reply: okReply(""), Tunnels: tunnels}, nil
}

func (h *handler) StartTunnel(ctx context.Context, req *StartTunnelRequest) (*TunnelResponse, error) {
	info, err := h.core.StartTunnel(ctx, req.ConnectionID, req.Tunnel)
	if err != nil {
		return &TunnelResponse{Reply: failReply(err)}, nil
	}
	return &TunnelResponse{Reply: okReply(fmt.Sprintf("tunnel %s active", info.Label())), Tunnel: &info}, nil
}

func (h *handler) StopTunnel(ctx context.Context, req *StopTunnelRequest) (*Reply, error) {
	if err := h.core.StopTunnel(req.ConnectionID, req.Tunnel); err != nil {
		return reply(err), nil
	}
	return ptr(okReply("tunnel stopped")), nil
}

func (h *handler) CheckTunnel(ctx context.Context, req *CheckTunnelRequest) (*CheckTunnelResponse, error) {
	st, err := h.core.CheckTunnel(ctx, req.Host, req.Port)
	if err != nil {
		return &CheckTunnelResponse{Reply: failReply(err)}, nil
	}
	return &CheckTunnelResponse{Reply: okReply(""), Status: &st}, nil
}

func (h *handler) Events(req *EventsRequest, stream EventStreamServer) error {
	sub := h.core.Bus().Subscribe(req.ConnectionID, eventBuffer)
	defer sub.Close()
	slog.Debug("event stream opened", "subscriber", sub.ID, "connection", req.ConnectionID)

	// Headers tell the client the subscription is in place.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case ev := <-sub.Events():
			if err := stream.Send(&ev); err != nil {
				return err
			}
		case <-sub.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func reply(err error) *Reply {
	r := failReply(err)
	return &r
}

func ptr(r Reply) *Reply { return &r }
