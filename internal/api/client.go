package api

import (
	"context"
	"time"

	"github.com/sshdeck/sshdeck/internal/core"
	"github.com/sshdeck/sshdeck/internal/tunnel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a gRPC client for the SSHDeck API. Methods return *Error
// when the server answers with a failure envelope.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the gRPC API server at the given address.
// Returns an error if the server is not reachable within 2 seconds.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}

type envelope interface{ Err() error }

func (c *Client) invoke(ctx context.Context, method string, req interface{}, resp envelope) error {
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp); err != nil {
		return err
	}
	return resp.Err()
}

// Status calls the Status RPC.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp := &StatusResponse{}
	err := c.invoke(ctx, "Status", &Empty{}, resp)
	return resp, err
}

// Connect opens a session on the server.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (*ConnectResponse, error) {
	resp := &ConnectResponse{}
	err := c.invoke(ctx, "Connect", &req, resp)
	return resp, err
}

// Disconnect closes a session.
func (c *Client) Disconnect(ctx context.Context, id string) error {
	return c.invoke(ctx, "Disconnect", &SessionRequest{ConnectionID: id}, &Reply{})
}

// ListSessions returns the server's sessions.
func (c *Client) ListSessions(ctx context.Context) ([]core.SessionInfo, error) {
	resp := &SessionsResponse{}
	if err := c.invoke(ctx, "ListSessions", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Execute runs command in the session. stream may be nil.
func (c *Client) Execute(ctx context.Context, id, command string, stream *bool) (*core.ExecResult, error) {
	resp := &ExecuteResponse{}
	if err := c.invoke(ctx, "Execute", &ExecuteRequest{ConnectionID: id, Command: command, Stream: stream}, resp); err != nil {
		return nil, err
	}
	return resp.ExecResult, nil
}

// Interrupt stops the session's streaming command.
func (c *Client) Interrupt(ctx context.Context, id string) (string, error) {
	resp := &Reply{}
	err := c.invoke(ctx, "Interrupt", &SessionRequest{ConnectionID: id}, resp)
	return resp.Message, err
}

// CreateTerminal opens an interactive shell with the given size.
func (c *Client) CreateTerminal(ctx context.Context, id string, cols, rows int) error {
	return c.invoke(ctx, "CreateTerminal", &TerminalRequest{ConnectionID: id, Cols: cols, Rows: rows}, &Reply{})
}

// WriteTerminal sends keystrokes to the session's terminal.
func (c *Client) WriteTerminal(ctx context.Context, id string, data []byte) error {
	return c.invoke(ctx, "WriteTerminal", &WriteTerminalRequest{ConnectionID: id, Data: data}, &Reply{})
}

// ResizeTerminal changes the terminal window size.
func (c *Client) ResizeTerminal(ctx context.Context, id string, cols, rows int) error {
	return c.invoke(ctx, "ResizeTerminal", &TerminalRequest{ConnectionID: id, Cols: cols, Rows: rows}, &Reply{})
}

// CloseTerminal closes the session's terminal.
func (c *Client) CloseTerminal(ctx context.Context, id string) error {
	return c.invoke(ctx, "CloseTerminal", &SessionRequest{ConnectionID: id}, &Reply{})
}

// ListTunnels returns the session's tunnels.
func (c *Client) ListTunnels(ctx context.Context, id string) ([]tunnel.Info, error) {
	resp := &TunnelsResponse{}
	if err := c.invoke(ctx, "ListTunnels", &SessionRequest{ConnectionID: id}, resp); err != nil {
		return nil, err
	}
	return resp.Tunnels, nil
}

// StartTunnel starts one tunnel on the session.
func (c *Client) StartTunnel(ctx context.Context, id string, spec tunnel.Spec) (*tunnel.Info, error) {
	resp := &TunnelResponse{}
	if err := c.invoke(ctx, "StartTunnel", &StartTunnelRequest{ConnectionID: id, Tunnel: spec}, resp); err != nil {
		return nil, err
	}
	return resp.Tunnel, nil
}

// StopTunnel stops a tunnel by name or listen address.
func (c *Client) StopTunnel(ctx context.Context, id, ref string) error {
	return c.invoke(ctx, "StopTunnel", &StopTunnelRequest{ConnectionID: id, Tunnel: ref}, &Reply{})
}

// CheckTunnel probes host:port from the server.
func (c *Client) CheckTunnel(ctx context.Context, host string, port int) (*tunnel.Status, error) {
	resp := &CheckTunnelResponse{}
	if err := c.invoke(ctx, "CheckTunnel", &CheckTunnelRequest{Host: host, Port: port}, resp); err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// EventStream receives events from the server until ctx ends.
type EventStream struct {
	cs grpc.ClientStream
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (*core.Event, error) {
	ev := new(core.Event)
	if err := s.cs.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Events subscribes to server events, optionally for one session only.
// It returns once the server has registered the subscription. Cancel ctx
// to end the stream.
func (c *Client) Events(ctx context.Context, connectionID string) (*EventStream, error) {
	cs, err := c.conn.NewStream(ctx, &eventsStreamDesc, "/"+serviceName+"/Events")
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&EventsRequest{ConnectionID: connectionID}); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	if _, err := cs.Header(); err != nil {
		return nil, err
	}
	return &EventStream{cs: cs}, nil
}
