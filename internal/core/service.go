// Package core holds the session registry and everything multiplexed over
// a session's transport: command execution with working-directory
// emulation, streaming commands, the interactive terminal and the
// session's tunnels. Asynchronous output leaves through the Bus.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	deckssh "github.com/sshdeck/sshdeck/internal/ssh"
	"github.com/sshdeck/sshdeck/internal/tunnel"
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Dial deckssh.Options
	// KeepaliveInterval below zero disables keepalives.
	KeepaliveInterval time.Duration
	// DisconnectGrace below zero skips the settle delay before the
	// transport is released.
	DisconnectGrace    time.Duration
	StreamStartTimeout time.Duration
	// EventStall bounds how long a publish waits on one full subscriber.
	EventStall time.Duration
	Tunnel     tunnel.Options
}

const (
	DefaultKeepaliveInterval  = 10 * time.Second
	DefaultDisconnectGrace    = 500 * time.Millisecond
	DefaultStreamStartTimeout = 2 * time.Second
)

// DialFunc opens an authenticated transport.
type DialFunc func(ctx context.Context, p deckssh.Params, opts deckssh.Options) (Transport, error)

func dialSSH(ctx context.Context, p deckssh.Params, opts deckssh.Options) (Transport, error) {
	c, err := deckssh.Dial(ctx, p, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Service is the connection registry.
type Service struct {
	opts    Options
	dial    DialFunc
	tunnels *tunnel.Manager
	bus     *Bus

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a Service. Tunnel state changes are republished on its Bus.
func New(opts Options) *Service {
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.DisconnectGrace == 0 {
		opts.DisconnectGrace = DefaultDisconnectGrace
	}
	if opts.StreamStartTimeout <= 0 {
		opts.StreamStartTimeout = DefaultStreamStartTimeout
	}

	s := &Service{
		opts:     opts,
		dial:     dialSSH,
		tunnels:  tunnel.NewManager(opts.Tunnel),
		bus:      NewBusWithStall(opts.EventStall),
		sessions: make(map[string]*Session),
	}
	s.tunnels.OnStateChange = func(sessionID string, info tunnel.Info) {
		s.bus.Publish(Event{
			Type:         EventTunnelState,
			ConnectionID: sessionID,
			Tunnel:       &info,
			State:        info.State,
			Error:        info.Error,
		})
	}
	return s
}

// Bus returns the event bus.
func (s *Service) Bus() *Bus { return s.bus }

// ConnectRequest is a connect call: endpoint, credentials and the
// tunnels to set up once authenticated.
type ConnectRequest struct {
	deckssh.Params
	Tunnels []tunnel.Spec `json:"tunnels,omitempty"`
}

// ConnectResult carries the new session id and one result per tunnel.
type ConnectResult struct {
	ConnectionID string          `json:"connectionId"`
	Tunnels      []tunnel.Result `json:"tunnels"`
}

// Connect authenticates a new transport and registers a session for it.
// Tunnel failures do not fail the connect; they are reported per spec.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	client, err := s.dial(ctx, req.Params, s.opts.Dial)
	if err != nil {
		slog.Warn("connect failed", "host", req.Host, "user", req.User, "error", err)
		return nil, err
	}

	port := req.Port
	if port == 0 {
		port = 22
	}
	sess := &Session{
		ID:        uuid.NewString(),
		Host:      req.Host,
		Port:      port,
		User:      req.User,
		CreatedAt: time.Now(),
		client:    client,
		cwd:       HomeDir,
	}
	kctx, cancel := context.WithCancel(context.Background())
	sess.stopKeepalive = cancel

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	slog.Info("session connected", "session", sess.ID, "addr", sess.remoteAddr(), "user", sess.User)

	go deckssh.Keepalive(kctx, client, s.opts.KeepaliveInterval, func(err error) {
		slog.Warn("keepalive failed", "session", sess.ID, "error", err)
		s.disconnect(context.Background(), sess.ID, "keepalive failed")
	})
	go func() {
		client.Wait()
		if kctx.Err() == nil {
			s.disconnect(context.Background(), sess.ID, "connection lost")
		}
	}()

	res := &ConnectResult{ConnectionID: sess.ID, Tunnels: []tunnel.Result{}}
	if len(req.Tunnels) > 0 {
		sess.life.RLock()
		if !sess.closed {
			res.Tunnels = s.tunnels.SetupAll(ctx, sess.ID, client, req.Tunnels)
		}
		sess.life.RUnlock()
	}
	return res, nil
}

func (s *Service) session(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Disconnect tears the session down. A second call for the same id
// returns ErrSessionNotFound.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	return s.disconnect(ctx, id, "disconnected")
}

func (s *Service) disconnect(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	sess.stopKeepalive()

	sess.life.Lock()
	sess.closed = true
	sess.life.Unlock()

	if err := s.tunnels.StopAll(id); err != nil {
		slog.Debug("tunnel teardown", "session", id, "error", err)
	}
	if st := sess.takeStream(); st != nil {
		st.interrupt()
	}
	if term := sess.takeTerminal(); term != nil {
		term.close()
	}

	if grace := s.opts.DisconnectGrace; grace > 0 {
		t := time.NewTimer(grace)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	sess.client.Close()
	slog.Info("session closed", "session", id, "reason", reason)
	s.bus.Publish(Event{Type: EventSessionClosed, ConnectionID: id, Reason: reason})
	return nil
}

// Sessions returns a snapshot of live sessions, oldest first.
func (s *Service) Sessions() []SessionInfo {
	s.mu.RLock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		info := sess.info()
		info.Tunnels = s.tunnels.Count(sess.ID)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Shutdown disconnects every session concurrently.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			s.disconnect(ctx, id, "shutdown")
			return nil
		})
	}
	return g.Wait()
}

// StartTunnel adds a tunnel to a live session.
func (s *Service) StartTunnel(ctx context.Context, id string, spec tunnel.Spec) (tunnel.Info, error) {
	sess, err := s.session(id)
	if err != nil {
		return tunnel.Info{}, err
	}
	sess.life.RLock()
	defer sess.life.RUnlock()
	if sess.closed {
		return tunnel.Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.tunnels.Start(ctx, id, sess.client, spec)
}

// StopTunnel stops one tunnel by name or listen address.
func (s *Service) StopTunnel(id, ref string) error {
	if _, err := s.session(id); err != nil {
		return err
	}
	return s.tunnels.Stop(id, ref)
}

// ListTunnels snapshots a session's tunnels.
func (s *Service) ListTunnels(id string) ([]tunnel.Info, error) {
	if _, err := s.session(id); err != nil {
		return nil, err
	}
	return s.tunnels.List(id), nil
}

// CheckTunnel probes a listen endpoint.
func (s *Service) CheckTunnel(ctx context.Context, host string, port int) (tunnel.Status, error) {
	if port <= 0 || port > 65535 {
		return tunnel.Status{}, fmt.Errorf("%w: port %d", ErrInvalidArgument, port)
	}
	return s.tunnels.Check(ctx, host, port), nil
}
