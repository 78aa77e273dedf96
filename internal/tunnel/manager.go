package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Transport is the part of an SSH client the tunnels need.
// *ssh.Client satisfies it.
type Transport interface {
	// DialContext opens a direct-tcpip channel to addr as seen from the
	// peer. Cancelling ctx abandons a pending open.
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	// Listen asks the peer to listen on addr and forward connections back.
	Listen(network, addr string) (net.Listener, error)
}

// Options configures a Manager.
type Options struct {
	// DialTimeout bounds the local dial of a remote tunnel's target.
	DialTimeout time.Duration
	// ProbeTimeout bounds Check.
	ProbeTimeout time.Duration
	// MaxPerSession caps tunnels per session. Zero means unlimited.
	MaxPerSession int
}

type entry struct {
	t        *Tunnel
	stopping bool
}

// Manager owns every tunnel of every session, keyed by session id and
// then by normalized listen address.
type Manager struct {
	opts Options

	// OnStateChange, when set, receives every state transition. It is
	// called synchronously from the goroutine making the transition.
	OnStateChange func(sessionID string, info Info)

	mu      sync.Mutex
	tunnels map[string]map[string]*entry
	pending int
}

// NewManager returns an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	return &Manager{
		opts:    opts,
		tunnels: make(map[string]map[string]*entry),
	}
}

func (m *Manager) notify(sessionID string, t *Tunnel) {
	if m.OnStateChange != nil {
		m.OnStateChange(sessionID, t.Info())
	}
}

func (m *Manager) transition(sessionID string, t *Tunnel, s State, err error) {
	t.setState(s, err)
	m.notify(sessionID, t)
}

// reserve claims the listen key for t. A port-0 spec cannot collide
// before binding, so it gets a unique placeholder key.
func (m *Manager) reserve(sessionID string, t *Tunnel) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKey := m.tunnels[sessionID]
	if byKey == nil {
		byKey = make(map[string]*entry)
		m.tunnels[sessionID] = byKey
	}
	if m.opts.MaxPerSession > 0 && len(byKey) >= m.opts.MaxPerSession {
		return "", fmt.Errorf("%w: at most %d tunnels per session", ErrLimit, m.opts.MaxPerSession)
	}

	key := t.Spec.ListenAddr()
	if t.Spec.ListenPort == 0 {
		m.pending++
		key = key + "#" + strconv.Itoa(m.pending)
	}
	for k, e := range byKey {
		if k == key {
			return "", fmt.Errorf("%w: %s (%s)", ErrDuplicate, key, e.t.Spec.Label())
		}
		if t.Spec.Name != "" && e.t.Spec.Name == t.Spec.Name {
			return "", fmt.Errorf("%w: name %q", ErrDuplicate, t.Spec.Name)
		}
	}
	byKey[key] = &entry{t: t}
	return key, nil
}

func (m *Manager) release(sessionID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := m.tunnels[sessionID]
	delete(byKey, key)
	if len(byKey) == 0 {
		delete(m.tunnels, sessionID)
	}
}

// drop removes t from the registry under whatever key it holds now; a
// port-0 tunnel may have been rekeyed since it was picked for teardown.
func (m *Manager) drop(sessionID string, t *Tunnel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := m.tunnels[sessionID]
	for k, e := range byKey {
		if e.t == t {
			delete(byKey, k)
		}
	}
	if len(byKey) == 0 {
		delete(m.tunnels, sessionID)
	}
}

// rekey records the port the kernel or peer picked for a port-0 spec.
func (m *Manager) rekey(sessionID, oldKey string, t *Tunnel, port int) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.mu.Lock()
	t.Spec.ListenPort = port
	if t.Spec.Name == "" {
		t.Spec.Name = fmt.Sprintf("%s-%d", t.Spec.Type, port)
	}
	newKey := t.Spec.ListenAddr()
	t.mu.Unlock()

	byKey := m.tunnels[sessionID]
	if e, ok := byKey[oldKey]; ok {
		delete(byKey, oldKey)
		byKey[newKey] = e
	}
	return newKey
}

// Start binds and activates one tunnel for the session.
func (m *Manager) Start(ctx context.Context, sessionID string, tr Transport, spec Spec) (Info, error) {
	if spec.Type == TypeDynamic {
		return Info{}, fmt.Errorf("%w: %s (SOCKS forwarding is not available)", ErrUnsupportedType, spec.Type)
	}
	if err := spec.Validate(); err != nil {
		return Info{}, err
	}
	spec.ListenHost = listenHost(spec.ListenHost)
	if spec.Name == "" && spec.ListenPort != 0 {
		spec.Name = fmt.Sprintf("%s-%d", spec.Type, spec.ListenPort)
	}

	t := newTunnel(spec)
	key, err := m.reserve(sessionID, t)
	if err != nil {
		return Info{}, err
	}
	m.notify(sessionID, t)
	if t.advance(StateBinding) {
		m.notify(sessionID, t)
	}

	listener, err := m.bind(ctx, tr, spec)
	if err != nil {
		err = fmt.Errorf("%w: %s port %d: %v", ErrListenBind, spec.Type, spec.ListenPort, err)
		t.cancel()
		m.release(sessionID, key)
		m.transition(sessionID, t, StateFailed, err)
		slog.Warn("tunnel bind failed", "session", sessionID, "tunnel", spec.Label(), "error", err)
		return t.Info(), err
	}

	if spec.ListenPort == 0 {
		if tcp, ok := listener.Addr().(*net.TCPAddr); ok {
			key = m.rekey(sessionID, key, t, tcp.Port)
		}
	}

	t.mu.Lock()
	if t.state == StateClosing || t.state == StateClosed {
		// Stopped while binding.
		t.mu.Unlock()
		t.cancel()
		listener.Close()
		m.release(sessionID, key)
		return t.Info(), fmt.Errorf("%w: %s stopped during setup", ErrNotFound, spec.Label())
	}
	t.listener = listener
	t.StartedAt = time.Now()
	t.state = StateActive
	t.wg.Add(1)
	t.mu.Unlock()

	switch spec.Type {
	case TypeLocal:
		go t.serveLocal(tr, listener)
	case TypeRemote:
		go t.serveRemote(listener, m.opts.DialTimeout)
	}

	m.notify(sessionID, t)
	slog.Info("tunnel active", "session", sessionID, "tunnel", t.Spec.Label(),
		"listen", t.Spec.ListenAddr(), "target", t.Spec.TargetAddr())
	return t.Info(), nil
}

func (m *Manager) bind(ctx context.Context, tr Transport, spec Spec) (net.Listener, error) {
	switch spec.Type {
	case TypeLocal:
		var lc net.ListenConfig
		return lc.Listen(ctx, "tcp", spec.ListenAddr())
	case TypeRemote:
		if tr == nil {
			return nil, fmt.Errorf("no transport")
		}
		return tr.Listen("tcp", spec.ListenAddr())
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, spec.Type)
}

// SetupAll starts every spec concurrently. Each spec succeeds or fails on
// its own; results are in request order.
func (m *Manager) SetupAll(ctx context.Context, sessionID string, tr Transport, specs []Spec) []Result {
	results := make([]Result, len(specs))
	var g errgroup.Group
	for i, spec := range specs {
		g.Go(func() error {
			res := Result{Name: spec.Label()}
			info, err := m.Start(ctx, sessionID, tr, spec)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Name = info.Name
				res.Success = true
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()
	return results
}

// find resolves ref, a tunnel name or listen address, under m.mu.
func (m *Manager) find(sessionID, ref string) (string, *entry) {
	byKey := m.tunnels[sessionID]
	if e, ok := byKey[ref]; ok {
		return ref, e
	}
	for k, e := range byKey {
		if e.t.Spec.Name == ref {
			return k, e
		}
	}
	if host, port, err := net.SplitHostPort(ref); err == nil {
		key := net.JoinHostPort(listenHost(host), port)
		if e, ok := byKey[key]; ok {
			return key, e
		}
	}
	return "", nil
}

// Stop tears down one tunnel, identified by name or listen address.
func (m *Manager) Stop(sessionID, ref string) error {
	m.mu.Lock()
	_, e := m.find(sessionID, ref)
	if e == nil || e.stopping {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	e.stopping = true
	m.mu.Unlock()

	return m.teardown(sessionID, e.t)
}

func (m *Manager) teardown(sessionID string, t *Tunnel) error {
	m.transition(sessionID, t, StateClosing, nil)
	err := t.shutdown()
	m.drop(sessionID, t)
	m.notify(sessionID, t)
	slog.Info("tunnel closed", "session", sessionID, "tunnel", t.Spec.Label())
	return err
}

// StopAll tears down every tunnel of the session concurrently.
func (m *Manager) StopAll(sessionID string) error {
	m.mu.Lock()
	var victims []*Tunnel
	for _, e := range m.tunnels[sessionID] {
		if e.stopping {
			continue
		}
		e.stopping = true
		victims = append(victims, e.t)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, t := range victims {
		g.Go(func() error {
			return m.teardown(sessionID, t)
		})
	}
	return g.Wait()
}

// List returns snapshots of the session's tunnels ordered by listen port.
func (m *Manager) List(sessionID string) []Info {
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.tunnels[sessionID]))
	for _, e := range m.tunnels[sessionID] {
		tunnels = append(tunnels, e.t)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(tunnels))
	for _, t := range tunnels {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ListenPort != infos[j].ListenPort {
			return infos[i].ListenPort < infos[j].ListenPort
		}
		return infos[i].ListenHost < infos[j].ListenHost
	})
	return infos
}

// Count returns how many tunnels the session holds, including ones still
// binding.
func (m *Manager) Count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels[sessionID])
}

// Check probes a listen endpoint independently of any tunnel state.
func (m *Manager) Check(ctx context.Context, host string, port int) Status {
	return Probe(ctx, host, port, m.opts.ProbeTimeout)
}
