// Package tunnel manages TCP port-forwarding rules over SSH transports.
//
// A local tunnel binds a listener on this machine and opens a direct-tcpip
// channel per accepted client (ssh -L). A remote tunnel asks the peer to
// listen (tcpip-forward) and dials the target locally for each forwarded
// channel (ssh -R). Both bridge bytes with Pipe. Dynamic (SOCKS) forwards
// are rejected.
//
// Every tunnel tracks the sockets it is bridging so Stop can force-close
// them before the listener goes away; no forwarded stream outlives its
// tunnel.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnsupportedType = errors.New("unsupported tunnel type")
	ErrDuplicate       = errors.New("tunnel already running")
	ErrNotFound        = errors.New("tunnel not found")
	ErrListenBind      = errors.New("listen failed")
	ErrInvalidSpec     = errors.New("invalid tunnel spec")
	ErrLimit           = errors.New("tunnel limit reached")
)

// Type is the forwarding direction.
type Type string

const (
	TypeLocal   Type = "local"
	TypeRemote  Type = "remote"
	TypeDynamic Type = "dynamic"
)

// State is a tunnel's lifecycle position:
// requested → binding → active → closing → closed, or requested → failed.
type State string

const (
	StateRequested State = "requested"
	StateBinding   State = "binding"
	StateActive    State = "active"
	StateClosing   State = "closing"
	StateClosed    State = "closed"
	StateFailed    State = "failed"
)

// DefaultListenHost is used when a spec leaves ListenHost empty.
const DefaultListenHost = "127.0.0.1"

// Spec describes one forwarding rule.
type Spec struct {
	Name       string `json:"name" yaml:"name"`
	Type       Type   `json:"type" yaml:"type"`
	ListenHost string `json:"listenHost" yaml:"listen_host"`
	ListenPort int    `json:"listenPort" yaml:"listen_port"`
	TargetHost string `json:"targetHost" yaml:"target_host"`
	TargetPort int    `json:"targetPort" yaml:"target_port"`
}

// Validate checks ports and hosts. It does not reject dynamic tunnels;
// the manager does that so the error kind stays distinct.
func (s Spec) Validate() error {
	switch s.Type {
	case TypeLocal, TypeRemote, TypeDynamic:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSpec, s.Type)
	}
	if s.ListenPort < 0 || s.ListenPort > 65535 {
		return fmt.Errorf("%w: listen port %d out of range", ErrInvalidSpec, s.ListenPort)
	}
	if s.Type == TypeDynamic {
		return nil
	}
	if s.TargetHost == "" {
		return fmt.Errorf("%w: target host is empty", ErrInvalidSpec)
	}
	if s.TargetPort <= 0 || s.TargetPort > 65535 {
		return fmt.Errorf("%w: target port %d out of range", ErrInvalidSpec, s.TargetPort)
	}
	return nil
}

// ListenAddr returns the normalized listen host:port.
func (s Spec) ListenAddr() string {
	return net.JoinHostPort(listenHost(s.ListenHost), strconv.Itoa(s.ListenPort))
}

// TargetAddr returns the target host:port.
func (s Spec) TargetAddr() string {
	return net.JoinHostPort(s.TargetHost, strconv.Itoa(s.TargetPort))
}

// Label returns the name, or a description when the name is empty.
func (s Spec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s %s->%s", s.Type, s.ListenAddr(), s.TargetAddr())
}

func listenHost(h string) string {
	if h == "" {
		return DefaultListenHost
	}
	return h
}

// ParseSpec reads the ssh -L/-R style form
//
//	[name=][listenHost:]listenPort:targetHost:targetPort
//
// IPv6 hosts go in brackets.
func ParseSpec(typ Type, s string) (Spec, error) {
	spec := Spec{Type: typ}
	if name, rest, ok := strings.Cut(s, "="); ok {
		spec.Name = name
		s = rest
	}

	parts, err := splitHostList(s)
	if err != nil {
		return Spec{}, err
	}
	switch len(parts) {
	case 3:
		spec.ListenHost = DefaultListenHost
	case 4:
		spec.ListenHost = parts[0]
		parts = parts[1:]
	default:
		return Spec{}, fmt.Errorf("%w: %q: want [listenHost:]listenPort:targetHost:targetPort", ErrInvalidSpec, s)
	}

	if spec.ListenPort, err = strconv.Atoi(parts[0]); err != nil {
		return Spec{}, fmt.Errorf("%w: listen port %q", ErrInvalidSpec, parts[0])
	}
	spec.TargetHost = parts[1]
	if spec.TargetPort, err = strconv.Atoi(parts[2]); err != nil {
		return Spec{}, fmt.Errorf("%w: target port %q", ErrInvalidSpec, parts[2])
	}
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("%s-%d", typ, spec.ListenPort)
	}
	return spec, spec.Validate()
}

// splitHostList splits on ':' outside of [ ] brackets.
func splitHostList(s string) ([]string, error) {
	var parts []string
	var cur strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced brackets in %q", ErrInvalidSpec, s)
			}
		case r == ':' && depth == 0:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced brackets in %q", ErrInvalidSpec, s)
	}
	return append(parts, cur.String()), nil
}

// Info is a snapshot of a tunnel without live handles.
type Info struct {
	Spec
	State       State     `json:"state"`
	Error       string    `json:"error,omitempty"`
	Connections int       `json:"connections"`
	BytesIn     int64     `json:"bytesIn"`
	BytesOut    int64     `json:"bytesOut"`
	StartedAt   time.Time `json:"startedAt"`
}

// Result reports one spec's setup outcome.
type Result struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Tunnel is one running forwarding rule.
type Tunnel struct {
	Spec      Spec
	StartedAt time.Time

	// ctx is cancelled by shutdown so pending dials give up.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	lastErr  error
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	// bytesOut counts listen side → target, bytesIn the reverse.
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

func newTunnel(spec Spec) *Tunnel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tunnel{
		Spec:   spec,
		ctx:    ctx,
		cancel: cancel,
		state:  StateRequested,
		conns:  make(map[net.Conn]struct{}),
	}
}

// State returns the current lifecycle state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tunnel) setState(s State, err error) {
	t.mu.Lock()
	t.state = s
	if err != nil {
		t.lastErr = err
	}
	t.mu.Unlock()
}

// advance moves to s unless teardown has already started.
func (t *Tunnel) advance(s State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosing || t.state == StateClosed {
		return false
	}
	t.state = s
	return true
}

// Info returns a snapshot.
func (t *Tunnel) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		Spec:        t.Spec,
		State:       t.state,
		Connections: len(t.conns),
		BytesIn:     t.bytesIn.Load(),
		BytesOut:    t.bytesOut.Load(),
		StartedAt:   t.StartedAt,
	}
	if t.lastErr != nil {
		info.Error = t.lastErr.Error()
	}
	return info
}

// track registers bridged sockets. It refuses (and the caller must close
// them) once teardown has started, so nothing slips past shutdown.
func (t *Tunnel) track(conns ...net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosing || t.state == StateClosed {
		return false
	}
	for _, c := range conns {
		t.conns[c] = struct{}{}
	}
	return true
}

func (t *Tunnel) untrack(conns ...net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range conns {
		delete(t.conns, c)
	}
}

// shutdown abandons pending dials and force-closes bridged sockets, then
// closes the listener (which also cancels a remote forward) and waits for
// every goroutine of the tunnel.
func (t *Tunnel) shutdown() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosing
	conns := make([]net.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[net.Conn]struct{})
	listener := t.listener
	t.mu.Unlock()

	t.cancel()
	for _, c := range conns {
		c.Close()
	}

	var err error
	if listener != nil {
		err = listener.Close()
	}
	t.wg.Wait()

	t.setState(StateClosed, nil)
	return err
}
