package core

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/sshdeck/sshdeck/internal/tunnel"
)

// Transport is an authenticated SSH connection. *ssh.Client satisfies it.
type Transport interface {
	tunnel.Transport
	NewSession() (*gossh.Session, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Wait() error
	Close() error
}

// HomeDir is the emulated working directory of a new session.
const HomeDir = "~"

// Session is one authenticated transport and the state layered on it.
type Session struct {
	ID        string
	Host      string
	Port      int
	User      string
	CreatedAt time.Time

	client        Transport
	stopKeepalive context.CancelFunc

	// life is held shared by operations that create resources outliving
	// the transport (tunnel listeners) and exclusively by teardown.
	life   sync.RWMutex
	closed bool

	mu       sync.Mutex
	cwd      string
	stream   *activeStream
	terminal *terminal
}

// SessionInfo is a snapshot of a Session.
type SessionInfo struct {
	ID         string    `json:"connectionId"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	User       string    `json:"username"`
	CurrentDir string    `json:"currentDir"`
	CreatedAt  time.Time `json:"createdAt"`
	Tunnels    int       `json:"tunnels"`
	Streaming  bool      `json:"streaming"`
	Terminal   bool      `json:"terminal"`
}

func (s *Session) dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *Session) setDir(d string) {
	s.mu.Lock()
	s.cwd = d
	s.mu.Unlock()
}

// setStream registers st and returns the stream it replaced, if any.
func (s *Session) setStream(st *activeStream) *activeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.stream
	s.stream = st
	return prev
}

func (s *Session) takeStream() *activeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream
	s.stream = nil
	return st
}

// clearStream drops the registration only if st is still the one held.
func (s *Session) clearStream(st *activeStream) {
	s.mu.Lock()
	if s.stream == st {
		s.stream = nil
	}
	s.mu.Unlock()
}

func (s *Session) setTerminal(t *terminal) *terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.terminal
	s.terminal = t
	return prev
}

func (s *Session) getTerminal() *terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *Session) takeTerminal() *terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.terminal
	s.terminal = nil
	return t
}

func (s *Session) clearTerminal(t *terminal) {
	s.mu.Lock()
	if s.terminal == t {
		s.terminal = nil
	}
	s.mu.Unlock()
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.ID,
		Host:       s.Host,
		Port:       s.Port,
		User:       s.User,
		CurrentDir: s.cwd,
		CreatedAt:  s.CreatedAt,
		Streaming:  s.stream != nil,
		Terminal:   s.terminal != nil,
	}
}

// remoteAddr is used for logging only.
func (s *Session) remoteAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
