// Package sshtest runs an in-process SSH server for tests.
//
// The server speaks enough of RFC 4254 to exercise every channel type the
// session manager opens: exec (with exit-status / exit-signal), pty shells
// with window-change, signal delivery, direct-tcpip and tcpip-forward.
// Commands are answered by an ExecFunc; FakeShell gives a tiny scripted
// shell that understands cd/pwd/echo and a follow mode for streaming.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

// ExecFunc answers one exec request and returns its exit status.
// ctx is cancelled when the client signals the command or closes the channel.
type ExecFunc func(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) int

// Option configures a Server before it starts.
type Option func(*Server)

// WithExec replaces the default FakeShell.
func WithExec(fn ExecFunc) Option {
	return func(s *Server) { s.exec = fn }
}

// WithAuthorizedKey additionally accepts public key auth for key.
func WithAuthorizedKey(key gossh.PublicKey) Option {
	return func(s *Server) { s.authorized = key }
}

// Server is a running test SSH server.
type Server struct {
	User     string
	Password string

	exec       ExecFunc
	authorized gossh.PublicKey
	config     *gossh.ServerConfig
	listener   net.Listener

	mu       sync.Mutex
	commands []string
	conns    map[*gossh.ServerConn]map[string]net.Listener

	channels atomic.Int64
	wg       sync.WaitGroup
}

// Start launches a server on 127.0.0.1 with user "test" / password
// "secret". It is closed through t.Cleanup.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		User:     "test",
		Password: "secret",
		exec:     FakeShell("/home/test"),
		conns:    make(map[*gossh.ServerConn]map[string]net.Listener),
	}
	for _, o := range opts {
		o(s)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshtest: generate host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshtest: host signer: %v", err)
	}

	s.config = &gossh.ServerConfig{
		PasswordCallback: func(c gossh.ConnMetadata, pw []byte) (*gossh.Permissions, error) {
			if c.User() == s.User && string(pw) == s.Password {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if s.authorized != nil && gossh.FingerprintSHA256(key) == gossh.FingerprintSHA256(s.authorized) {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	s.config.AddHostKey(hostSigner)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("sshtest: listen: %v", err)
	}
	s.listener = lis

	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the server's host:port.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Host returns the listen IP.
func (s *Server) Host() string { return s.listener.Addr().(*net.TCPAddr).IP.String() }

// Port returns the listen port.
func (s *Server) Port() int { return s.listener.Addr().(*net.TCPAddr).Port }

// Client dials the server with password auth. The client is closed
// through t.Cleanup.
func (s *Server) Client(t testing.TB) *gossh.Client {
	t.Helper()
	c, err := gossh.Dial("tcp", s.Addr(), &gossh.ClientConfig{
		User:            s.User,
		Auth:            []gossh.AuthMethod{gossh.Password(s.Password)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("sshtest: dial %s: %v", s.Addr(), err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// Commands returns every exec command received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// LastCommand returns the most recent exec command, or "".
func (s *Server) LastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return ""
	}
	return s.commands[len(s.commands)-1]
}

// OpenChannels reports channels of any type that are still open.
func (s *Server) OpenChannels() int { return int(s.channels.Load()) }

// Forwards reports active tcpip-forward registrations across connections.
func (s *Server) Forwards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, fw := range s.conns {
		n += len(fw)
	}
	return n
}

// DropConnections closes every client connection abruptly, as a dead
// network would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*gossh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops accepting, drops every connection and waits for them.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.conns[sshConn] = make(map[string]net.Listener)
	s.mu.Unlock()

	go s.handleGlobalRequests(sshConn, reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			go s.handleSession(newChan)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChan)
		default:
			newChan.Reject(gossh.UnknownChannelType, fmt.Sprintf("unsupported channel type: %s", newChan.ChannelType()))
		}
	}

	s.mu.Lock()
	forwards := s.conns[sshConn]
	delete(s.conns, sshConn)
	s.mu.Unlock()
	for _, l := range forwards {
		l.Close()
	}
}

// forwardMsg is the tcpip-forward / cancel-tcpip-forward payload.
type forwardMsg struct {
	Addr string
	Port uint32
}

// forwardedTCPPayload matches RFC 4254 §7.2 for both direct-tcpip and
// forwarded-tcpip channels.
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

func (s *Server) handleGlobalRequests(conn *gossh.ServerConn, reqs <-chan *gossh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var m forwardMsg
			if err := gossh.Unmarshal(req.Payload, &m); err != nil {
				req.Reply(false, nil)
				continue
			}
			lis, err := net.Listen("tcp", net.JoinHostPort(m.Addr, strconv.Itoa(int(m.Port))))
			if err != nil {
				req.Reply(false, nil)
				continue
			}
			port := uint32(lis.Addr().(*net.TCPAddr).Port)
			key := net.JoinHostPort(m.Addr, strconv.Itoa(int(port)))

			s.mu.Lock()
			fw, ok := s.conns[conn]
			if ok {
				fw[key] = lis
			}
			s.mu.Unlock()
			if !ok {
				lis.Close()
				req.Reply(false, nil)
				continue
			}

			var reply []byte
			if m.Port == 0 {
				reply = gossh.Marshal(struct{ Port uint32 }{port})
			}
			req.Reply(true, reply)
			go s.serveForward(conn, lis, m.Addr, port)

		case "cancel-tcpip-forward":
			var m forwardMsg
			if err := gossh.Unmarshal(req.Payload, &m); err != nil {
				req.Reply(false, nil)
				continue
			}
			key := net.JoinHostPort(m.Addr, strconv.Itoa(int(m.Port)))
			s.mu.Lock()
			lis, ok := s.conns[conn][key]
			delete(s.conns[conn], key)
			s.mu.Unlock()
			if ok {
				lis.Close()
			}
			req.Reply(ok, nil)

		default:
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}
}

func (s *Server) serveForward(conn *gossh.ServerConn, lis net.Listener, addr string, port uint32) {
	for {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		go func() {
			origin, _ := c.RemoteAddr().(*net.TCPAddr)
			payload := forwardedTCPPayload{Addr: addr, Port: port}
			if origin != nil {
				payload.OriginAddr = origin.IP.String()
				payload.OriginPort = uint32(origin.Port)
			}
			ch, reqs, err := conn.OpenChannel("forwarded-tcpip", gossh.Marshal(payload))
			if err != nil {
				c.Close()
				return
			}
			go gossh.DiscardRequests(reqs)

			s.channels.Add(1)
			defer s.channels.Add(-1)
			pipe(ch, c)
		}()
	}
}

func (s *Server) handleDirectTCPIP(newChan gossh.NewChannel) {
	var d forwardedTCPPayload
	if err := gossh.Unmarshal(newChan.ExtraData(), &d); err != nil {
		newChan.Reject(gossh.ConnectionFailed, fmt.Sprintf("invalid direct-tcpip data: %v", err))
		return
	}

	dest := net.JoinHostPort(d.Addr, strconv.Itoa(int(d.Port)))
	conn, err := net.DialTimeout("tcp", dest, 5*time.Second)
	if err != nil {
		newChan.Reject(gossh.ConnectionFailed, fmt.Sprintf("dial %s: %v", dest, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		conn.Close()
		return
	}
	go gossh.DiscardRequests(reqs)

	s.channels.Add(1)
	defer s.channels.Add(-1)
	pipe(ch, conn)
}

func (s *Server) handleSession(newChan gossh.NewChannel) {
	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	s.channels.Add(1)
	defer s.channels.Add(-1)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		pty      bool
		started  bool
		signaled string
	)
	done := make(chan int, 1)

	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				return
			}
			switch req.Type {
			case "pty-req":
				pty = true
				req.Reply(true, nil)
			case "env":
				req.Reply(true, nil)
			case "window-change":
				if len(req.Payload) >= 8 && started && pty {
					cols := binary.BigEndian.Uint32(req.Payload[0:4])
					rows := binary.BigEndian.Uint32(req.Payload[4:8])
					fmt.Fprintf(ch, "resize:%dx%d\r\n", cols, rows)
				}
				if req.WantReply {
					req.Reply(true, nil)
				}
			case "signal":
				var m struct{ Signal string }
				if gossh.Unmarshal(req.Payload, &m) == nil {
					signaled = m.Signal
					cancel()
				}
				if req.WantReply {
					req.Reply(true, nil)
				}
			case "exec":
				var m struct{ Command string }
				if err := gossh.Unmarshal(req.Payload, &m); err != nil || started {
					req.Reply(false, nil)
					continue
				}
				s.mu.Lock()
				s.commands = append(s.commands, m.Command)
				s.mu.Unlock()
				started = true
				req.Reply(true, nil)
				go func() { done <- s.exec(ctx, m.Command, ch, ch, ch.Stderr()) }()
			case "shell":
				if started {
					req.Reply(false, nil)
					continue
				}
				started = true
				req.Reply(true, nil)
				go func() { done <- echoShell(ch) }()
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}

		case status := <-done:
			if signaled != "" {
				ch.SendRequest("exit-signal", false, gossh.Marshal(struct {
					Signal     string
					CoreDumped bool
					Error      string
					Lang       string
				}{Signal: signaled}))
			} else {
				ch.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{uint32(status)}))
			}
			return
		}
	}
}

// echoShell writes back everything it reads until stdin ends.
func echoShell(ch gossh.Channel) int {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			if _, werr := ch.Write(buf[:n]); werr != nil {
				return 1
			}
		}
		if err != nil {
			return 0
		}
	}
}

// pipe copies both ways and closes both ends once either direction ends.
func pipe(a io.ReadWriteCloser, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	cp := func(dst io.Writer, src io.Reader) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}
