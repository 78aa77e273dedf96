package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Failure classes for Dial. Callers match them with errors.Is.
var (
	ErrAuthFailure = errors.New("authentication failed")
	ErrTransport   = errors.New("network error")
	ErrTimeout     = errors.New("connection timed out")
)

// AuthType selects how Dial authenticates.
type AuthType string

const (
	AuthPassword   AuthType = "password"
	AuthPrivateKey AuthType = "privateKey"
	AuthAgent      AuthType = "agent"
)

// Params describes one remote shell endpoint and its credentials.
type Params struct {
	Host     string   `json:"host" yaml:"host"`
	Port     int      `json:"port" yaml:"port"`
	User     string   `json:"username" yaml:"username"`
	AuthType AuthType `json:"authType" yaml:"auth_type"`

	Password string `json:"password,omitempty" yaml:"-"`
	// PrivateKey holds an inline PEM key. When it does not look like PEM it
	// is treated as a path, which matches how profiles usually store keys.
	PrivateKey     string `json:"privateKey,omitempty" yaml:"-"`
	PrivateKeyPath string `json:"privateKeyPath,omitempty" yaml:"private_key_path,omitempty"`
	Passphrase     string `json:"passphrase,omitempty" yaml:"-"`
}

// Addr returns host:port with the default SSH port applied.
func (p Params) Addr() string {
	port := p.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// Options tune the dial.
type Options struct {
	// Timeout bounds TCP connect plus handshake. Zero means 20s.
	Timeout time.Duration
	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string
}

// Dial connects and authenticates a new SSH client. Errors wrap one of
// ErrAuthFailure, ErrTransport or ErrTimeout.
func Dial(ctx context.Context, p Params, opts Options) (*gossh.Client, error) {
	if p.Host == "" {
		return nil, fmt.Errorf("%w: host is empty", ErrTransport)
	}
	if p.Port < 0 || p.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrTransport, p.Port)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	hostKeys, err := hostKeyCallback(opts.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	auth, release, err := authMethods(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	// Authentication is over once the handshake returns.
	defer release()

	config := &gossh.ClientConfig{
		User:            p.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	addr := p.Addr()
	slog.Debug("ssh dialing", "addr", addr, "user", p.User, "auth", p.AuthType)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, classify(dialCtx, fmt.Errorf("dialing %s: %w", addr, err))
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}

	// The handshake has no context of its own; a deadline on the raw conn
	// bounds it and is cleared once the client is up.
	deadline, _ := dialCtx.Deadline()
	conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := gossh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, classify(dialCtx, fmt.Errorf("SSH handshake with %s: %w", addr, err))
	}
	conn.SetDeadline(time.Time{})

	return gossh.NewClient(sshConn, chans, reqs), nil
}

// authMethods returns the auth methods for p and a func releasing what
// they hold open.
func authMethods(p Params) ([]gossh.AuthMethod, func(), error) {
	noop := func() {}
	switch p.AuthType {
	case AuthPassword, "":
		if p.Password == "" {
			return nil, noop, fmt.Errorf("password is empty")
		}
		pw := p.Password
		return []gossh.AuthMethod{
			gossh.Password(pw),
			gossh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		}, noop, nil

	case AuthPrivateKey:
		signer, err := loadSigner(p)
		if err != nil {
			return nil, noop, err
		}
		return []gossh.AuthMethod{gossh.PublicKeys(signer)}, noop, nil

	case AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, noop, fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
		ac, err := net.Dial("unix", sock)
		if err != nil {
			return nil, noop, fmt.Errorf("connecting to ssh-agent: %w", err)
		}
		return []gossh.AuthMethod{gossh.PublicKeysCallback(agent.NewClient(ac).Signers)}, func() { ac.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unsupported auth type %q", p.AuthType)
}

func loadSigner(p Params) (gossh.Signer, error) {
	var keyData []byte
	switch {
	case strings.Contains(p.PrivateKey, "-----BEGIN"):
		keyData = []byte(p.PrivateKey)
	case p.PrivateKeyPath != "" || p.PrivateKey != "":
		path := p.PrivateKeyPath
		if path == "" {
			path = p.PrivateKey
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		keyData = data
	default:
		return nil, fmt.Errorf("no private key given")
	}

	if p.Passphrase != "" {
		signer, err := gossh.ParsePrivateKeyWithPassphrase(keyData, []byte(p.Passphrase))
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		return signer, nil
	}
	signer, err := gossh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return signer, nil
}

func hostKeyCallback(knownHostsPath string) (gossh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return gossh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}

// classify maps a dial or handshake error onto the failure classes.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ne net.Error
	if (errors.As(err, &ne) && ne.Timeout()) || strings.Contains(err.Error(), "i/o timeout") {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
