package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sshdeck/sshdeck/internal/config"
	"github.com/sshdeck/sshdeck/internal/core"
	deckssh "github.com/sshdeck/sshdeck/internal/ssh"
	"github.com/sshdeck/sshdeck/internal/tunnel"
)

var connectFlags struct {
	port       int
	user       string
	password   string
	identity   string
	passphrase string
	agent      bool
	local      []string
	remote     []string
	shell      bool
	detach     bool
}

var connectCmd = &cobra.Command{
	Use:   "connect [user@]host",
	Short: "Open an SSH session with optional port forwards",
	Long: `Open an SSH session and keep it until Ctrl-C.

Forward specs use [name=][listenHost:]listenPort:targetHost:targetPort,
for example -L db=5432:db.internal:5432 or -R 8080:localhost:3000.

With --detach the session is opened on the running daemon instead and
its connection ID is printed for use with exec, tunnel and friends.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	f := connectCmd.Flags()
	f.IntVarP(&connectFlags.port, "port", "p", 22, "SSH port")
	f.StringVarP(&connectFlags.user, "user", "u", "", "login user (default: current user)")
	f.StringVar(&connectFlags.password, "password", "", "password (prompted when no key or agent is given)")
	f.StringVarP(&connectFlags.identity, "identity", "i", "", "private key file")
	f.StringVar(&connectFlags.passphrase, "passphrase", "", "private key passphrase")
	f.BoolVar(&connectFlags.agent, "agent", false, "authenticate with the SSH agent at SSH_AUTH_SOCK")
	f.StringArrayVarP(&connectFlags.local, "local", "L", nil, "local forward spec (repeatable)")
	f.StringArrayVarP(&connectFlags.remote, "remote", "R", nil, "remote forward spec (repeatable)")
	f.BoolVar(&connectFlags.shell, "shell", false, "open an interactive terminal")
	f.BoolVar(&connectFlags.detach, "detach", false, "open the session on the running daemon")
	rootCmd.AddCommand(connectCmd)
}

// parseTarget splits "[user@]host[:port]".
func parseTarget(arg, user string, port int) (string, string, int, error) {
	host := arg
	if i := strings.LastIndex(host, "@"); i >= 0 {
		user, host = host[:i], host[i+1:]
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid port in %q", arg)
		}
		host, port = h, n
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return "", "", 0, fmt.Errorf("missing host in %q", arg)
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return "", "", 0, errors.New("no user given and $USER is empty")
	}
	return user, host, port, nil
}

func buildConnectRequest(arg string) (core.ConnectRequest, error) {
	var req core.ConnectRequest
	user, host, port, err := parseTarget(arg, connectFlags.user, connectFlags.port)
	if err != nil {
		return req, err
	}
	req.Params = deckssh.Params{Host: host, Port: port, User: user}

	switch {
	case connectFlags.agent:
		req.AuthType = deckssh.AuthAgent
	case connectFlags.identity != "":
		req.AuthType = deckssh.AuthPrivateKey
		req.PrivateKeyPath = connectFlags.identity
		req.Passphrase = connectFlags.passphrase
	default:
		req.AuthType = deckssh.AuthPassword
		req.Password = connectFlags.password
		if req.Password == "" {
			if req.Password, err = promptPassword(fmt.Sprintf("%s@%s's password: ", user, host)); err != nil {
				return req, err
			}
		}
	}

	for _, s := range connectFlags.local {
		spec, err := tunnel.ParseSpec(tunnel.TypeLocal, s)
		if err != nil {
			return req, err
		}
		req.Tunnels = append(req.Tunnels, spec)
	}
	for _, s := range connectFlags.remote {
		spec, err := tunnel.ParseSpec(tunnel.TypeRemote, s)
		if err != nil {
			return req, err
		}
		req.Tunnels = append(req.Tunnels, spec)
	}
	return req, nil
}

func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no password given and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func printTunnelResults(results []tunnel.Result) {
	for _, r := range results {
		if r.Success {
			fmt.Printf("  ✓ %s\n", r.Name)
		} else {
			fmt.Printf("  ✗ %s: %s\n", r.Name, r.Error)
		}
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	req, err := buildConnectRequest(args[0])
	if err != nil {
		return err
	}
	if connectFlags.detach {
		return runConnectDetached(req)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	svc := core.New(serviceOptions(cfg))
	defer svc.Bus().Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Connecting to %s@%s...\n", req.User, req.Addr())
	res, err := svc.Connect(ctx, req)
	if err != nil {
		return err
	}
	defer svc.Shutdown(context.Background())
	fmt.Printf("Connected (%s)\n", res.ConnectionID)
	printTunnelResults(res.Tunnels)

	if connectFlags.shell {
		// Raw mode passes Ctrl-C to the remote shell.
		stop()
		return runShell(context.Background(), svc, res.ConnectionID)
	}

	closed := svc.Bus().Subscribe(res.ConnectionID, 16)
	defer closed.Close()

	fmt.Println("Press Ctrl-C to disconnect.")
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nDisconnecting...")
			return nil
		case ev := <-closed.Events():
			if ev.Type == core.EventSessionClosed {
				return fmt.Errorf("session closed: %s", ev.Reason)
			}
		}
	}
}

func runConnectDetached(req core.ConnectRequest) error {
	client, err := dialAPI()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := client.Connect(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(resp.ConnectionID)
	printTunnelResults(resp.Tunnels)
	return nil
}
