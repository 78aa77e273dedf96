package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gossh "golang.org/x/crypto/ssh"

	deckssh "github.com/sshdeck/sshdeck/internal/ssh"
)

// StreamMode chooses between buffered and streaming execution.
type StreamMode int

const (
	// StreamAuto streams commands that look long-running.
	StreamAuto StreamMode = iota
	StreamOn
	StreamOff
)

// ExecResult is the synchronous answer to Execute. A streaming call
// carries no output; it arrives as stream-data events.
type ExecResult struct {
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exitCode"`
	CurrentDir string `json:"currentDir"`
	Streaming  bool   `json:"streaming"`
	// Command is what was sent to the remote shell.
	Command string `json:"command"`
}

// IsStreaming reports whether command looks like it never exits on its
// own (follow modes, log tails).
func IsStreaming(command string) bool {
	return strings.Contains(command, " -f") ||
		strings.Contains(command, "tail -f") ||
		strings.Contains(command, "docker logs")
}

// resolveCommand applies working-directory emulation. Each exec channel
// starts a fresh shell, so a cd is rewritten to print the directory and
// every other command is prefixed with a cd into the stored one.
func resolveCommand(command, cwd string) (dispatch, dir string, isCd bool) {
	trimmed := strings.TrimSpace(command)
	if trimmed != "cd" && !strings.HasPrefix(trimmed, "cd ") {
		if cwd != HomeDir {
			return "cd " + cwd + " && " + command, cwd, false
		}
		return command, cwd, false
	}

	target := strings.TrimSpace(strings.TrimPrefix(trimmed, "cd"))
	switch {
	case target == "" || target == HomeDir:
		dir = HomeDir
	case strings.HasPrefix(target, "/"), strings.HasPrefix(target, "~/"):
		dir = target
	case cwd == HomeDir:
		dir = target
	default:
		// No ".." folding; the remote shell resolves it.
		dir = strings.TrimSuffix(cwd, "/") + "/" + target
	}
	return "cd " + dir + " && pwd", dir, true
}

// Execute runs command on the session. cd commands always run buffered
// and update the stored directory.
func (s *Service) Execute(ctx context.Context, id, command string, mode StreamMode) (*ExecResult, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: command is empty", ErrInvalidArgument)
	}

	dispatch, dir, isCd := resolveCommand(command, sess.dir())

	streaming := false
	if !isCd {
		switch mode {
		case StreamOn:
			streaming = true
		case StreamAuto:
			streaming = IsStreaming(command)
		}
	}

	slog.Debug("execute", "session", id, "command", dispatch, "streaming", streaming)

	if streaming {
		if err := s.startStream(ctx, sess, dispatch); err != nil {
			return nil, err
		}
		return &ExecResult{CurrentDir: sess.dir(), Streaming: true, Command: dispatch}, nil
	}

	res, err := runBuffered(ctx, sess.client, dispatch)
	if err != nil {
		return nil, err
	}
	if isCd {
		sess.setDir(dir)
	}
	res.CurrentDir = sess.dir()
	res.Command = dispatch
	return res, nil
}

// runBuffered runs command to completion. Cancelling ctx closes the
// channel.
func runBuffered(ctx context.Context, client Transport, command string) (*ExecResult, error) {
	ch, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: exec: %v", ErrChannelOpen, err)
	}
	defer ch.Close()

	var stdout, stderr bytes.Buffer
	ch.Stdout = &stdout
	ch.Stderr = &stderr

	if err := ch.Start(command); err != nil {
		return nil, fmt.Errorf("%w: exec %q: %v", ErrChannelOpen, command, err)
	}

	done := make(chan error, 1)
	go func() { done <- ch.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		ch.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %q", deckssh.ErrTimeout, command)
		}
		return nil, ctx.Err()
	}

	code, _, ok := exitStatus(err)
	if !ok {
		return nil, fmt.Errorf("%w: exec %q: %v", deckssh.ErrTransport, command, err)
	}
	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

// exitStatus decodes Session.Wait's result. ok is false when the channel
// failed rather than the command finishing.
func exitStatus(err error) (code int, signal string, ok bool) {
	if err == nil {
		return 0, "", true
	}
	var exitErr *gossh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), exitErr.Signal(), true
	}
	var missing *gossh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, "", true
	}
	return -1, "", false
}
