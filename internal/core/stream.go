package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

// activeStream is a running streaming command.
type activeStream struct {
	sessionID string
	command   string
	startedAt time.Time

	ch    *gossh.Session
	stdin io.WriteCloser
}

// interrupt delivers SIGINT, closes stdin and then the channel. Errors are
// ignored; the peer may already be gone.
func (st *activeStream) interrupt() {
	st.ch.Signal(gossh.SIGINT)
	if st.stdin != nil {
		st.stdin.Close()
	}
	st.ch.Close()
}

// chunkWriter republishes every write as one event. x/crypto runs one
// copy goroutine per output stream, so writes arrive in channel order;
// the lock only guards against a shared writer.
type chunkWriter struct {
	mu      sync.Mutex
	publish func(data []byte)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.publish(append([]byte(nil), p...))
	return len(p), nil
}

// startStream opens an exec channel for command, registers it as the
// session's stream and returns once output starts, the command ends or
// the start timeout passes, whichever comes first.
func (s *Service) startStream(ctx context.Context, sess *Session, command string) error {
	ch, err := sess.client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: exec: %v", ErrChannelOpen, err)
	}

	first := make(chan struct{})
	var firstOnce sync.Once
	output := func(stream string) io.Writer {
		return &chunkWriter{publish: func(data []byte) {
			firstOnce.Do(func() { close(first) })
			s.bus.Publish(Event{
				Type:         EventStreamData,
				ConnectionID: sess.ID,
				Stream:       stream,
				Data:         data,
			})
		}}
	}
	ch.Stdout = output("stdout")
	ch.Stderr = output("stderr")

	stdin, err := ch.StdinPipe()
	if err != nil {
		ch.Close()
		return fmt.Errorf("%w: stdin: %v", ErrChannelOpen, err)
	}
	if err := ch.Start(command); err != nil {
		ch.Close()
		return fmt.Errorf("%w: exec %q: %v", ErrChannelOpen, command, err)
	}

	st := &activeStream{
		sessionID: sess.ID,
		command:   command,
		startedAt: time.Now(),
		ch:        ch,
		stdin:     stdin,
	}
	if prev := sess.setStream(st); prev != nil {
		// The previous command keeps running untracked until its channel
		// or the transport closes.
		slog.Debug("stream replaced", "session", sess.ID, "command", prev.command)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := ch.Wait()
		code, signal, _ := exitStatus(err)
		sess.clearStream(st)
		ch.Close()
		s.bus.Publish(Event{
			Type:         EventStreamEnd,
			ConnectionID: sess.ID,
			ExitCode:     &code,
			Signal:       signal,
		})
		slog.Debug("stream ended", "session", sess.ID, "exitCode", code, "signal", signal,
			"duration", time.Since(st.startedAt))
	}()

	timer := time.NewTimer(s.opts.StreamStartTimeout)
	defer timer.Stop()
	select {
	case <-first:
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}

// Interrupt stops the session's streaming command.
func (s *Service) Interrupt(id string) (string, error) {
	sess, err := s.session(id)
	if err != nil {
		return "", err
	}
	st := sess.takeStream()
	if st == nil {
		return "", ErrNothingActive
	}
	st.interrupt()
	slog.Info("stream interrupted", "session", id, "command", st.command)
	return "command interrupted", nil
}
