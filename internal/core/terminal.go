package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	gossh "golang.org/x/crypto/ssh"
)

// MaxTerminalDim bounds cols and rows.
const MaxTerminalDim = 500

// TerminalType is the TERM requested for interactive shells.
const TerminalType = "xterm-256color"

type terminal struct {
	ch    *gossh.Session
	stdin io.WriteCloser

	mu   sync.Mutex
	cols int
	rows int
}

func (t *terminal) close() {
	t.stdin.Close()
	t.ch.Close()
}

func validDims(cols, rows int) error {
	if cols < 1 || rows < 1 || cols > MaxTerminalDim || rows > MaxTerminalDim {
		return fmt.Errorf("%w: terminal size %dx%d outside 1..%d", ErrInvalidArgument, cols, rows, MaxTerminalDim)
	}
	return nil
}

// CreateTerminal opens an interactive PTY shell. Output arrives as
// terminal-data events, and terminal-close follows when the shell ends.
// An existing terminal of the session is closed first.
func (s *Service) CreateTerminal(ctx context.Context, id string, cols, rows int) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	if err := validDims(cols, rows); err != nil {
		return err
	}

	if old := sess.takeTerminal(); old != nil {
		old.close()
	}

	ch, err := sess.client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: shell: %v", ErrChannelOpen, err)
	}

	modes := gossh.TerminalModes{
		gossh.ECHO:          1,
		gossh.TTY_OP_ISPEED: 14400,
		gossh.TTY_OP_OSPEED: 14400,
	}
	if err := ch.RequestPty(TerminalType, rows, cols, modes); err != nil {
		ch.Close()
		return fmt.Errorf("%w: pty: %v", ErrChannelOpen, err)
	}

	stdin, err := ch.StdinPipe()
	if err != nil {
		ch.Close()
		return fmt.Errorf("%w: stdin: %v", ErrChannelOpen, err)
	}
	out := &chunkWriter{publish: func(data []byte) {
		s.bus.Publish(Event{Type: EventTerminalData, ConnectionID: id, Data: data})
	}}
	ch.Stdout = out
	ch.Stderr = out

	if err := ch.Shell(); err != nil {
		ch.Close()
		return fmt.Errorf("%w: shell: %v", ErrChannelOpen, err)
	}

	term := &terminal{ch: ch, stdin: stdin, cols: cols, rows: rows}
	if prev := sess.setTerminal(term); prev != nil {
		prev.close()
	}

	go func() {
		ch.Wait()
		sess.clearTerminal(term)
		ch.Close()
		s.bus.Publish(Event{Type: EventTerminalClose, ConnectionID: id})
		slog.Debug("terminal closed", "session", id)
	}()

	slog.Info("terminal opened", "session", id, "cols", cols, "rows", rows)
	return nil
}

func (s *Service) terminal(id string) (*terminal, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	t := sess.getTerminal()
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	return t, nil
}

// WriteTerminal forwards keystrokes to the shell unmodified.
func (s *Service) WriteTerminal(id string, data []byte) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to terminal: %w", err)
	}
	return nil
}

// ResizeTerminal sends a window-change request.
func (s *Service) ResizeTerminal(id string, cols, rows int) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	if err := validDims(cols, rows); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ch.WindowChange(rows, cols); err != nil {
		return fmt.Errorf("resizing terminal: %w", err)
	}
	t.cols, t.rows = cols, rows
	return nil
}

// CloseTerminal closes the session's terminal.
func (s *Service) CloseTerminal(id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	t := sess.takeTerminal()
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	t.close()
	return nil
}

// HasTerminal reports whether the session has an open terminal.
func (s *Service) HasTerminal(id string) bool {
	sess, err := s.session(id)
	return err == nil && sess.getTerminal() != nil
}
