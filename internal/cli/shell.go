package cli

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/sshdeck/sshdeck/internal/core"
)

// runShell attaches the local terminal to a remote interactive shell of
// session id until the shell exits.
func runShell(ctx context.Context, svc *core.Service, id string) error {
	fd := int(os.Stdin.Fd())
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		cols, rows = 80, 24
	}

	sub := svc.Bus().Subscribe(id, 256)
	defer sub.Close()

	if err := svc.CreateTerminal(ctx, id, cols, rows); err != nil {
		return fmt.Errorf("opening terminal: %w", err)
	}

	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			svc.CloseTerminal(id)
			return fmt.Errorf("setting raw terminal: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	stopResize := watchTermResize(fd, func(cols, rows int) {
		svc.ResizeTerminal(id, cols, rows)
	})
	defer stopResize()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := svc.WriteTerminal(id, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				svc.CloseTerminal(id)
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			svc.CloseTerminal(id)
			return ctx.Err()
		case <-sub.Done():
			return nil
		case ev := <-sub.Events():
			switch ev.Type {
			case core.EventTerminalData:
				os.Stdout.Write(ev.Data)
			case core.EventTerminalClose:
				if !svc.HasTerminal(id) {
					return nil
				}
			case core.EventSessionClosed:
				return fmt.Errorf("session closed: %s", ev.Reason)
			}
		}
	}
}
