package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sshdeck/sshdeck/internal/api"
	"github.com/sshdeck/sshdeck/internal/core"
)

var execFlags struct {
	stream   bool
	noStream bool
	noFollow bool
}

var execCmd = &cobra.Command{
	Use:   "exec <connection-id> <command...>",
	Short: "Run a command in a session",
	Long: `Run a command in a session's current directory. "cd" changes the
directory for later commands.

Commands like "tail -f" stream: their output is followed until Ctrl-C,
which interrupts the remote command.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

func init() {
	execCmd.Flags().BoolVar(&execFlags.stream, "stream", false, "force streaming mode")
	execCmd.Flags().BoolVar(&execFlags.noStream, "no-stream", false, "force buffered mode")
	execCmd.Flags().BoolVar(&execFlags.noFollow, "no-follow", false, "return as soon as a streaming command starts")
	execCmd.MarkFlagsMutuallyExclusive("stream", "no-stream")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	id, command := args[0], strings.Join(args[1:], " ")
	var stream *bool
	switch {
	case execFlags.stream:
		stream = &execFlags.stream
	case execFlags.noStream:
		off := false
		stream = &off
	}

	client, err := dialAPI()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Subscribe first so the start of streamed output is not lost.
	var events *api.EventStream
	if !execFlags.noFollow && (stream == nil || *stream) {
		if events, err = client.Events(ctx, id); err != nil {
			return fmt.Errorf("subscribing to events: %w", err)
		}
	}

	res, err := client.Execute(ctx, id, command, stream)
	if err != nil {
		return err
	}
	if !res.Streaming {
		fmt.Fprint(os.Stdout, res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
		if res.ExitCode != 0 {
			return fmt.Errorf("exit status %d", res.ExitCode)
		}
		return nil
	}
	if events == nil {
		fmt.Printf("streaming %q in %s\n", res.Command, res.CurrentDir)
		return nil
	}
	return followStream(ctx, client, id, events)
}

// followStream prints stream output until the command ends. Cancelling
// ctx interrupts the remote command.
func followStream(ctx context.Context, client *api.Client, id string, events *api.EventStream) error {
	for {
		ev, err := events.Recv()
		if err != nil {
			if ctx.Err() != nil {
				ictx, cancel := context.WithTimeout(context.Background(), requestTimeout)
				defer cancel()
				if _, ierr := client.Interrupt(ictx, id); ierr != nil {
					return ierr
				}
				fmt.Fprintln(os.Stderr, "\ninterrupted")
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch ev.Type {
		case core.EventStreamData:
			if ev.Stream == "stderr" {
				os.Stderr.Write(ev.Data)
			} else {
				os.Stdout.Write(ev.Data)
			}
		case core.EventStreamEnd:
			switch {
			case ev.Signal != "":
				return fmt.Errorf("terminated by signal %s", ev.Signal)
			case ev.ExitCode != nil && *ev.ExitCode != 0:
				return fmt.Errorf("exit status %d", *ev.ExitCode)
			}
			return nil
		case core.EventSessionClosed:
			return fmt.Errorf("session closed: %s", ev.Reason)
		}
	}
}

var interruptCmd = &cobra.Command{
	Use:   "interrupt <connection-id>",
	Short: "Stop the session's streaming command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialAPI()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		msg, err := client.Interrupt(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(interruptCmd)
}
