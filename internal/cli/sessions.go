package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshdeck/sshdeck/internal/core"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List open sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialAPI()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		sessions, err := client.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		printSessions(sessions)
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <connection-id>",
	Short: "Close a session and everything it owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialAPI()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := client.Disconnect(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("disconnected")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(disconnectCmd)
}

func printSessions(sessions []core.SessionInfo) {
	if len(sessions) == 0 {
		fmt.Println("  No open sessions.")
		return
	}

	fmt.Println()
	for _, s := range sessions {
		fmt.Printf("  %s  %s@%s:%d\n", s.ID, s.User, s.Host, s.Port)
		fmt.Printf("    Dir:      %s\n", s.CurrentDir)
		fmt.Printf("    Since:    %s\n", s.CreatedAt.Local().Format(time.DateTime))
		fmt.Printf("    Tunnels:  %d\n", s.Tunnels)
		if s.Streaming {
			fmt.Println("    Streaming command active")
		}
		if s.Terminal {
			fmt.Println("    Terminal open")
		}
	}
}
