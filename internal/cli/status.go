package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sshdeck/sshdeck/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := dialAPI()
	if err != nil {
		fmt.Printf("  Config: %s\n", config.FilePath())
		fmt.Println("  (daemon not running — start with `sshdeck serve`)")
		return nil
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("getting status: %w", err)
	}

	fmt.Printf("  Version:     %s\n", orDash(resp.Version))
	fmt.Printf("  Uptime:      %s\n", resp.Uptime)
	fmt.Printf("  Sessions:    %d\n", resp.Sessions)
	fmt.Printf("  Tunnels:     %d\n", resp.Tunnels)
	fmt.Printf("  Subscribers: %d\n", resp.Subscribers)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}
