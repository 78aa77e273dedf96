package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sshdeck/sshdeck/internal/api"
	"github.com/sshdeck/sshdeck/internal/tunnel"
)

var tunnelRemote bool

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Manage a session's port forwards",
}

var tunnelListCmd = &cobra.Command{
	Use:   "list <connection-id>",
	Short: "List a session's tunnels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			tunnels, err := c.ListTunnels(ctx, args[0])
			if err != nil {
				return err
			}
			printTunnels(tunnels)
			return nil
		})
	},
}

var tunnelStartCmd = &cobra.Command{
	Use:   "start <connection-id> <spec>",
	Short: "Start a tunnel ([name=][listenHost:]listenPort:targetHost:targetPort)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := tunnel.TypeLocal
		if tunnelRemote {
			typ = tunnel.TypeRemote
		}
		spec, err := tunnel.ParseSpec(typ, args[1])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			info, err := c.StartTunnel(ctx, args[0], spec)
			if err != nil {
				return err
			}
			fmt.Printf("  ✓ %s %s → %s (%s)\n", info.Name, info.ListenAddr(), info.TargetAddr(), info.Type)
			return nil
		})
	},
}

var tunnelStopCmd = &cobra.Command{
	Use:   "stop <connection-id> <name|listen-address>",
	Short: "Stop a tunnel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.StopTunnel(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("tunnel stopped")
			return nil
		})
	},
}

var tunnelCheckCmd = &cobra.Command{
	Use:   "check <host> <port>",
	Short: "Probe whether host:port accepts TCP connections",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid port %q", args[1])
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.CheckTunnel(ctx, args[0], port)
			if err != nil {
				return err
			}
			if st.Reachable {
				fmt.Printf("  ✓ %s:%d reachable (%s)\n", st.Host, st.Port, st.Latency)
				return nil
			}
			return fmt.Errorf("%s:%d unreachable: %s", st.Host, st.Port, st.Error)
		})
	},
}

func init() {
	tunnelStartCmd.Flags().BoolVarP(&tunnelRemote, "remote", "R", false, "remote forward (listen on the server)")
	tunnelCmd.AddCommand(tunnelListCmd, tunnelStartCmd, tunnelStopCmd, tunnelCheckCmd)
	rootCmd.AddCommand(tunnelCmd)
}

func printTunnels(tunnels []tunnel.Info) {
	if len(tunnels) == 0 {
		fmt.Println("  No tunnels.")
		return
	}

	fmt.Println()
	for _, t := range tunnels {
		fmt.Printf("  %s  [%s] %s\n", t.Name, t.Type, t.State)
		fmt.Printf("    %s → %s\n", t.ListenAddr(), t.TargetAddr())
		fmt.Printf("    Connections: %d  In: %d B  Out: %d B\n", t.Connections, t.BytesIn, t.BytesOut)
		if t.Error != "" {
			fmt.Printf("    Error: %s\n", t.Error)
		}
	}
}
