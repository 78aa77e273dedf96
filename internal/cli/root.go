package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/sshdeck/sshdeck/internal/api"
	"github.com/sshdeck/sshdeck/internal/auth"
	"github.com/sshdeck/sshdeck/internal/config"
	"github.com/sshdeck/sshdeck/internal/logging"
)

var (
	logLevel string
	apiAddr  string
	apiToken string
)

var rootCmd = &cobra.Command{
	Use:   "sshdeck",
	Short: "sshdeck — many SSH sessions, one control point",
	Long: `sshdeck keeps many SSH sessions open at once and lets you drive them:
run commands with a remembered working directory, follow long-running
output, open interactive terminals and manage port forwards per session.

Run "sshdeck serve" to start the daemon, then use the other commands or
the web dashboard against it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "gRPC API address of a running serve (default from config)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API token (default from config)")
}

func Execute() error {
	return rootCmd.Execute()
}

// dialAPI connects to the daemon started by "sshdeck serve".
func dialAPI() (*api.Client, error) {
	addr, token := apiAddr, apiToken
	if addr == "" || token == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		if addr == "" {
			addr = cfg.API.Listen
		}
		if token == "" {
			token = cfg.API.Token
		}
	}
	client, err := api.Dial(addr, grpc.WithPerRPCCredentials(auth.Credentials(token)))
	if err != nil {
		return nil, fmt.Errorf("no sshdeck daemon at %s (start one with `sshdeck serve`): %w", addr, err)
	}
	return client, nil
}

// requestTimeout bounds unary calls made by the thin client commands.
const requestTimeout = 30 * time.Second

// withClient dials the daemon and runs fn with a bounded context.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	client, err := dialAPI()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return fn(ctx, client)
}
