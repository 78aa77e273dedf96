package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshdeck/sshdeck/internal/api"
	"github.com/sshdeck/sshdeck/internal/auth"
	"github.com/sshdeck/sshdeck/internal/config"
	"github.com/sshdeck/sshdeck/internal/core"
	"github.com/sshdeck/sshdeck/internal/dashboard"
	"github.com/sshdeck/sshdeck/internal/logging"
	deckssh "github.com/sshdeck/sshdeck/internal/ssh"
	"github.com/sshdeck/sshdeck/internal/tunnel"
)

var serveNoDashboard bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sshdeck daemon (gRPC API and dashboard)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoDashboard, "no-dashboard", false, "do not start the web dashboard")
	rootCmd.AddCommand(serveCmd)
}

// serviceOptions maps the config file onto the session service.
func serviceOptions(cfg *config.Config) core.Options {
	return core.Options{
		Dial: deckssh.Options{
			Timeout:        cfg.SSH.ConnectTimeout.Std(),
			KnownHostsPath: cfg.SSH.KnownHosts,
		},
		KeepaliveInterval:  cfg.SSH.KeepaliveInterval.Std(),
		DisconnectGrace:    cfg.Session.DisconnectGrace.Std(),
		StreamStartTimeout: cfg.Session.StreamStartTimeout.Std(),
		Tunnel: tunnel.Options{
			DialTimeout:   cfg.Tunnel.DialTimeout.Std(),
			ProbeTimeout:  cfg.Tunnel.ProbeTimeout.Std(),
			MaxPerSession: cfg.Tunnel.MaxPerSession,
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	level := logLevel
	if !cmd.Flags().Changed("log-level") {
		level = cfg.LogLevel
	}

	// Mirror logs into the dashboard console.
	logs := dashboard.NewLogBuffer(500)
	slog.SetDefault(slog.New(logs.Handler(logging.NewHandler(os.Stderr, level))))

	fmt.Printf("Config: %s\n", config.FilePath())

	svc := core.New(serviceOptions(cfg))
	token := auth.NewToken(cfg.API.Token)
	if !token.Enabled() {
		slog.Warn("api.token is empty; the API and dashboard accept any local client")
	}

	apiSrv := api.NewServer(svc, cfg.API.Listen, token)
	errc := make(chan error, 2)
	go func() {
		if err := apiSrv.Run(); err != nil {
			errc <- fmt.Errorf("gRPC API: %w", err)
		}
	}()

	var dashSrv *dashboard.Server
	if cfg.Dashboard.Listen != "" && !serveNoDashboard {
		dashSrv = dashboard.NewServer(svc, cfg.Dashboard.Listen, dashboard.Options{
			Version: api.Version,
			Logs:    logs,
			Token:   token,
		})
		go func() {
			fmt.Printf("Dashboard on http://%s\n", cfg.Dashboard.Listen)
			if err := dashSrv.Run(); err != nil {
				errc <- fmt.Errorf("dashboard: %w", err)
			}
		}()
	}

	fmt.Println("sshdeck running. Press Ctrl-C to stop.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		slog.Info("shutting down", "signal", s.String())
	case err = <-errc:
		slog.Error("server failed", "error", err)
	}

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if dashSrv != nil {
		dashSrv.Shutdown(ctx)
	}
	if serr := svc.Shutdown(ctx); serr != nil {
		slog.Warn("session shutdown incomplete", "error", serr)
	}
	svc.Bus().Close()
	apiSrv.Stop()
	return err
}
