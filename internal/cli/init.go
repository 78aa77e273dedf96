package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sshdeck/sshdeck/internal/auth"
	"github.com/sshdeck/sshdeck/internal/config"
	deckssh "github.com/sshdeck/sshdeck/internal/ssh"
)

var initNoToken bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with an API token and a client key pair",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initNoToken, "no-token", false, "leave the API unauthenticated")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	fmt.Printf("Config: %s\n", config.FilePath())

	if cfg.API.Token == "" && !initNoToken {
		if cfg.API.Token, err = auth.Generate(); err != nil {
			return fmt.Errorf("generating API token: %w", err)
		}
		fmt.Println("Generated API token.")
	}

	path, generated, err := deckssh.EnsureKeyPair(config.KeyDir())
	if err != nil {
		return err
	}
	if generated {
		fmt.Printf("Client key pair written to %s\n", path)
	} else {
		fmt.Println("Client key pair already exists, skipping generation.")
	}

	if err := config.Save(cfg); err != nil {
		return err
	}
	fmt.Println("Done. Start the daemon with `sshdeck serve`.")
	return nil
}
