package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sshdeck/sshdeck/internal/config"
	deckssh "github.com/sshdeck/sshdeck/internal/ssh"
)

var keygenDir string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create an ed25519 client key pair",
	Long: `Create an ed25519 key pair for public key logins. An existing pair is
kept. Add the printed public key to the remote ~/.ssh/authorized_keys and
connect with -i <path>.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := keygenDir
		if dir == "" {
			dir = config.KeyDir()
		}
		path, generated, err := deckssh.EnsureKeyPair(dir)
		if err != nil {
			return err
		}
		if generated {
			fmt.Printf("Generated %s\n", path)
		} else {
			fmt.Printf("Key pair already exists at %s\n", path)
		}
		pub, err := os.ReadFile(path + ".pub")
		if err != nil {
			return fmt.Errorf("reading public key: %w", err)
		}
		fmt.Print(string(pub))
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenDir, "dir", "", "output directory (default: <config dir>/keys)")
	rootCmd.AddCommand(keygenCmd)
}
