package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion",
	Short: "Generate zsh completion script",
	Long: `Generate zsh completion script for sshdeck.

To load completions in your current shell session:

  source <(sshdeck completion)

To load completions for every new session, add to your ~/.zshrc:

  source <(sshdeck completion)

Or write to the zsh completions directory:

  sshdeck completion > "${fpath[1]}/_sshdeck"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return rootCmd.GenZshCompletion(os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
