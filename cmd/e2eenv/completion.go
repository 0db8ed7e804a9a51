package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:

  $ source <(e2eenv completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ e2eenv completion bash > /etc/bash_completion.d/e2eenv
  # macOS:
  $ e2eenv completion bash > $(brew --prefix)/etc/bash_completion.d/e2eenv

Zsh:

  # If shell completion is not already enabled in your environment,
  # you will need to enable it.  You can execute the following once:

  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ e2eenv completion zsh > "${fpath[1]}/_e2eenv"

  # You will need to start a new shell for this setup to take effect.

Fish:

  $ e2eenv completion fish | source

  # To load completions for each session, execute once:
  $ e2eenv completion fish > ~/.config/fish/completions/e2eenv.fish
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(out)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		default:
			return fmt.Errorf("unsupported shell type %q", args[0])
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
