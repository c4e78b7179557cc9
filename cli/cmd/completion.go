package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate a shell completion script for custody",
	Long: `Generate a completion script covering the keyring, record, audit, ledger and config
commands, including the values accepted by --store-type, --audit-log-type, --mode and --action.

Bash:
  $ source <(custody completion bash)
  $ custody completion bash > /etc/bash_completion.d/custody

Zsh:
  $ custody completion zsh > "${fpath[1]}/_custody"

fish:
  $ custody completion fish > ~/.config/fish/completions/custody.fish

PowerShell:
  PS> custody completion powershell | Out-String | Invoke-Expression

Start a new shell after installing the script.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

// registerCompletion offers a fixed set of values for a flag of cmd
func registerCompletion(cmd *cobra.Command, flag string, values ...string) {
	complete := func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return values, cobra.ShellCompDirectiveNoFileComp
	}
	if err := cmd.RegisterFlagCompletionFunc(flag, complete); err != nil {
		panic(fmt.Sprintf("failed to register completion for %s: %v", flag, err))
	}
}

func generateCompletion(cmd *cobra.Command, args []string) error {
	root, out := cmd.Root(), cmd.OutOrStdout()
	switch args[0] {
	case "bash":
		return root.GenBashCompletionV2(out, true)
	case "zsh":
		return root.GenZshCompletion(out)
	case "fish":
		return root.GenFishCompletion(out, true)
	case "powershell":
		return root.GenPowerShellCompletionWithDesc(out)
	}
	return fmt.Errorf("unsupported shell: %s", args[0])
}
