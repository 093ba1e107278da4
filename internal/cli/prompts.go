package cli

import (
	"fmt"

	"github.com/lucasnoah/agentflow/internal/prompt"
	"github.com/spf13/cobra"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage the work item body templates",
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range prompt.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var promptsInstallCmd = &cobra.Command{
	Use:   "install [dir]",
	Short: "Copy the built-in templates into a directory for editing",
	Long: `Writes every built-in template into dir, or the configured prompts
directory when dir is omitted. Files that already exist are kept.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dir string
		if len(args) == 1 {
			dir = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.Paths.PromptsDir
		}
		if dir == "" {
			return fmt.Errorf("no templates directory: pass one or set paths.prompts_dir")
		}

		written, err := prompt.Install(dir)
		if err != nil {
			return err
		}
		for _, name := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d template(s) installed in %s\n", len(written), dir)
		return nil
	},
}

func init() {
	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsInstallCmd)
}
