package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "agentflow",
	Short: "agentflow: issue-driven delivery pipeline for coding agents",
	Long: `agentflow moves a requested issue through spec, plan and execution
phases. Each phase is handed to a coding agent as a work item; merged pull
requests advance the pipeline and plan tasks are dispatched one at a time.

State is an append-only log of snapshots (issue comments, local files or
PostgreSQL). Every orchestration step is journaled to a local SQLite file.
Workflow triggers call this CLI on pull request events, comments and a
schedule.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to agent config (default .github/agent/config.yml)")
	pf.String("repo", "", "repository as owner/name (overrides agent.repo)")
	pf.String("log-level", "warn", "log level: debug, info, warn or error")
	pf.String("log-format", "text", "log format: text or json")
	_ = viper.BindPFlag("config", pf.Lookup("config"))
	_ = viper.BindPFlag("repo", pf.Lookup("repo"))
	_ = viper.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("log_format", pf.Lookup("log-format"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(phaseCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(markerCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(orchestratorCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(serveCmd)
}

// initConfig binds AGENTFLOW_* environment variables, e.g. AGENTFLOW_REPO
// or AGENTFLOW_STATE_BACKEND.
func initConfig() {
	viper.SetEnvPrefix("AGENTFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	for _, key := range []string{"state.backend", "state.dir", "state.dsn", "journal.path"} {
		_ = viper.BindEnv(key)
	}
}
