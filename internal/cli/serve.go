package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/lucasnoah/agentflow/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only web dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		port, _ := cmd.Flags().GetInt("port")
		addr := fmt.Sprintf(":%d", port)
		fmt.Fprintf(cmd.OutOrStdout(), "agentflow dashboard: http://localhost%s\n", addr)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return web.NewServer(orch, orch.Journal(), addr, newLogger(cmd)).Start(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 17432, "Port to listen on")
}
