package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/lucasnoah/agentflow/internal/orchestrator"
	"github.com/spf13/cobra"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "React to platform events and reconcile in-flight entities",
}

func printResult(cmd *cobra.Command, res *orchestrator.Result) error {
	if isJSON(cmd) {
		return writeJSON(cmd, res)
	}
	line := fmt.Sprintf("#%d %s", res.Entity, res.Action)
	if res.Phase != "" {
		line += " " + res.Phase
	}
	if res.TaskKey != "" {
		line += " " + res.TaskKey
	}
	if res.Message != "" {
		line += ": " + res.Message
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
	if res.Dispatch != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "  dispatch: %s %s\n", res.Dispatch.Action, res.Dispatch.TaskKey)
	}
	if res.Merge != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "  merge #%d: %s\n", res.Merge.Number, res.Merge.Reason)
	}
	return nil
}

// entityOp runs one orchestrator handler keyed by a number argument.
type entityOp func(cmd *cobra.Command, o *orchestrator.Orchestrator, n int) (*orchestrator.Result, error)

func newOrchestratorCmd(use, short, what string, op entityOp) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseNumber(what, args[0])
			if err != nil {
				return err
			}
			orch, cleanup, err := newOrchestrator(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := op(cmd, orch, n)
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		},
	}
	c.Flags().String("format", "text", "Output format: text or json")
	return c
}

var (
	orchestratorBeginCmd = newOrchestratorCmd("begin <entity>", "Initialize state for a requested entity and start its first phase", "issue",
		func(cmd *cobra.Command, o *orchestrator.Orchestrator, n int) (*orchestrator.Result, error) {
			return o.Begin(cmd.Context(), n)
		})
	orchestratorMergedCmd = newOrchestratorCmd("merged <pr>", "Handle a merged pull request", "pull request",
		func(cmd *cobra.Command, o *orchestrator.Orchestrator, n int) (*orchestrator.Result, error) {
			return o.HandleChangeRequestMerged(cmd.Context(), n)
		})
	orchestratorOpenedCmd = newOrchestratorCmd("opened <pr>", "Handle an opened or updated pull request", "pull request",
		func(cmd *cobra.Command, o *orchestrator.Orchestrator, n int) (*orchestrator.Result, error) {
			return o.HandleChangeRequestOpened(cmd.Context(), n)
		})
	orchestratorCommandCmd = newOrchestratorCmd("command <number>", "Apply a slash command posted on an issue or pull request", "issue",
		func(cmd *cobra.Command, o *orchestrator.Orchestrator, n int) (*orchestrator.Result, error) {
			body, _ := cmd.Flags().GetString("body")
			name, arg, ok := orchestrator.ParseCommand(body)
			if !ok {
				return nil, fmt.Errorf("%q: %w", body, orchestrator.ErrUnknownCommand)
			}
			entity, err := o.ResolveEntity(cmd.Context(), n)
			if err != nil {
				return nil, err
			}
			actor, _ := cmd.Flags().GetString("actor")
			return o.Command(cmd.Context(), entity, name, arg, actor)
		})
)

var orchestratorCheckInCmd = &cobra.Command{
	Use:   "check-in",
	Short: "Reconcile every in-flight entity",
	Long: `Sweeps every entity with recorded state:
  - Done or aborted: passed over
  - Paused or not yet executing: reported as skipped
  - Executing: settles a task whose pull request merged unseen,
    retries the l1 auto-merge and dispatches the next task

Designed to be called on a schedule (e.g. every 5 minutes).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := orch.CheckIn(cmd.Context())
		if err != nil {
			return err
		}
		if isJSON(cmd) {
			return writeJSON(cmd, result)
		}
		if len(result.Actions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No active entities.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ENTITY\tACTION\tPHASE\tTASK\tMESSAGE")
		for _, a := range result.Actions {
			msg := a.Message
			if len(msg) > 60 {
				msg = msg[:57] + "..."
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.Entity, a.Action, a.Phase, a.TaskKey, msg)
		}
		return w.Flush()
	},
}

func init() {
	orchestratorCheckInCmd.Flags().String("format", "text", "Output format: text or json")
	orchestratorCommandCmd.Flags().String("body", "", "Comment body holding the command")
	orchestratorCommandCmd.Flags().String("actor", "", "Who posted the command")
	_ = orchestratorCommandCmd.MarkFlagRequired("body")

	orchestratorCmd.AddCommand(orchestratorBeginCmd)
	orchestratorCmd.AddCommand(orchestratorMergedCmd)
	orchestratorCmd.AddCommand(orchestratorOpenedCmd)
	orchestratorCmd.AddCommand(orchestratorCommandCmd)
	orchestratorCmd.AddCommand(orchestratorCheckInCmd)
}
