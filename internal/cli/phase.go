package cli

import (
	"context"
	"fmt"

	"github.com/lucasnoah/agentflow/internal/phase"
	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/spf13/cobra"
)

var phaseCmd = &cobra.Command{
	Use:   "phase",
	Short: "Drive an entity's phases by hand",
}

// phaseOp adapts one machine operation to a subcommand.
type phaseOp func(ctx context.Context, cmd *cobra.Command, m *phase.Machine, entity int, p pipeline.Phase) (*pipeline.Snapshot, error)

func newPhaseCmd(use, short string, op phaseOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <entity> <phase>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := parseNumber("issue", args[0])
			if err != nil {
				return err
			}
			p, ok := pipeline.ParsePhase(args[1])
			if !ok {
				return fmt.Errorf("%q: %w", args[1], phase.ErrUnknownPhase)
			}
			a, cleanup, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			m := phase.NewMachine(a.store, a.client, a.cfg, a.prompts, a.logger)
			s, err := op(cmd.Context(), cmd, m, entity, p)
			if err != nil {
				return err
			}
			if isJSON(cmd) {
				return writeJSON(cmd, s)
			}
			rec := s.Phases.Get(p)
			fmt.Fprintf(cmd.OutOrStdout(), "#%d %s: %s (version %d, progress %d%%)\n",
				entity, p, rec.Status, s.Version, phase.Progress(s))
			return nil
		},
	}
}

var (
	phaseStartCmd = newPhaseCmd("start", "Create the phase work item and mark the phase in progress",
		func(ctx context.Context, _ *cobra.Command, m *phase.Machine, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
			return m.Start(ctx, entity, p)
		})
	phaseCompleteCmd = newPhaseCmd("complete", "Mark an in-progress phase done and advance",
		func(ctx context.Context, cmd *cobra.Command, m *phase.Machine, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
			pr, _ := cmd.Flags().GetInt("pr")
			return m.Complete(ctx, entity, p, pr)
		})
	phaseFailCmd = newPhaseCmd("fail", "Mark an in-progress phase failed",
		func(ctx context.Context, cmd *cobra.Command, m *phase.Machine, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
			reason, _ := cmd.Flags().GetString("reason")
			return m.Fail(ctx, entity, p, reason)
		})
	phaseRetryCmd = newPhaseCmd("retry", "Re-run a failed or cancelled phase with a fresh work item",
		func(ctx context.Context, _ *cobra.Command, m *phase.Machine, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
			return m.Retry(ctx, entity, p)
		})
	phaseSkipCmd = newPhaseCmd("skip", "Skip a phase and advance",
		func(ctx context.Context, _ *cobra.Command, m *phase.Machine, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
			return m.Skip(ctx, entity, p)
		})
	phaseCancelCmd = newPhaseCmd("cancel", "Cancel a phase without advancing",
		func(ctx context.Context, _ *cobra.Command, m *phase.Machine, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
			return m.Cancel(ctx, entity, p)
		})
	phaseReopenCmd = newPhaseCmd("reopen", "Reopen a finished phase's work item",
		func(ctx context.Context, _ *cobra.Command, m *phase.Machine, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
			return m.Reopen(ctx, entity, p)
		})
)

func init() {
	phaseCompleteCmd.Flags().Int("pr", 0, "Pull request that delivered the phase")
	phaseFailCmd.Flags().String("reason", "", "Why the phase failed")

	for _, c := range []*cobra.Command{phaseStartCmd, phaseCompleteCmd, phaseFailCmd, phaseRetryCmd, phaseSkipCmd, phaseCancelCmd, phaseReopenCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
		phaseCmd.AddCommand(c)
	}
}
