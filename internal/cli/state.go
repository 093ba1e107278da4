package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and initialize entity state logs",
}

var stateInitCmd = &cobra.Command{
	Use:   "init <entity>",
	Short: "Write version 1 of an entity's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseNumber("issue", args[0])
		if err != nil {
			return err
		}
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		phases := pipeline.DefaultPhases
		if a.cfg.Phases.RequirementEnabled {
			phases = pipeline.KnownPhases
		}
		s, err := a.store.Initialize(cmd.Context(), entity, phases)
		if err != nil {
			return err
		}
		if isJSON(cmd) {
			return writeJSON(cmd, s)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Initialized #%d at version %d (%s)\n", entity, s.Version, s.StateID)
		return nil
	},
}

var stateShowCmd = &cobra.Command{
	Use:   "show <entity>",
	Short: "Print the latest snapshot of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseNumber("issue", args[0])
		if err != nil {
			return err
		}
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		s, err := a.store.LoadLatest(cmd.Context(), entity)
		if err != nil {
			return err
		}
		return writeJSON(cmd, s)
	},
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history <entity>",
	Short: "List every snapshot version of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseNumber("issue", args[0])
		if err != nil {
			return err
		}
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		history, err := a.store.History(cmd.Context(), entity)
		if err != nil {
			return err
		}
		if isJSON(cmd) {
			return writeJSON(cmd, history)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tSTATUS\tPHASE\tCURSOR\tPAUSED\tUPDATED")
		for _, s := range history {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\n", s.Version, s.Status, s.CurrentPhase, s.CursorTaskID, s.Paused, s.UpdatedAt)
		}
		return w.Flush()
	},
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities that have state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		entities, err := a.store.Entities(cmd.Context())
		if err != nil {
			return err
		}
		if isJSON(cmd) {
			return writeJSON(cmd, entities)
		}
		if len(entities) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No entities found.")
			return nil
		}
		for _, e := range entities {
			fmt.Fprintf(cmd.OutOrStdout(), "#%d\n", e)
		}
		return nil
	},
}

func init() {
	stateInitCmd.Flags().String("format", "text", "Output format: text or json")
	stateHistoryCmd.Flags().String("format", "text", "Output format: text or json")
	stateListCmd.Flags().String("format", "text", "Output format: text or json")

	stateCmd.AddCommand(stateInitCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateHistoryCmd)
	stateCmd.AddCommand(stateListCmd)
}
