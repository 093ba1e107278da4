package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/lucasnoah/agentflow/internal/analytics"
	"github.com/lucasnoah/agentflow/internal/db"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect and manage the event journal",
}

// withJournal opens the migrated journal named by the config.
func withJournal(fn func(cmd *cobra.Command, d *db.DB, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		return fn(cmd, d, args)
	}
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply journal schema migrations",
	RunE: withJournal(func(cmd *cobra.Command, d *db.DB, _ []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "Journal at %s is up to date.\n", d.Path())
		return nil
	}),
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the journal tables (destructive!)",
	RunE: withJournal(func(cmd *cobra.Command, d *db.DB, _ []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset %s without --yes", d.Path())
		}
		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Journal at %s reset.\n", d.Path())
		return nil
	}),
}

var dbEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List journal events, newest first",
	RunE: withJournal(func(cmd *cobra.Command, d *db.DB, _ []string) error {
		entity, _ := cmd.Flags().GetInt("entity")
		limit, _ := cmd.Flags().GetInt("limit")

		var events []db.PipelineEvent
		var err error
		if entity > 0 {
			events, err = d.GetPipelineHistory(cmd.Context(), entity)
		} else {
			events, err = d.RecentEvents(cmd.Context(), limit)
		}
		if err != nil {
			return err
		}
		if isJSON(cmd) {
			return writeJSON(cmd, events)
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tENTITY\tEVENT\tPHASE\tTASK\tOUTCOME\tDETAIL")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n", e.Timestamp, e.Entity, e.Event, e.Phase, e.TaskKey, e.Outcome, e.Detail)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if entity > 0 {
			counts, err := d.CountByOutcome(cmd.Context(), entity)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nok %d, noop %d, conflict %d, error %d\n",
				counts[db.OutcomeOK], counts[db.OutcomeNoop], counts[db.OutcomeConflict], counts[db.OutcomeError])
		}
		return nil
	}),
}

var dbDecisionsCmd = &cobra.Command{
	Use:   "decisions <pr>",
	Short: "Show the merge classifications recorded for a pull request",
	Args:  cobra.ExactArgs(1),
	RunE: withJournal(func(cmd *cobra.Command, d *db.DB, args []string) error {
		pr, err := parseNumber("pull request", args[0])
		if err != nil {
			return err
		}
		decisions, err := d.GetMergeDecisions(cmd.Context(), pr)
		if err != nil {
			return err
		}
		if isJSON(cmd) {
			return writeJSON(cmd, decisions)
		}
		if len(decisions) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No decisions recorded for #%d.\n", pr)
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tENTITY\tTASK\tDECLARED\tCOMPUTED\tEFFECTIVE\tFILES\tREASON")
		for _, m := range decisions {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
				m.Timestamp, m.Entity, m.TaskKey, m.Declared, m.Computed, m.Effective, m.ChangedFiles, m.Reason)
		}
		return w.Flush()
	}),
}

// Stats is the combined journal summary printed by db stats.
type Stats struct {
	Phases     []analytics.PhaseDuration `json:"phase_durations"`
	Outcomes   []analytics.OutcomeRate   `json:"outcomes"`
	Levels     []analytics.LevelStat     `json:"merge_levels"`
	Throughput []analytics.Throughput    `json:"throughput"`
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize phase durations, outcomes and merge levels from the journal",
	RunE: withJournal(func(cmd *cobra.Command, d *db.DB, _ []string) error {
		since, _ := cmd.Flags().GetString("since")

		var st Stats
		var err error
		if st.Phases, err = analytics.QueryPhaseDurations(d, since); err != nil {
			return err
		}
		if st.Outcomes, err = analytics.QueryOutcomeRates(d, since); err != nil {
			return err
		}
		if st.Levels, err = analytics.QueryMergeLevels(d, since); err != nil {
			return err
		}
		if st.Throughput, err = analytics.QueryThroughput(d, since); err != nil {
			return err
		}
		if isJSON(cmd) {
			return writeJSON(cmd, st)
		}

		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(out, titleStyle.Render("Phase durations (minutes)"))
		fmt.Fprintln(w, "PHASE\tCOUNT\tAVG\tP50\tP95")
		for _, p := range st.Phases {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", p.Phase, p.Count, p.Avg, p.P50, p.P95)
		}
		w.Flush()

		fmt.Fprintln(out, "\n"+titleStyle.Render("Outcomes"))
		fmt.Fprintln(w, "EVENT\tTOTAL\tOK\tNOOP\tCONFLICT\tERROR\tCONFLICT%\tERROR%")
		for _, o := range st.Outcomes {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f\t%.1f\n", o.Event, o.Total, o.OK, o.Noop, o.Conflict, o.Error, o.ConflictPct, o.ErrorPct)
		}
		w.Flush()

		fmt.Fprintln(out, "\n"+titleStyle.Render("Merge levels"))
		fmt.Fprintln(w, "LEVEL\tCOUNT\tESCALATED\tESCALATED%\tAVG FILES")
		for _, l := range st.Levels {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\t%.1f\n", l.Level, l.Count, l.Escalated, l.EscalatedPct, l.AvgFiles)
		}
		w.Flush()

		fmt.Fprintln(out, "\n"+titleStyle.Render("Weekly throughput"))
		fmt.Fprintln(w, "WEEK\tSTARTED\tCOMPLETED\tABORTED\tCONFLICTS")
		for _, t := range st.Throughput {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", t.Period, t.Started, t.Completed, t.Aborted, t.Conflicts)
		}
		return w.Flush()
	}),
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	dbEventsCmd.Flags().Int("entity", 0, "Only show events for this entity")
	dbEventsCmd.Flags().Int("limit", 50, "Maximum number of recent events")
	dbEventsCmd.Flags().String("format", "text", "Output format: text or json")
	dbDecisionsCmd.Flags().String("format", "text", "Output format: text or json")
	dbStatsCmd.Flags().String("since", "", "Only count journal rows at or after this date (YYYY-MM-DD)")
	dbStatsCmd.Flags().String("format", "text", "Output format: text or json")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbEventsCmd)
	dbCmd.AddCommand(dbDecisionsCmd)
	dbCmd.AddCommand(dbStatsCmd)
}
