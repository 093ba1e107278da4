package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/lucasnoah/agentflow/internal/plan"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate and edit plan documents",
}

var planValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a plan document against the plan contract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v := plan.NewValidator(plan.Options{Mode: cfg.Plan.Mode, ForbiddenKeys: cfg.Plan.ForbiddenKeys})
		_, p, verr := plan.LoadAndValidate(args[0], v)
		report := plan.FormatError(verr)

		switch format, _ := cmd.Flags().GetString("format"); format {
		case "json":
			if err := writeJSON(cmd, report); err != nil {
				return err
			}
		case "markdown":
			fmt.Fprint(cmd.OutOrStdout(), report.Markdown())
		default:
			if verr == nil {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TASK\tLEVEL\tDEPS\tTITLE")
				for _, t := range p.Tasks {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.ID, t.Level, len(t.Deps), t.Title)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Plan is valid: %d task(s).\n", len(p.Tasks))
			}
		}
		if verr != nil {
			return fmt.Errorf("plan %s: %w", args[0], verr)
		}
		return nil
	},
}

var planSetStatusCmd = &cobra.Command{
	Use:   "set-status <file> <task> <status>",
	Short: "Record a task status in the plan document",
	Long: `Rewrites the status field of one task, keeping the rest of the document
(key order, comments, unknown fields) as written.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, key, status := args[0], args[1], args[2]
		if !pipeline.TaskStatus(status).Valid() {
			return fmt.Errorf("invalid task status %q", status)
		}
		doc, err := plan.Load(path)
		if err != nil {
			return err
		}
		if err := doc.SetTaskField(key, "status", status); err != nil {
			return err
		}
		if err := doc.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s is %s\n", path, key, status)
		return nil
	},
}

func init() {
	planValidateCmd.Flags().String("format", "text", "Output format: text, json or markdown")

	planCmd.AddCommand(planValidateCmd)
	planCmd.AddCommand(planSetStatusCmd)
}
