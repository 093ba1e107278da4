package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/lucasnoah/agentflow/internal/orchestrator"
	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [entity]",
	Short: "Show the phase and task status of one or all entities",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		var infos []orchestrator.StatusInfo
		if len(args) == 1 {
			entity, err := parseNumber("issue", args[0])
			if err != nil {
				return err
			}
			info, err := orch.Status(cmd.Context(), entity)
			if err != nil {
				return err
			}
			infos = append(infos, *info)
		} else if infos, err = orch.StatusAll(cmd.Context()); err != nil {
			return err
		}

		if isJSON(cmd) {
			if infos == nil {
				infos = []orchestrator.StatusInfo{}
			}
			return writeJSON(cmd, infos)
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No entities found.")
			return nil
		}

		detail := len(args) == 1
		for i, info := range infos {
			if i > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			renderStatus(cmd.OutOrStdout(), info, detail)
		}
		return nil
	},
}

var taskOrder = []pipeline.TaskStatus{
	pipeline.TaskPending, pipeline.TaskInProgress, pipeline.TaskInReview,
	pipeline.TaskBlocked, pipeline.TaskDone, pipeline.TaskCancelled,
}

func renderStatus(w io.Writer, info orchestrator.StatusInfo, detail bool) {
	state := info.Status
	if info.Paused {
		state += ", paused"
	}
	fmt.Fprintf(w, "%s %s %s\n",
		titleStyle.Render(fmt.Sprintf("#%d", info.Entity)),
		statusStyle(info.Status).Render(state),
		subtleStyle.Render(fmt.Sprintf("v%d, %d%%", info.Version, info.Progress)))

	for _, p := range info.Phases {
		marker := " "
		if p.Name == info.Phase {
			marker = ">"
		}
		var refs []string
		if p.Issue != 0 {
			refs = append(refs, fmt.Sprintf("issue #%d", p.Issue))
		}
		if p.PR != 0 {
			refs = append(refs, fmt.Sprintf("pr #%d", p.PR))
		}
		if p.Retries > 0 {
			refs = append(refs, fmt.Sprintf("retries %d", p.Retries))
		}
		fmt.Fprintf(w, " %s %-12s %s %s\n", marker, p.Name,
			statusStyle(p.Status).Render(fmt.Sprintf("%-12s", p.Status)),
			subtleStyle.Render(strings.Join(refs, ", ")))
	}

	if !detail {
		if len(info.Counts) > 0 {
			var parts []string
			for _, s := range taskOrder {
				if n := info.Counts[s]; n > 0 {
					parts = append(parts, fmt.Sprintf("%d %s", n, s))
				}
			}
			fmt.Fprintf(w, "   tasks: %s\n", strings.Join(parts, ", "))
		}
		return
	}
	for _, t := range info.Tasks {
		marker := " "
		if t.TaskKey == info.Cursor {
			marker = "*"
		}
		ref := ""
		if t.IssueNumber != 0 {
			ref = fmt.Sprintf("#%d", t.IssueNumber)
		}
		if t.PRNumber != 0 {
			ref += fmt.Sprintf(" pr #%d", t.PRNumber)
		}
		fmt.Fprintf(w, "   %s %-10s %s %-3s %s %s\n", marker, t.TaskKey,
			statusStyle(string(t.Status)).Render(fmt.Sprintf("%-12s", t.Status)),
			t.Level, t.Title, subtleStyle.Render(ref))
	}
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
