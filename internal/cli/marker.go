package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/lucasnoah/agentflow/internal/marker"
	"github.com/spf13/cobra"
)

var markerCmd = &cobra.Command{
	Use:   "marker",
	Short: "Read and write agent metadata blocks",
}

func markerContext(name string) (marker.Context, error) {
	switch name {
	case "pr":
		return marker.ChangeRequest, nil
	case "issue":
		return marker.WorkItem, nil
	case "any", "":
		return marker.Any, nil
	}
	return marker.Any, fmt.Errorf("invalid context %q: use pr, issue or any", name)
}

var markerParseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Parse the metadata block of a body read from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctxName, _ := cmd.Flags().GetString("context")
		mctx, err := markerContext(ctxName)
		if err != nil {
			return err
		}

		var body []byte
		if len(args) == 1 {
			body, err = os.ReadFile(args[0])
		} else {
			body, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}

		md, err := marker.Parse(string(body), mctx)
		if err != nil {
			if isJSON(cmd) {
				_ = writeJSON(cmd, map[string]string{"code": marker.CodeOf(err), "error": err.Error()})
			}
			return err
		}
		if isJSON(cmd) {
			return writeJSON(cmd, md)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "parent: #%d\n", md.ParentIssue)
		for _, kv := range [][2]string{
			{"pr type", md.PRType},
			{"issue type", md.IssueType},
			{"phase", md.PhaseName},
			{"task", md.TaskKey},
		} {
			if kv[1] != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", kv[0], kv[1])
			}
		}
		if md.RetryCount != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "retry: %d\n", *md.RetryCount)
		}
		return nil
	},
}

var markerBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Print a metadata block",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctxName, _ := cmd.Flags().GetString("context")
		mctx, err := markerContext(ctxName)
		if err != nil {
			return err
		}
		parent, _ := cmd.Flags().GetInt("parent")
		md := marker.Metadata{ParentIssue: parent}
		md.PRType, _ = cmd.Flags().GetString("pr-type")
		md.IssueType, _ = cmd.Flags().GetString("issue-type")
		md.PhaseName, _ = cmd.Flags().GetString("phase")
		md.TaskKey, _ = cmd.Flags().GetString("task")
		if cmd.Flags().Changed("retry") {
			n, _ := cmd.Flags().GetInt("retry")
			md.RetryCount = marker.Retry(n)
		}

		block, err := marker.Build(md, mctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), block)
		return nil
	},
}

func init() {
	markerParseCmd.Flags().String("context", "any", "Validation context: pr, issue or any")
	markerParseCmd.Flags().String("format", "text", "Output format: text or json")

	markerBuildCmd.Flags().String("context", "any", "Validation context: pr, issue or any")
	markerBuildCmd.Flags().Int("parent", 0, "Parent issue number")
	markerBuildCmd.Flags().String("pr-type", "", "Pull request type: spec, plan or task")
	markerBuildCmd.Flags().String("issue-type", "", "Work item type: phase or task")
	markerBuildCmd.Flags().String("phase", "", "Phase name")
	markerBuildCmd.Flags().String("task", "", "Task key")
	markerBuildCmd.Flags().Int("retry", 0, "Retry count (0-3)")
	_ = markerBuildCmd.MarkFlagRequired("parent")

	markerCmd.AddCommand(markerParseCmd)
	markerCmd.AddCommand(markerBuildCmd)
}
