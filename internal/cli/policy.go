package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/lucasnoah/agentflow/internal/plan"
	"github.com/lucasnoah/agentflow/internal/policy"
	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Classify change sets by merge risk",
}

func declaredLevel(cmd *cobra.Command) (plan.Level, error) {
	s, _ := cmd.Flags().GetString("level")
	if s == "" {
		return "", nil
	}
	l := plan.Level(strings.ToLower(s))
	if !l.Valid() {
		return "", fmt.Errorf("invalid level %q: use l1, l2 or l3", s)
	}
	return l, nil
}

func printDecision(cmd *cobra.Command, d policy.Decision, taskKey string) error {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		return writeJSON(cmd, d)
	case "markdown":
		fmt.Fprint(cmd.OutOrStdout(), d.Markdown(taskKey))
		return nil
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "effective: %s (declared %s, computed %s)\n", d.Effective, orNone(string(d.Declared)), d.Computed)
	fmt.Fprintf(w, "reason:    %s\n", d.Reason)
	fmt.Fprintf(w, "files:     %d\n", d.ChangedFiles)
	for _, line := range d.Trace {
		fmt.Fprintf(w, "  %s\n", line)
	}
	if d.TraceOmitted > 0 {
		fmt.Fprintf(w, "  ... %d more\n", d.TraceOmitted)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

var policyClassifyCmd = &cobra.Command{
	Use:   "classify [path]...",
	Short: "Classify a list of changed paths",
	Long: `Classifies the given paths, or newline-separated paths read from stdin
when none are given, against the configured allowlist and sensitive globs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		declared, err := declaredLevel(cmd)
		if err != nil {
			return err
		}
		c, err := policy.NewClassifier(policy.ConfigFrom(cfg.MergePolicy))
		if err != nil {
			return err
		}

		paths := args
		if len(paths) == 0 {
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				if p := strings.TrimSpace(sc.Text()); p != "" {
					paths = append(paths, p)
				}
			}
			if err := sc.Err(); err != nil {
				return fmt.Errorf("read paths: %w", err)
			}
		}
		return printDecision(cmd, c.Classify(declared, paths), "")
	},
}

var policyEvaluateCmd = &cobra.Command{
	Use:   "evaluate <pr>",
	Short: "Classify a pull request's diff, optionally labelling and merging it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pr, err := parseNumber("pull request", args[0])
		if err != nil {
			return err
		}
		declared, err := declaredLevel(cmd)
		if err != nil {
			return err
		}
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		e, err := policy.NewEvaluator(a.client, a.cfg, a.logger)
		if err != nil {
			return err
		}
		d, err := e.Evaluate(cmd.Context(), pr, declared)
		if err != nil {
			return err
		}
		taskKey, _ := cmd.Flags().GetString("task")
		if publish, _ := cmd.Flags().GetBool("publish"); publish {
			if err := e.Publish(cmd.Context(), pr, taskKey, d); err != nil {
				return err
			}
		}
		if err := printDecision(cmd, d, taskKey); err != nil {
			return err
		}
		if merge, _ := cmd.Flags().GetBool("merge"); merge {
			m, err := e.AutoMerge(cmd.Context(), pr, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merge: %s\n", m.Reason)
		}
		return nil
	},
}

var policyApproveCmd = &cobra.Command{
	Use:   "approve <pr>",
	Short: "Merge an l2 pull request once its required check passed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pr, err := parseNumber("pull request", args[0])
		if err != nil {
			return err
		}
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		e, err := policy.NewEvaluator(a.client, a.cfg, a.logger)
		if err != nil {
			return err
		}
		actor, _ := cmd.Flags().GetString("actor")
		m, err := e.Approve(cmd.Context(), pr, actor)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "#%d: %s\n", pr, m.Reason)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{policyClassifyCmd, policyEvaluateCmd} {
		c.Flags().String("level", "", "Declared task level: l1, l2 or l3")
		c.Flags().String("format", "text", "Output format: text, json or markdown")
	}
	policyEvaluateCmd.Flags().String("task", "", "Task key shown in the decision comment")
	policyEvaluateCmd.Flags().Bool("publish", false, "Label the pull request and post the decision")
	policyEvaluateCmd.Flags().Bool("merge", false, "Auto-merge when the effective level is l1 and CI passed")
	policyApproveCmd.Flags().String("actor", "", "Collaborator approving the merge")
	_ = policyApproveCmd.MarkFlagRequired("actor")

	policyCmd.AddCommand(policyClassifyCmd)
	policyCmd.AddCommand(policyEvaluateCmd)
	policyCmd.AddCommand(policyApproveCmd)
}
