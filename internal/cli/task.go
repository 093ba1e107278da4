package cli

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/agentflow/internal/dispatch"
	"github.com/spf13/cobra"
)

func newDispatcher(cmd *cobra.Command) (*dispatch.Dispatcher, func(), error) {
	a, cleanup, err := openApp(cmd)
	if err != nil {
		return nil, nil, err
	}
	return dispatch.New(a.store, a.client, a.cfg, a.prompts, a.logger), cleanup, nil
}

func printDispatch(cmd *cobra.Command, res *dispatch.Result) error {
	if isJSON(cmd) {
		return writeJSON(cmd, res)
	}
	line := fmt.Sprintf("#%d %s", res.Entity, res.Action)
	if res.TaskKey != "" {
		line += " " + res.TaskKey
	}
	if res.IssueNumber != 0 {
		line += fmt.Sprintf(" (#%d)", res.IssueNumber)
	}
	if res.Message != "" {
		line += ": " + res.Message
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [version %d]\n", line, res.Version)
	return nil
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <entity>",
	Short: "Hand out the next eligible task",
	Long: `Assigns the first pending task whose dependencies are done. Does nothing
while the entity is paused or another task is active; completes the entity
when every task is done or cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseNumber("issue", args[0])
		if err != nil {
			return err
		}
		d, cleanup, err := newDispatcher(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := d.Dispatch(cmd.Context(), entity)
		if err != nil {
			return err
		}
		return printDispatch(cmd, res)
	},
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage plan tasks of an entity",
}

var taskMaterializeCmd = &cobra.Command{
	Use:   "materialize <entity>",
	Short: "Create a work item for every plan task that lacks one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseNumber("issue", args[0])
		if err != nil {
			return err
		}
		d, cleanup, err := newDispatcher(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		m, err := d.Materialize(cmd.Context(), entity)
		if err != nil {
			return err
		}
		if isJSON(cmd) {
			return writeJSON(cmd, m)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "#%d: %d created, %d reused [version %d]\n", entity, len(m.Created), len(m.Reused), m.Version)
		if len(m.Created) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "  created: %s\n", strings.Join(m.Created, ", "))
		}
		return nil
	},
}

// taskSignal is a dispatcher call keyed by entity and task.
type taskSignal func(cmd *cobra.Command, d *dispatch.Dispatcher, entity int, key string, args []string) (*dispatch.Result, error)

func newTaskCmd(use, short string, nargs int, op taskSignal) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := parseNumber("issue", args[0])
			if err != nil {
				return err
			}
			d, cleanup, err := newDispatcher(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := op(cmd, d, entity, args[1], args[2:])
			if err != nil {
				return err
			}
			return printDispatch(cmd, res)
		},
	}
}

var (
	taskInReviewCmd = newTaskCmd("in-review <entity> <task> <pr>", "Record that a task's pull request is open", 3,
		func(cmd *cobra.Command, d *dispatch.Dispatcher, entity int, key string, rest []string) (*dispatch.Result, error) {
			pr, err := parseNumber("pull request", rest[0])
			if err != nil {
				return nil, err
			}
			return d.MarkInReview(cmd.Context(), entity, key, pr)
		})
	taskDoneCmd = newTaskCmd("done <entity> <task> <pr>", "Record that a task's pull request merged", 3,
		func(cmd *cobra.Command, d *dispatch.Dispatcher, entity int, key string, rest []string) (*dispatch.Result, error) {
			pr, err := parseNumber("pull request", rest[0])
			if err != nil {
				return nil, err
			}
			return d.MarkDone(cmd.Context(), entity, key, pr)
		})
	taskBlockCmd = newTaskCmd("block <entity> <task>", "Park a task until it is unblocked", 2,
		func(cmd *cobra.Command, d *dispatch.Dispatcher, entity int, key string, _ []string) (*dispatch.Result, error) {
			reason, _ := cmd.Flags().GetString("reason")
			return d.Block(cmd.Context(), entity, key, reason)
		})
	taskUnblockCmd = newTaskCmd("unblock <entity> <task>", "Return a blocked task to pending", 2,
		func(cmd *cobra.Command, d *dispatch.Dispatcher, entity int, key string, _ []string) (*dispatch.Result, error) {
			return d.Unblock(cmd.Context(), entity, key)
		})
	taskCancelCmd = newTaskCmd("cancel <entity> <task>", "Drop a task and close its work item", 2,
		func(cmd *cobra.Command, d *dispatch.Dispatcher, entity int, key string, _ []string) (*dispatch.Result, error) {
			return d.CancelTask(cmd.Context(), entity, key)
		})
)

func init() {
	dispatchCmd.Flags().String("format", "text", "Output format: text or json")
	taskMaterializeCmd.Flags().String("format", "text", "Output format: text or json")
	taskBlockCmd.Flags().String("reason", "", "Why the task is blocked")

	taskCmd.AddCommand(taskMaterializeCmd)
	for _, c := range []*cobra.Command{taskInReviewCmd, taskDoneCmd, taskBlockCmd, taskUnblockCmd, taskCancelCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
		taskCmd.AddCommand(c)
	}
}
