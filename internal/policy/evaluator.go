package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/lucasnoah/agentflow/internal/config"
	"github.com/lucasnoah/agentflow/internal/logging"
	"github.com/lucasnoah/agentflow/internal/plan"
	"github.com/lucasnoah/agentflow/internal/tracker"
)

var (
	ErrNotApprovable = errors.New("change request is not an l2 task")
	ErrChecksPending = errors.New("required check has not passed")
)

// MergeResult reports what a merge gate did with a change request.
type MergeResult struct {
	Number int    `json:"number"`
	Merged bool   `json:"merged"`
	Reason string `json:"reason"`
}

// Evaluator classifies change requests on the platform and merges the ones
// the policy allows.
type Evaluator struct {
	classifier *Classifier
	tracker    tracker.Tracker
	cfg        *config.Config
	logger     *slog.Logger
}

// NewEvaluator builds an Evaluator from the repository config.
func NewEvaluator(t tracker.Tracker, cfg *config.Config, logger *slog.Logger) (*Evaluator, error) {
	c, err := NewClassifier(ConfigFrom(cfg.MergePolicy))
	if err != nil {
		return nil, err
	}
	return &Evaluator{classifier: c, tracker: t, cfg: cfg, logger: logging.OrDiscard(logger)}, nil
}

// Evaluate classifies the change request's current diff.
func (e *Evaluator) Evaluate(ctx context.Context, pr int, declared plan.Level) (Decision, error) {
	paths, err := e.tracker.ChangedPaths(ctx, pr)
	if err != nil {
		return Decision{}, fmt.Errorf("list changed paths of #%d: %w", pr, err)
	}
	d := e.classifier.Classify(declared, paths)
	e.logger.Info("merge policy evaluated", "pr", pr, "declared", declared, "computed", d.Computed, "effective", d.Effective)
	return d, nil
}

// Publish labels the change request with its effective tier and posts the
// decision.
func (e *Evaluator) Publish(ctx context.Context, pr int, taskKey string, d Decision) error {
	labels := []string{e.cfg.Labels.PR.Task}
	if l := e.cfg.Labels.Level.For(string(d.Effective)); l != "" {
		labels = append(labels, l)
	}
	if err := e.tracker.AddLabels(ctx, pr, labels...); err != nil {
		return fmt.Errorf("label #%d: %w", pr, err)
	}
	if err := e.tracker.Comment(ctx, pr, d.Markdown(taskKey)); err != nil {
		return fmt.Errorf("comment on #%d: %w", pr, err)
	}
	return nil
}

// checksPassed reports whether the required check concluded successfully
// on the change request's head commit.
func (e *Evaluator) checksPassed(ctx context.Context, cr *tracker.ChangeRequest) (bool, error) {
	checks, err := e.tracker.Checks(ctx, cr.HeadSHA)
	if err != nil {
		return false, fmt.Errorf("list checks for #%d: %w", cr.Number, err)
	}
	for _, c := range checks {
		if c.Name == e.cfg.CI.RequiredCheckName {
			return c.Conclusion == "success", nil
		}
	}
	return false, nil
}

// AutoMerge merges an l1 change request once its required check passed.
// When the platform refuses the merge the request is relabelled l2 and
// left for command approval.
func (e *Evaluator) AutoMerge(ctx context.Context, pr int, d Decision) (*MergeResult, error) {
	res := &MergeResult{Number: pr}
	if d.Effective != plan.L1 {
		res.Reason = fmt.Sprintf("effective level %s needs human approval", d.Effective)
		return res, nil
	}
	cr, err := e.tracker.GetChangeRequest(ctx, pr)
	if err != nil {
		return nil, err
	}
	if cr.Merged() {
		res.Merged = true
		res.Reason = "already merged"
		return res, nil
	}
	ok, err := e.checksPassed(ctx, cr)
	if err != nil {
		return nil, err
	}
	if !ok {
		res.Reason = "waiting for " + e.cfg.CI.RequiredCheckName
		return res, nil
	}

	err = e.tracker.Merge(ctx, pr, e.cfg.CI.MergeMethod)
	switch {
	case errors.Is(err, tracker.ErrMergeRejected):
		e.logger.Warn("auto-merge rejected, downgrading to l2", "pr", pr, "error", err)
		lv := e.cfg.Labels.Level
		if err := tracker.SwapLabels(ctx, e.tracker, pr, lv.L2, lv.L1); err != nil {
			return nil, fmt.Errorf("relabel #%d: %w", pr, err)
		}
		note := "⚠️ Auto-merge Downgrade\n\nThis PR was classified as L1 but the merge was refused (repository settings or branch protection).\n\nDowngraded to L2: Please use `/approve-task` command to merge."
		if err := e.tracker.Comment(ctx, pr, note); err != nil {
			return nil, fmt.Errorf("comment on #%d: %w", pr, err)
		}
		res.Reason = "merge refused, downgraded to l2"
		return res, nil
	case err != nil:
		return nil, fmt.Errorf("merge #%d: %w", pr, err)
	}
	e.logger.Info("auto-merged", "pr", pr)
	res.Merged = true
	res.Reason = "auto-merged"
	return res, nil
}

// Approve merges an l2 change request on a collaborator's command. The
// same required-check gate as AutoMerge applies.
func (e *Evaluator) Approve(ctx context.Context, pr int, approver string) (*MergeResult, error) {
	cr, err := e.tracker.GetChangeRequest(ctx, pr)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(cr.Labels, e.cfg.Labels.Level.L2) {
		e.reply(ctx, pr, "❌ `/approve-task` can only be used on L2 task PRs.")
		return nil, fmt.Errorf("approve #%d: %w", pr, ErrNotApprovable)
	}
	ok, err := e.checksPassed(ctx, cr)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.reply(ctx, pr, "❌ Cannot approve: CI checks have not passed yet.")
		return nil, fmt.Errorf("approve #%d: %w", pr, ErrChecksPending)
	}
	if err := e.tracker.Merge(ctx, pr, e.cfg.CI.MergeMethod); err != nil {
		e.reply(ctx, pr, "❌ **Merge Failed**\n\n"+err.Error())
		return nil, fmt.Errorf("merge #%d: %w", pr, err)
	}
	e.reply(ctx, pr, fmt.Sprintf("✅ **Task Approved and Merged**\n\nApproved by @%s", approver))
	e.logger.Info("approved and merged", "pr", pr, "approver", approver)
	return &MergeResult{Number: pr, Merged: true, Reason: "approved by " + approver}, nil
}

func (e *Evaluator) reply(ctx context.Context, pr int, body string) {
	if err := e.tracker.Comment(ctx, pr, body); err != nil {
		e.logger.Warn("comment on change request", "pr", pr, "error", err)
	}
}
