package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/lucasnoah/agentflow/internal/plan"
	"github.com/lucasnoah/agentflow/internal/policy"
)

// CheckInAction is one entity's row in a check-in report.
type CheckInAction struct {
	Entity  int    `json:"entity"`
	Action  string `json:"action"`
	Phase   string `json:"phase,omitempty"`
	TaskKey string `json:"task_key,omitempty"`
	Message string `json:"message,omitempty"`
}

// CheckInResult is the outcome of one reconciliation sweep.
type CheckInResult struct {
	Actions []CheckInAction `json:"actions"`
}

// CheckIn sweeps every entity the state log knows about. Finished and
// aborted entities are passed over silently; paused ones and those not yet
// executing are reported as skipped. For executing entities it settles an
// active task whose change request merged without the event reaching us,
// retries the l1 auto-merge, and dispatches. A failure on one entity is
// reported in its row and the sweep moves on.
func (o *Orchestrator) CheckIn(ctx context.Context) (*CheckInResult, error) {
	entities, err := o.store.Entities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	slices.Sort(entities)

	result := &CheckInResult{Actions: []CheckInAction{}}
	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res := &Result{Entity: entity}
		row, err := o.checkIn(ctx, entity, res)
		if err != nil {
			o.logger.Warn("check-in failed", "entity", entity, "error", err)
			res.Action = errorAction(err)
			row = &CheckInAction{Entity: entity, Action: res.Action, Phase: res.Phase, TaskKey: res.TaskKey, Message: err.Error()}
		}
		if row == nil {
			continue
		}
		o.record(ctx, EventCheckIn, res, "", err)
		result.Actions = append(result.Actions, *row)
	}
	return result, nil
}

func (o *Orchestrator) checkIn(ctx context.Context, entity int, res *Result) (*CheckInAction, error) {
	s, err := o.store.LoadLatest(ctx, entity)
	if err != nil {
		return nil, err
	}
	if s.Status != pipeline.StatusActive {
		return nil, nil
	}
	res.Phase = string(s.CurrentPhase)
	row := &CheckInAction{Entity: entity, Phase: res.Phase}
	switch {
	case s.Paused:
		res.Action, row.Action, row.Message = ActionSkip, ActionSkip, "paused"
		return row, nil
	case !executing(s):
		res.Action, row.Action = ActionSkip, ActionSkip
		row.Message = fmt.Sprintf("%s phase is %s", s.CurrentPhase, currentStatus(s))
		return row, nil
	}

	if active := s.ActiveTask(); active != nil && active.PRNumber != 0 {
		res.TaskKey = active.TaskKey
		settled, err := o.settle(ctx, entity, active)
		if err != nil {
			return nil, err
		}
		if settled != "" {
			res.Action = ActionReconciled
			row.Message = settled
		}
	}

	d, err := o.dispatcher.Dispatch(ctx, entity)
	if err != nil {
		return nil, err
	}
	res.Dispatch = d
	res.Version = d.Version
	if res.Action == "" {
		res.Action = string(d.Action)
	}
	if res.TaskKey == "" {
		res.TaskKey = d.TaskKey
	}
	row.Action = res.Action
	row.TaskKey = res.TaskKey
	if row.Message == "" {
		row.Message = d.Message
	}
	res.Message = row.Message
	return row, nil
}

// settle closes out an active task whose change request was merged, and
// merges in-review l1 requests whose check has since passed. It returns a
// note when it changed anything.
func (o *Orchestrator) settle(ctx context.Context, entity int, t *pipeline.TaskRuntime) (string, error) {
	cr, err := o.tracker.GetChangeRequest(ctx, t.PRNumber)
	if err != nil {
		return "", fmt.Errorf("get change request #%d: %w", t.PRNumber, err)
	}

	note := fmt.Sprintf("Task %s PR #%d was merged but its status was not updated", t.TaskKey, cr.Number)
	if !cr.Merged() {
		if t.Status != pipeline.TaskInReview || !slices.Contains(cr.Labels, o.cfg.Labels.Level.L1) {
			return "", nil
		}
		m, err := o.evaluator.AutoMerge(ctx, cr.Number, policy.Decision{Effective: plan.L1})
		if err != nil {
			return "", err
		}
		if !m.Merged {
			return "", nil
		}
		note = fmt.Sprintf("Task %s PR #%d auto-merged", t.TaskKey, cr.Number)
	}

	if _, err := o.dispatcher.MarkDone(ctx, entity, t.TaskKey, cr.Number); err != nil {
		return "", err
	}
	o.notify(ctx, entity, "🔄 **Reconciliation**: "+note+". Dispatching the next task.")
	return note, nil
}

func currentStatus(s *pipeline.Snapshot) pipeline.PhaseStatus {
	if rec := s.Phases.Get(s.CurrentPhase); rec != nil {
		return rec.Status
	}
	return ""
}
