// Package dispatch hands out plan tasks one at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lucasnoah/agentflow/internal/config"
	"github.com/lucasnoah/agentflow/internal/logging"
	"github.com/lucasnoah/agentflow/internal/marker"
	"github.com/lucasnoah/agentflow/internal/phase"
	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/lucasnoah/agentflow/internal/plan"
	"github.com/lucasnoah/agentflow/internal/prompt"
	"github.com/lucasnoah/agentflow/internal/tracker"
)

var (
	// ErrMissingWorkItem means a dispatchable task was never materialized.
	ErrMissingWorkItem = errors.New("task has no work item")
	ErrUnknownTask     = errors.New("task not found in state")
	ErrTaskActive      = errors.New("another task is active")
	ErrInvalidStatus   = errors.New("invalid task status change")
)

// Action names the outcome of a dispatcher call.
type Action string

const (
	ActionPaused      Action = "paused"
	ActionAborted     Action = "aborted"
	ActionActive      Action = "active"
	ActionCompleted   Action = "completed"
	ActionBlocked     Action = "blocked"
	ActionDispatched  Action = "dispatched"
	ActionAlreadyDone Action = "already_done"
	ActionUpdated     Action = "updated"
	ActionUnchanged   Action = "unchanged"
)

// Result describes what a dispatcher call did.
type Result struct {
	Entity      int    `json:"entity"`
	Action      Action `json:"action"`
	TaskKey     string `json:"task_key,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
	Version     int    `json:"version"`
	Message     string `json:"message,omitempty"`
}

// PlanLoader returns the accepted plan stored at path.
type PlanLoader func(path string) (*plan.Plan, error)

// Dispatcher selects and hands out tasks for an entity.
type Dispatcher struct {
	store    *pipeline.Store
	items    tracker.WorkItems
	cfg      *config.Config
	prompts  *prompt.Loader
	logger   *slog.Logger
	loadPlan PlanLoader
}

// New creates a Dispatcher that reads plans from disk with the configured
// validator. A nil logger discards output.
func New(store *pipeline.Store, items tracker.WorkItems, cfg *config.Config, prompts *prompt.Loader, logger *slog.Logger) *Dispatcher {
	if prompts == nil {
		prompts = prompt.NewLoader("")
	}
	v := plan.NewValidator(plan.Options{Mode: cfg.Plan.Mode, ForbiddenKeys: cfg.Plan.ForbiddenKeys})
	return &Dispatcher{
		store:   store,
		items:   items,
		cfg:     cfg,
		prompts: prompts,
		logger:  logging.OrDiscard(logger),
		loadPlan: func(path string) (*plan.Plan, error) {
			_, p, err := plan.LoadAndValidate(path, v)
			return p, err
		},
	}
}

// SetPlanLoader replaces how plans are read.
func (d *Dispatcher) SetPlanLoader(l PlanLoader) {
	d.loadPlan = l
}

// PlanPath returns where the entity's accepted plan lives.
func (d *Dispatcher) PlanPath(s *pipeline.Snapshot) string {
	if s.PlanPath != "" {
		return s.PlanPath
	}
	return d.cfg.Paths.PlanPath(s.ParentIssue)
}

// Dispatch hands out the next eligible task, or detects that all tasks
// are finished. It is a no-op while the entity is paused or a task is
// active, so repeated calls are safe.
func (d *Dispatcher) Dispatch(ctx context.Context, entity int) (*Result, error) {
	s, err := d.store.LoadLatest(ctx, entity)
	if err != nil {
		return nil, err
	}
	res := &Result{Entity: entity, Version: s.Version}

	switch {
	case s.Status == pipeline.StatusAborted:
		res.Action = ActionAborted
		return res, nil
	case s.Status == pipeline.StatusDone:
		res.Action = ActionAlreadyDone
		return res, nil
	case s.Paused:
		res.Action = ActionPaused
		d.logger.Info("dispatch paused", "entity", entity)
		return res, nil
	}

	pl, err := d.loadPlan(d.PlanPath(s))
	if err != nil {
		return nil, fmt.Errorf("load plan for %d: %w", entity, err)
	}
	now := d.store.Now()
	view := s.Clone()
	mergeRuntimes(view, pl, now)

	if active := activeTask(view, pl); active != nil {
		res.Action = ActionActive
		res.TaskKey = active.TaskKey
		res.Message = fmt.Sprintf("task %s is %s", active.TaskKey, active.Status)
		return res, nil
	}

	if allFinal(view, pl) {
		return d.complete(ctx, entity, s, pl, now)
	}

	next := selectNext(view, pl)
	if next == nil {
		res.Action = ActionBlocked
		res.Message = "no pending task has its dependencies done"
		return res, nil
	}
	rt := view.Tasks[next.ID]
	if rt.IssueNumber == 0 {
		return nil, fmt.Errorf("dispatch %s on %d: %w", next.ID, entity, ErrMissingWorkItem)
	}

	if err := d.handOff(ctx, entity, rt); err != nil {
		return nil, fmt.Errorf("dispatch %s on %d: %w", next.ID, entity, err)
	}

	committed, err := d.store.Commit(ctx, entity, s, func(snap *pipeline.Snapshot) error {
		mergeRuntimes(snap, pl, now)
		t := snap.Tasks[next.ID]
		t.Status = pipeline.TaskInProgress
		t.UpdatedAt = now
		snap.CursorTaskID = next.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("task dispatched", "entity", entity, "task", next.ID, "issue", rt.IssueNumber, "level", rt.Level)
	d.notify(ctx, entity, strings.Join([]string{
		"🚀 Task Dispatched",
		"",
		fmt.Sprintf("Assigned task %s to %s", next.ID, d.cfg.Agent.BotAssignee),
		"",
		"- Task: " + next.Title,
		fmt.Sprintf("- Issue: #%d", rt.IssueNumber),
		"- Level: " + string(next.Level),
		"",
		"Status: `in-progress`",
	}, "\n"))

	res.Action = ActionDispatched
	res.TaskKey = next.ID
	res.IssueNumber = rt.IssueNumber
	res.Version = committed.Version
	return res, nil
}

// handOff moves the task item to in-progress, posts the executor
// instructions and assigns it.
func (d *Dispatcher) handOff(ctx context.Context, entity int, rt *pipeline.TaskRuntime) error {
	item, err := d.items.GetItem(ctx, rt.IssueNumber)
	if err != nil {
		return fmt.Errorf("get task item: %w", err)
	}
	t := d.cfg.Labels.Task
	if err := tracker.SwapLabels(ctx, d.items, rt.IssueNumber, t.InProgress, t.Pending, t.InReview, t.Blocked); err != nil {
		return fmt.Errorf("update task labels: %w", err)
	}
	instructions, err := d.instructions(entity, rt, item.Body)
	if err != nil {
		return err
	}
	if err := d.items.Comment(ctx, rt.IssueNumber, instructions); err != nil {
		return fmt.Errorf("post instructions: %w", err)
	}
	if err := d.items.Assign(ctx, rt.IssueNumber, d.cfg.Agent.BotAssignee); err != nil {
		return fmt.Errorf("assign task item: %w", err)
	}
	return nil
}

func (d *Dispatcher) instructions(entity int, rt *pipeline.TaskRuntime, body string) (string, error) {
	prBlock, err := marker.Build(marker.Metadata{
		ParentIssue: entity,
		PRType:      marker.PRTypeTask,
		TaskKey:     rt.TaskKey,
	}, marker.ChangeRequest)
	if err != nil {
		return "", fmt.Errorf("build PR marker: %w", err)
	}
	acceptance := rt.Acceptance
	if acceptance == "" {
		acceptance = "No specific acceptance criteria"
	}
	body = marker.Strip(body)
	if body == "" {
		body = "No description provided"
	}
	return d.prompts.Render(prompt.Dispatch, prompt.Vars{
		"task_key":    rt.TaskKey,
		"level_upper": strings.ToUpper(rt.Level),
		"title":       rt.Title,
		"acceptance":  acceptance,
		"risk_notes":  RiskNotes(plan.Level(rt.Level)),
		"task_issue":  strconv.Itoa(rt.IssueNumber),
		"task_body":   body,
		"base_branch": d.cfg.Agent.BaseBranch,
		"pr_marker":   prBlock,
	})
}

// complete finishes the entity once every task is done or cancelled.
func (d *Dispatcher) complete(ctx context.Context, entity int, base *pipeline.Snapshot, pl *plan.Plan, now string) (*Result, error) {
	committed, err := d.store.Commit(ctx, entity, base, func(snap *pipeline.Snapshot) error {
		mergeRuntimes(snap, pl, now)
		snap.CursorTaskID = ""
		if rec := snap.Phases.Get(pipeline.PhaseExecution); rec != nil && phase.Allowed(rec.Status, pipeline.PhaseDone) {
			if err := phase.Transition(snap, pipeline.PhaseExecution, pipeline.PhaseDone, phase.Extra{}, now); err != nil {
				return err
			}
		}
		snap.Status = pipeline.StatusDone
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("all tasks completed", "entity", entity)

	if rec := committed.Phases.Get(pipeline.PhaseExecution); rec != nil && rec.IssueNumber != 0 {
		if err := d.items.SetItemState(ctx, rec.IssueNumber, tracker.StateClosed); err != nil {
			d.logger.Warn("close execution item", "entity", entity, "error", err)
		}
	}
	p := d.cfg.Labels.Parent
	if err := tracker.SwapLabels(ctx, d.items, entity, p.Done, p.Executing, p.Blocked); err != nil {
		d.logger.Warn("update parent labels", "entity", entity, "error", err)
	}
	d.notify(ctx, entity, "🎉 All Tasks Completed\n\nAll tasks have been completed and merged.\n\nStatus: `done`")

	return &Result{Entity: entity, Action: ActionCompleted, Version: committed.Version}, nil
}

// notify posts a note on the parent after a commit; failures are logged.
func (d *Dispatcher) notify(ctx context.Context, entity int, body string) {
	if err := d.items.Comment(ctx, entity, body); err != nil {
		d.logger.Warn("post notification", "entity", entity, "error", err)
	}
}

// RiskNotes describes how a task's change request will be merged.
func RiskNotes(level plan.Level) string {
	switch level {
	case plan.L1:
		return "- This is a low-risk task (docs/tests only)\n- Will auto-merge after CI passes"
	case plan.L2:
		return "- This is a medium-risk task\n- Requires `/approve-task` command after CI passes"
	}
	return "- This is a high-risk task\n- Requires full PR review before merge"
}

// mergeRuntimes makes sure every plan task has a runtime record. Existing
// records keep their values; only empty fields are filled from the plan.
func mergeRuntimes(s *pipeline.Snapshot, pl *plan.Plan, now string) bool {
	if s.Tasks == nil {
		s.Tasks = map[string]*pipeline.TaskRuntime{}
	}
	changed := false
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	for _, t := range pl.Tasks {
		rt, ok := s.Tasks[t.ID]
		if !ok {
			rt = &pipeline.TaskRuntime{Status: pipeline.TaskPending, Deps: append([]string{}, t.Deps...), CreatedAt: now, UpdatedAt: now}
			s.Tasks[t.ID] = rt
			changed = true
		}
		if !rt.Status.Valid() {
			rt.Status = pipeline.TaskPending
			changed = true
		}
		fill(&rt.TaskKey, t.ID)
		fill(&rt.Title, t.Title)
		fill(&rt.Level, string(t.Level))
		fill(&rt.Acceptance, t.Acceptance)
		fill(&rt.CreatedAt, now)
		fill(&rt.UpdatedAt, now)
		if len(rt.Deps) == 0 && len(t.Deps) > 0 {
			rt.Deps = append([]string{}, t.Deps...)
			changed = true
		}
	}
	return changed
}

// activeTask returns the plan task that is in progress or in review.
func activeTask(s *pipeline.Snapshot, pl *plan.Plan) *pipeline.TaskRuntime {
	for _, t := range pl.Tasks {
		if rt := s.Tasks[t.ID]; rt.Status.Active() {
			return rt
		}
	}
	return nil
}

func allFinal(s *pipeline.Snapshot, pl *plan.Plan) bool {
	for _, t := range pl.Tasks {
		if !s.Tasks[t.ID].Status.Final() {
			return false
		}
	}
	return true
}

// selectNext returns the first pending task, in document order, whose
// dependencies are all done.
func selectNext(s *pipeline.Snapshot, pl *plan.Plan) *plan.Task {
	for i, t := range pl.Tasks {
		if s.Tasks[t.ID].Status != pipeline.TaskPending {
			continue
		}
		ready := true
		for _, dep := range t.Deps {
			if rt, ok := s.Tasks[dep]; !ok || rt.Status != pipeline.TaskDone {
				ready = false
				break
			}
		}
		if ready {
			return &pl.Tasks[i]
		}
	}
	return nil
}
