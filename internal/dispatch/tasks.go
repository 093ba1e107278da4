package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lucasnoah/agentflow/internal/marker"
	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/lucasnoah/agentflow/internal/plan"
	"github.com/lucasnoah/agentflow/internal/prompt"
	"github.com/lucasnoah/agentflow/internal/tracker"
)

// Materialized reports which task work items were created or reused.
type Materialized struct {
	Entity  int      `json:"entity"`
	Created []string `json:"created"`
	Reused  []string `json:"reused"`
	Version int      `json:"version"`
}

// Materialize creates a work item for every plan task that lacks one and
// records the item numbers in state. Items that already carry a matching
// task marker are reused, so running it twice creates nothing new.
func (d *Dispatcher) Materialize(ctx context.Context, entity int) (*Materialized, error) {
	s, err := d.store.LoadLatest(ctx, entity)
	if err != nil {
		return nil, err
	}
	planPath := d.PlanPath(s)
	pl, err := d.loadPlan(planPath)
	if err != nil {
		return nil, fmt.Errorf("load plan for %d: %w", entity, err)
	}

	existing, err := d.existingTaskItems(ctx, entity)
	if err != nil {
		return nil, err
	}

	out := &Materialized{Entity: entity, Version: s.Version}
	numbers := make(map[string]int, len(pl.Tasks))
	for _, t := range pl.Tasks {
		if rt := s.Tasks[t.ID]; rt != nil && rt.IssueNumber != 0 {
			numbers[t.ID] = rt.IssueNumber
			out.Reused = append(out.Reused, t.ID)
			continue
		}
		if n, ok := existing[t.ID]; ok {
			numbers[t.ID] = n
			out.Reused = append(out.Reused, t.ID)
			continue
		}
		n, err := d.createTaskItem(ctx, entity, planPath, t)
		if err != nil {
			return nil, fmt.Errorf("materialize %s: %w", t.ID, err)
		}
		d.logger.Info("task item created", "entity", entity, "task", t.ID, "issue", n)
		numbers[t.ID] = n
		out.Created = append(out.Created, t.ID)
	}

	now := d.store.Now()
	committed, err := d.store.Commit(ctx, entity, s, func(snap *pipeline.Snapshot) error {
		changed := mergeRuntimes(snap, pl, now)
		if snap.PlanPath == "" {
			snap.PlanPath = planPath
			changed = true
		}
		for id, n := range numbers {
			if rt := snap.Tasks[id]; rt.IssueNumber != n {
				rt.IssueNumber = n
				changed = true
			}
		}
		if !changed {
			return pipeline.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Version = committed.Version
	return out, nil
}

// existingTaskItems maps task keys to work items that already carry a task
// marker for entity.
func (d *Dispatcher) existingTaskItems(ctx context.Context, entity int) (map[string]int, error) {
	items, err := d.items.ListItems(ctx, d.cfg.Labels.Task.Task, "")
	if err != nil {
		return nil, fmt.Errorf("list task items: %w", err)
	}
	found := make(map[string]int)
	for _, it := range items {
		md, ok := marker.TryParse(it.Body, marker.WorkItem)
		if !ok || md.ParentIssue != entity || md.IssueType != marker.IssueTypeTask {
			continue
		}
		if _, dup := found[md.TaskKey]; !dup {
			found[md.TaskKey] = it.Number
		}
	}
	return found, nil
}

func (d *Dispatcher) createTaskItem(ctx context.Context, entity int, planPath string, t plan.Task) (int, error) {
	block, err := marker.Build(marker.Metadata{
		ParentIssue: entity,
		IssueType:   marker.IssueTypeTask,
		TaskKey:     t.ID,
	}, marker.WorkItem)
	if err != nil {
		return 0, fmt.Errorf("build task marker: %w", err)
	}
	deps := "None"
	if len(t.Deps) > 0 {
		lines := make([]string, len(t.Deps))
		for i, dep := range t.Deps {
			lines[i] = "- `" + dep + "`"
		}
		deps = strings.Join(lines, "\n")
	}
	notes := t.Notes
	if notes == "" {
		notes = "None"
	}
	body, err := d.prompts.Render(prompt.TaskItem, prompt.Vars{
		"parent_issue": strconv.Itoa(entity),
		"task_key":     t.ID,
		"level":        string(t.Level),
		"plan_path":    planPath,
		"title":        t.Title,
		"acceptance":   t.Acceptance,
		"deps":         deps,
		"notes":        notes,
		"marker_block": block,
	})
	if err != nil {
		return 0, err
	}
	labels := []string{d.cfg.Labels.Task.Task, d.cfg.Labels.Task.Pending}
	if l := d.cfg.Labels.Level.For(string(t.Level)); l != "" {
		labels = append(labels, l)
	}
	return d.items.CreateItem(ctx, tracker.NewItem{
		Title:  fmt.Sprintf("[Task %s] %s", t.ID, t.Title),
		Body:   body,
		Labels: labels,
	})
}

// signal is one externally driven task status change.
type signal struct {
	to      pipeline.TaskStatus
	from    []pipeline.TaskStatus
	ignore  []pipeline.TaskStatus
	pr      int
	close   bool
	comment string
}

// MarkInReview records that a change request for the task is open.
func (d *Dispatcher) MarkInReview(ctx context.Context, entity int, key string, pr int) (*Result, error) {
	return d.apply(ctx, entity, key, signal{
		to:     pipeline.TaskInReview,
		from:   []pipeline.TaskStatus{pipeline.TaskPending, pipeline.TaskInProgress, pipeline.TaskBlocked},
		ignore: []pipeline.TaskStatus{pipeline.TaskInReview, pipeline.TaskDone, pipeline.TaskCancelled},
		pr:     pr,
	})
}

// MarkDone records that the task's change request merged and closes the
// task item.
func (d *Dispatcher) MarkDone(ctx context.Context, entity int, key string, pr int) (*Result, error) {
	return d.apply(ctx, entity, key, signal{
		to:     pipeline.TaskDone,
		from:   []pipeline.TaskStatus{pipeline.TaskPending, pipeline.TaskInProgress, pipeline.TaskInReview, pipeline.TaskBlocked},
		ignore: []pipeline.TaskStatus{pipeline.TaskDone},
		pr:     pr,
		close:  true,
	})
}

// Block parks an active or pending task until Unblock is called.
func (d *Dispatcher) Block(ctx context.Context, entity int, key, reason string) (*Result, error) {
	comment := "⛔ Task blocked"
	if reason != "" {
		comment += ": " + reason
	}
	return d.apply(ctx, entity, key, signal{
		to:      pipeline.TaskBlocked,
		from:    []pipeline.TaskStatus{pipeline.TaskPending, pipeline.TaskInProgress, pipeline.TaskInReview},
		ignore:  []pipeline.TaskStatus{pipeline.TaskBlocked},
		comment: comment,
	})
}

// Unblock returns a blocked task to pending so it can be dispatched again.
func (d *Dispatcher) Unblock(ctx context.Context, entity int, key string) (*Result, error) {
	return d.apply(ctx, entity, key, signal{
		to:     pipeline.TaskPending,
		from:   []pipeline.TaskStatus{pipeline.TaskBlocked},
		ignore: []pipeline.TaskStatus{pipeline.TaskPending},
	})
}

// CancelTask drops a task that has not finished and closes its item.
func (d *Dispatcher) CancelTask(ctx context.Context, entity int, key string) (*Result, error) {
	return d.apply(ctx, entity, key, signal{
		to:     pipeline.TaskCancelled,
		from:   []pipeline.TaskStatus{pipeline.TaskPending, pipeline.TaskInProgress, pipeline.TaskInReview, pipeline.TaskBlocked},
		ignore: []pipeline.TaskStatus{pipeline.TaskCancelled},
		close:  true,
	})
}

func (d *Dispatcher) apply(ctx context.Context, entity int, key string, sig signal) (*Result, error) {
	s, err := d.store.LoadLatest(ctx, entity)
	if err != nil {
		return nil, err
	}
	rt, ok := s.Tasks[key]
	if !ok {
		return nil, fmt.Errorf("%s on %d: %w", key, entity, ErrUnknownTask)
	}
	res := &Result{Entity: entity, TaskKey: key, IssueNumber: rt.IssueNumber, Version: s.Version}
	if contains(sig.ignore, rt.Status) {
		res.Action = ActionUnchanged
		return res, nil
	}
	if !contains(sig.from, rt.Status) {
		return nil, fmt.Errorf("%s on %d: %s -> %s: %w", key, entity, rt.Status, sig.to, ErrInvalidStatus)
	}
	if sig.to.Active() {
		if other := s.ActiveTask(); other != nil && other.TaskKey != key {
			return nil, fmt.Errorf("%s on %d: %s is %s: %w", key, entity, other.TaskKey, other.Status, ErrTaskActive)
		}
	}

	if rt.IssueNumber != 0 {
		if err := d.syncItem(ctx, rt.IssueNumber, sig); err != nil {
			return nil, fmt.Errorf("%s on %d: %w", key, entity, err)
		}
	}

	now := d.store.Now()
	committed, err := d.store.Commit(ctx, entity, s, func(snap *pipeline.Snapshot) error {
		t := snap.Tasks[key]
		t.Status = sig.to
		t.UpdatedAt = now
		if sig.pr != 0 {
			t.PRNumber = sig.pr
		}
		switch {
		case sig.to.Active():
			snap.CursorTaskID = key
		case snap.CursorTaskID == key:
			snap.CursorTaskID = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("task status changed", "entity", entity, "task", key, "from", rt.Status, "to", sig.to)
	if sig.to == pipeline.TaskDone {
		note := fmt.Sprintf("✅ Task completed: %s", key)
		if sig.pr != 0 {
			note += fmt.Sprintf(" via PR #%d", sig.pr)
		}
		d.notify(ctx, entity, note+".")
	}

	res.Action = ActionUpdated
	res.Version = committed.Version
	return res, nil
}

// syncItem mirrors a task status change onto its work item.
func (d *Dispatcher) syncItem(ctx context.Context, number int, sig signal) error {
	t := d.cfg.Labels.Task
	add := map[pipeline.TaskStatus]string{
		pipeline.TaskPending:    t.Pending,
		pipeline.TaskInProgress: t.InProgress,
		pipeline.TaskInReview:   t.InReview,
		pipeline.TaskBlocked:    t.Blocked,
		pipeline.TaskDone:       t.Done,
		pipeline.TaskCancelled:  t.Cancelled,
	}[sig.to]
	all := []string{t.Pending, t.InProgress, t.InReview, t.Blocked, t.Done, t.Cancelled}
	if err := tracker.SwapLabels(ctx, d.items, number, add, all...); err != nil {
		return fmt.Errorf("update task labels: %w", err)
	}
	if sig.comment != "" {
		if err := d.items.Comment(ctx, number, sig.comment); err != nil {
			return fmt.Errorf("comment on task item: %w", err)
		}
	}
	if sig.close {
		if err := d.items.SetItemState(ctx, number, tracker.StateClosed); err != nil {
			return fmt.Errorf("close task item: %w", err)
		}
	}
	return nil
}

func contains(list []pipeline.TaskStatus, s pipeline.TaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
