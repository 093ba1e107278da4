package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/agentflow/internal/config"
	"github.com/lucasnoah/agentflow/internal/marker"
	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/lucasnoah/agentflow/internal/pipeline/pipelinetest"
	"github.com/lucasnoah/agentflow/internal/plan"
	"github.com/lucasnoah/agentflow/internal/tracker"
	"github.com/lucasnoah/agentflow/internal/tracker/trackertest"
)

const epic = 42

const threeTaskPlan = `tasks:
  - id: task-docs
    title: Write the README
    level: l1
    deps: []
    acceptance: README explains setup
  - id: task-api
    title: Add the API
    level: l3
    deps: [task-docs]
    acceptance: endpoints respond
    notes: keep handlers thin
  - id: task-tests
    title: Cover the API
    level: l2
    deps: [task-api]
    acceptance: coverage above 80%
`

type harness struct {
	d     *Dispatcher
	store *pipeline.Store
	fake  *trackertest.Fake
}

func newHarness(t *testing.T, planYAML string) *harness {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "issue-42.yaml"), []byte(planYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	tick := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}
	store := pipeline.NewStore(pipelinetest.NewMemoryLog(), pipeline.WithClock(clock), pipeline.WithStateIDPrefix("acme/widgets"))
	ctx := context.Background()
	if _, err := store.Initialize(ctx, epic, nil); err != nil {
		t.Fatal(err)
	}
	// Spec and plan are finished; execution is running.
	_, err := store.Update(ctx, epic, func(s *pipeline.Snapshot) error {
		s.Phases.Spec.Status = pipeline.PhaseDone
		s.Phases.Plan.Status = pipeline.PhaseDone
		s.Phases.Execution.Status = pipeline.PhaseInProgress
		s.Phases.Execution.IssueNumber = 60
		s.CurrentPhase = pipeline.PhaseExecution
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	fake := trackertest.New()
	fake.AddItem(epic, "Widgets epic", "agent:executing")
	fake.AddItem(60, "[Task Execution] Epic #42", "agent:phase:execution")

	cfg := config.Default()
	cfg.Agent.Repo = "acme/widgets"
	cfg.Paths.PlanYAMLDir = dir
	return &harness{d: New(store, fake, cfg, nil, nil), store: store, fake: fake}
}

func (h *harness) latest(t *testing.T) *pipeline.Snapshot {
	t.Helper()
	s, err := h.store.LoadLatest(context.Background(), epic)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (h *harness) materialize(t *testing.T) {
	t.Helper()
	if _, err := h.d.Materialize(context.Background(), epic); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
}

func TestMaterializeCreatesTaskItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeTaskPlan)

	m, err := h.d.Materialize(ctx, epic)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(m.Created) != 3 || len(m.Reused) != 0 {
		t.Errorf("created=%v reused=%v", m.Created, m.Reused)
	}

	s := h.latest(t)
	if s.Version != m.Version {
		t.Errorf("Version = %d, result says %d", s.Version, m.Version)
	}
	api := s.Tasks["task-api"]
	if api.IssueNumber != 102 || api.Status != pipeline.TaskPending || api.Level != "l3" {
		t.Errorf("task-api runtime = %+v", api)
	}
	if len(api.Deps) != 1 || api.Deps[0] != "task-docs" {
		t.Errorf("task-api deps = %v", api.Deps)
	}
	if s.PlanPath == "" {
		t.Error("PlanPath not recorded")
	}

	item := h.fake.Item(102)
	if item.Title != "[Task task-api] Add the API" {
		t.Errorf("Title = %q", item.Title)
	}
	for _, l := range []string{"agent:task", "agent:pending", "agent:l3"} {
		if !item.HasLabel(l) {
			t.Errorf("item missing label %q: %v", l, item.Labels)
		}
	}
	md, err := marker.Parse(item.Body, marker.WorkItem)
	if err != nil {
		t.Fatalf("item marker: %v", err)
	}
	if md.ParentIssue != epic || md.TaskKey != "task-api" || md.IssueType != marker.IssueTypeTask {
		t.Errorf("marker = %+v", md)
	}
	if !strings.Contains(item.Body, "keep handlers thin") {
		t.Error("body missing notes")
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeTaskPlan)
	h.materialize(t)
	version := h.latest(t).Version

	m, err := h.d.Materialize(ctx, epic)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Created) != 0 || len(m.Reused) != 3 {
		t.Errorf("created=%v reused=%v", m.Created, m.Reused)
	}
	if got := h.latest(t).Version; got != version {
		t.Errorf("Version = %d, want unchanged %d", got, version)
	}
}

func TestMaterializeReusesMarkedItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeTaskPlan)

	block, err := marker.Build(marker.Metadata{ParentIssue: epic, IssueType: marker.IssueTypeTask, TaskKey: "task-docs"}, marker.WorkItem)
	if err != nil {
		t.Fatal(err)
	}
	h.fake.AddItem(77, "[Task task-docs] Write the README", "agent:task").Body = "earlier run\n\n" + block

	m, err := h.d.Materialize(ctx, epic)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Reused) != 1 || m.Reused[0] != "task-docs" {
		t.Errorf("reused = %v", m.Reused)
	}
	if got := h.latest(t).Tasks["task-docs"].IssueNumber; got != 77 {
		t.Errorf("task-docs issue = %d, want 77", got)
	}
}

func TestDispatchFollowsDependencies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeTaskPlan)
	h.materialize(t)

	res, err := h.d.Dispatch(ctx, epic)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Action != ActionDispatched || res.TaskKey != "task-docs" || res.IssueNumber != 101 {
		t.Fatalf("result = %+v", res)
	}

	s := h.latest(t)
	if s.CursorTaskID != "task-docs" || s.Tasks["task-docs"].Status != pipeline.TaskInProgress {
		t.Errorf("cursor=%q status=%s", s.CursorTaskID, s.Tasks["task-docs"].Status)
	}

	item := h.fake.Item(101)
	if !item.HasLabel("agent:in-progress") || item.HasLabel("agent:pending") {
		t.Errorf("labels = %v", item.Labels)
	}
	if len(item.Assignees) != 1 || item.Assignees[0] != "copilot" {
		t.Errorf("Assignees = %v", item.Assignees)
	}
	instructions := h.fake.CommentsOn(101)
	if len(instructions) != 1 {
		t.Fatalf("instruction comments = %d", len(instructions))
	}
	if !strings.Contains(instructions[0], "# Task task-docs (L1)") || !strings.Contains(instructions[0], "Will auto-merge after CI passes") {
		t.Errorf("instructions:\n%s", instructions[0])
	}
	md, err := marker.Parse(instructions[0], marker.ChangeRequest)
	if err != nil || md.PRType != marker.PRTypeTask || md.TaskKey != "task-docs" {
		t.Errorf("PR marker = %+v, %v", md, err)
	}
	parent := h.fake.CommentsOn(epic)
	if len(parent) != 1 || !strings.HasPrefix(parent[0], "🚀 Task Dispatched") {
		t.Errorf("parent comments = %q", parent)
	}
}

func TestDispatchIsIdempotentWhileTaskActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeTaskPlan)
	h.materialize(t)
	if _, err := h.d.Dispatch(ctx, epic); err != nil {
		t.Fatal(err)
	}
	version := h.latest(t).Version
	calls := len(h.fake.Calls)

	res, err := h.d.Dispatch(ctx, epic)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionActive || res.TaskKey != "task-docs" {
		t.Errorf("result = %+v", res)
	}
	if got := h.latest(t).Version; got != version {
		t.Errorf("Version = %d, want %d", got, version)
	}
	if len(h.fake.Calls) != calls {
		t.Errorf("tracker calls on idle dispatch: %v", h.fake.Calls[calls:])
	}
}

func TestDispatchAdvancesAfterMerge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeTaskPlan)
	h.materialize(t)
	if _, err := h.d.Dispatch(ctx, epic); err != nil {
		t.Fatal(err)
	}
	if _, err := h.d.MarkDone(ctx, epic, "task-docs", 501); err != nil {
		t.Fatal(err)
	}

	s := h.latest(t)
	docs := s.Tasks["task-docs"]
	if docs.Status != pipeline.TaskDone || docs.PRNumber != 501 || s.CursorTaskID != "" {
		t.Errorf("after merge: %+v cursor=%q", docs, s.CursorTaskID)
	}
	item := h.fake.Item(101)
	if item.State != tracker.StateClosed || !item.HasLabel("agent:done") || item.HasLabel("agent:in-progress") {
		t.Errorf("task item = %+v", item)
	}

	res, err := h.d.Dispatch(ctx, epic)
	if err != nil {
		t.Fatal(err)
	}
	if res.TaskKey != "task-api" {
		t.Errorf("next task = %q, want task-api", res.TaskKey)
	}
	if !strings.Contains(h.fake.CommentsOn(102)[0], "Requires full PR review before merge") {
		t.Error("l3 instructions missing risk note")
	}
}

func TestDispatchBlockedByUnfinishedDependency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeTaskPlan)
	h.materialize(t)
	if _, err := h.d.Dispatch(ctx, epic); err != nil {
		t.Fatal(err)
	}
	if _, err := h.d.Block(ctx, epic, "task-docs", "waiting on design"); err != nil {
		t.Fatal(err)
	}

	res, err := h.d.Dispatch(ctx, epic)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionBlocked {
		t.Errorf("Action = %s, want blocked", res.Action)
	}
	if got := h.fake.CommentsOn(101); got[len(got)-1] != "⛔ Task blocked: waiting on design" {
		t.Errorf("last task comment = %q", got[len(got)-1])
	}

	if _, err := h.d.Unblock(ctx, epic, "task-docs"); err != nil {
		t.Fatal(err)
	}
	res, err = h.d.Dispatch(ctx, epic)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionDispatched || res.TaskKey != "task-docs" {
		t.Errorf("after unblock: %+v", res)
	}
}

func TestDispatchCompletesEntity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeTaskPlan)
	h.materialize(t)
	for _, key := range []string{"task-docs", "task-api"} {
		if _, err := h.d.MarkDone(ctx, epic, key, 0); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.d.CancelTask(ctx, epic, "task-tests"); err != nil {
		t.Fatal(err)
	}

	res, err := h.d.Dispatch(ctx, epic)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionCompleted {
		t.Fatalf("Action = %s, want completed", res.Action)
	}
	s := h.latest(t)
	if s.Status != pipeline.StatusDone || s.Phases.Execution.Status != pipeline.PhaseDone || s.CurrentPhase != "" {
		t.Errorf("status=%s execution=%s current=%q", s.Status, s.Phases.Execution.Status, s.CurrentPhase)
	}
	if h.fake.Item(60).State != tracker.StateClosed {
		t.Error("execution item not closed")
	}
	parent := h.fake.Item(epic)
	if !parent.HasLabel("agent:done") || parent.HasLabel("agent:executing") {
		t.Errorf("parent labels = %v", parent.Labels)
	}
	comments := h.fake.CommentsOn(epic)
	if !strings.HasPrefix(comments[len(comments)-1], "🎉 All Tasks Completed") {
		t.Errorf("last parent comment = %q", comments[len(comments)-1])
	}

	res, err = h.d.Dispatch(ctx, epic)
	if err != nil || res.Action != ActionAlreadyDone {
		t.Errorf("second dispatch = %+v, %v", res, err)
	}
}

func TestDispatchPausedAndAborted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeTaskPlan)
	h.materialize(t)

	if _, err := h.store.Update(ctx, epic, func(s *pipeline.Snapshot) error {
		s.Paused = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	res, err := h.d.Dispatch(ctx, epic)
	if err != nil || res.Action != ActionPaused {
		t.Errorf("paused dispatch = %+v, %v", res, err)
	}

	if _, err := h.store.Update(ctx, epic, func(s *pipeline.Snapshot) error {
		s.Paused = false
		s.Status = pipeline.StatusAborted
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	res, err = h.d.Dispatch(ctx, epic)
	if err != nil || res.Action != ActionAborted {
		t.Errorf("aborted dispatch = %+v, %v", res, err)
	}
}

func TestDispatchWithoutWorkItem(t *testing.T) {
	h := newHarness(t, threeTaskPlan)
	_, err := h.d.Dispatch(context.Background(), epic)
	if !errors.Is(err, ErrMissingWorkItem) {
		t.Errorf("got %v, want ErrMissingWorkItem", err)
	}
}

func TestDispatchRejectsInvalidPlan(t *testing.T) {
	h := newHarness(t, "tasks:\n  - id: task-a\n    title: A\n")
	_, err := h.d.Dispatch(context.Background(), epic)
	var verr *plan.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("got %v, want a plan validation error", err)
	}
}

func TestMarkInReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeTaskPlan)
	h.materialize(t)
	if _, err := h.d.Dispatch(ctx, epic); err != nil {
		t.Fatal(err)
	}

	res, err := h.d.MarkInReview(ctx, epic, "task-docs", 500)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionUpdated {
		t.Errorf("Action = %s", res.Action)
	}
	s := h.latest(t)
	if rt := s.Tasks["task-docs"]; rt.Status != pipeline.TaskInReview || rt.PRNumber != 500 || s.CursorTaskID != "task-docs" {
		t.Errorf("runtime = %+v cursor=%q", rt, s.CursorTaskID)
	}
	if item := h.fake.Item(101); !item.HasLabel("agent:in-review") || item.HasLabel("agent:in-progress") {
		t.Errorf("labels = %v", item.Labels)
	}

	res, err = h.d.MarkInReview(ctx, epic, "task-docs", 500)
	if err != nil || res.Action != ActionUnchanged {
		t.Errorf("repeat = %+v, %v", res, err)
	}

	if _, err := h.d.MarkInReview(ctx, epic, "task-tests", 502); !errors.Is(err, ErrTaskActive) {
		t.Errorf("second active task: got %v, want ErrTaskActive", err)
	}
}

func TestSignalErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeTaskPlan)
	h.materialize(t)

	if _, err := h.d.MarkDone(ctx, epic, "task-nope", 1); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("unknown task: got %v", err)
	}
	if _, err := h.d.Unblock(ctx, epic, "task-docs"); err != nil {
		t.Errorf("unblock pending task should be a no-op, got %v", err)
	}
	if _, err := h.d.CancelTask(ctx, epic, "task-docs"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.d.Block(ctx, epic, "task-docs", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("block cancelled task: got %v, want ErrInvalidStatus", err)
	}
	if h.fake.Item(101).State != tracker.StateClosed {
		t.Error("cancelled task item not closed")
	}
}

func TestRiskNotes(t *testing.T) {
	tests := []struct {
		level plan.Level
		want  string
	}{
		{plan.L1, "auto-merge"},
		{plan.L2, "/approve-task"},
		{plan.L3, "full PR review"},
		{plan.Level("l9"), "full PR review"},
	}
	for _, tt := range tests {
		if got := RiskNotes(tt.level); !strings.Contains(got, tt.want) {
			t.Errorf("RiskNotes(%s) = %q, want it to mention %q", tt.level, got, tt.want)
		}
	}
}
