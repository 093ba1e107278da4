// Package orchestrator routes platform events to the phase machine, the
// task dispatcher and the merge policy, and journals every step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/lucasnoah/agentflow/internal/config"
	"github.com/lucasnoah/agentflow/internal/db"
	"github.com/lucasnoah/agentflow/internal/dispatch"
	"github.com/lucasnoah/agentflow/internal/logging"
	"github.com/lucasnoah/agentflow/internal/marker"
	"github.com/lucasnoah/agentflow/internal/phase"
	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/lucasnoah/agentflow/internal/plan"
	"github.com/lucasnoah/agentflow/internal/policy"
	"github.com/lucasnoah/agentflow/internal/prompt"
	"github.com/lucasnoah/agentflow/internal/tracker"
)

// Journal event names.
const (
	EventInitialized = "initialized"
	EventMerged      = "pr.merged"
	EventOpened      = "pr.opened"
	EventCommand     = "command"
	EventCheckIn     = "check-in"
)

// Result actions that are not dispatcher actions.
const (
	ActionIgnored      = "ignored"
	ActionStarted      = "started"
	ActionAdvanced     = "advanced"
	ActionPlanRejected = "plan_rejected"
	ActionTaskDone     = "task_done"
	ActionInReview     = "in_review"
	ActionPaused       = "paused"
	ActionResumed      = "resumed"
	ActionAborted      = "aborted"
	ActionPhaseUpdated = "phase_updated"
	ActionApproved     = "approved"
	ActionSkip         = "skip"
	ActionReconciled   = "reconciled"
	ActionConflict     = "conflict"
	ActionError        = "error"
)

// Orchestrator composes the pipeline components behind event handlers.
type Orchestrator struct {
	store      *pipeline.Store
	tracker    tracker.Tracker
	machine    *phase.Machine
	dispatcher *dispatch.Dispatcher
	evaluator  *policy.Evaluator
	validator  *plan.Validator
	journal    *db.DB
	cfg        *config.Config
	logger     *slog.Logger
}

// NewOrchestrator wires the components. journal may be nil, in which case
// nothing is recorded. A nil logger discards output.
func NewOrchestrator(store *pipeline.Store, t tracker.Tracker, journal *db.DB, cfg *config.Config, prompts *prompt.Loader, logger *slog.Logger) (*Orchestrator, error) {
	logger = logging.OrDiscard(logger)
	if prompts == nil {
		prompts = prompt.NewLoader(cfg.Paths.PromptsDir)
	}
	evaluator, err := policy.NewEvaluator(t, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build merge policy: %w", err)
	}
	return &Orchestrator{
		store:      store,
		tracker:    t,
		machine:    phase.NewMachine(store, t, cfg, prompts, logger),
		dispatcher: dispatch.New(store, t, cfg, prompts, logger),
		evaluator:  evaluator,
		validator:  plan.NewValidator(plan.Options{Mode: cfg.Plan.Mode, ForbiddenKeys: cfg.Plan.ForbiddenKeys}),
		journal:    journal,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Machine returns the phase machine.
func (o *Orchestrator) Machine() *phase.Machine { return o.machine }

// Dispatcher returns the task dispatcher.
func (o *Orchestrator) Dispatcher() *dispatch.Dispatcher { return o.dispatcher }

// Journal returns the event journal, or nil when none is configured.
func (o *Orchestrator) Journal() *db.DB { return o.journal }

// Evaluator returns the merge policy evaluator.
func (o *Orchestrator) Evaluator() *policy.Evaluator { return o.evaluator }

// Result describes what handling one event did.
type Result struct {
	Entity   int                 `json:"entity"`
	PR       int                 `json:"pr,omitempty"`
	Action   string              `json:"action"`
	Phase    string              `json:"phase,omitempty"`
	TaskKey  string              `json:"task_key,omitempty"`
	Version  int                 `json:"version,omitempty"`
	Message  string              `json:"message,omitempty"`
	Dispatch *dispatch.Result    `json:"dispatch,omitempty"`
	Decision *policy.Decision    `json:"decision,omitempty"`
	Merge    *policy.MergeResult `json:"merge,omitempty"`
}

// Phases returns the pipeline configured for new entities.
func (o *Orchestrator) Phases() []pipeline.Phase {
	if o.cfg.Phases.RequirementEnabled {
		return pipeline.KnownPhases
	}
	return pipeline.DefaultPhases
}

// Begin initializes state for a requested entity and starts its first phase.
func (o *Orchestrator) Begin(ctx context.Context, entity int) (*Result, error) {
	res := &Result{Entity: entity, Action: ActionStarted}
	err := o.begin(ctx, entity, res)
	o.record(ctx, EventInitialized, res, "", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) begin(ctx context.Context, entity int, res *Result) error {
	phases := o.Phases()
	if _, err := o.store.Initialize(ctx, entity, phases); err != nil {
		return err
	}
	s, err := o.machine.Start(ctx, entity, phases[0])
	if err != nil {
		return err
	}
	res.Phase = string(phases[0])
	res.Version = s.Version
	return nil
}

// HandleChangeRequestMerged routes a merged change request by its marker:
// a spec completes the spec phase and starts planning, a plan is validated
// and turned into tasks, a task is marked done and the next one dispatched.
// Change requests without a marker are ignored.
func (o *Orchestrator) HandleChangeRequestMerged(ctx context.Context, pr int) (*Result, error) {
	res := &Result{PR: pr}
	err := o.merged(ctx, pr, res)
	o.record(ctx, EventMerged, res, "", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) merged(ctx context.Context, pr int, res *Result) error {
	cr, err := o.tracker.GetChangeRequest(ctx, pr)
	if err != nil {
		return fmt.Errorf("get change request #%d: %w", pr, err)
	}
	if !cr.Merged() {
		res.Action = ActionIgnored
		res.Message = "change request is " + cr.State
		return nil
	}
	md, ok, err := parseMarker(cr.Body, pr)
	if err != nil || !ok {
		res.Action = ActionIgnored
		res.Message = "no agent marker"
		return err
	}
	res.Entity = md.ParentIssue
	res.TaskKey = md.TaskKey

	switch md.PRType {
	case marker.PRTypeSpec:
		return o.advance(ctx, md.ParentIssue, pipeline.PhaseSpec, pr, res)
	case marker.PRTypePlan:
		return o.acceptPlan(ctx, md.ParentIssue, pr, res)
	default:
		return o.taskMerged(ctx, md.ParentIssue, md.TaskKey, pr, res)
	}
}

// parseMarker reads the change request marker. A missing block is not an
// error: the change request simply is not ours.
func parseMarker(body string, pr int) (marker.Metadata, bool, error) {
	md, err := marker.Parse(body, marker.ChangeRequest)
	if err == nil {
		return md, true, nil
	}
	if marker.CodeOf(err) == marker.CodeBlockMissing {
		return md, false, nil
	}
	return md, false, fmt.Errorf("parse marker of #%d: %w", pr, err)
}

// advance completes p and starts the phase after it. The plan phase is
// routed through acceptPlan because its successor needs tasks.
func (o *Orchestrator) advance(ctx context.Context, entity int, p pipeline.Phase, pr int, res *Result) error {
	if p == pipeline.PhasePlan {
		return o.acceptPlan(ctx, entity, pr, res)
	}
	s, err := o.machine.Complete(ctx, entity, p, pr)
	if err != nil {
		return err
	}
	res.Action = ActionAdvanced
	res.Phase = string(p)
	res.Version = s.Version
	next, ok := phase.Next(s, p)
	if !ok || next == pipeline.PhaseExecution {
		return nil
	}
	s, err = o.machine.Start(ctx, entity, next)
	if err != nil {
		return err
	}
	res.Phase = string(next)
	res.Version = s.Version
	return nil
}

// acceptPlan validates the merged plan. A rejected plan fails the plan
// phase and posts the report on the parent; an accepted one completes the
// phase, materializes tasks, starts execution and dispatches.
func (o *Orchestrator) acceptPlan(ctx context.Context, entity int, pr int, res *Result) error {
	s, err := o.store.LoadLatest(ctx, entity)
	if err != nil {
		return err
	}
	res.Phase = string(pipeline.PhasePlan)
	path := o.dispatcher.PlanPath(s)
	if _, _, err := plan.LoadAndValidate(path, o.validator); err != nil {
		report := plan.FormatError(err)
		o.logger.Warn("plan rejected", "entity", entity, "path", path, "code", report.Code)
		o.notify(ctx, entity, report.Markdown())
		failed, ferr := o.machine.Fail(ctx, entity, pipeline.PhasePlan, "Plan validation failed: "+report.Message)
		if ferr != nil {
			return ferr
		}
		res.Action = ActionPlanRejected
		res.Message = report.Code
		res.Version = failed.Version
		return nil
	}

	if _, err := o.machine.Complete(ctx, entity, pipeline.PhasePlan, pr); err != nil {
		return err
	}
	m, err := o.dispatcher.Materialize(ctx, entity)
	if err != nil {
		return err
	}
	o.logger.Info("tasks materialized", "entity", entity, "created", len(m.Created), "reused", len(m.Reused))
	if _, err := o.machine.Start(ctx, entity, pipeline.PhaseExecution); err != nil {
		return err
	}
	d, err := o.dispatcher.Dispatch(ctx, entity)
	if err != nil {
		return err
	}
	res.Action = ActionAdvanced
	res.Phase = string(pipeline.PhaseExecution)
	res.Dispatch = d
	res.Version = d.Version
	res.Message = fmt.Sprintf("%d tasks created, %d reused", len(m.Created), len(m.Reused))
	return nil
}

func (o *Orchestrator) taskMerged(ctx context.Context, entity int, key string, pr int, res *Result) error {
	if _, err := o.dispatcher.MarkDone(ctx, entity, key, pr); err != nil {
		return err
	}
	d, err := o.dispatcher.Dispatch(ctx, entity)
	if err != nil {
		return err
	}
	res.Action = ActionTaskDone
	res.Phase = string(pipeline.PhaseExecution)
	res.TaskKey = key
	res.Dispatch = d
	res.Version = d.Version
	return nil
}

// HandleChangeRequestOpened puts a task into review, classifies the change
// request, tags it with its effective level and tries the l1 auto-merge.
func (o *Orchestrator) HandleChangeRequestOpened(ctx context.Context, pr int) (*Result, error) {
	res := &Result{PR: pr}
	err := o.opened(ctx, pr, res)
	o.record(ctx, EventOpened, res, "", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) opened(ctx context.Context, pr int, res *Result) error {
	cr, err := o.tracker.GetChangeRequest(ctx, pr)
	if err != nil {
		return fmt.Errorf("get change request #%d: %w", pr, err)
	}
	md, ok, err := parseMarker(cr.Body, pr)
	if err != nil || !ok || md.PRType != marker.PRTypeTask {
		res.Action = ActionIgnored
		res.Message = "not a task change request"
		return err
	}
	res.Entity = md.ParentIssue
	res.TaskKey = md.TaskKey
	res.Phase = string(pipeline.PhaseExecution)

	r, err := o.dispatcher.MarkInReview(ctx, md.ParentIssue, md.TaskKey, pr)
	if err != nil {
		return err
	}
	s, err := o.store.LoadLatest(ctx, md.ParentIssue)
	if err != nil {
		return err
	}
	declared := plan.Level(s.Tasks[md.TaskKey].Level)

	d, err := o.evaluator.Evaluate(ctx, pr, declared)
	if err != nil {
		return err
	}
	if err := o.evaluator.Publish(ctx, pr, md.TaskKey, d); err != nil {
		return err
	}
	o.recordDecision(ctx, pr, md, d)
	res.Decision = &d

	m, err := o.evaluator.AutoMerge(ctx, pr, d)
	if err != nil {
		return err
	}
	res.Merge = m
	res.Action = ActionInReview
	res.Version = r.Version
	res.Message = m.Reason
	if m.Merged {
		return o.taskMerged(ctx, md.ParentIssue, md.TaskKey, pr, res)
	}
	return nil
}

// Snapshot returns the entity's latest state.
func (o *Orchestrator) Snapshot(ctx context.Context, entity int) (*pipeline.Snapshot, error) {
	return o.store.LoadLatest(ctx, entity)
}

// StatusInfo summarizes one entity for display.
type StatusInfo struct {
	Entity   int                         `json:"entity"`
	Status   string                      `json:"status"`
	Phase    string                      `json:"phase"`
	Paused   bool                        `json:"paused"`
	Version  int                         `json:"version"`
	Progress int                         `json:"progress"`
	Cursor   string                      `json:"cursor,omitempty"`
	Phases   []PhaseInfo                 `json:"phases"`
	Tasks    []*pipeline.TaskRuntime     `json:"tasks,omitempty"`
	Counts   map[pipeline.TaskStatus]int `json:"counts,omitempty"`
	Updated  string                      `json:"updated_at"`
}

// PhaseInfo is one row of a status phase table.
type PhaseInfo struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Issue   int    `json:"issue,omitempty"`
	PR      int    `json:"pr,omitempty"`
	Retries int    `json:"retries"`
}

// Status returns the display summary of an entity.
func (o *Orchestrator) Status(ctx context.Context, entity int) (*StatusInfo, error) {
	s, err := o.store.LoadLatest(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	return statusOf(s), nil
}

// StatusAll returns summaries of every entity the state log knows about.
// Entities whose state cannot be read are left out.
func (o *Orchestrator) StatusAll(ctx context.Context) ([]StatusInfo, error) {
	entities, err := o.store.Entities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	var out []StatusInfo
	for _, e := range entities {
		s, err := o.store.LoadLatest(ctx, e)
		if err != nil {
			o.logger.Debug("skipping entity without state", "entity", e, "error", err)
			continue
		}
		out = append(out, *statusOf(s))
	}
	return out, nil
}

func statusOf(s *pipeline.Snapshot) *StatusInfo {
	info := &StatusInfo{
		Entity:   s.ParentIssue,
		Status:   string(s.Status),
		Phase:    string(s.CurrentPhase),
		Paused:   s.Paused,
		Version:  s.Version,
		Progress: phase.Progress(s),
		Cursor:   s.CursorTaskID,
		Updated:  s.UpdatedAt,
	}
	for _, p := range s.Phases.Order() {
		rec := s.Phases.Get(p)
		info.Phases = append(info.Phases, PhaseInfo{
			Name:    string(p),
			Status:  string(rec.Status),
			Issue:   rec.IssueNumber,
			PR:      rec.PRNumber,
			Retries: rec.RetryCount,
		})
	}
	for _, t := range s.Tasks {
		info.Tasks = append(info.Tasks, t)
	}
	sort.Slice(info.Tasks, func(i, j int) bool { return info.Tasks[i].TaskKey < info.Tasks[j].TaskKey })
	if len(s.Tasks) > 0 {
		info.Counts = s.TaskCounts()
	}
	return info
}

// notify posts a best-effort note on the parent.
func (o *Orchestrator) notify(ctx context.Context, entity int, body string) {
	if err := o.tracker.Comment(ctx, entity, body); err != nil {
		o.logger.Warn("post notification", "entity", entity, "error", err)
	}
}

// outcome maps a handler result onto a journal outcome.
func outcome(res *Result, err error) string {
	switch {
	case pipeline.IsConflict(err):
		return db.OutcomeConflict
	case err != nil:
		return db.OutcomeError
	}
	switch res.Action {
	case ActionIgnored, ActionSkip, string(dispatch.ActionUnchanged), string(dispatch.ActionActive),
		string(dispatch.ActionPaused), string(dispatch.ActionBlocked), string(dispatch.ActionAlreadyDone):
		return db.OutcomeNoop
	}
	return db.OutcomeOK
}

// record journals one handled event. Journal failures are logged only. An
// event whose dispatch finished the entity is journaled as completed.
func (o *Orchestrator) record(ctx context.Context, event string, res *Result, actor string, err error) {
	if o.journal == nil {
		return
	}
	detail := res.Message
	if err != nil {
		detail = err.Error()
	}
	action := res.Action
	if res.Dispatch != nil && res.Dispatch.Action == dispatch.ActionCompleted {
		action = string(dispatch.ActionCompleted)
	}
	jerr := o.journal.LogPipelineEvent(ctx, db.PipelineEvent{
		Entity:  res.Entity,
		Event:   event,
		Action:  action,
		Phase:   res.Phase,
		TaskKey: res.TaskKey,
		Version: res.Version,
		Outcome: outcome(res, err),
		Actor:   actor,
		Detail:  detail,
	})
	if jerr != nil {
		o.logger.Warn("journal event", "entity", res.Entity, "event", event, "error", jerr)
	}
}

func (o *Orchestrator) recordDecision(ctx context.Context, pr int, md marker.Metadata, d policy.Decision) {
	if o.journal == nil {
		return
	}
	err := o.journal.LogMergeDecision(ctx, db.MergeDecision{
		PR:           pr,
		Entity:       md.ParentIssue,
		TaskKey:      md.TaskKey,
		Declared:     string(d.Declared),
		Computed:     string(d.Computed),
		Effective:    string(d.Effective),
		Reason:       d.Reason,
		ChangedFiles: d.ChangedFiles,
	})
	if err != nil {
		o.logger.Warn("journal merge decision", "pr", pr, "error", err)
	}
}

// errorAction names the check-in row for a failed entity.
func errorAction(err error) string {
	if errors.Is(err, pipeline.ErrVersionConflict) {
		return ActionConflict
	}
	return ActionError
}
