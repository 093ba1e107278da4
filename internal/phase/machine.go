package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/lucasnoah/agentflow/internal/config"
	"github.com/lucasnoah/agentflow/internal/logging"
	"github.com/lucasnoah/agentflow/internal/marker"
	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/lucasnoah/agentflow/internal/prompt"
	"github.com/lucasnoah/agentflow/internal/tracker"
)

// ErrEntityAborted is returned for operations on an aborted entity.
var ErrEntityAborted = errors.New("entity aborted")

// Machine runs phase operations against the state store and the tracker.
// Every operation loads the latest snapshot, checks it, performs its
// external calls and then commits. Re-running an operation whose effect is
// already visible returns the snapshot unchanged.
type Machine struct {
	store   *pipeline.Store
	items   tracker.WorkItems
	cfg     *config.Config
	prompts *prompt.Loader
	logger  *slog.Logger
}

// NewMachine creates a Machine. A nil logger discards output.
func NewMachine(store *pipeline.Store, items tracker.WorkItems, cfg *config.Config, prompts *prompt.Loader, logger *slog.Logger) *Machine {
	if prompts == nil {
		prompts = prompt.NewLoader("")
	}
	return &Machine{
		store:   store,
		items:   items,
		cfg:     cfg,
		prompts: prompts,
		logger:  logging.OrDiscard(logger),
	}
}

func (m *Machine) load(ctx context.Context, entity int, p pipeline.Phase) (*pipeline.Snapshot, *pipeline.PhaseRecord, error) {
	s, err := m.store.LoadLatest(ctx, entity)
	if err != nil {
		return nil, nil, err
	}
	if s.Status == pipeline.StatusAborted {
		return nil, nil, fmt.Errorf("entity %d: %w", entity, ErrEntityAborted)
	}
	rec := s.Phases.Get(p)
	if rec == nil {
		return nil, nil, fmt.Errorf("%s on %d: %w", p, entity, ErrUnknownPhase)
	}
	return s, rec, nil
}

func (m *Machine) commit(ctx context.Context, entity int, base *pipeline.Snapshot, p pipeline.Phase, to pipeline.PhaseStatus, extra Extra, mutate func(*pipeline.Snapshot)) (*pipeline.Snapshot, error) {
	return m.store.Commit(ctx, entity, base, func(s *pipeline.Snapshot) error {
		if mutate != nil {
			mutate(s)
		}
		return Transition(s, p, to, extra, m.store.Now())
	})
}

// Start opens p: it creates the phase work item (or reuses one that a
// previous attempt created) and marks the phase in progress.
func (m *Machine) Start(ctx context.Context, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
	s, rec, err := m.load(ctx, entity, p)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case pipeline.PhaseInProgress, pipeline.PhaseDone, pipeline.PhaseSkipped:
		return s, nil
	case pipeline.PhaseFailed, pipeline.PhaseCancelled:
		return nil, fmt.Errorf("start %s on %d: phase is %s, retry it instead: %w", p, entity, rec.Status, ErrInvalidTransition)
	}
	if active, ok := Active(s); ok {
		return nil, fmt.Errorf("start %s on %d: %s is in progress: %w", p, entity, active, ErrPhaseActive)
	}
	if !CanStart(s, p) {
		return nil, fmt.Errorf("start %s on %d: previous phase is not done: %w", p, entity, ErrInvalidTransition)
	}

	number, err := m.ensureItem(ctx, entity, p, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("start %s on %d: %w", p, entity, err)
	}
	labels := m.cfg.Labels.Parent
	if err := tracker.SwapLabels(ctx, m.items, entity, labels.Executing, labels.Requested, labels.Blocked); err != nil {
		return nil, fmt.Errorf("start %s on %d: update parent labels: %w", p, entity, err)
	}

	next, err := m.commit(ctx, entity, s, p, pipeline.PhaseInProgress, Extra{IssueNumber: number}, nil)
	if err != nil {
		return nil, err
	}
	m.logger.Info("phase started", "entity", entity, "phase", p, "issue", number)
	m.notify(ctx, entity, fmt.Sprintf("🔄 **%s Started**\n\nCreated %s issue: #%d\nAssigned to: %s",
		DisplayName(p), p, number, m.cfg.Agent.BotAssignee))
	return next, nil
}

// Complete marks an in-progress phase done, closes its work item and
// advances the entity. Completing the last phase completes the entity.
func (m *Machine) Complete(ctx context.Context, entity int, p pipeline.Phase, pr int) (*pipeline.Snapshot, error) {
	s, rec, err := m.load(ctx, entity, p)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case pipeline.PhaseDone, pipeline.PhaseSkipped:
		return s, nil
	case pipeline.PhaseInProgress:
	default:
		return nil, fmt.Errorf("complete %s on %d: phase is %s: %w", p, entity, rec.Status, ErrInvalidTransition)
	}

	if err := m.closeItem(ctx, rec.IssueNumber); err != nil {
		return nil, fmt.Errorf("complete %s on %d: %w", p, entity, err)
	}
	next, err := m.commit(ctx, entity, s, p, pipeline.PhaseDone, Extra{PRNumber: pr}, nil)
	if err != nil {
		return nil, err
	}
	m.logger.Info("phase completed", "entity", entity, "phase", p, "pr", pr)
	m.finishEntity(ctx, entity, next)
	msg := fmt.Sprintf("✅ **%s Completed**", DisplayName(p))
	if pr != 0 {
		msg += fmt.Sprintf("\n\nMerged PR: #%d", pr)
	}
	m.notify(ctx, entity, msg)
	return next, nil
}

// Fail marks an in-progress phase failed and flags the parent as blocked.
func (m *Machine) Fail(ctx context.Context, entity int, p pipeline.Phase, reason string) (*pipeline.Snapshot, error) {
	s, rec, err := m.load(ctx, entity, p)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case pipeline.PhaseFailed:
		return s, nil
	case pipeline.PhaseInProgress:
	default:
		return nil, fmt.Errorf("fail %s on %d: phase is %s: %w", p, entity, rec.Status, ErrInvalidTransition)
	}

	if err := m.items.AddLabels(ctx, entity, m.cfg.Labels.Parent.Blocked); err != nil {
		return nil, fmt.Errorf("fail %s on %d: %w", p, entity, err)
	}
	next, err := m.commit(ctx, entity, s, p, pipeline.PhaseFailed, Extra{}, nil)
	if err != nil {
		return nil, err
	}
	m.logger.Warn("phase failed", "entity", entity, "phase", p, "reason", reason)

	if reason == "" {
		reason = "No specific reason provided"
	}
	hint := fmt.Sprintf("Comment `/retry %s` to try again (%d/%d retries used) or `/skip %s` to move on.", p, rec.RetryCount, MaxRetries, p)
	if rec.RetryCount >= MaxRetries {
		hint = fmt.Sprintf("The retry limit is reached. Comment `/skip %s` to move on.", p)
	}
	m.notify(ctx, entity, fmt.Sprintf("❌ **%s Failed**\n\n%s\n\n%s", DisplayName(p), reason, hint))
	return next, nil
}

// Retry re-runs a failed or cancelled phase with a fresh work item. After
// MaxRetries retries it returns ErrRetryLimit; Skip remains available.
func (m *Machine) Retry(ctx context.Context, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
	s, rec, err := m.load(ctx, entity, p)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case pipeline.PhaseInProgress:
		return s, nil
	case pipeline.PhaseFailed, pipeline.PhaseCancelled:
	default:
		return nil, fmt.Errorf("retry %s on %d: phase is %s: %w", p, entity, rec.Status, ErrInvalidTransition)
	}
	if rec.RetryCount >= MaxRetries {
		return nil, fmt.Errorf("retry %s on %d: %d/%d retries used, skip the phase instead: %w",
			p, entity, rec.RetryCount, MaxRetries, ErrRetryLimit)
	}
	if active, ok := Active(s); ok {
		return nil, fmt.Errorf("retry %s on %d: %s is in progress: %w", p, entity, active, ErrPhaseActive)
	}

	attempt := rec.RetryCount + 1
	number, err := m.ensureItem(ctx, entity, p, &attempt, rec.IssueNumber)
	if err != nil {
		return nil, fmt.Errorf("retry %s on %d: %w", p, entity, err)
	}
	if rec.IssueNumber != number {
		if err := m.closeItem(ctx, rec.IssueNumber); err != nil {
			return nil, fmt.Errorf("retry %s on %d: %w", p, entity, err)
		}
	}
	labels := m.cfg.Labels.Parent
	if err := tracker.SwapLabels(ctx, m.items, entity, labels.Executing, labels.Blocked); err != nil {
		return nil, fmt.Errorf("retry %s on %d: update parent labels: %w", p, entity, err)
	}

	next, err := m.commit(ctx, entity, s, p, pipeline.PhaseInProgress, Extra{IssueNumber: number}, func(snap *pipeline.Snapshot) {
		snap.Phases.Get(p).RetryCount = attempt
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("phase retried", "entity", entity, "phase", p, "attempt", attempt, "issue", number)
	m.notify(ctx, entity, fmt.Sprintf("🔁 **%s Retry %d/%d**\n\nCreated retry issue: #%d", DisplayName(p), attempt, MaxRetries, number))
	return next, nil
}

// Skip closes the phase work item, marks the phase skipped and advances.
func (m *Machine) Skip(ctx context.Context, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
	s, rec, err := m.load(ctx, entity, p)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case pipeline.PhaseSkipped:
		return s, nil
	case pipeline.PhaseDone:
		return nil, fmt.Errorf("skip %s on %d: phase is done: %w", p, entity, ErrInvalidTransition)
	}

	if err := m.closeItem(ctx, rec.IssueNumber); err != nil {
		return nil, fmt.Errorf("skip %s on %d: %w", p, entity, err)
	}
	if err := m.items.RemoveLabel(ctx, entity, m.cfg.Labels.Parent.Blocked); err != nil {
		return nil, fmt.Errorf("skip %s on %d: %w", p, entity, err)
	}
	next, err := m.commit(ctx, entity, s, p, pipeline.PhaseSkipped, Extra{}, nil)
	if err != nil {
		return nil, err
	}
	m.logger.Info("phase skipped", "entity", entity, "phase", p)
	m.finishEntity(ctx, entity, next)
	m.notify(ctx, entity, fmt.Sprintf("⏭️ **%s Skipped**", DisplayName(p)))
	return next, nil
}

// Cancel marks the phase cancelled and closes its work item without
// advancing. The operator retries the phase or aborts the entity.
func (m *Machine) Cancel(ctx context.Context, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
	s, rec, err := m.load(ctx, entity, p)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case pipeline.PhaseCancelled:
		return s, nil
	case pipeline.PhaseDone, pipeline.PhaseSkipped:
		return nil, fmt.Errorf("cancel %s on %d: phase is %s: %w", p, entity, rec.Status, ErrInvalidTransition)
	}

	if err := m.closeItem(ctx, rec.IssueNumber); err != nil {
		return nil, fmt.Errorf("cancel %s on %d: %w", p, entity, err)
	}
	next, err := m.commit(ctx, entity, s, p, pipeline.PhaseCancelled, Extra{}, nil)
	if err != nil {
		return nil, err
	}
	m.logger.Info("phase cancelled", "entity", entity, "phase", p)
	m.notify(ctx, entity, fmt.Sprintf("🛑 **%s Cancelled**\n\nComment `/retry %s` to resume.", DisplayName(p), p))
	return next, nil
}

// Reopen reopens the phase's closed work item and puts the phase back in
// progress, keeping its original start time.
func (m *Machine) Reopen(ctx context.Context, entity int, p pipeline.Phase) (*pipeline.Snapshot, error) {
	s, rec, err := m.load(ctx, entity, p)
	if err != nil {
		return nil, err
	}
	if rec.Status == pipeline.PhaseInProgress {
		return s, nil
	}
	if rec.IssueNumber == 0 {
		return nil, fmt.Errorf("reopen %s on %d: no work item: %w", p, entity, ErrInvalidTransition)
	}
	if !Allowed(rec.Status, pipeline.PhaseInProgress) || rec.Status == pipeline.PhasePending {
		return nil, fmt.Errorf("reopen %s on %d: phase is %s: %w", p, entity, rec.Status, ErrInvalidTransition)
	}
	if active, ok := Active(s); ok {
		return nil, fmt.Errorf("reopen %s on %d: %s is in progress: %w", p, entity, active, ErrPhaseActive)
	}

	item, err := m.items.GetItem(ctx, rec.IssueNumber)
	if err != nil {
		return nil, fmt.Errorf("reopen %s on %d: %w", p, entity, err)
	}
	if item.State != tracker.StateClosed {
		return nil, fmt.Errorf("reopen %s on %d: #%d is %s: %w", p, entity, item.Number, item.State, ErrItemNotClosed)
	}
	if err := m.items.SetItemState(ctx, rec.IssueNumber, tracker.StateOpen); err != nil {
		return nil, fmt.Errorf("reopen %s on %d: %w", p, entity, err)
	}

	next, err := m.commit(ctx, entity, s, p, pipeline.PhaseInProgress, Extra{}, nil)
	if err != nil {
		return nil, err
	}
	m.logger.Info("phase reopened", "entity", entity, "phase", p, "issue", rec.IssueNumber)
	m.notify(ctx, entity, fmt.Sprintf("♻️ **%s Reopened**\n\nReopened issue: #%d", DisplayName(p), rec.IssueNumber))
	return next, nil
}

// ensureItem returns the open phase work item for (entity, p, retry),
// creating it when none exists.
func (m *Machine) ensureItem(ctx context.Context, entity int, p pipeline.Phase, retry *int, previous int) (int, error) {
	label := m.cfg.Labels.Phase.For(string(p))
	open, err := m.items.ListItems(ctx, label, tracker.StateOpen)
	if err != nil {
		return 0, fmt.Errorf("list %s items: %w", p, err)
	}
	for _, it := range open {
		md, ok := marker.TryParse(it.Body, marker.WorkItem)
		if ok && md.ParentIssue == entity && md.IssueType == marker.IssueTypePhase &&
			md.PhaseName == string(p) && sameRetry(md.RetryCount, retry) {
			m.logger.Debug("reusing phase item", "entity", entity, "phase", p, "issue", it.Number)
			return it.Number, nil
		}
	}

	parent, err := m.items.GetItem(ctx, entity)
	if err != nil {
		return 0, fmt.Errorf("get parent #%d: %w", entity, err)
	}
	body, err := m.itemBody(entity, p, parent.Body, retry, previous)
	if err != nil {
		return 0, err
	}
	title := fmt.Sprintf("[%s] Epic #%d", DisplayName(p), entity)
	if retry != nil {
		title = fmt.Sprintf("[Retry %d/%d] %s", *retry, MaxRetries, title)
	}
	number, err := m.items.CreateItem(ctx, tracker.NewItem{
		Title:  title,
		Body:   body,
		Labels: []string{label, m.cfg.Labels.Task.InProgress, fmt.Sprintf("agent:parent:%d", entity)},
	})
	if err != nil {
		return 0, fmt.Errorf("create %s item: %w", p, err)
	}
	// Execution is tracked here but its work is handed out per task.
	if p != pipeline.PhaseExecution {
		if err := m.items.Assign(ctx, number, m.cfg.Agent.BotAssignee); err != nil {
			return 0, fmt.Errorf("assign #%d: %w", number, err)
		}
	}
	return number, nil
}

func sameRetry(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// OutputPath is where the executor writes the phase deliverable. Execution
// has none.
func OutputPath(cfg *config.Config, entity int, p pipeline.Phase) string {
	name := fmt.Sprintf("issue-%d.md", entity)
	switch p {
	case pipeline.PhaseRequirement:
		return filepath.ToSlash(filepath.Join(cfg.Paths.RequirementDir, name))
	case pipeline.PhaseSpec:
		return filepath.ToSlash(filepath.Join(cfg.Paths.SpecDir, name))
	case pipeline.PhasePlan:
		return filepath.ToSlash(cfg.Paths.PlanPath(entity))
	}
	return ""
}

func (m *Machine) itemBody(entity int, p pipeline.Phase, parentBody string, retry *int, previous int) (string, error) {
	block, err := marker.Build(marker.Metadata{
		ParentIssue: entity,
		IssueType:   marker.IssueTypePhase,
		PhaseName:   string(p),
		RetryCount:  retry,
	}, marker.WorkItem)
	if err != nil {
		return "", fmt.Errorf("build %s marker: %w", p, err)
	}

	// Only spec and plan change requests carry a typed marker.
	var prBlock string
	if p == pipeline.PhaseSpec || p == pipeline.PhasePlan {
		prBlock, err = marker.Build(marker.Metadata{
			ParentIssue: entity,
			PRType:      string(p),
			PhaseName:   string(p),
		}, marker.ChangeRequest)
		if err != nil {
			return "", fmt.Errorf("build %s PR marker: %w", p, err)
		}
	}

	if parentBody == "" {
		parentBody = "No description provided"
	}
	vars := prompt.Vars{
		"phase_title":  DisplayName(p),
		"phase":        string(p),
		"parent_issue": strconv.Itoa(entity),
		"parent_body":  parentBody,
		"output_path":  OutputPath(m.cfg, entity, p),
		"base_branch":  m.cfg.Agent.BaseBranch,
		"pr_marker":    prBlock,
		"marker_block": block,
	}
	if retry != nil {
		vars["retry_count"] = strconv.Itoa(*retry)
		vars["previous_issue"] = strconv.Itoa(previous)
	}
	return m.prompts.Render(prompt.PhaseItem, vars)
}

func (m *Machine) closeItem(ctx context.Context, number int) error {
	if number == 0 {
		return nil
	}
	if err := m.items.SetItemState(ctx, number, tracker.StateClosed); err != nil {
		return fmt.Errorf("close #%d: %w", number, err)
	}
	return nil
}

// finishEntity moves the parent labels to done once every phase is behind
// the entity.
func (m *Machine) finishEntity(ctx context.Context, entity int, s *pipeline.Snapshot) {
	if s.Status != pipeline.StatusDone {
		return
	}
	labels := m.cfg.Labels.Parent
	if err := tracker.SwapLabels(ctx, m.items, entity, labels.Done, labels.Executing, labels.Blocked); err != nil {
		m.logger.Warn("update parent labels", "entity", entity, "error", err)
	}
}

// notify posts a note on the parent. The state change is already
// committed, so failures are logged rather than returned.
func (m *Machine) notify(ctx context.Context, entity int, body string) {
	if err := m.items.Comment(ctx, entity, body); err != nil {
		m.logger.Warn("post notification", "entity", entity, "error", err)
	}
}
