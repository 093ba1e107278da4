package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lucasnoah/agentflow/internal/marker"
	"github.com/lucasnoah/agentflow/internal/phase"
	"github.com/lucasnoah/agentflow/internal/pipeline"
)

// ErrUnknownCommand is returned for commands the orchestrator does not know.
var ErrUnknownCommand = errors.New("unknown command")

// Command names.
const (
	CmdPause    = "pause"
	CmdResume   = "resume"
	CmdAbort    = "abort"
	CmdRetry    = "retry"
	CmdSkip     = "skip"
	CmdCancel   = "cancel"
	CmdReopen   = "reopen"
	CmdComplete = "complete"
	CmdApprove  = "approve"
)

// aliases maps slash commands as typed in comments to command names.
var aliases = map[string]string{
	"/pause":        CmdPause,
	"/resume":       CmdResume,
	"/abort":        CmdAbort,
	"/retry":        CmdRetry,
	"/skip":         CmdSkip,
	"/skip-phase":   CmdSkip,
	"/cancel":       CmdCancel,
	"/cancel-phase": CmdCancel,
	"/reopen":       CmdReopen,
	"/complete":     CmdComplete,
	"/approve-task": CmdApprove,
}

// ParseCommand reads a slash command from the first line of a comment. It
// returns the command name and its optional argument.
func ParseCommand(body string) (name, arg string, ok bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", "", false
	}
	name, ok = aliases[fields[0]]
	if !ok {
		return "", "", false
	}
	if len(fields) > 1 {
		arg = fields[1]
	}
	return name, arg, true
}

// ResolveEntity maps the item a command was posted on to its parent
// entity. Phase and task items point at their parent through their marker
// or an agent:parent:N label; anything else is taken as the parent.
func (o *Orchestrator) ResolveEntity(ctx context.Context, number int) (int, error) {
	it, err := o.tracker.GetItem(ctx, number)
	if err != nil {
		return 0, fmt.Errorf("get item #%d: %w", number, err)
	}
	if md, ok := marker.TryParse(it.Body, marker.WorkItem); ok {
		return md.ParentIssue, nil
	}
	for _, l := range it.Labels {
		if rest, ok := strings.CutPrefix(l, "agent:parent:"); ok {
			if n, err := strconv.Atoi(rest); err == nil && n > 0 {
				return n, nil
			}
		}
	}
	return number, nil
}

// Command applies an operator command to an entity. Phase commands take
// the phase name as arg and default to the current phase; approve takes
// the change request number.
func (o *Orchestrator) Command(ctx context.Context, entity int, name, arg, actor string) (*Result, error) {
	res := &Result{Entity: entity}
	err := o.command(ctx, entity, name, arg, actor, res)
	o.record(ctx, EventCommand, res, actor, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) command(ctx context.Context, entity int, name, arg, actor string, res *Result) error {
	res.Message = strings.TrimSpace(name + " " + arg)
	switch name {
	case CmdPause:
		return o.pause(ctx, entity, actor, res)
	case CmdResume:
		return o.resume(ctx, entity, actor, res)
	case CmdAbort:
		return o.abort(ctx, entity, actor, res)
	case CmdApprove:
		return o.approve(ctx, arg, actor, res)
	case CmdRetry, CmdSkip, CmdCancel, CmdReopen, CmdComplete:
		return o.phaseCommand(ctx, entity, name, arg, res)
	}
	return fmt.Errorf("%q: %w", name, ErrUnknownCommand)
}

func (o *Orchestrator) setPaused(ctx context.Context, entity int, paused bool) (*pipeline.Snapshot, error) {
	return o.store.Update(ctx, entity, func(s *pipeline.Snapshot) error {
		if s.Paused == paused {
			return pipeline.ErrNoChange
		}
		s.Paused = paused
		return nil
	})
}

func (o *Orchestrator) pause(ctx context.Context, entity int, actor string, res *Result) error {
	s, err := o.setPaused(ctx, entity, true)
	if err != nil {
		return err
	}
	if err := o.tracker.AddLabels(ctx, entity, o.cfg.Labels.Parent.Paused); err != nil {
		return fmt.Errorf("label #%d paused: %w", entity, err)
	}
	o.notify(ctx, entity, fmt.Sprintf("⏸️ **Agent Paused**\n\nTask dispatch paused by @%s.\n\nUse `/resume` to continue.", actor))
	res.Action = ActionPaused
	res.Version = s.Version
	return nil
}

// resume clears the pause and, when execution is running, dispatches the
// next task right away.
func (o *Orchestrator) resume(ctx context.Context, entity int, actor string, res *Result) error {
	s, err := o.setPaused(ctx, entity, false)
	if err != nil {
		return err
	}
	if err := o.tracker.RemoveLabel(ctx, entity, o.cfg.Labels.Parent.Paused); err != nil {
		o.logger.Warn("remove paused label", "entity", entity, "error", err)
	}
	o.notify(ctx, entity, fmt.Sprintf("▶️ **Agent Resumed**\n\nTask dispatch resumed by @%s.", actor))
	res.Action = ActionResumed
	res.Version = s.Version
	if !executing(s) {
		return nil
	}
	d, err := o.dispatcher.Dispatch(ctx, entity)
	if err != nil {
		return err
	}
	res.Dispatch = d
	res.Version = d.Version
	return nil
}

func (o *Orchestrator) abort(ctx context.Context, entity int, actor string, res *Result) error {
	s, err := o.store.Update(ctx, entity, func(s *pipeline.Snapshot) error {
		if s.Status == pipeline.StatusAborted {
			return pipeline.ErrNoChange
		}
		s.Status = pipeline.StatusAborted
		return nil
	})
	if err != nil {
		return err
	}
	if err := o.tracker.AddLabels(ctx, entity, o.cfg.Labels.Parent.Blocked); err != nil {
		return fmt.Errorf("label #%d blocked: %w", entity, err)
	}
	o.notify(ctx, entity, fmt.Sprintf("🛑 **Agent Aborted**\n\nPipeline aborted by @%s.", actor))
	res.Action = ActionAborted
	res.Version = s.Version
	return nil
}

// approve merges an l2 task change request and routes the merge.
func (o *Orchestrator) approve(ctx context.Context, arg, actor string, res *Result) error {
	pr, err := strconv.Atoi(arg)
	if err != nil || pr <= 0 {
		return fmt.Errorf("approve: change request number required, got %q", arg)
	}
	res.PR = pr
	m, err := o.evaluator.Approve(ctx, pr, actor)
	if err != nil {
		return err
	}
	res.Merge = m
	res.Action = ActionApproved
	cr, err := o.tracker.GetChangeRequest(ctx, pr)
	if err != nil {
		return fmt.Errorf("get change request #%d: %w", pr, err)
	}
	md, ok, err := parseMarker(cr.Body, pr)
	if err != nil || !ok || md.PRType != marker.PRTypeTask {
		return err
	}
	if err := o.taskMerged(ctx, md.ParentIssue, md.TaskKey, pr, res); err != nil {
		return err
	}
	res.Action = ActionApproved
	return nil
}

func (o *Orchestrator) phaseCommand(ctx context.Context, entity int, name, arg string, res *Result) error {
	s, err := o.store.LoadLatest(ctx, entity)
	if err != nil {
		return err
	}
	p := s.CurrentPhase
	if arg != "" {
		var ok bool
		if p, ok = pipeline.ParsePhase(arg); !ok {
			return fmt.Errorf("%s %q: %w", name, arg, phase.ErrUnknownPhase)
		}
	}
	if p == "" {
		return fmt.Errorf("%s on %d: no current phase: %w", name, entity, phase.ErrInvalidTransition)
	}
	res.Phase = string(p)

	var next *pipeline.Snapshot
	switch name {
	case CmdComplete:
		if p == pipeline.PhaseExecution {
			next, err = o.machine.Complete(ctx, entity, p, 0)
			break
		}
		return o.advance(ctx, entity, p, 0, res)
	case CmdRetry:
		next, err = o.machine.Retry(ctx, entity, p)
	case CmdSkip:
		next, err = o.machine.Skip(ctx, entity, p)
	case CmdCancel:
		next, err = o.machine.Cancel(ctx, entity, p)
	case CmdReopen:
		next, err = o.machine.Reopen(ctx, entity, p)
	}
	if err != nil {
		return err
	}
	res.Action = ActionPhaseUpdated
	res.Version = next.Version

	// Execution coming back to life picks up where dispatch left off.
	if (name == CmdRetry || name == CmdReopen) && p == pipeline.PhaseExecution {
		d, err := o.dispatcher.Dispatch(ctx, entity)
		if err != nil {
			return err
		}
		res.Dispatch = d
		res.Version = d.Version
	}
	return nil
}

// executing reports whether the entity's execution phase is running.
func executing(s *pipeline.Snapshot) bool {
	rec := s.Phases.Get(pipeline.PhaseExecution)
	return s.Status == pipeline.StatusActive && rec != nil && rec.Status == pipeline.PhaseInProgress
}
