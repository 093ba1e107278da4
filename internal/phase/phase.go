// Package phase moves an entity through its ordered phases.
package phase

import (
	"errors"
	"fmt"

	"github.com/lucasnoah/agentflow/internal/pipeline"
)

// MaxRetries caps explicit retries of a failed phase.
const MaxRetries = 3

var (
	ErrRetryLimit        = errors.New("retry limit reached")
	ErrPhaseActive       = errors.New("another phase is in progress")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrUnknownPhase      = errors.New("phase not configured for entity")
	ErrItemNotClosed     = errors.New("phase work item is not closed")
)

// transitions lists the statuses each status may move to.
var transitions = map[pipeline.PhaseStatus][]pipeline.PhaseStatus{
	pipeline.PhasePending:    {pipeline.PhaseInProgress, pipeline.PhaseSkipped, pipeline.PhaseCancelled},
	pipeline.PhaseInProgress: {pipeline.PhaseDone, pipeline.PhaseFailed, pipeline.PhaseSkipped, pipeline.PhaseCancelled},
	pipeline.PhaseFailed:     {pipeline.PhaseInProgress, pipeline.PhaseSkipped, pipeline.PhaseCancelled},
	pipeline.PhaseCancelled:  {pipeline.PhaseInProgress, pipeline.PhaseSkipped},
	pipeline.PhaseDone:       {pipeline.PhaseInProgress},
}

// Allowed reports whether a phase may move from one status to another.
func Allowed(from, to pipeline.PhaseStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Extra carries fields merged into a phase record by Transition. Zero
// values leave the record untouched.
type Extra struct {
	IssueNumber int
	PRNumber    int
}

// Order returns the entity's configured phases in pipeline order.
func Order(s *pipeline.Snapshot) []pipeline.Phase {
	return s.Phases.Order()
}

// Next returns the phase after p, or false when p is the last one.
func Next(s *pipeline.Snapshot, p pipeline.Phase) (pipeline.Phase, bool) {
	order := Order(s)
	for i, q := range order {
		if q == p && i+1 < len(order) {
			return order[i+1], true
		}
	}
	return "", false
}

// CanStart reports whether p is the first phase or its predecessor is
// done. A skipped predecessor counts as done.
func CanStart(s *pipeline.Snapshot, p pipeline.Phase) bool {
	order := Order(s)
	for i, q := range order {
		if q != p {
			continue
		}
		if i == 0 {
			return true
		}
		prev := s.Phases.Get(order[i-1]).Status
		return prev == pipeline.PhaseDone || prev == pipeline.PhaseSkipped
	}
	return false
}

// Active returns the phase currently in progress, if any.
func Active(s *pipeline.Snapshot) (pipeline.Phase, bool) {
	for _, p := range Order(s) {
		if s.Phases.Get(p).Status == pipeline.PhaseInProgress {
			return p, true
		}
	}
	return "", false
}

// Progress returns the share of configured phases that are done, 0-100.
func Progress(s *pipeline.Snapshot) int {
	order := Order(s)
	if len(order) == 0 {
		return 0
	}
	done := 0
	for _, p := range order {
		if s.Phases.Get(p).Status == pipeline.PhaseDone {
			done++
		}
	}
	return (done*100 + len(order)/2) / len(order)
}

// Transition sets p's status on s in place. It stamps started_at on the
// first entry to in-progress and completed_at on done or failed, merges
// extra, and moves the current phase: onto p for in-progress, past p for
// done and skipped. Leaving the last phase marks the entity done.
func Transition(s *pipeline.Snapshot, p pipeline.Phase, to pipeline.PhaseStatus, extra Extra, now string) error {
	rec := s.Phases.Get(p)
	if rec == nil {
		return fmt.Errorf("%s: %w", p, ErrUnknownPhase)
	}
	if !Allowed(rec.Status, to) {
		return fmt.Errorf("%s: %s -> %s: %w", p, rec.Status, to, ErrInvalidTransition)
	}

	rec.Status = to
	switch to {
	case pipeline.PhaseInProgress:
		if rec.StartedAt == "" {
			rec.StartedAt = now
		}
		rec.CompletedAt = ""
	case pipeline.PhaseDone, pipeline.PhaseFailed:
		rec.CompletedAt = now
	}
	if extra.IssueNumber != 0 {
		rec.IssueNumber = extra.IssueNumber
	}
	if extra.PRNumber != 0 {
		rec.PRNumber = extra.PRNumber
	}

	switch to {
	case pipeline.PhaseInProgress:
		s.CurrentPhase = p
		if s.Status == pipeline.StatusDone {
			s.Status = pipeline.StatusActive
		}
	case pipeline.PhaseDone, pipeline.PhaseSkipped:
		if s.CurrentPhase != p {
			break
		}
		if next, ok := Next(s, p); ok {
			s.CurrentPhase = next
		} else {
			s.CurrentPhase = ""
			s.Status = pipeline.StatusDone
		}
	}
	return nil
}

// DisplayName is the human title of a phase.
func DisplayName(p pipeline.Phase) string {
	switch p {
	case pipeline.PhaseRequirement:
		return "Requirement Document"
	case pipeline.PhaseSpec:
		return "Specification"
	case pipeline.PhasePlan:
		return "Execution Plan"
	case pipeline.PhaseExecution:
		return "Task Execution"
	}
	return string(p)
}
