package pipeline

// Phase names a stage of the delivery pipeline.
type Phase string

const (
	PhaseRequirement Phase = "requirement"
	PhaseSpec        Phase = "spec"
	PhasePlan        Phase = "plan"
	PhaseExecution   Phase = "execution"
)

// KnownPhases lists every phase in pipeline order.
var KnownPhases = []Phase{PhaseRequirement, PhaseSpec, PhasePlan, PhaseExecution}

// DefaultPhases is the pipeline used when the requirement stage is disabled.
var DefaultPhases = []Phase{PhaseSpec, PhasePlan, PhaseExecution}

// ParsePhase returns the phase named s.
func ParsePhase(s string) (Phase, bool) {
	for _, p := range KnownPhases {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// PhaseStatus is the lifecycle state of one phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in-progress"
	PhaseDone       PhaseStatus = "done"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
	PhaseCancelled  PhaseStatus = "cancelled"
)

// TaskStatus is the lifecycle state of one task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskInReview   TaskStatus = "in-review"
	TaskBlocked    TaskStatus = "blocked"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Active reports whether the task is being worked on or reviewed.
func (s TaskStatus) Active() bool {
	return s == TaskInProgress || s == TaskInReview
}

// Final reports whether the task will never be dispatched again.
func (s TaskStatus) Final() bool {
	return s == TaskDone || s == TaskCancelled
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskInReview, TaskBlocked, TaskDone, TaskCancelled:
		return true
	}
	return false
}

// Status is the overall state of an entity's pipeline.
type Status string

const (
	StatusActive  Status = "active"
	StatusDone    Status = "done"
	StatusAborted Status = "aborted"
)

// PhaseRecord tracks one phase of an entity.
type PhaseRecord struct {
	Status      PhaseStatus `json:"status"`
	IssueNumber int         `json:"issue_number,omitempty"`
	PRNumber    int         `json:"pr_number,omitempty"`
	RetryCount  int         `json:"retry_count"`
	StartedAt   string      `json:"started_at,omitempty"`
	CompletedAt string      `json:"completed_at,omitempty"`
}

// PhaseSet holds one record per configured phase. A nil field means the
// phase is not part of this entity's pipeline.
type PhaseSet struct {
	Requirement *PhaseRecord `json:"requirement,omitempty"`
	Spec        *PhaseRecord `json:"spec,omitempty"`
	Plan        *PhaseRecord `json:"plan,omitempty"`
	Execution   *PhaseRecord `json:"execution,omitempty"`
}

// Get returns the record for p, or nil when p is not configured.
func (ps *PhaseSet) Get(p Phase) *PhaseRecord {
	switch p {
	case PhaseRequirement:
		return ps.Requirement
	case PhaseSpec:
		return ps.Spec
	case PhasePlan:
		return ps.Plan
	case PhaseExecution:
		return ps.Execution
	}
	return nil
}

// Set stores rec as the record for p. Unknown phases are ignored.
func (ps *PhaseSet) Set(p Phase, rec *PhaseRecord) {
	switch p {
	case PhaseRequirement:
		ps.Requirement = rec
	case PhaseSpec:
		ps.Spec = rec
	case PhasePlan:
		ps.Plan = rec
	case PhaseExecution:
		ps.Execution = rec
	}
}

// Order returns the configured phases in pipeline order.
func (ps *PhaseSet) Order() []Phase {
	var out []Phase
	for _, p := range KnownPhases {
		if ps.Get(p) != nil {
			out = append(out, p)
		}
	}
	return out
}

// TaskRuntime is the dispatch state of one plan task.
type TaskRuntime struct {
	TaskKey     string     `json:"task_key"`
	Title       string     `json:"title"`
	Level       string     `json:"level"`
	Deps        []string   `json:"deps"`
	Acceptance  string     `json:"acceptance"`
	Status      TaskStatus `json:"status"`
	IssueNumber int        `json:"issue_number,omitempty"`
	PRNumber    int        `json:"pr_number,omitempty"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
}

// Snapshot is the full persisted state of one entity at one version.
type Snapshot struct {
	StateID      string                  `json:"state_id"`
	Version      int                     `json:"version"`
	ParentIssue  int                     `json:"parent_issue"`
	Status       Status                  `json:"status"`
	CurrentPhase Phase                   `json:"current_phase"`
	Phases       PhaseSet                `json:"phases"`
	Tasks        map[string]*TaskRuntime `json:"tasks"`
	CursorTaskID string                  `json:"cursor_task_id,omitempty"`
	Paused       bool                    `json:"paused"`
	PlanPath     string                  `json:"plan_path,omitempty"`
	CreatedAt    string                  `json:"created_at"`
	UpdatedAt    string                  `json:"updated_at"`
}

// Clone returns a deep copy, so mutations never leak into the snapshot a
// caller loaded.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	for _, p := range KnownPhases {
		if rec := s.Phases.Get(p); rec != nil {
			r := *rec
			c.Phases.Set(p, &r)
		}
	}
	c.Tasks = make(map[string]*TaskRuntime, len(s.Tasks))
	for k, t := range s.Tasks {
		tc := *t
		if t.Deps != nil {
			tc.Deps = append([]string{}, t.Deps...)
		}
		c.Tasks[k] = &tc
	}
	return &c
}

// ActiveTask returns the task currently in progress or in review, if any.
// With the one-active-task invariant there is at most one.
func (s *Snapshot) ActiveTask() *TaskRuntime {
	for _, t := range s.Tasks {
		if t.Status.Active() {
			return t
		}
	}
	return nil
}

// TaskCounts tallies tasks by status.
func (s *Snapshot) TaskCounts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range s.Tasks {
		counts[t.Status]++
	}
	return counts
}
