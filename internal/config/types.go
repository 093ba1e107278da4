package config

import (
	"fmt"
	"path/filepath"
)

// Config is the top-level configuration parsed from .github/agent/config.yml.
type Config struct {
	Agent       Agent       `yaml:"agent"`
	Phases      Phases      `yaml:"phases"`
	Paths       Paths       `yaml:"paths"`
	Labels      Labels      `yaml:"labels"`
	MergePolicy MergePolicy `yaml:"merge_policy"`
	CI          CI          `yaml:"ci"`
	Plan        Plan        `yaml:"plan"`
	State       State       `yaml:"state"`
	Journal     Journal     `yaml:"journal"`
}

// Agent identifies the repository and the executor that receives work.
type Agent struct {
	Repo        string `yaml:"repo"`
	BotAssignee string `yaml:"bot_assignee"`
	BaseBranch  string `yaml:"base_branch"`
}

// Phases toggles optional pipeline stages.
type Phases struct {
	RequirementEnabled bool `yaml:"requirement_enabled"`
}

// Paths locates the documents each phase produces.
type Paths struct {
	RequirementDir string `yaml:"requirement_dir"`
	SpecDir        string `yaml:"spec_dir"`
	PlanYAMLDir    string `yaml:"plan_yaml_dir"`
	PlanMDDir      string `yaml:"plan_md_dir"`
	PromptsDir     string `yaml:"prompts_dir"`
}

// PlanPath returns the plan document path for a parent issue.
func (p Paths) PlanPath(entity int) string {
	return filepath.Join(p.PlanYAMLDir, fmt.Sprintf("issue-%d.yaml", entity))
}

// Labels groups every tag the orchestrator applies.
type Labels struct {
	Parent ParentLabels `yaml:"parent"`
	Task   TaskLabels   `yaml:"task"`
	Phase  PhaseLabels  `yaml:"phase"`
	Level  LevelLabels  `yaml:"level"`
	PR     PRLabels     `yaml:"pr"`
}

// ParentLabels are applied to the entity's parent issue.
type ParentLabels struct {
	Requested string `yaml:"requested"`
	Executing string `yaml:"executing"`
	Done      string `yaml:"done"`
	Blocked   string `yaml:"blocked"`
	Paused    string `yaml:"paused"`
}

// TaskLabels track task work items through dispatch.
type TaskLabels struct {
	Task       string `yaml:"task"`
	Pending    string `yaml:"pending"`
	InProgress string `yaml:"in_progress"`
	InReview   string `yaml:"in_review"`
	Blocked    string `yaml:"blocked"`
	Done       string `yaml:"done"`
	Cancelled  string `yaml:"cancelled"`
}

// PhaseLabels mark phase work items.
type PhaseLabels struct {
	Requirement string `yaml:"requirement"`
	Spec        string `yaml:"spec"`
	Plan        string `yaml:"plan"`
	Execution   string `yaml:"execution"`
}

// For returns the label for the named phase.
func (l PhaseLabels) For(phase string) string {
	switch phase {
	case "requirement":
		return l.Requirement
	case "spec":
		return l.Spec
	case "plan":
		return l.Plan
	case "execution":
		return l.Execution
	}
	return ""
}

// LevelLabels mark risk tiers on task items and change requests.
type LevelLabels struct {
	L1 string `yaml:"l1"`
	L2 string `yaml:"l2"`
	L3 string `yaml:"l3"`
}

// For returns the label for a level name.
func (l LevelLabels) For(level string) string {
	switch level {
	case "l1":
		return l.L1
	case "l2":
		return l.L2
	case "l3":
		return l.L3
	}
	return ""
}

// PRLabels mark change requests by document type.
type PRLabels struct {
	Spec string `yaml:"spec"`
	Plan string `yaml:"plan"`
	Task string `yaml:"task"`
}

// MergePolicy drives the risk classifier.
type MergePolicy struct {
	MaxChangedFiles int      `yaml:"max_changed_files"`
	SensitiveGlobs  []string `yaml:"sensitive_globs"`
	AllowlistGlobs  []string `yaml:"allowlist_globs"`
	TraceLimit      int      `yaml:"trace_limit"`
}

// CI names the check that gates merges and how merges are performed.
type CI struct {
	RequiredCheckName string `yaml:"required_check_name"`
	MergeMethod       string `yaml:"merge_method"`
}

// Plan configures the plan contract validator.
type Plan struct {
	Mode          string   `yaml:"mode"`
	ForbiddenKeys []string `yaml:"forbidden_keys"`
}

// State selects where snapshots are logged.
type State struct {
	Backend string `yaml:"backend"` // "github", "file" or "postgres"
	Dir     string `yaml:"dir"`
	DSN     string `yaml:"dsn"`
}

// Journal locates the local SQLite action journal.
type Journal struct {
	Path string `yaml:"path"`
}
