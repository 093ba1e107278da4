package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the repository keeps its agent configuration.
const DefaultPath = ".github/agent/config.yml"

// ErrNoConfig is returned by LoadDefault when no candidate file exists.
var ErrNoConfig = errors.New("no agent config found")

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it fills in defaults for every unset field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./.github/agent/config.yml,
// ~/.agentflow/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{DefaultPath}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".agentflow", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("%w (searched: %v)", ErrNoConfig, candidates)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// applyDefaults fills unset fields with the values the workflow expects.
func applyDefaults(cfg *Config) {
	setDefault(&cfg.Agent.BotAssignee, "copilot")
	setDefault(&cfg.Agent.BaseBranch, "main")

	p := &cfg.Paths
	setDefault(&p.RequirementDir, "docs/requirements")
	setDefault(&p.SpecDir, "docs/specs")
	setDefault(&p.PlanYAMLDir, "plans")
	setDefault(&p.PlanMDDir, p.PlanYAMLDir)
	setDefault(&p.PromptsDir, ".github/agent/prompts")

	l := &cfg.Labels
	setDefault(&l.Parent.Requested, "agent:requested")
	setDefault(&l.Parent.Executing, "agent:executing")
	setDefault(&l.Parent.Done, "agent:done")
	setDefault(&l.Parent.Blocked, "agent:blocked")
	setDefault(&l.Parent.Paused, "agent:paused")
	setDefault(&l.Task.Task, "agent:task")
	setDefault(&l.Task.Pending, "agent:pending")
	setDefault(&l.Task.InProgress, "agent:in-progress")
	setDefault(&l.Task.InReview, "agent:in-review")
	setDefault(&l.Task.Blocked, "agent:blocked")
	setDefault(&l.Task.Done, "agent:done")
	setDefault(&l.Task.Cancelled, "agent:cancelled")
	setDefault(&l.Phase.Requirement, "agent:phase:requirement")
	setDefault(&l.Phase.Spec, "agent:phase:spec")
	setDefault(&l.Phase.Plan, "agent:phase:plan")
	setDefault(&l.Phase.Execution, "agent:phase:execution")
	setDefault(&l.Level.L1, "agent:l1")
	setDefault(&l.Level.L2, "agent:l2")
	setDefault(&l.Level.L3, "agent:l3")
	setDefault(&l.PR.Spec, "agent:spec-pr")
	setDefault(&l.PR.Plan, "agent:plan-pr")
	setDefault(&l.PR.Task, "agent:task-pr")

	m := &cfg.MergePolicy
	if m.MaxChangedFiles == 0 {
		m.MaxChangedFiles = 300
	}
	if m.TraceLimit == 0 {
		m.TraceLimit = 20
	}
	if m.SensitiveGlobs == nil {
		m.SensitiveGlobs = []string{".github/**", "**/.env*", "**/secrets/**", "**/*.pem"}
	}
	if m.AllowlistGlobs == nil {
		m.AllowlistGlobs = []string{"docs/**", "**/*.md", "**/*_test.go", "plans/**"}
	}

	setDefault(&cfg.CI.RequiredCheckName, "ci")
	setDefault(&cfg.CI.MergeMethod, "squash")

	setDefault(&cfg.Plan.Mode, "strict")

	setDefault(&cfg.State.Backend, "github")
}
