package config

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	validBackends     = map[string]bool{"github": true, "file": true, "postgres": true}
	validMergeMethods = map[string]bool{"merge": true, "squash": true, "rebase": true}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if cfg.Agent.Repo == "" {
		add("agent.repo", "is required")
	} else if parts := strings.Split(cfg.Agent.Repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		add("agent.repo", fmt.Sprintf("must be owner/name, got %q", cfg.Agent.Repo))
	}
	if cfg.Agent.BotAssignee == "" {
		add("agent.bot_assignee", "is required")
	}

	if cfg.MergePolicy.MaxChangedFiles < 1 {
		add("merge_policy.max_changed_files", "must be positive")
	}
	if cfg.MergePolicy.TraceLimit < 1 {
		add("merge_policy.trace_limit", "must be positive")
	}
	for _, list := range []struct {
		name  string
		globs []string
	}{
		{"sensitive_globs", cfg.MergePolicy.SensitiveGlobs},
		{"allowlist_globs", cfg.MergePolicy.AllowlistGlobs},
	} {
		for i, g := range list.globs {
			if _, err := glob.Compile(g, '/'); err != nil {
				add(fmt.Sprintf("merge_policy.%s[%d]", list.name, i), fmt.Sprintf("invalid glob %q: %v", g, err))
			}
		}
	}

	if !validMergeMethods[cfg.CI.MergeMethod] {
		add("ci.merge_method", fmt.Sprintf("unrecognized merge method %q", cfg.CI.MergeMethod))
	}

	if cfg.Plan.Mode != "strict" {
		add("plan.mode", fmt.Sprintf("unsupported mode %q (only strict)", cfg.Plan.Mode))
	}

	if !validBackends[cfg.State.Backend] {
		add("state.backend", fmt.Sprintf("unrecognized backend %q", cfg.State.Backend))
	}
	if cfg.State.Backend == "postgres" && cfg.State.DSN == "" {
		add("state.dsn", "is required for the postgres backend")
	}

	return errs
}
