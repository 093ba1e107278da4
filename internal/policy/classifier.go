// Package policy decides how much human gatekeeping a change request needs
// before it may merge.
package policy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/lucasnoah/agentflow/internal/config"
	"github.com/lucasnoah/agentflow/internal/plan"
)

// Config holds the classifier thresholds and path patterns.
type Config struct {
	MaxChangedFiles int
	SensitiveGlobs  []string
	AllowlistGlobs  []string
	TraceLimit      int
}

// ConfigFrom copies the merge policy section of the repository config.
func ConfigFrom(mp config.MergePolicy) Config {
	return Config{
		MaxChangedFiles: mp.MaxChangedFiles,
		SensitiveGlobs:  mp.SensitiveGlobs,
		AllowlistGlobs:  mp.AllowlistGlobs,
		TraceLimit:      mp.TraceLimit,
	}
}

// Reasons reported in a Decision.
const (
	ReasonAllowlisted = "All files in allowlist"
	ReasonSensitive   = "Contains sensitive file changes"
	ReasonOutside     = "Contains files outside allowlist"
)

// Decision is the outcome of classifying one change set.
type Decision struct {
	Declared     plan.Level `json:"declared"`
	Computed     plan.Level `json:"computed"`
	Effective    plan.Level `json:"effective"`
	Reason       string     `json:"reason"`
	Trace        []string   `json:"trace"`
	TraceOmitted int        `json:"trace_omitted,omitempty"`
	ChangedFiles int        `json:"changed_files"`
}

// pattern is a compiled path glob. A leading "**/" also matches at the
// repository root, so "**/*.md" covers README.md.
type pattern struct {
	text  string
	globs []glob.Glob
}

func compile(text string) (pattern, error) {
	p := pattern{text: text}
	g, err := glob.Compile(text, '/')
	if err != nil {
		return p, fmt.Errorf("compile glob %q: %w", text, err)
	}
	p.globs = append(p.globs, g)
	if rest, ok := strings.CutPrefix(text, "**/"); ok {
		if g, err := glob.Compile(rest, '/'); err == nil {
			p.globs = append(p.globs, g)
		}
	}
	return p, nil
}

func (p pattern) match(path string) bool {
	for _, g := range p.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Classifier computes risk tiers from changed paths.
type Classifier struct {
	cfg       Config
	sensitive []pattern
	allow     []pattern
}

// NewClassifier compiles the configured globs. An invalid glob is an error.
func NewClassifier(cfg Config) (*Classifier, error) {
	c := &Classifier{cfg: cfg}
	for _, g := range cfg.SensitiveGlobs {
		p, err := compile(g)
		if err != nil {
			return nil, err
		}
		c.sensitive = append(c.sensitive, p)
	}
	for _, g := range cfg.AllowlistGlobs {
		p, err := compile(g)
		if err != nil {
			return nil, err
		}
		c.allow = append(c.allow, p)
	}
	return c, nil
}

// Classify computes the tier the change set warrants and combines it with
// the declared tier. The effective tier is never lower than declared.
func (c *Classifier) Classify(declared plan.Level, paths []string) Decision {
	d := Decision{
		Declared:     declared,
		Computed:     plan.L1,
		Reason:       ReasonAllowlisted,
		ChangedFiles: len(paths),
	}
	var trace []string

	if c.cfg.MaxChangedFiles > 0 && len(paths) > c.cfg.MaxChangedFiles {
		d.Computed = plan.L3
		d.Reason = fmt.Sprintf("Too many changed files (%d > %d)", len(paths), c.cfg.MaxChangedFiles)
	} else {
	files:
		for _, path := range paths {
			for _, p := range c.sensitive {
				if p.match(path) {
					trace = append(trace, fmt.Sprintf("✗ %s → %s (sensitive)", path, p.text))
					d.Computed = plan.L3
					d.Reason = ReasonSensitive
					break files
				}
			}
			allowed := false
			for _, p := range c.allow {
				if p.match(path) {
					trace = append(trace, fmt.Sprintf("✓ %s → %s (allowlist)", path, p.text))
					allowed = true
					break
				}
			}
			if !allowed {
				trace = append(trace, fmt.Sprintf("⚠ %s (not in allowlist)", path))
				d.Computed = plan.L2
				d.Reason = ReasonOutside
			}
		}
	}

	d.Effective = plan.MaxLevel(d.Computed, declared)
	d.Trace = trace
	if limit := c.cfg.TraceLimit; limit > 0 && len(trace) > limit {
		d.Trace = trace[:limit]
		d.TraceOmitted = len(trace) - limit
	}
	return d
}

// Markdown renders the decision as a change request comment.
func (d Decision) Markdown(taskKey string) string {
	var b strings.Builder
	b.WriteString("## 🔒 Merge Policy Evaluation\n\n")
	if taskKey != "" {
		fmt.Fprintf(&b, "Task: %s\n", taskKey)
	}
	fmt.Fprintf(&b, "Declared Level: `%s`\n", d.Declared)
	fmt.Fprintf(&b, "Computed Level: `%s`\n", d.Computed)
	fmt.Fprintf(&b, "Final Level: `%s`\n\n", d.Effective)
	fmt.Fprintf(&b, "Reason: %s\n\n", d.Reason)
	fmt.Fprintf(&b, "Changed Files: %d\n", d.ChangedFiles)

	if len(d.Trace) > 0 {
		b.WriteString("\n### File Analysis\n\n")
		for _, line := range d.Trace {
			b.WriteString(line + "\n")
		}
		if d.TraceOmitted > 0 {
			fmt.Fprintf(&b, "\n... and %d more files\n", d.TraceOmitted)
		}
	}

	b.WriteString("\n### Merge Requirements\n\n")
	switch d.Effective {
	case plan.L1:
		b.WriteString("L1 - Auto-merge\n- Waiting for CI checks to pass\n- Will auto-merge when checks are green\n")
	case plan.L2:
		b.WriteString("L2 - Command approval required\n- Waiting for CI checks to pass\n- Requires `/approve-task` command from a collaborator\n")
	default:
		b.WriteString("L3 - Full PR review required\n- Waiting for CI checks to pass\n- Requires full PR review approval\n")
	}
	return b.String()
}
