package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lucasnoah/agentflow/internal/config"
	"github.com/lucasnoah/agentflow/internal/plan"
	"github.com/lucasnoah/agentflow/internal/tracker"
	"github.com/lucasnoah/agentflow/internal/tracker/trackertest"
)

func defaultClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier(ConfigFrom(config.Default().MergePolicy))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClassify(t *testing.T) {
	c := defaultClassifier(t)
	tests := []struct {
		name      string
		declared  plan.Level
		paths     []string
		computed  plan.Level
		effective plan.Level
		reason    string
	}{
		{"docs only", plan.L1, []string{"docs/guide.md", "README.md"}, plan.L1, plan.L1, ReasonAllowlisted},
		{"tests only", plan.L1, []string{"internal/api/api_test.go"}, plan.L1, plan.L1, ReasonAllowlisted},
		{"source file", plan.L1, []string{"docs/a.md", "internal/api/api.go"}, plan.L2, plan.L2, ReasonOutside},
		{"sensitive wins", plan.L1, []string{"main.go", ".github/workflows/ci.yml"}, plan.L3, plan.L3, ReasonSensitive},
		{"root env file", plan.L1, []string{".env.local"}, plan.L3, plan.L3, ReasonSensitive},
		{"declared never downgraded", plan.L3, []string{"docs/a.md"}, plan.L1, plan.L3, ReasonAllowlisted},
		{"declared l2 over allowlist", plan.L2, []string{"plans/issue-1.yaml"}, plan.L1, plan.L2, ReasonAllowlisted},
		{"unknown declared", plan.Level(""), []string{"cmd/main.go"}, plan.L2, plan.L2, ReasonOutside},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Classify(tt.declared, tt.paths)
			if d.Computed != tt.computed || d.Effective != tt.effective || d.Reason != tt.reason {
				t.Errorf("got computed=%s effective=%s reason=%q, want %s %s %q",
					d.Computed, d.Effective, d.Reason, tt.computed, tt.effective, tt.reason)
			}
			if d.ChangedFiles != len(tt.paths) {
				t.Errorf("ChangedFiles = %d", d.ChangedFiles)
			}
		})
	}
}

func TestClassifySensitiveShortCircuits(t *testing.T) {
	c := defaultClassifier(t)
	d := c.Classify(plan.L1, []string{"docs/a.md", "secrets/key.pem", "docs/b.md"})
	if len(d.Trace) != 2 {
		t.Fatalf("trace = %v, want 2 entries", d.Trace)
	}
	if !strings.Contains(d.Trace[1], "(sensitive)") {
		t.Errorf("last trace entry = %q", d.Trace[1])
	}
}

func TestClassifyTooManyFiles(t *testing.T) {
	c, err := NewClassifier(Config{MaxChangedFiles: 2, AllowlistGlobs: []string{"**"}})
	if err != nil {
		t.Fatal(err)
	}
	d := c.Classify(plan.L1, []string{"a", "b", "c"})
	if d.Computed != plan.L3 || !strings.HasPrefix(d.Reason, "Too many changed files (3 > 2)") {
		t.Errorf("decision = %+v", d)
	}
	if len(d.Trace) != 0 {
		t.Errorf("trace = %v, want empty", d.Trace)
	}
}

func TestClassifyBoundsTrace(t *testing.T) {
	c, err := NewClassifier(Config{AllowlistGlobs: []string{"docs/**"}, TraceLimit: 3})
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for i := range 5 {
		paths = append(paths, fmt.Sprintf("docs/%d.md", i))
	}
	d := c.Classify(plan.L1, paths)
	if len(d.Trace) != 3 || d.TraceOmitted != 2 {
		t.Errorf("trace=%d omitted=%d", len(d.Trace), d.TraceOmitted)
	}
	if md := d.Markdown("task-a"); !strings.Contains(md, "... and 2 more files") {
		t.Errorf("markdown missing omitted count:\n%s", md)
	}
}

func TestNewClassifierRejectsBadGlob(t *testing.T) {
	if _, err := NewClassifier(Config{SensitiveGlobs: []string{"[unclosed"}}); err == nil {
		t.Error("expected error for invalid glob")
	}
}

func TestDecisionMarkdown(t *testing.T) {
	d := Decision{Declared: plan.L1, Computed: plan.L2, Effective: plan.L2, Reason: ReasonOutside, ChangedFiles: 1, Trace: []string{"⚠ main.go (not in allowlist)"}}
	md := d.Markdown("task-api")
	for _, want := range []string{"Task: task-api", "Declared Level: `l1`", "Final Level: `l2`", "/approve-task", "main.go"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

type evalHarness struct {
	e    *Evaluator
	fake *trackertest.Fake
}

func newEvalHarness(t *testing.T, labels ...string) *evalHarness {
	t.Helper()
	fake := trackertest.New()
	fake.PRs[7] = &tracker.ChangeRequest{Number: 7, State: "open", HeadSHA: "abc123", Labels: labels}
	e, err := NewEvaluator(fake, config.Default(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return &evalHarness{e: e, fake: fake}
}

func (h *evalHarness) passChecks() {
	h.fake.CheckRun["abc123"] = []tracker.Check{{Name: "lint", Conclusion: "failure"}, {Name: "ci", Conclusion: "success"}}
}

func TestEvaluateAndPublish(t *testing.T) {
	ctx := context.Background()
	h := newEvalHarness(t)
	h.fake.Paths[7] = []string{"internal/api/api.go"}

	d, err := h.e.Evaluate(ctx, 7, plan.L1)
	if err != nil {
		t.Fatal(err)
	}
	if d.Effective != plan.L2 {
		t.Errorf("Effective = %s, want l2", d.Effective)
	}
	if err := h.e.Publish(ctx, 7, "task-api", d); err != nil {
		t.Fatal(err)
	}
	pr := h.fake.PRs[7]
	for _, l := range []string{"agent:task-pr", "agent:l2"} {
		if !strings.Contains(strings.Join(pr.Labels, ","), l) {
			t.Errorf("PR labels %v missing %q", pr.Labels, l)
		}
	}
	if c := h.fake.CommentsOn(7); len(c) != 1 || !strings.Contains(c[0], "Merge Policy Evaluation") {
		t.Errorf("comments = %q", c)
	}
}

func TestAutoMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("not l1", func(t *testing.T) {
		h := newEvalHarness(t)
		h.passChecks()
		res, err := h.e.AutoMerge(ctx, 7, Decision{Effective: plan.L2})
		if err != nil || res.Merged {
			t.Errorf("res=%+v err=%v", res, err)
		}
		if len(h.fake.Merges) != 0 {
			t.Error("merged an l2 change request")
		}
	})

	t.Run("checks pending", func(t *testing.T) {
		h := newEvalHarness(t)
		res, err := h.e.AutoMerge(ctx, 7, Decision{Effective: plan.L1})
		if err != nil || res.Merged || res.Reason != "waiting for ci" {
			t.Errorf("res=%+v err=%v", res, err)
		}
	})

	t.Run("merges", func(t *testing.T) {
		h := newEvalHarness(t)
		h.passChecks()
		res, err := h.e.AutoMerge(ctx, 7, Decision{Effective: plan.L1})
		if err != nil || !res.Merged {
			t.Fatalf("res=%+v err=%v", res, err)
		}
		if len(h.fake.Merges) != 1 || h.fake.Merges[0].Method != "squash" {
			t.Errorf("merges = %+v", h.fake.Merges)
		}
	})

	t.Run("refused merge downgrades", func(t *testing.T) {
		h := newEvalHarness(t, "agent:l1")
		h.passChecks()
		h.fake.Fail["Merge"] = fmt.Errorf("405: %w", tracker.ErrMergeRejected)
		res, err := h.e.AutoMerge(ctx, 7, Decision{Effective: plan.L1})
		if err != nil || res.Merged {
			t.Fatalf("res=%+v err=%v", res, err)
		}
		labels := h.fake.PRs[7].Labels
		if len(labels) != 1 || labels[0] != "agent:l2" {
			t.Errorf("labels = %v", labels)
		}
	})

	t.Run("other merge error", func(t *testing.T) {
		h := newEvalHarness(t)
		h.passChecks()
		h.fake.Fail["Merge"] = errors.New("boom")
		if _, err := h.e.AutoMerge(ctx, 7, Decision{Effective: plan.L1}); err == nil {
			t.Error("expected merge error")
		}
	})
}

func TestApprove(t *testing.T) {
	ctx := context.Background()

	h := newEvalHarness(t, "agent:l3")
	if _, err := h.e.Approve(ctx, 7, "octocat"); !errors.Is(err, ErrNotApprovable) {
		t.Errorf("l3: got %v, want ErrNotApprovable", err)
	}

	h = newEvalHarness(t, "agent:l2")
	if _, err := h.e.Approve(ctx, 7, "octocat"); !errors.Is(err, ErrChecksPending) {
		t.Errorf("no checks: got %v, want ErrChecksPending", err)
	}

	h.passChecks()
	res, err := h.e.Approve(ctx, 7, "octocat")
	if err != nil || !res.Merged {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	comments := h.fake.CommentsOn(7)
	if last := comments[len(comments)-1]; !strings.Contains(last, "Approved by @octocat") {
		t.Errorf("last comment = %q", last)
	}
}
