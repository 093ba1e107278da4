package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func executeCommand(args ...string) (string, error) {
	return executeWithInput("", args...)
}

// resetFlags restores every flag to its default, since cobra keeps parsed
// values between executions of the same command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func executeWithInput(stdin string, args ...string) (string, error) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// writeConfig writes a config using the file state backend and a journal
// inside a temp dir, and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`agent:
  repo: acme/widgets
state:
  backend: file
  dir: %s
journal:
  path: %s
`, filepath.Join(dir, "state"), filepath.Join(dir, "journal.db"))
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"state", "phase", "dispatch", "task", "plan", "marker",
		"policy", "orchestrator", "status", "config", "db", "prompts", "serve", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	groups := map[string][]string{
		"state":        {"init", "show", "history", "list"},
		"phase":        {"start", "complete", "fail", "retry", "skip", "cancel", "reopen"},
		"task":         {"materialize", "in-review", "done", "block", "unblock", "cancel"},
		"plan":         {"validate", "set-status"},
		"marker":       {"parse", "build"},
		"policy":       {"classify", "evaluate", "approve"},
		"orchestrator": {"begin", "merged", "opened", "command", "check-in"},
		"db":           {"migrate", "reset", "events", "decisions", "stats"},
		"prompts":      {"list", "install"},
	}
	for group, subs := range groups {
		for _, sub := range subs {
			out, err := executeCommand(group, sub, "--help")
			if err != nil {
				t.Errorf("%s %s --help failed: %v", group, sub, err)
			}
			if out == "" {
				t.Errorf("%s %s --help produced no output", group, sub)
			}
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}

func TestMarkerBuildThenParse(t *testing.T) {
	block, err := executeCommand("marker", "build", "--context", "pr",
		"--parent", "42", "--pr-type", "task", "--task", "task-api")
	if err != nil {
		t.Fatalf("build: %v\n%s", err, block)
	}
	if !strings.Contains(block, "Agent-Parent-Issue: 42") {
		t.Fatalf("block = %q", block)
	}

	out, err := executeWithInput("Body text\n\n"+block, "marker", "parse", "--context", "pr", "--format", "json")
	if err != nil {
		t.Fatalf("parse: %v\n%s", err, out)
	}
	for _, want := range []string{`"parent_issue": 42`, `"pr_type": "task"`, `"task_key": "task-api"`} {
		if !strings.Contains(out, want) {
			t.Errorf("parse output missing %s:\n%s", want, out)
		}
	}
}

func TestMarkerParseMissingBlock(t *testing.T) {
	out, err := executeWithInput("no metadata here", "marker", "parse", "--context", "any", "--format", "json")
	if err == nil {
		t.Fatal("expected error for body without a block")
	}
	if !strings.Contains(out, `"code"`) {
		t.Errorf("expected an error code in output, got:\n%s", out)
	}
}

func TestPlanValidate(t *testing.T) {
	cfg := writeConfig(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	os.WriteFile(good, []byte(`tasks:
  - id: task-docs
    title: Write the README
    level: l1
    deps: []
    acceptance: README explains setup
`), 0o644)
	out, err := executeCommand("plan", "validate", good, "--config", cfg, "--format", "text")
	if err != nil {
		t.Fatalf("validate good plan: %v\n%s", err, out)
	}
	if !strings.Contains(out, "task-docs") || !strings.Contains(out, "1 task(s)") {
		t.Errorf("unexpected output:\n%s", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte(`tasks:
  - id: task-docs
    title: Write the README
    level: l9
    deps: []
    acceptance: README explains setup
`), 0o644)
	out, err = executeCommand("plan", "validate", bad, "--config", cfg, "--format", "json")
	if err == nil {
		t.Fatal("expected error for invalid level")
	}
	if !strings.Contains(out, "PLAN_LEVEL_INVALID") {
		t.Errorf("expected PLAN_LEVEL_INVALID in output:\n%s", out)
	}
}

func TestPlanSetStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	os.WriteFile(path, []byte(`tasks:
  - id: task-docs
    title: Write the README
    level: l1
    deps: []
    acceptance: README explains setup
`), 0o644)

	if _, err := executeCommand("plan", "set-status", path, "task-docs", "bogus"); err == nil {
		t.Fatal("expected error for invalid status")
	}
	out, err := executeCommand("plan", "set-status", path, "task-docs", "done")
	if err != nil {
		t.Fatalf("set-status: %v\n%s", err, out)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "status: done") {
		t.Errorf("plan not updated:\n%s", data)
	}
}

func TestPolicyClassify(t *testing.T) {
	cfg := writeConfig(t)
	tests := []struct {
		name  string
		args  []string
		stdin string
		want  string
	}{
		{"docs only", []string{"docs/guide.md"}, "", `"effective": "l1"`},
		{"outside allowlist", []string{"docs/guide.md", "internal/api.go"}, "", `"effective": "l2"`},
		{"sensitive", []string{".github/workflows/ci.yml"}, "", `"effective": "l3"`},
		{"from stdin", nil, "README.md\n\ncmd/main.go\n", `"changed_files": 2`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"policy", "classify", "--config", cfg, "--format", "json", "--level", "l1"}, tt.args...)
			out, err := executeWithInput(tt.stdin, args...)
			if err != nil {
				t.Fatalf("classify: %v\n%s", err, out)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %s:\n%s", tt.want, out)
			}
		})
	}

	if _, err := executeCommand("policy", "classify", "--config", cfg, "--level", "l7", "a.go"); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestStateLifecycleWithFileBackend(t *testing.T) {
	cfg := writeConfig(t)

	out, err := executeCommand("state", "init", "7", "--config", cfg, "--format", "text")
	if err != nil {
		t.Fatalf("state init: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Initialized #7 at version 1") {
		t.Errorf("unexpected init output:\n%s", out)
	}

	out, err = executeCommand("state", "show", "7", "--config", cfg)
	if err != nil {
		t.Fatalf("state show: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"parent_issue": 7`) || !strings.Contains(out, `"current_phase": "spec"`) {
		t.Errorf("unexpected snapshot:\n%s", out)
	}

	out, err = executeCommand("state", "list", "--config", cfg, "--format", "text")
	if err != nil {
		t.Fatalf("state list: %v", err)
	}
	if !strings.Contains(out, "#7") {
		t.Errorf("list missing #7:\n%s", out)
	}

	out, err = executeCommand("status", "--config", cfg, "--format", "json")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"entity": 7`) {
		t.Errorf("status missing entity:\n%s", out)
	}

	out, err = executeCommand("status", "7", "--config", cfg, "--format", "text")
	if err != nil {
		t.Fatalf("status 7: %v\n%s", err, out)
	}
	for _, want := range []string{"#7", "spec", "plan", "execution"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = executeCommand("db", "events", "--config", cfg, "--format", "text")
	if err != nil {
		t.Fatalf("db events: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No events recorded.") {
		t.Errorf("unexpected events output:\n%s", out)
	}

	out, err = executeCommand("db", "stats", "--config", cfg, "--format", "json")
	if err != nil {
		t.Fatalf("db stats: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"phase_durations"`) || !strings.Contains(out, `"merge_levels"`) {
		t.Errorf("unexpected stats output:\n%s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := writeConfig(t)
	out, err := executeCommand("config", "validate", "--config", cfg)
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestPromptsInstall(t *testing.T) {
	dir := t.TempDir()
	out, err := executeCommand("prompts", "install", dir)
	if err != nil {
		t.Fatalf("prompts install: %v\n%s", err, out)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) == 0 {
		t.Fatal("no templates written")
	}

	out, err = executeCommand("prompts", "install", dir)
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	if !strings.Contains(out, "0 template(s) installed") {
		t.Errorf("existing templates should be kept:\n%s", out)
	}
}
