package github

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/lucasnoah/agentflow/internal/tracker"
)

type mockCmd struct {
	calls   [][]string
	results []mockResult
	idx     int
}

type mockResult struct {
	output string
	err    error
}

func (m *mockCmd) Run(_ context.Context, args ...string) (string, error) {
	m.calls = append(m.calls, args)
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.output, r.err
}

func (m *mockCmd) joined(i int) string {
	return strings.Join(m.calls[i], " ")
}

func TestGetItem(t *testing.T) {
	issueJSON := `{
		"number": 42,
		"title": "Add authentication",
		"body": "Implement auth.",
		"state": "OPEN",
		"labels": [{"name": "agent:executing"}],
		"assignees": [{"login": "copilot"}]
	}`
	mock := &mockCmd{results: []mockResult{{output: issueJSON}}}
	client := NewClient(mock, "acme/widgets")

	it, err := client.GetItem(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if it.Number != 42 || it.State != tracker.StateOpen {
		t.Errorf("item = %+v", it)
	}
	if !it.HasLabel("agent:executing") {
		t.Errorf("labels = %v", it.Labels)
	}
	if len(it.Assignees) != 1 || it.Assignees[0] != "copilot" {
		t.Errorf("assignees = %v", it.Assignees)
	}
	if got := mock.joined(0); got != "issue view 42 --repo acme/widgets --json "+issueFields {
		t.Errorf("call = %q", got)
	}
}

func TestGetItem_InvalidNumber(t *testing.T) {
	mock := &mockCmd{}
	client := NewClient(mock, "acme/widgets")

	if _, err := client.GetItem(context.Background(), 0); err == nil {
		t.Fatal("expected error for issue 0")
	}
	if len(mock.calls) != 0 {
		t.Errorf("expected 0 calls for invalid issue numbers, got %d", len(mock.calls))
	}
}

func TestGetItem_NotFound(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{err: errors.New("gh issue: GraphQL: Could not resolve to an issue")}}}
	client := NewClient(mock, "acme/widgets")

	_, err := client.GetItem(context.Background(), 9)
	if !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCreateItem(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: "https://github.com/acme/widgets/issues/101\n"}}}
	client := NewClient(mock, "acme/widgets")

	n, err := client.CreateItem(context.Background(), tracker.NewItem{
		Title:  "[Task task-a] A",
		Body:   "body",
		Labels: []string{"agent:task", "agent:pending"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 101 {
		t.Errorf("number = %d, want 101", n)
	}
	want := "issue create --repo acme/widgets --title [Task task-a] A --body body --label agent:task --label agent:pending"
	if got := mock.joined(0); got != want {
		t.Errorf("call = %q\nwant   %q", got, want)
	}
}

func TestCreateItem_BadOutput(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: "something else"}}}
	if _, err := NewClient(mock, "acme/widgets").CreateItem(context.Background(), tracker.NewItem{Title: "x"}); err == nil {
		t.Error("expected error for unparseable output")
	}
}

func TestSetItemState(t *testing.T) {
	mock := &mockCmd{}
	client := NewClient(mock, "acme/widgets")
	ctx := context.Background()

	if err := client.SetItemState(ctx, 5, tracker.StateClosed); err != nil {
		t.Fatal(err)
	}
	if err := client.SetItemState(ctx, 5, tracker.StateOpen); err != nil {
		t.Fatal(err)
	}
	if mock.calls[0][1] != "close" || mock.calls[1][1] != "reopen" {
		t.Errorf("calls = %v", mock.calls)
	}
}

func TestLabels(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{},
		{err: errors.New("gh api: Label does not exist (HTTP 404)")},
		{err: errors.New("gh api: Bad credentials (HTTP 401)")},
	}}
	client := NewClient(mock, "acme/widgets")
	ctx := context.Background()

	if err := client.AddLabels(ctx, 7, "agent:l1", "agent:task-pr"); err != nil {
		t.Fatal(err)
	}
	want := "api repos/acme/widgets/issues/7/labels --method POST -f labels[]=agent:l1 -f labels[]=agent:task-pr"
	if got := mock.joined(0); got != want {
		t.Errorf("add call = %q", got)
	}

	if err := client.RemoveLabel(ctx, 7, "agent:l1"); err != nil {
		t.Errorf("missing label should not fail: %v", err)
	}
	if err := client.RemoveLabel(ctx, 7, "agent:phase:spec"); err == nil {
		t.Error("expected auth error")
	}
	if got := mock.calls[2][1]; got != "repos/acme/widgets/issues/7/labels/agent:phase:spec" {
		t.Errorf("remove path = %q", got)
	}

	if err := client.AddLabels(ctx, 7); err != nil || len(mock.calls) != 3 {
		t.Errorf("empty AddLabels should not call gh: %v", err)
	}
}

func TestListItems(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: `[{"number": 1, "state": "CLOSED"}, {"number": 2, "state": "OPEN"}]`}}}
	client := NewClient(mock, "acme/widgets")

	items, err := client.ListItems(context.Background(), "agent:task", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].State != tracker.StateClosed {
		t.Errorf("items = %+v", items)
	}
	got := mock.joined(0)
	if !strings.Contains(got, "--state all") || !strings.HasSuffix(got, "--label agent:task") {
		t.Errorf("call = %q", got)
	}
}

func TestGetChangeRequest(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: `{"number": 7, "state": "MERGED", "headRefOid": "abc", "labels": [{"name": "agent:l2"}]}`}}}
	pr, err := NewClient(mock, "acme/widgets").GetChangeRequest(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if !pr.Merged() || pr.HeadSHA != "abc" || len(pr.Labels) != 1 {
		t.Errorf("pr = %+v", pr)
	}
}

func TestChangedPathsAndChecks(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{output: "docs/a.md\nmain.go\n"},
		{output: `{"name":"ci","conclusion":"success"}` + "\n" + `{"name":"lint","conclusion":null}`},
	}}
	client := NewClient(mock, "acme/widgets")
	ctx := context.Background()

	paths, err := client.ChangedPaths(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[1] != "main.go" {
		t.Errorf("paths = %v", paths)
	}
	if !strings.Contains(mock.joined(0), "--paginate") {
		t.Errorf("files call = %q", mock.joined(0))
	}

	checks, err := client.Checks(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if len(checks) != 2 || checks[0].Conclusion != "success" || checks[1].Conclusion != "" {
		t.Errorf("checks = %+v", checks)
	}
}

func TestMerge(t *testing.T) {
	ctx := context.Background()

	mock := &mockCmd{}
	client := NewClient(mock, "acme/widgets")
	if err := client.Merge(ctx, 7, ""); err != nil {
		t.Fatal(err)
	}
	if got := mock.joined(0); got != "pr merge 7 --repo acme/widgets --squash --delete-branch" {
		t.Errorf("call = %q", got)
	}

	if err := client.Merge(ctx, 7, "fast-forward"); err == nil {
		t.Error("expected invalid strategy error")
	}
	if len(mock.calls) != 1 {
		t.Error("invalid strategy should not call gh")
	}

	mock = &mockCmd{results: []mockResult{{err: errors.New("gh pr: Pull request is not mergeable (HTTP 405)")}}}
	err := NewClient(mock, "acme/widgets").Merge(ctx, 7, "merge")
	if !errors.Is(err, tracker.ErrMergeRejected) {
		t.Errorf("got %v, want ErrMergeRejected", err)
	}
}

func TestCommentLog(t *testing.T) {
	ctx := context.Background()
	mock := &mockCmd{results: []mockResult{
		{output: `{"id": 900, "body": "hello"}` + "\n" + `{"id": 950, "body": "state"}`},
		{output: "1001"},
		{output: `[{"number": 42, "state": "OPEN"}]`},
	}}
	client := NewClient(mock, "acme/widgets")
	log := NewCommentLog(client, "agent:executing")

	entries, err := log.ListEntries(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	want := []pipeline.Entry{{ID: "900", Body: "hello", Order: 900}, {ID: "950", Body: "state", Order: 950}}
	if len(entries) != 2 || entries[0] != want[0] || entries[1] != want[1] {
		t.Errorf("entries = %+v", entries)
	}

	id, err := log.AppendEntry(ctx, 42, "snapshot body")
	if err != nil {
		t.Fatal(err)
	}
	if id != "1001" {
		t.Errorf("id = %q", id)
	}
	if got := mock.joined(1); got != "api repos/acme/widgets/issues/42/comments --method POST -f body=snapshot body --jq .id" {
		t.Errorf("append call = %q", got)
	}

	entities, err := log.ListEntities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 || entities[0] != 42 {
		t.Errorf("entities = %v", entities)
	}
}

func TestCommentLogWithStore(t *testing.T) {
	ctx := context.Background()
	snap := &pipeline.Snapshot{Version: 3, ParentIssue: 42, Status: pipeline.StatusActive, Tasks: map[string]*pipeline.TaskRuntime{}}
	body, err := pipeline.RenderEntry(snap)
	if err != nil {
		t.Fatal(err)
	}
	line, err := json.Marshal(map[string]any{"id": 5, "body": body})
	if err != nil {
		t.Fatal(err)
	}
	mock := &mockCmd{results: []mockResult{{output: string(line)}}}

	store := pipeline.NewStore(NewCommentLog(NewClient(mock, "acme/widgets"), "agent:executing"))
	got, err := store.LoadLatest(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 3 {
		t.Errorf("Version = %d, want 3", got.Version)
	}
}
