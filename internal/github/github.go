// Package github binds the pipeline to GitHub through the gh CLI.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasnoah/agentflow/internal/tracker"
)

// CmdRunner provides command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides the GitHub operations of tracker.Tracker for one
// repository.
type Client struct {
	cmd  CmdRunner
	repo string
}

// NewClient creates a GitHub client for repo ("owner/name").
func NewClient(cmd CmdRunner, repo string) *Client {
	return &Client{cmd: cmd, repo: repo}
}

// Repo returns the repository the client talks to.
func (c *Client) Repo() string { return c.repo }

// issue is the gh JSON shape of an issue.
type issue struct {
	Number    int     `json:"number"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	State     string  `json:"state"`
	Labels    []label `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
}

type label struct {
	Name string `json:"name"`
}

func names(labels []label) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.Name)
	}
	return out
}

func (i issue) item() tracker.Item {
	it := tracker.Item{
		Number: i.Number,
		Title:  i.Title,
		Body:   i.Body,
		State:  tracker.State(strings.ToLower(i.State)),
		Labels: names(i.Labels),
	}
	for _, a := range i.Assignees {
		it.Assignees = append(it.Assignees, a.Login)
	}
	return it
}

const issueFields = "number,title,body,state,labels,assignees"

// ValidateIssueNumber checks that an issue number is positive.
func ValidateIssueNumber(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid issue number %d: must be positive", n)
	}
	return nil
}

var trailingNumberRe = regexp.MustCompile(`/(\d+)\s*$`)

// notFound maps gh's "could not resolve" failures to tracker.ErrNotFound.
func notFound(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "Could not resolve") || strings.Contains(msg, "HTTP 404") {
		return fmt.Errorf("%w: %v", tracker.ErrNotFound, err)
	}
	return err
}

func (c *Client) CreateItem(ctx context.Context, item tracker.NewItem) (int, error) {
	args := []string{"issue", "create", "--repo", c.repo, "--title", item.Title, "--body", item.Body}
	for _, l := range item.Labels {
		args = append(args, "--label", l)
	}
	out, err := c.cmd.Run(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("create issue: %w", err)
	}
	m := trailingNumberRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("create issue: unexpected output %q", out)
	}
	return strconv.Atoi(m[1])
}

func (c *Client) GetItem(ctx context.Context, number int) (*tracker.Item, error) {
	if err := ValidateIssueNumber(number); err != nil {
		return nil, err
	}
	out, err := c.cmd.Run(ctx, "issue", "view", strconv.Itoa(number), "--repo", c.repo, "--json", issueFields)
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", number, notFound(err))
	}
	var is issue
	if err := json.Unmarshal([]byte(out), &is); err != nil {
		return nil, fmt.Errorf("parse issue JSON: %w", err)
	}
	it := is.item()
	return &it, nil
}

func (c *Client) SetItemState(ctx context.Context, number int, state tracker.State) error {
	if err := ValidateIssueNumber(number); err != nil {
		return err
	}
	verb := "reopen"
	if state == tracker.StateClosed {
		verb = "close"
	}
	if _, err := c.cmd.Run(ctx, "issue", verb, strconv.Itoa(number), "--repo", c.repo); err != nil {
		return fmt.Errorf("%s issue %d: %w", verb, number, notFound(err))
	}
	return nil
}

// AddLabels labels an issue or pull request.
func (c *Client) AddLabels(ctx context.Context, number int, labels ...string) error {
	if len(labels) == 0 {
		return nil
	}
	args := []string{"api", fmt.Sprintf("repos/%s/issues/%d/labels", c.repo, number), "--method", "POST"}
	for _, l := range labels {
		args = append(args, "-f", "labels[]="+l)
	}
	if _, err := c.cmd.Run(ctx, args...); err != nil {
		return fmt.Errorf("add labels to %d: %w", number, notFound(err))
	}
	return nil
}

// RemoveLabel removes a label; a label that is not present is not an error.
func (c *Client) RemoveLabel(ctx context.Context, number int, name string) error {
	path := fmt.Sprintf("repos/%s/issues/%d/labels/%s", c.repo, number, url.PathEscape(name))
	if _, err := c.cmd.Run(ctx, "api", path, "--method", "DELETE"); err != nil {
		if strings.Contains(err.Error(), "Label does not exist") {
			return nil
		}
		return fmt.Errorf("remove label %q from %d: %w", name, number, notFound(err))
	}
	return nil
}

// Comment posts a comment on an issue or pull request.
func (c *Client) Comment(ctx context.Context, number int, body string) error {
	_, err := c.postComment(ctx, number, body)
	return err
}

func (c *Client) postComment(ctx context.Context, number int, body string) (int64, error) {
	out, err := c.cmd.Run(ctx, "api", fmt.Sprintf("repos/%s/issues/%d/comments", c.repo, number),
		"--method", "POST", "-f", "body="+body, "--jq", ".id")
	if err != nil {
		return 0, fmt.Errorf("comment on %d: %w", number, notFound(err))
	}
	id, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse comment id %q: %w", out, err)
	}
	return id, nil
}

func (c *Client) Assign(ctx context.Context, number int, assignee string) error {
	if _, err := c.cmd.Run(ctx, "issue", "edit", strconv.Itoa(number), "--repo", c.repo, "--add-assignee", assignee); err != nil {
		return fmt.Errorf("assign issue %d: %w", number, notFound(err))
	}
	return nil
}

// ListItems lists issues with label in state; an empty state means all.
func (c *Client) ListItems(ctx context.Context, lbl string, state tracker.State) ([]tracker.Item, error) {
	st := string(state)
	if st == "" {
		st = "all"
	}
	args := []string{"issue", "list", "--repo", c.repo, "--state", st, "--limit", "1000", "--json", issueFields}
	if lbl != "" {
		args = append(args, "--label", lbl)
	}
	out, err := c.cmd.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	var raw []issue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse issue list JSON: %w", err)
	}
	items := make([]tracker.Item, 0, len(raw))
	for _, is := range raw {
		items = append(items, is.item())
	}
	return items, nil
}

func (c *Client) GetChangeRequest(ctx context.Context, number int) (*tracker.ChangeRequest, error) {
	out, err := c.cmd.Run(ctx, "pr", "view", strconv.Itoa(number), "--repo", c.repo, "--json", "number,title,body,state,headRefOid,labels")
	if err != nil {
		return nil, fmt.Errorf("get PR %d: %w", number, notFound(err))
	}
	var pr struct {
		Number     int     `json:"number"`
		Title      string  `json:"title"`
		Body       string  `json:"body"`
		State      string  `json:"state"`
		HeadRefOid string  `json:"headRefOid"`
		Labels     []label `json:"labels"`
	}
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return nil, fmt.Errorf("parse PR JSON: %w", err)
	}
	return &tracker.ChangeRequest{
		Number:  pr.Number,
		Title:   pr.Title,
		Body:    pr.Body,
		State:   strings.ToLower(pr.State),
		HeadSHA: pr.HeadRefOid,
		Labels:  names(pr.Labels),
	}, nil
}

func (c *Client) ChangedPaths(ctx context.Context, number int) ([]string, error) {
	out, err := c.cmd.Run(ctx, "api", fmt.Sprintf("repos/%s/pulls/%d/files", c.repo, number), "--paginate", "--jq", ".[].filename")
	if err != nil {
		return nil, fmt.Errorf("list files of PR %d: %w", number, notFound(err))
	}
	return lines(out), nil
}

func (c *Client) Checks(ctx context.Context, ref string) ([]tracker.Check, error) {
	out, err := c.cmd.Run(ctx, "api", fmt.Sprintf("repos/%s/commits/%s/check-runs?per_page=100", c.repo, url.PathEscape(ref)),
		"--jq", ".check_runs[] | {name: .name, conclusion: .conclusion}")
	if err != nil {
		return nil, fmt.Errorf("list checks for %s: %w", ref, err)
	}
	var checks []tracker.Check
	for _, line := range lines(out) {
		var run struct {
			Name       string `json:"name"`
			Conclusion string `json:"conclusion"`
		}
		if err := json.Unmarshal([]byte(line), &run); err != nil {
			return nil, fmt.Errorf("parse check run %q: %w", line, err)
		}
		checks = append(checks, tracker.Check{Name: run.Name, Conclusion: run.Conclusion})
	}
	return checks, nil
}

// validMergeStrategies is the set of allowed merge strategies.
var validMergeStrategies = map[string]bool{
	"squash": true,
	"merge":  true,
	"rebase": true,
}

// Merge merges a pull request. Refusals from branch protection or
// repository settings wrap tracker.ErrMergeRejected.
func (c *Client) Merge(ctx context.Context, number int, strategy string) error {
	if strategy == "" {
		strategy = "squash"
	}
	if !validMergeStrategies[strategy] {
		return fmt.Errorf("invalid merge strategy %q: must be squash, merge, or rebase", strategy)
	}
	_, err := c.cmd.Run(ctx, "pr", "merge", strconv.Itoa(number), "--repo", c.repo, "--"+strategy, "--delete-branch")
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "405") || strings.Contains(msg, "not mergeable") || strings.Contains(msg, "protected branch") {
			return fmt.Errorf("merge PR %d: %w: %v", number, tracker.ErrMergeRejected, err)
		}
		return fmt.Errorf("merge PR %d: %w", number, err)
	}
	return nil
}

func lines(out string) []string {
	var res []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

var _ tracker.Tracker = (*Client)(nil)
