// Package tracker describes the collaboration platform operations the
// pipeline needs: work items, labels, comments and change requests.
package tracker

import (
	"context"
	"errors"
	"slices"
)

var (
	// ErrNotFound is returned when a work item or change request does not exist.
	ErrNotFound = errors.New("not found")
	// ErrMergeRejected is returned when the platform refuses a merge, for
	// example because branch protection forbids it.
	ErrMergeRejected = errors.New("merge rejected")
)

// State is the open/closed state of a work item.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Item is a work item (issue) as the pipeline sees it.
type Item struct {
	Number    int
	Title     string
	Body      string
	State     State
	Labels    []string
	Assignees []string
}

// HasLabel reports whether the item carries label.
func (i *Item) HasLabel(label string) bool {
	return slices.Contains(i.Labels, label)
}

// NewItem describes a work item to create.
type NewItem struct {
	Title  string
	Body   string
	Labels []string
}

// ChangeRequest is a pull request.
type ChangeRequest struct {
	Number  int
	Title   string
	Body    string
	State   string // "open", "closed" or "merged"
	HeadSHA string
	Labels  []string
}

// Merged reports whether the change request has been merged.
func (c *ChangeRequest) Merged() bool { return c.State == "merged" }

// Check is one CI check result on a commit.
type Check struct {
	Name       string
	Conclusion string
}

// WorkItems manages work items and their labels and comments.
type WorkItems interface {
	CreateItem(ctx context.Context, item NewItem) (int, error)
	GetItem(ctx context.Context, number int) (*Item, error)
	SetItemState(ctx context.Context, number int, state State) error
	AddLabels(ctx context.Context, number int, labels ...string) error
	RemoveLabel(ctx context.Context, number int, label string) error
	Comment(ctx context.Context, number int, body string) error
	Assign(ctx context.Context, number int, assignee string) error
	ListItems(ctx context.Context, label string, state State) ([]Item, error)
}

// ChangeRequests inspects and merges change requests.
type ChangeRequests interface {
	GetChangeRequest(ctx context.Context, number int) (*ChangeRequest, error)
	ChangedPaths(ctx context.Context, number int) ([]string, error)
	Checks(ctx context.Context, ref string) ([]Check, error)
	Merge(ctx context.Context, number int, method string) error
}

// Tracker is the full platform surface.
type Tracker interface {
	WorkItems
	ChangeRequests
}

// SwapLabels removes every label in remove that differs from add, then adds
// add. Missing labels are not an error.
func SwapLabels(ctx context.Context, w WorkItems, number int, add string, remove ...string) error {
	for _, l := range remove {
		if l == "" || l == add {
			continue
		}
		if err := w.RemoveLabel(ctx, number, l); err != nil {
			return err
		}
	}
	if add == "" {
		return nil
	}
	return w.AddLabels(ctx, number, add)
}
