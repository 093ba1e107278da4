// Package trackertest provides an in-memory tracker for tests.
package trackertest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/lucasnoah/agentflow/internal/tracker"
)

// Comment is a comment recorded by the fake.
type Comment struct {
	Number int
	Body   string
}

// Merge is a merge recorded by the fake.
type Merge struct {
	Number int
	Method string
}

// Fake implements tracker.Tracker in memory. Set Fail to make the named
// method return an error.
type Fake struct {
	mu       sync.Mutex
	next     int
	Items    map[int]*tracker.Item
	PRs      map[int]*tracker.ChangeRequest
	Paths    map[int][]string
	CheckRun map[string][]tracker.Check
	Comments []Comment
	Merges   []Merge
	Fail     map[string]error
	Calls    []string
}

// New creates an empty Fake. Created item numbers start at 100.
func New() *Fake {
	return &Fake{
		next:     100,
		Items:    make(map[int]*tracker.Item),
		PRs:      make(map[int]*tracker.ChangeRequest),
		Paths:    make(map[int][]string),
		CheckRun: make(map[string][]tracker.Check),
		Fail:     make(map[string]error),
	}
}

func (f *Fake) record(method string) error {
	f.Calls = append(f.Calls, method)
	return f.Fail[method]
}

// AddItem seeds an open item with the given labels.
func (f *Fake) AddItem(number int, title string, labels ...string) *tracker.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := &tracker.Item{Number: number, Title: title, State: tracker.StateOpen, Labels: labels}
	f.Items[number] = it
	return it
}

// Item returns a copy of the item, or nil.
func (f *Fake) Item(number int) *tracker.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.Items[number]
	if !ok {
		return nil
	}
	c := *it
	c.Labels = slices.Clone(it.Labels)
	c.Assignees = slices.Clone(it.Assignees)
	return &c
}

// CommentsOn returns the bodies of comments posted on number.
func (f *Fake) CommentsOn(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Comments {
		if c.Number == number {
			out = append(out, c.Body)
		}
	}
	return out
}

func (f *Fake) CreateItem(_ context.Context, item tracker.NewItem) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateItem"); err != nil {
		return 0, err
	}
	f.next++
	n := f.next
	f.Items[n] = &tracker.Item{
		Number: n,
		Title:  item.Title,
		Body:   item.Body,
		State:  tracker.StateOpen,
		Labels: slices.Clone(item.Labels),
	}
	return n, nil
}

func (f *Fake) GetItem(_ context.Context, number int) (*tracker.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetItem"); err != nil {
		return nil, err
	}
	it, ok := f.Items[number]
	if !ok {
		return nil, fmt.Errorf("item %d: %w", number, tracker.ErrNotFound)
	}
	c := *it
	c.Labels = slices.Clone(it.Labels)
	return &c, nil
}

func (f *Fake) SetItemState(_ context.Context, number int, state tracker.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetItemState"); err != nil {
		return err
	}
	it, ok := f.Items[number]
	if !ok {
		return fmt.Errorf("item %d: %w", number, tracker.ErrNotFound)
	}
	it.State = state
	return nil
}

func (f *Fake) AddLabels(_ context.Context, number int, labels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddLabels"); err != nil {
		return err
	}
	labelled := f.labelled(number)
	if labelled == nil {
		return fmt.Errorf("item %d: %w", number, tracker.ErrNotFound)
	}
	for _, l := range labels {
		if !slices.Contains(*labelled, l) {
			*labelled = append(*labelled, l)
		}
	}
	return nil
}

func (f *Fake) RemoveLabel(_ context.Context, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveLabel"); err != nil {
		return err
	}
	labelled := f.labelled(number)
	if labelled == nil {
		return fmt.Errorf("item %d: %w", number, tracker.ErrNotFound)
	}
	*labelled = slices.DeleteFunc(*labelled, func(l string) bool { return l == label })
	return nil
}

// labelled returns the label slice of an item or change request.
func (f *Fake) labelled(number int) *[]string {
	if it, ok := f.Items[number]; ok {
		return &it.Labels
	}
	if pr, ok := f.PRs[number]; ok {
		return &pr.Labels
	}
	return nil
}

func (f *Fake) Comment(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Comment"); err != nil {
		return err
	}
	f.Comments = append(f.Comments, Comment{Number: number, Body: body})
	return nil
}

func (f *Fake) Assign(_ context.Context, number int, assignee string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Assign"); err != nil {
		return err
	}
	it, ok := f.Items[number]
	if !ok {
		return fmt.Errorf("item %d: %w", number, tracker.ErrNotFound)
	}
	if !slices.Contains(it.Assignees, assignee) {
		it.Assignees = append(it.Assignees, assignee)
	}
	return nil
}

func (f *Fake) ListItems(_ context.Context, label string, state tracker.State) ([]tracker.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListItems"); err != nil {
		return nil, err
	}
	var out []tracker.Item
	for _, it := range f.Items {
		if state != "" && it.State != state {
			continue
		}
		if label != "" && !it.HasLabel(label) {
			continue
		}
		out = append(out, *it)
	}
	slices.SortFunc(out, func(a, b tracker.Item) int { return a.Number - b.Number })
	return out, nil
}

func (f *Fake) GetChangeRequest(_ context.Context, number int) (*tracker.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetChangeRequest"); err != nil {
		return nil, err
	}
	pr, ok := f.PRs[number]
	if !ok {
		return nil, fmt.Errorf("change request %d: %w", number, tracker.ErrNotFound)
	}
	c := *pr
	c.Labels = slices.Clone(pr.Labels)
	return &c, nil
}

func (f *Fake) ChangedPaths(_ context.Context, number int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ChangedPaths"); err != nil {
		return nil, err
	}
	return slices.Clone(f.Paths[number]), nil
}

func (f *Fake) Checks(_ context.Context, ref string) ([]tracker.Check, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Checks"); err != nil {
		return nil, err
	}
	return slices.Clone(f.CheckRun[ref]), nil
}

func (f *Fake) Merge(_ context.Context, number int, method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Merge"); err != nil {
		return err
	}
	f.Merges = append(f.Merges, Merge{Number: number, Method: method})
	if pr, ok := f.PRs[number]; ok {
		pr.State = "merged"
	}
	return nil
}

var _ tracker.Tracker = (*Fake)(nil)
