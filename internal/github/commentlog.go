package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/lucasnoah/agentflow/internal/tracker"
)

// CommentLog stores state snapshots as comments on the entity's issue.
// Comment ids increase with creation time and serve as the append order.
type CommentLog struct {
	client      *Client
	entityLabel string
}

// NewCommentLog creates a log on the client's repository. Entities are the
// open issues carrying entityLabel.
func NewCommentLog(client *Client, entityLabel string) *CommentLog {
	return &CommentLog{client: client, entityLabel: entityLabel}
}

func (l *CommentLog) ListEntries(ctx context.Context, entity int) ([]pipeline.Entry, error) {
	if err := ValidateIssueNumber(entity); err != nil {
		return nil, err
	}
	out, err := l.client.cmd.Run(ctx, "api", fmt.Sprintf("repos/%s/issues/%d/comments", l.client.repo, entity),
		"--paginate", "--jq", ".[] | {id: .id, body: .body}")
	if err != nil {
		return nil, fmt.Errorf("list comments on %d: %w", entity, notFound(err))
	}
	var entries []pipeline.Entry
	for _, line := range lines(out) {
		var c struct {
			ID   int64  `json:"id"`
			Body string `json:"body"`
		}
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return nil, fmt.Errorf("parse comment %q: %w", line, err)
		}
		entries = append(entries, pipeline.Entry{ID: strconv.FormatInt(c.ID, 10), Body: c.Body, Order: c.ID})
	}
	return entries, nil
}

func (l *CommentLog) AppendEntry(ctx context.Context, entity int, body string) (string, error) {
	id, err := l.client.postComment(ctx, entity, body)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// ListEntities returns the open issues carrying the entity label.
func (l *CommentLog) ListEntities(ctx context.Context) ([]int, error) {
	items, err := l.client.ListItems(ctx, l.entityLabel, tracker.StateOpen)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(items))
	for _, it := range items {
		out = append(out, it.Number)
	}
	return out, nil
}

var (
	_ pipeline.Log          = (*CommentLog)(nil)
	_ pipeline.EntityLister = (*CommentLog)(nil)
)
