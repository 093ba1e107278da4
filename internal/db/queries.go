package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Event outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeNoop     = "noop"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int    `json:"id"`
	Entity    int    `json:"entity"`
	Event     string `json:"event"`
	Action    string `json:"action,omitempty"`
	Phase     string `json:"phase,omitempty"`
	TaskKey   string `json:"task_key,omitempty"`
	Version   int    `json:"version,omitempty"`
	Outcome   string `json:"outcome"`
	Actor     string `json:"actor,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// MergeDecision represents a row in the merge_decisions table.
type MergeDecision struct {
	ID           int    `json:"id"`
	PR           int    `json:"pr"`
	Entity       int    `json:"entity"`
	TaskKey      string `json:"task_key"`
	Declared     string `json:"declared"`
	Computed     string `json:"computed"`
	Effective    string `json:"effective"`
	Reason       string `json:"reason"`
	ChangedFiles int    `json:"changed_files"`
	Timestamp    string `json:"timestamp"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, e PipelineEvent) error {
	if e.Outcome == "" {
		e.Outcome = OutcomeOK
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO pipeline_events (entity, event, action, phase, task_key, version, outcome, actor, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Entity, e.Event, nullString(e.Action), nullString(e.Phase), nullString(e.TaskKey), nullInt(e.Version), e.Outcome, nullString(e.Actor), nullString(e.Detail),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

const eventColumns = `id, entity, event, action, phase, task_key, version, outcome, actor, detail, timestamp`

func scanEvents(rows *sql.Rows) ([]PipelineEvent, error) {
	defer rows.Close()
	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var action, phase, taskKey, actor, detail sql.NullString
		var version sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Entity, &e.Event, &action, &phase, &taskKey, &version, &e.Outcome, &actor, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Action = action.String
		e.Phase = phase.String
		e.TaskKey = taskKey.String
		e.Actor = actor.String
		e.Detail = detail.String
		e.Version = int(version.Int64)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetPipelineHistory returns all events for an entity, newest first.
func (d *DB) GetPipelineHistory(ctx context.Context, entity int) ([]PipelineEvent, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM pipeline_events WHERE entity = ? ORDER BY timestamp DESC, id DESC`,
		entity,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	return scanEvents(rows)
}

// RecentEvents returns the latest events across all entities, newest first.
func (d *DB) RecentEvents(ctx context.Context, limit int) ([]PipelineEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM pipeline_events ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent events: %w", err)
	}
	return scanEvents(rows)
}

// CountByOutcome tallies an entity's events by outcome.
func (d *DB) CountByOutcome(ctx context.Context, entity int) (map[string]int, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM pipeline_events WHERE entity = ? GROUP BY outcome`,
		entity,
	)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// LogMergeDecision records a risk classification of a change request.
func (d *DB) LogMergeDecision(ctx context.Context, m MergeDecision) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO merge_decisions (pr, entity, task_key, declared, computed, effective, reason, changed_files)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.PR, m.Entity, m.TaskKey, nullString(m.Declared), m.Computed, m.Effective, m.Reason, m.ChangedFiles,
	)
	if err != nil {
		return fmt.Errorf("log merge decision: %w", err)
	}
	return nil
}

// GetMergeDecisions returns the classifications of a change request,
// newest first.
func (d *DB) GetMergeDecisions(ctx context.Context, pr int) ([]MergeDecision, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, pr, entity, task_key, declared, computed, effective, reason, changed_files, timestamp
		 FROM merge_decisions WHERE pr = ? ORDER BY timestamp DESC, id DESC`,
		pr,
	)
	if err != nil {
		return nil, fmt.Errorf("get merge decisions: %w", err)
	}
	defer rows.Close()

	var out []MergeDecision
	for rows.Next() {
		var m MergeDecision
		var declared sql.NullString
		if err := rows.Scan(&m.ID, &m.PR, &m.Entity, &m.TaskKey, &declared, &m.Computed, &m.Effective, &m.Reason, &m.ChangedFiles, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan merge decision: %w", err)
		}
		m.Declared = declared.String
		out = append(out, m)
	}
	return out, rows.Err()
}
