// Package pglog stores state log entries in PostgreSQL. Rows are never
// updated or deleted; the BIGSERIAL id provides append order.
package pglog

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lucasnoah/agentflow/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS state_entries (
	id         BIGSERIAL PRIMARY KEY,
	entity     INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_state_entries_entity ON state_entries(entity, id);
`

// Log implements pipeline.Log on a connection pool.
type Log struct {
	pool *pgxpool.Pool
}

// New creates a Log backed by the given connection pool.
func New(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

// Open connects to dsn, ensures the schema exists and returns the Log.
func Open(ctx context.Context, dsn string) (*Log, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l := New(pool)
	if err := l.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the pool.
func (l *Log) Close() {
	l.pool.Close()
}

// Migrate creates the state_entries table if needed.
func (l *Log) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate state_entries: %w", err)
	}
	return nil
}

// ListEntries returns the entity's entries in insertion order.
func (l *Log) ListEntries(ctx context.Context, entity int) ([]pipeline.Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, body FROM state_entries WHERE entity = $1 ORDER BY id`, entity)
	if err != nil {
		return nil, fmt.Errorf("list state entries: %w", err)
	}
	defer rows.Close()

	var entries []pipeline.Entry
	for rows.Next() {
		var (
			id   int64
			body string
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan state entry: %w", err)
		}
		entries = append(entries, pipeline.Entry{ID: strconv.FormatInt(id, 10), Body: body, Order: id})
	}
	return entries, rows.Err()
}

// AppendEntry inserts body and returns the new row id.
func (l *Log) AppendEntry(ctx context.Context, entity int, body string) (string, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO state_entries (entity, body) VALUES ($1, $2) RETURNING id`, entity, body).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert state entry: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// ListEntities returns every entity with at least one entry.
func (l *Log) ListEntities(ctx context.Context) ([]int, error) {
	rows, err := l.pool.Query(ctx, `SELECT DISTINCT entity FROM state_entries ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var e int
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
