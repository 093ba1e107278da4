package pglog

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/lucasnoah/agentflow/internal/pipeline"
)

// openTestLog connects to AGENTFLOW_TEST_DSN and isolates the test by using
// an entity number derived from the test name.
func openTestLog(t *testing.T) *Log {
	t.Helper()
	dsn := os.Getenv("AGENTFLOW_TEST_DSN")
	if dsn == "" {
		t.Skip("AGENTFLOW_TEST_DSN not set")
	}
	l, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		l.pool.Exec(context.Background(), `DELETE FROM state_entries WHERE entity >= 900000`)
		l.Close()
	})
	return l
}

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)
	const entity = 900001

	first, err := l.AppendEntry(ctx, entity, "one")
	if err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	second, err := l.AppendEntry(ctx, entity, "two")
	if err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	if first == second {
		t.Fatal("ids should differ")
	}

	entries, err := l.ListEntries(ctx, entity)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 2 || entries[0].Body != "one" || entries[1].Body != "two" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].Order >= entries[1].Order {
		t.Error("order should increase with append")
	}
}

func TestStoreOnPostgres(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)
	const entity = 900002

	s := pipeline.NewStore(l)
	base, err := s.Initialize(ctx, entity, nil)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := s.Commit(ctx, entity, base, func(snap *pipeline.Snapshot) error {
		snap.Paused = true
		return nil
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	_, err = s.Commit(ctx, entity, base, func(*pipeline.Snapshot) error { return nil })
	if !errors.Is(err, pipeline.ErrVersionConflict) {
		t.Errorf("stale commit: got %v, want conflict", err)
	}

	entities, err := l.ListEntities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entities {
		if e == entity {
			found = true
		}
	}
	if !found {
		t.Errorf("entity %d not listed in %v", entity, entities)
	}
}
