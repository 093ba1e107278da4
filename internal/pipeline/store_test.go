package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, log Log) *Store {
	t.Helper()
	return NewStore(log, WithClock(func() time.Time { return fixedNow }), WithStateIDPrefix("acme/widgets"))
}

func newTestLog(t *testing.T) *FileLog {
	t.Helper()
	return NewFileLog(t.TempDir())
}

func TestInitializeAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewFileLog(t.TempDir()))

	snap, err := s.Initialize(ctx, 42, nil)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if snap.Version != 1 {
		t.Errorf("Version = %d, want 1", snap.Version)
	}
	if snap.StateID != "agent-state:acme/widgets:42" {
		t.Errorf("StateID = %q", snap.StateID)
	}
	if snap.CurrentPhase != PhaseSpec {
		t.Errorf("CurrentPhase = %q, want spec", snap.CurrentPhase)
	}
	if snap.Phases.Requirement != nil {
		t.Error("requirement phase should not be configured by default")
	}
	if snap.Phases.Get(PhasePlan).Status != PhasePending {
		t.Errorf("plan status = %q, want pending", snap.Phases.Get(PhasePlan).Status)
	}

	got, err := s.LoadLatest(ctx, 42)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got.Version != 1 || got.Status != StatusActive || got.CreatedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("unexpected snapshot: %+v", got)
	}

	if _, err := s.Initialize(ctx, 42, nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize: got %v, want ErrAlreadyInitialized", err)
	}
}

func TestInitializeWithRequirement(t *testing.T) {
	s := newTestStore(t, newTestLog(t))
	snap, err := s.Initialize(context.Background(), 7, KnownPhases)
	if err != nil {
		t.Fatal(err)
	}
	if snap.CurrentPhase != PhaseRequirement {
		t.Errorf("CurrentPhase = %q, want requirement", snap.CurrentPhase)
	}
	if got := snap.Phases.Order(); len(got) != 4 {
		t.Errorf("Order = %v", got)
	}
}

func TestLoadLatestNotFound(t *testing.T) {
	s := newTestStore(t, newTestLog(t))
	_, err := s.LoadLatest(context.Background(), 1)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateIsCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestLog(t))
	base, _ := s.Initialize(ctx, 5, nil)

	next, err := s.Commit(ctx, 5, base, func(snap *Snapshot) error {
		snap.Paused = true
		snap.Phases.Spec.Status = PhaseInProgress
		snap.Tasks["task-a"] = &TaskRuntime{TaskKey: "task-a", Status: TaskPending, Deps: []string{"task-b"}}
		return nil
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if next.Version != 2 {
		t.Errorf("Version = %d, want 2", next.Version)
	}
	if base.Paused || base.Phases.Spec.Status != PhasePending || len(base.Tasks) != 0 {
		t.Error("Commit mutated the base snapshot")
	}

	again, err := s.Update(ctx, 5, func(snap *Snapshot) error {
		snap.Tasks["task-a"].Deps[0] = "task-z"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if again.Version != 3 {
		t.Errorf("Version = %d, want 3", again.Version)
	}
	if next.Tasks["task-a"].Deps[0] != "task-b" {
		t.Error("Update mutated a previously returned snapshot")
	}
}

func TestCloneKeepsEmptyDeps(t *testing.T) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(`{"tasks":{"task-a":{"deps":[]},"task-b":{"deps":null}}}`), &snap); err != nil {
		t.Fatal(err)
	}
	c := snap.Clone()
	if c.Tasks["task-a"].Deps == nil {
		t.Error("empty deps became nil")
	}
	if c.Tasks["task-b"].Deps != nil {
		t.Errorf("nil deps became %v", c.Tasks["task-b"].Deps)
	}
}

func TestCommitNoChange(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	s := newTestStore(t, log)
	base, _ := s.Initialize(ctx, 5, nil)

	got, err := s.Commit(ctx, 5, base, func(*Snapshot) error { return ErrNoChange })
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got != base {
		t.Error("expected base snapshot back")
	}
	entries, _ := log.ListEntries(ctx, 5)
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestCommitPropagatesMutateError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestLog(t))
	base, _ := s.Initialize(ctx, 5, nil)
	boom := errors.New("boom")
	if _, err := s.Commit(ctx, 5, base, func(*Snapshot) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
}

func TestAppendStaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestLog(t))
	base, _ := s.Initialize(ctx, 9, nil)

	if _, err := s.Commit(ctx, 9, base, func(*Snapshot) error { return nil }); err != nil {
		t.Fatal(err)
	}

	// base is now stale: committing from it targets version 2 again.
	_, err := s.Commit(ctx, 9, base, func(*Snapshot) error { return nil })
	if !IsConflict(err) {
		t.Fatalf("got %v, want conflict", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if ce.Attempted != 2 || ce.Latest != 2 {
		t.Errorf("conflict = %+v", ce)
	}
}

func TestLoadLatestTieBreakAndSkips(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	s := newTestStore(t, log)

	write := func(version int, phase Phase) {
		t.Helper()
		body, err := RenderEntry(&Snapshot{Version: version, ParentIssue: 3, CurrentPhase: phase, Tasks: map[string]*TaskRuntime{}})
		if err != nil {
			t.Fatal(err)
		}
		log.AppendEntry(ctx, 3, body)
	}

	write(2, PhaseSpec)
	log.AppendEntry(ctx, 3, "Looks good to me!")
	write(3, PhasePlan)
	log.AppendEntry(ctx, 3, StateMarker+"\n```json\n{not json\n```")
	write(1, PhaseSpec)
	write(3, PhaseExecution)
	log.AppendEntry(ctx, 3, StateMarker+"\n```json\n{\"version\": 0}\n```")

	got, err := s.LoadLatest(ctx, 3)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got.Version != 3 || got.CurrentPhase != PhaseExecution {
		t.Errorf("got version %d phase %s, want 3 execution", got.Version, got.CurrentPhase)
	}

	history, err := s.History(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Errorf("history has %d snapshots, want 4", len(history))
	}
}

// racingLog appends a competing snapshot right after the first append it
// sees, simulating a writer that wins the race.
type racingLog struct {
	*FileLog
	once   sync.Once
	rival  *Snapshot
	primed bool
}

func (r *racingLog) AppendEntry(ctx context.Context, entity int, body string) (string, error) {
	id, err := r.FileLog.AppendEntry(ctx, entity, body)
	if err != nil || !r.primed {
		return id, err
	}
	r.once.Do(func() {
		rival, _ := RenderEntry(r.rival)
		r.FileLog.AppendEntry(ctx, entity, rival)
	})
	return id, nil
}

func TestCommitDetectsLostRace(t *testing.T) {
	ctx := context.Background()
	log := &racingLog{FileLog: newTestLog(t)}
	s := newTestStore(t, log)
	base, err := s.Initialize(ctx, 11, nil)
	if err != nil {
		t.Fatal(err)
	}

	log.rival = base.Clone()
	log.rival.Version = 2
	log.rival.Paused = true
	log.primed = true

	_, err = s.Commit(ctx, 11, base, func(snap *Snapshot) error {
		snap.CursorTaskID = "task-a"
		return nil
	})
	if !IsConflict(err) {
		t.Fatalf("got %v, want conflict", err)
	}

	latest, _ := s.LoadLatest(ctx, 11)
	if !latest.Paused || latest.CursorTaskID != "" {
		t.Errorf("rival write should be latest, got %+v", latest)
	}
}

func TestConcurrentUpdatesOnFileLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewFileLog(t.TempDir()))
	if _, err := s.Initialize(ctx, 1, nil); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(ctx, 1, func(snap *Snapshot) error {
				snap.CursorTaskID = fmt.Sprintf("task-%d", i)
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !IsConflict(err) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	latest, err := s.LoadLatest(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version < 2 {
		t.Errorf("latest version = %d, want at least 2", latest.Version)
	}
}

func TestRenderEntrySummary(t *testing.T) {
	snap := &Snapshot{Version: 4, CurrentPhase: PhaseExecution, CursorTaskID: "task-a", Paused: true, Tasks: map[string]*TaskRuntime{}}
	body, err := RenderEntry(snap)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{StateMarker, "(version 4)", "Phase: `execution`", "Current Task: `task-a`", "PAUSED"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	back, err := ParseEntry(body)
	if err != nil {
		t.Fatal(err)
	}
	if back.Version != 4 || back.CursorTaskID != "task-a" || !back.Paused {
		t.Errorf("unexpected parse: %+v", back)
	}
}

func TestEntitiesRequiresLister(t *testing.T) {
	type plainLog struct{ Log }
	s := NewStore(plainLog{newTestLog(t)})
	if _, err := s.Entities(context.Background()); err == nil {
		t.Error("expected error for log without entity listing")
	}
}
