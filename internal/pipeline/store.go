package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lucasnoah/agentflow/internal/logging"
)

// StateMarker identifies a log entry that carries a snapshot.
const StateMarker = "<!-- agent-state:json -->"

var snapshotFence = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")

var (
	// ErrNotFound means the entity has no readable snapshot.
	ErrNotFound = errors.New("state snapshot not found")
	// ErrVersionConflict means another writer got there first; reload and retry.
	ErrVersionConflict = errors.New("state version conflict")
	// ErrAlreadyInitialized is returned when initializing an entity that has state.
	ErrAlreadyInitialized = errors.New("state already initialized")
	// ErrNoChange may be returned by a mutate func to skip the write.
	ErrNoChange = errors.New("no state change")
)

// ConflictError reports a lost optimistic-concurrency race.
type ConflictError struct {
	Entity    int
	Attempted int
	Latest    int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("entity %d: version %d conflicts with latest version %d", e.Entity, e.Attempted, e.Latest)
}

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// Entry is one record of an entity's append-only log. Order increases with
// append time and breaks version ties.
type Entry struct {
	ID    string
	Body  string
	Order int64
}

// Log is an append-only sequence of entries per entity.
type Log interface {
	ListEntries(ctx context.Context, entity int) ([]Entry, error)
	AppendEntry(ctx context.Context, entity int, body string) (string, error)
}

// EntityLister is implemented by logs that can enumerate their entities.
type EntityLister interface {
	ListEntities(ctx context.Context) ([]int, error)
}

// Store reads and writes versioned snapshots on top of a Log. It never
// locks; concurrent writers are detected by version and append order.
type Store struct {
	log      Log
	logger   *slog.Logger
	now      func() time.Time
	idPrefix string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for skipped entries and conflicts.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithStateIDPrefix makes state ids deterministic, e.g. "owner/repo".
func WithStateIDPrefix(prefix string) Option {
	return func(s *Store) { s.idPrefix = prefix }
}

// NewStore creates a Store backed by log.
func NewStore(log Log, opts ...Option) *Store {
	s := &Store{log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Log returns the underlying log.
func (s *Store) Log() Log { return s.log }

// Now returns the store's clock reading formatted as stored timestamps.
func (s *Store) Now() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Initialize writes version 1 for an entity that has no state yet. The
// first phase in phases becomes the current phase, pending.
func (s *Store) Initialize(ctx context.Context, entity int, phases []Phase) (*Snapshot, error) {
	if len(phases) == 0 {
		phases = DefaultPhases
	}
	existing, _, err := s.latest(ctx, entity)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("entity %d at version %d: %w", entity, existing.Version, ErrAlreadyInitialized)
	}

	now := s.Now()
	snap := &Snapshot{
		StateID:      s.stateID(entity),
		Version:      1,
		ParentIssue:  entity,
		Status:       StatusActive,
		CurrentPhase: phases[0],
		Tasks:        map[string]*TaskRuntime{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, p := range phases {
		snap.Phases.Set(p, &PhaseRecord{Status: PhasePending})
	}

	if _, err := s.Append(ctx, entity, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) stateID(entity int) string {
	if s.idPrefix != "" {
		return fmt.Sprintf("agent-state:%s:%d", s.idPrefix, entity)
	}
	return "agent-state:" + uuid.NewString()
}

// LoadLatest returns the highest-version snapshot; among equal versions the
// later-appended one wins. Entries that do not parse are skipped.
func (s *Store) LoadLatest(ctx context.Context, entity int) (*Snapshot, error) {
	snap, _, err := s.latest(ctx, entity)
	return snap, err
}

// History returns every readable snapshot in append order.
func (s *Store) History(ctx context.Context, entity int) ([]*Snapshot, error) {
	entries, err := s.log.ListEntries(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("list state entries for %d: %w", entity, err)
	}
	var out []*Snapshot
	for _, e := range sortedByOrder(entries) {
		snap, err := ParseEntry(e.Body)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Store) latest(ctx context.Context, entity int) (*Snapshot, string, error) {
	entries, err := s.log.ListEntries(ctx, entity)
	if err != nil {
		return nil, "", fmt.Errorf("list state entries for %d: %w", entity, err)
	}

	var (
		best      *Snapshot
		bestID    string
		bestOrder int64
	)
	for _, e := range entries {
		if !strings.Contains(e.Body, StateMarker) {
			continue
		}
		snap, err := ParseEntry(e.Body)
		if err != nil {
			s.logger.Warn("skipping unreadable state entry", "entity", entity, "entry", e.ID, "error", err)
			continue
		}
		if best == nil || snap.Version > best.Version || (snap.Version == best.Version && e.Order > bestOrder) {
			best, bestID, bestOrder = snap, e.ID, e.Order
		}
	}
	if best == nil {
		return nil, "", fmt.Errorf("entity %d: %w", entity, ErrNotFound)
	}
	return best, bestID, nil
}

// Append writes snap as a new entry unless a snapshot with the same or a
// higher version is already visible.
func (s *Store) Append(ctx context.Context, entity int, snap *Snapshot) (string, error) {
	current, _, err := s.latest(ctx, entity)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if current != nil && current.Version >= snap.Version {
		return "", &ConflictError{Entity: entity, Attempted: snap.Version, Latest: current.Version}
	}

	body, err := RenderEntry(snap)
	if err != nil {
		return "", err
	}
	id, err := s.log.AppendEntry(ctx, entity, body)
	if err != nil {
		return "", fmt.Errorf("append state entry for %d: %w", entity, err)
	}
	return id, nil
}

// Commit applies mutate to a copy of base and appends it as base.Version+1.
// After appending it re-reads the log; if the new entry is not the latest,
// a concurrent writer won and a *ConflictError is returned. When mutate
// returns ErrNoChange nothing is written and base is returned.
func (s *Store) Commit(ctx context.Context, entity int, base *Snapshot, mutate func(*Snapshot) error) (*Snapshot, error) {
	next := base.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return base, nil
		}
		return nil, err
	}
	next.Version = base.Version + 1
	next.UpdatedAt = s.Now()

	id, err := s.Append(ctx, entity, next)
	if err != nil {
		if IsConflict(err) {
			s.logger.Warn("state conflict", "entity", entity, "version", next.Version, "error", err)
		}
		return nil, err
	}

	visible, visibleID, err := s.latest(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("verify state write for %d: %w", entity, err)
	}
	if visibleID != id {
		s.logger.Warn("state conflict after append", "entity", entity, "version", next.Version, "latest", visible.Version)
		return nil, &ConflictError{Entity: entity, Attempted: next.Version, Latest: visible.Version}
	}
	return next, nil
}

// Update is LoadLatest followed by Commit.
func (s *Store) Update(ctx context.Context, entity int, mutate func(*Snapshot) error) (*Snapshot, error) {
	base, err := s.LoadLatest(ctx, entity)
	if err != nil {
		return nil, err
	}
	return s.Commit(ctx, entity, base, mutate)
}

// Entities lists known entities when the log supports enumeration.
func (s *Store) Entities(ctx context.Context) ([]int, error) {
	lister, ok := s.log.(EntityLister)
	if !ok {
		return nil, fmt.Errorf("state log %T cannot list entities", s.log)
	}
	return lister.ListEntities(ctx)
}

// RenderEntry formats a snapshot as a log entry body: the marker, a fenced
// JSON document and a short human-readable summary.
func RenderEntry(snap *Snapshot) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	lines := []string{
		StateMarker,
		"```json",
		string(data),
		"```",
		"",
		fmt.Sprintf("**Agent State Updated** (version %d)", snap.Version),
		"",
	}
	if snap.CurrentPhase != "" {
		lines = append(lines, fmt.Sprintf("Phase: `%s`", snap.CurrentPhase))
	} else {
		lines = append(lines, fmt.Sprintf("Status: `%s`", snap.Status))
	}
	if snap.CursorTaskID != "" {
		lines = append(lines, fmt.Sprintf("Current Task: `%s`", snap.CursorTaskID))
	}
	if snap.Paused {
		lines = append(lines, "**PAUSED**")
	}
	lines = append(lines, "", "_This comment tracks execution state. Do not edit manually._")
	return strings.Join(lines, "\n"), nil
}

// ParseEntry extracts the snapshot from an entry body.
func ParseEntry(body string) (*Snapshot, error) {
	if !strings.Contains(body, StateMarker) {
		return nil, errors.New("state marker not found")
	}
	m := snapshotFence.FindStringSubmatch(strings.ReplaceAll(body, "\r\n", "\n"))
	if m == nil {
		return nil, errors.New("state json block not found")
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(m[1]), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version < 1 {
		return nil, fmt.Errorf("invalid snapshot version %d", snap.Version)
	}
	if snap.Tasks == nil {
		snap.Tasks = map[string]*TaskRuntime{}
	}
	return &snap, nil
}

func sortedByOrder(entries []Entry) []Entry {
	out := append([]Entry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Order < out[j].Order
	})
	return out
}
