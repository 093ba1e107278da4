// Package pipelinetest provides an in-memory state log for tests.
package pipelinetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lucasnoah/agentflow/internal/pipeline"
)

// MemoryLog is an in-process pipeline.Log. It is safe for concurrent use.
type MemoryLog struct {
	mu      sync.Mutex
	next    int64
	entries map[int][]pipeline.Entry
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[int][]pipeline.Entry)}
}

// ListEntries returns a copy of the entity's entries in append order.
func (m *MemoryLog) ListEntries(_ context.Context, entity int) ([]pipeline.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.Entry(nil), m.entries[entity]...), nil
}

// AppendEntry records body and returns its id.
func (m *MemoryLog) AppendEntry(_ context.Context, entity int, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("mem-%d", m.next)
	m.entries[entity] = append(m.entries[entity], pipeline.Entry{ID: id, Body: body, Order: m.next})
	return id, nil
}

// ListEntities returns every entity with at least one entry.
func (m *MemoryLog) ListEntities(_ context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for e := range m.entries {
		out = append(out, e)
	}
	sort.Ints(out)
	return out, nil
}
