package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lucasnoah/agentflow/internal/fileutil"
)

// FileLog keeps one directory per entity and one file per entry, named by
// a zero-padded sequence number. Sequence numbers are claimed with an
// exclusive create, so concurrent processes never overwrite each other.
type FileLog struct {
	baseDir string
}

// NewFileLog creates a FileLog rooted at baseDir.
func NewFileLog(baseDir string) *FileLog {
	return &FileLog{baseDir: baseDir}
}

// DefaultFileLog returns a FileLog at ~/.agentflow/state.
func DefaultFileLog() (*FileLog, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return NewFileLog(filepath.Join(home, ".agentflow", "state")), nil
}

// BaseDir returns the log's root directory.
func (l *FileLog) BaseDir() string {
	return l.baseDir
}

func (l *FileLog) entityDir(entity int) string {
	return filepath.Join(l.baseDir, strconv.Itoa(entity))
}

func parseSeq(name string) (int64, bool) {
	base, ok := strings.CutSuffix(name, ".md")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(base, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// ListEntries returns the entity's entries in sequence order.
func (l *FileLog) ListEntries(ctx context.Context, entity int) ([]Entry, error) {
	dir := l.entityDir(entity)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seq, ok := parseSeq(de.Name())
		if !ok || de.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", de.Name(), err)
		}
		entries = append(entries, Entry{ID: de.Name(), Body: string(data), Order: seq})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Order < entries[j].Order })
	return entries, nil
}

func (l *FileLog) lastSeq(entity int) (int64, error) {
	dirEntries, err := os.ReadDir(l.entityDir(entity))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var max int64
	for _, de := range dirEntries {
		if seq, ok := parseSeq(de.Name()); ok && seq > max {
			max = seq
		}
	}
	return max, nil
}

// AppendEntry writes body under the next free sequence number.
func (l *FileLog) AppendEntry(ctx context.Context, entity int, body string) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		last, err := l.lastSeq(entity)
		if err != nil {
			return "", fmt.Errorf("scan entries for %d: %w", entity, err)
		}
		name := fmt.Sprintf("%06d.md", last+1)
		err = fileutil.WriteExclusive(filepath.Join(l.entityDir(entity), name), []byte(body))
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, fileutil.ErrExists) {
			return "", err
		}
		// Another writer claimed this number; rescan.
	}
}

// ListEntities returns every entity that has a log directory.
func (l *FileLog) ListEntities(ctx context.Context) ([]int, error) {
	dirEntries, err := os.ReadDir(l.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", l.baseDir, err)
	}
	var out []int
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		n, err := strconv.Atoi(de.Name())
		if err != nil {
			continue // skip non-numeric directories
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}
