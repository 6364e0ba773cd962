package persistence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aristath/swarmd/internal/scheduler"
)

// maxLineSize bounds a single task record; task logs can grow large.
const maxLineSize = 16 << 20

// GraphStore persists a task graph as JSON Lines, one task per line.
type GraphStore struct {
	path   string
	locks  *LockManager
	logger *slog.Logger
}

// NewGraphStore returns a store for the graph file at path.
func NewGraphStore(path string, locks *LockManager, logger *slog.Logger) *GraphStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphStore{path: path, locks: locks, logger: logger}
}

// Path returns the graph file location.
func (s *GraphStore) Path() string { return s.path }

// Load reads the graph without taking the lock. A missing file is an empty
// graph; a malformed line or duplicate ID returns a *CorruptError. Inverse
// edges are rebuilt in one pass after the last line.
func (s *GraphStore) Load() (*scheduler.Graph, error) {
	g := scheduler.NewGraph()
	g.SetLogger(s.logger)

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening graph: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var task scheduler.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return nil, &CorruptError{Path: s.path, Line: line, Err: err}
		}
		if err := g.Restore(&task); err != nil {
			return nil, &CorruptError{Path: s.path, Line: line, Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &CorruptError{Path: s.path, Line: line + 1, Err: err}
	}

	g.Normalize()
	return g, nil
}

// Save writes the graph atomically. Callers mutating a loaded graph should
// hold the lock, which Update does for them.
func (s *GraphStore) Save(g *scheduler.Graph) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, task := range g.Tasks() {
		if err := enc.Encode(task); err != nil {
			return fmt.Errorf("encoding task %s: %w", task.ID, err)
		}
	}
	return writeFileAtomic(s.path, buf.Bytes(), 0644)
}

// Update runs a load-modify-save cycle under the graph lock. The graph is
// saved only if fn returns nil.
func (s *GraphStore) Update(ctx context.Context, fn func(g *scheduler.Graph) error) error {
	unlock, err := s.locks.Lock(ctx, s.path)
	if err != nil {
		return err
	}
	defer unlock()

	g, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(g); err != nil {
		return err
	}
	return s.Save(g)
}
