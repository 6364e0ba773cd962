package persistence

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/aristath/swarmd/internal/scheduler"
)

// State file names inside the swarm directory.
const (
	GraphFile    = "graph.jsonl"
	RegistryFile = "agents.json"
	JournalFile  = "journal.db"
)

// Stores bundles the graph and registry stores of one swarm directory with
// the lock manager they share.
type Stores struct {
	Graph    *GraphStore
	Registry *RegistryStore
	Locks    *LockManager
}

// Open returns the stores for the swarm directory dir.
func Open(dir string, logger *slog.Logger) *Stores {
	locks := NewLockManager()
	return &Stores{
		Graph:    NewGraphStore(filepath.Join(dir, GraphFile), locks, logger),
		Registry: NewRegistryStore(filepath.Join(dir, RegistryFile), locks),
		Locks:    locks,
	}
}

// Update locks the graph and the registry together, loads both, runs fn and
// saves both if fn returns nil. Use it for changes that must keep task claims
// and agent records consistent with each other.
func (s *Stores) Update(ctx context.Context, fn func(g *scheduler.Graph, reg *AgentRegistry) error) error {
	unlock, err := s.Locks.LockAll(ctx, []string{s.Graph.Path(), s.Registry.Path()})
	if err != nil {
		return err
	}
	defer unlock()

	g, err := s.Graph.Load()
	if err != nil {
		return err
	}
	reg, err := s.Registry.Load()
	if err != nil {
		return err
	}
	if err := fn(g, reg); err != nil {
		return err
	}
	// Registry first: a working record without a claim is marked dead by the
	// next cleanup, and a claim held by a finished agent is released by it.
	if err := s.Registry.Save(reg); err != nil {
		return err
	}
	return s.Graph.Save(g)
}

// Snapshot loads both files without locking, for read-only consumers that
// tolerate brief staleness.
func (s *Stores) Snapshot() (*scheduler.Graph, *AgentRegistry, error) {
	g, err := s.Graph.Load()
	if err != nil {
		return nil, nil, err
	}
	reg, err := s.Registry.Load()
	if err != nil {
		return nil, nil, err
	}
	return g, reg, nil
}
