package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AgentStatus is the lifecycle state of a spawned worker.
type AgentStatus string

const (
	AgentWorking AgentStatus = "working"
	AgentDead    AgentStatus = "dead"    // Process gone; task reclaimed if still held
	AgentDone    AgentStatus = "done"    // Worker reported completion
	AgentFailed  AgentStatus = "failed"  // Worker reported failure
	AgentStopped AgentStatus = "stopped" // Killed on request
)

// ErrAgentNotFound is returned for unknown agent IDs.
var ErrAgentNotFound = errors.New("agent not found")

// AgentRecord is the durable record of one spawned worker.
type AgentRecord struct {
	ID            string      `json:"id"`
	PID           int         `json:"pid"`
	TaskID        string      `json:"task_id"`
	Executor      string      `json:"executor,omitempty"`
	Status        AgentStatus `json:"status"`
	StartedAt     time.Time   `json:"started_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	EndedAt       *time.Time  `json:"ended_at,omitempty"`
	OutputFile    string      `json:"output_file,omitempty"`
	Note          string      `json:"note,omitempty"`
}

// AgentRegistry is the in-memory form of the registry document.
type AgentRegistry struct {
	NextAgentID int            `json:"next_agent_id"`
	Agents      []*AgentRecord `json:"agents"`
}

// NewAgentRegistry returns an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{NextAgentID: 1, Agents: []*AgentRecord{}}
}

// NextID reserves and returns the next unused "agent-N" identifier.
func (r *AgentRegistry) NextID() string {
	if r.NextAgentID < 1 {
		r.NextAgentID = 1
	}
	for {
		id := "agent-" + strconv.Itoa(r.NextAgentID)
		r.NextAgentID++
		if _, ok := r.Get(id); !ok {
			return id
		}
	}
}

// Register records a freshly spawned worker as working.
func (r *AgentRegistry) Register(id string, pid int, taskID, executor, outputFile string, now time.Time) (*AgentRecord, error) {
	if _, ok := r.Get(id); ok {
		return nil, fmt.Errorf("agent %s already registered", id)
	}
	rec := &AgentRecord{
		ID:            id,
		PID:           pid,
		TaskID:        taskID,
		Executor:      executor,
		Status:        AgentWorking,
		StartedAt:     now,
		LastHeartbeat: now,
		OutputFile:    outputFile,
	}
	r.Agents = append(r.Agents, rec)
	return rec, nil
}

// Get returns the live record for id.
func (r *AgentRegistry) Get(id string) (*AgentRecord, bool) {
	for _, a := range r.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// SetStatus moves a working agent to a final status. Records that already
// left the working state keep their first final status.
func (r *AgentRegistry) SetStatus(id string, status AgentStatus, note string, now time.Time) error {
	a, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if a.Status != AgentWorking {
		return nil
	}
	a.Status = status
	a.EndedAt = &now
	if note != "" {
		a.Note = note
	}
	return nil
}

// MarkDead records that the agent's process is gone.
func (r *AgentRegistry) MarkDead(id, note string, now time.Time) error {
	return r.SetStatus(id, AgentDead, note, now)
}

// Heartbeat refreshes the agent's liveness timestamp.
func (r *AgentRegistry) Heartbeat(id string, now time.Time) error {
	a, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if a.Status != AgentWorking {
		return fmt.Errorf("agent %s is %s", id, a.Status)
	}
	a.LastHeartbeat = now
	return nil
}

// Working returns the agents currently marked working.
func (r *AgentRegistry) Working() []*AgentRecord {
	return r.List(AgentWorking)
}

// WorkingOn returns the working agent holding taskID, if any.
func (r *AgentRegistry) WorkingOn(taskID string) (*AgentRecord, bool) {
	for _, a := range r.Agents {
		if a.Status == AgentWorking && a.TaskID == taskID {
			return a, true
		}
	}
	return nil, false
}

// List returns agents with the given status, or all agents if status is
// empty, ordered by start time.
func (r *AgentRegistry) List(status AgentStatus) []*AgentRecord {
	var out []*AgentRecord
	for _, a := range r.Agents {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// PruneDead drops every record that is no longer working and returns the
// removed IDs. The ID counter is kept so IDs are never reused.
func (r *AgentRegistry) PruneDead() []string {
	var pruned []string
	kept := r.Agents[:0]
	for _, a := range r.Agents {
		if a.Status == AgentWorking {
			kept = append(kept, a)
		} else {
			pruned = append(pruned, a.ID)
		}
	}
	r.Agents = kept
	return pruned
}

// CountByStatus returns the number of agents per status.
func (r *AgentRegistry) CountByStatus() map[AgentStatus]int {
	counts := make(map[AgentStatus]int)
	for _, a := range r.Agents {
		counts[a.Status]++
	}
	return counts
}

// RegistryStore persists the agent registry as one JSON document.
type RegistryStore struct {
	path  string
	locks *LockManager
}

// NewRegistryStore returns a store for the registry file at path.
func NewRegistryStore(path string, locks *LockManager) *RegistryStore {
	return &RegistryStore{path: path, locks: locks}
}

// Path returns the registry file location.
func (s *RegistryStore) Path() string { return s.path }

// Load reads the registry without taking the lock. A missing file is an
// empty registry; anything unparsable returns a *CorruptError.
func (s *RegistryStore) Load() (*AgentRegistry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewAgentRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	reg := NewAgentRegistry()
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, &CorruptError{Path: s.path, Line: errorLine(data, err), Err: err}
	}
	for i, a := range reg.Agents {
		if a == nil || a.ID == "" {
			return nil, &CorruptError{Path: s.path, Err: fmt.Errorf("agent #%d has no id", i)}
		}
	}
	if reg.Agents == nil {
		reg.Agents = []*AgentRecord{}
	}
	return reg, nil
}

// Save writes the registry atomically.
func (s *RegistryStore) Save(reg *AgentRegistry) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	return writeFileAtomic(s.path, append(data, '\n'), 0644)
}

// Update runs a load-modify-save cycle under the registry lock. The registry
// is saved only if fn returns nil.
func (s *RegistryStore) Update(ctx context.Context, fn func(reg *AgentRegistry) error) error {
	unlock, err := s.locks.Lock(ctx, s.path)
	if err != nil {
		return err
	}
	defer unlock()

	reg, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(reg); err != nil {
		return err
	}
	return s.Save(reg)
}

// errorLine maps a JSON decode error to a 1-based line number when the error
// carries an offset.
func errorLine(data []byte, err error) int {
	var offset int64
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
	default:
		return 0
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return strings.Count(string(data[:offset]), "\n") + 1
}
