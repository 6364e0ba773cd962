package scheduler

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusOpen       Status = "open"        // Waiting for blockers or a free agent
	StatusInProgress Status = "in-progress" // Claimed by an agent
	StatusDone       Status = "done"        // Finished successfully
	StatusFailed     Status = "failed"      // Finished with error, may be retried
	StatusAbandoned  Status = "abandoned"   // Given up, no further transitions
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusOpen, StatusInProgress, StatusDone, StatusFailed, StatusAbandoned}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusDone, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

// Terminal reports whether external mutations may no longer move the task.
// Done tasks can still be reopened by a loop edge.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusAbandoned
}

// Finished reports whether an agent has run the task to an outcome.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusFailed
}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Guard is a condition on another task's status that must hold for a loop edge to fire.
type Guard struct {
	Task   string `json:"task" yaml:"task"`
	Status Status `json:"status" yaml:"status"`
}

func (g Guard) String() string {
	return fmt.Sprintf("%s == %s", g.Task, g.Status)
}

// LoopEdge is a non-blocking back-edge. When its source task completes, the
// target is reopened at most MaxIterations times.
type LoopEdge struct {
	Target        string `json:"target" yaml:"target"`
	Guard         *Guard `json:"guard,omitempty" yaml:"guard,omitempty"`
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"`
}

// LogEntry is an auditable note attached to a task.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Message   string    `json:"message"`
}

// Task represents a unit of work in the graph.
type Task struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Status      Status `json:"status" yaml:"status,omitempty"`

	BlockedBy []string `json:"blocked_by,omitempty" yaml:"blocked_by,omitempty"` // Tasks that must be done first
	Blocks    []string `json:"blocks,omitempty" yaml:"-"`                        // Inverse of BlockedBy, derived

	Assigned string `json:"assigned,omitempty" yaml:"-"`                  // Agent currently holding the claim
	Identity string `json:"identity,omitempty" yaml:"identity,omitempty"` // Worker profile chosen for the task

	// Opaque hints passed through to the executor.
	Executor string   `json:"executor,omitempty" yaml:"executor,omitempty"`
	Model    string   `json:"model,omitempty" yaml:"model,omitempty"`
	Skills   []string `json:"skills,omitempty" yaml:"skills,omitempty"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
	StartedAt   *time.Time `json:"started_at,omitempty" yaml:"-"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"-"`

	LoopEdges     []LoopEdge `json:"loops_to,omitempty" yaml:"loops_to,omitempty"`
	LoopIteration int        `json:"loop_iteration,omitempty" yaml:"-"`

	FailureCount  int        `json:"failure_count,omitempty" yaml:"-"`
	FailureReason string     `json:"failure_reason,omitempty" yaml:"-"`
	SpawnFailures int        `json:"spawn_failures,omitempty" yaml:"-"`
	NotBefore     *time.Time `json:"not_before,omitempty" yaml:"-"` // Dispatch cooldown after spawn failures

	Log []LogEntry `json:"log,omitempty" yaml:"-"`
}

// HasTag reports whether the task carries tag.
func (t *Task) HasTag(tag string) bool {
	for _, tg := range t.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}

// IsGate reports whether the task was inserted by a gating pass.
func (t *Task) IsGate() bool {
	return t.HasTag(TagAssignment) || t.HasTag(TagEvaluation)
}

// Ready reports the readiness predicate for t alone, given a lookup for its blockers.
func (t *Task) Ready(lookup func(id string) (*Task, bool)) bool {
	if t.Status != StatusOpen || t.Assigned != "" {
		return false
	}
	for _, id := range t.BlockedBy {
		dep, ok := lookup(id)
		if !ok || dep.Status != StatusDone {
			return false
		}
	}
	return true
}

// CoolingDown reports whether dispatch of t is deferred at now.
func (t *Task) CoolingDown(now time.Time) bool {
	return t.NotBefore != nil && now.Before(*t.NotBefore)
}

func (t *Task) addLog(now time.Time, actor, msg string) {
	t.Log = append(t.Log, LogEntry{Timestamp: now, Actor: actor, Message: msg})
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	cp.BlockedBy = cloneStrings(task.BlockedBy)
	cp.Blocks = cloneStrings(task.Blocks)
	cp.Skills = cloneStrings(task.Skills)
	cp.Tags = cloneStrings(task.Tags)
	if task.LoopEdges != nil {
		cp.LoopEdges = make([]LoopEdge, len(task.LoopEdges))
		for i, e := range task.LoopEdges {
			cp.LoopEdges[i] = e
			if e.Guard != nil {
				g := *e.Guard
				cp.LoopEdges[i].Guard = &g
			}
		}
	}
	if task.Log != nil {
		cp.Log = append([]LogEntry(nil), task.Log...)
	}
	cp.StartedAt = cloneTime(task.StartedAt)
	cp.CompletedAt = cloneTime(task.CompletedAt)
	cp.NotBefore = cloneTime(task.NotBefore)
	return &cp
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
