package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var (
	// ErrTaskNotFound is returned when an operation references an unknown task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrCycle is returned when blocking edges would form a cycle.
	ErrCycle = errors.New("blocking edges contain a cycle")
)

// Graph holds tasks and their blocking and loop edges.
// It is plain data: callers load it, mutate it inside their own critical
// section, and save it. It is not safe for concurrent use.
type Graph struct {
	tasks  map[string]*Task
	logger *slog.Logger
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{tasks: make(map[string]*Task)}
}

// SetLogger sets the logger used to report dangling references.
func (g *Graph) SetLogger(l *slog.Logger) {
	g.logger = l
}

func (g *Graph) log() *slog.Logger {
	if g.logger == nil {
		return slog.Default()
	}
	return g.logger
}

// AddTask adds a task to the graph. Returns error if the ID already exists or
// a loop edge is malformed. Blockers that do not exist yet are kept; readiness
// treats them as unsatisfied.
func (g *Graph) AddTask(task *Task) error {
	cp, err := g.insert(task)
	if err != nil {
		return err
	}

	// Maintain the inverse edges in both directions so load order does not matter.
	for _, dep := range cp.BlockedBy {
		if blocker, ok := g.tasks[dep]; ok {
			blocker.Blocks = insertSorted(blocker.Blocks, cp.ID)
		}
	}
	for _, other := range g.tasks {
		if other.ID != cp.ID && contains(other.BlockedBy, cp.ID) {
			cp.Blocks = insertSorted(cp.Blocks, other.ID)
		}
	}
	return nil
}

// Restore adds a task read back from storage. It checks the task like AddTask
// but leaves Blocks empty; call Normalize once every task is in.
func (g *Graph) Restore(task *Task) error {
	_, err := g.insert(task)
	return err
}

func (g *Graph) insert(task *Task) (*Task, error) {
	if task == nil || task.ID == "" {
		return nil, errors.New("task ID is required")
	}
	if _, exists := g.tasks[task.ID]; exists {
		return nil, fmt.Errorf("task with ID %q already exists", task.ID)
	}
	if task.Status == "" {
		task.Status = StatusOpen
	}
	if !task.Status.Valid() {
		return nil, fmt.Errorf("task %q: unknown status %q", task.ID, task.Status)
	}
	for _, e := range task.LoopEdges {
		if err := validateLoopEdge(e); err != nil {
			return nil, fmt.Errorf("task %q: %w", task.ID, err)
		}
	}

	cp := cloneTask(task)
	cp.BlockedBy = dedupe(cp.BlockedBy)
	cp.Blocks = nil
	g.tasks[cp.ID] = cp
	return cp, nil
}

// Get returns a copy of the task with the given ID.
func (g *Graph) Get(id string) (*Task, bool) {
	task, ok := g.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(task), true
}

// Has reports whether the task exists.
func (g *Graph) Has(id string) bool {
	_, ok := g.tasks[id]
	return ok
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Tasks returns copies of all tasks, oldest first, ties broken by ID.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.tasks))
	for _, id := range g.orderedIDs() {
		out = append(out, cloneTask(g.tasks[id]))
	}
	return out
}

// Claims maps every in-progress task to the agent holding it.
func (g *Graph) Claims() map[string]string {
	out := make(map[string]string)
	for id, task := range g.tasks {
		if task.Status == StatusInProgress {
			out[id] = task.Assigned
		}
	}
	return out
}

// CountByStatus returns the number of tasks in each status.
func (g *Graph) CountByStatus() map[Status]int {
	counts := make(map[Status]int, len(AllStatuses))
	for _, task := range g.tasks {
		counts[task.Status]++
	}
	return counts
}

// Update applies fn to the live task. fn must not change ID or edges; use the
// dedicated methods for those.
func (g *Graph) Update(id string, fn func(t *Task)) error {
	task, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	blockedBy := cloneStrings(task.BlockedBy)
	blocks := cloneStrings(task.Blocks)
	loops := task.LoopEdges
	fn(task)
	task.ID = id
	task.BlockedBy = blockedBy
	task.Blocks = blocks
	task.LoopEdges = loops
	return nil
}

// Remove deletes a task and every blocking edge or loop edge that points at it.
// Guards that reference it are left in place and evaluate as unsatisfied.
func (g *Graph) Remove(id string) error {
	task, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	for _, dep := range task.BlockedBy {
		if blocker, ok := g.tasks[dep]; ok {
			blocker.Blocks = remove(blocker.Blocks, id)
		}
	}
	for _, child := range task.Blocks {
		if dependent, ok := g.tasks[child]; ok {
			dependent.BlockedBy = remove(dependent.BlockedBy, id)
		}
	}
	delete(g.tasks, id)
	for _, other := range g.tasks {
		kept := other.LoopEdges[:0]
		for _, e := range other.LoopEdges {
			if e.Target != id {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			other.LoopEdges = nil
		} else {
			other.LoopEdges = kept
		}
	}
	return nil
}

// AddDependency records that taskID is blocked by blockerID.
// Returns ErrCycle if the edge would close a cycle among blocking edges.
func (g *Graph) AddDependency(taskID, blockerID string) error {
	task, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	blocker, ok := g.tasks[blockerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, blockerID)
	}
	if taskID == blockerID {
		return fmt.Errorf("%w: %s cannot block itself", ErrCycle, taskID)
	}
	if contains(task.BlockedBy, blockerID) {
		return nil
	}

	task.BlockedBy = append(task.BlockedBy, blockerID)
	blocker.Blocks = insertSorted(blocker.Blocks, taskID)

	if _, err := g.Validate(); err != nil && errors.Is(err, ErrCycle) {
		task.BlockedBy = remove(task.BlockedBy, blockerID)
		blocker.Blocks = remove(blocker.Blocks, taskID)
		return fmt.Errorf("adding %s -> %s: %w", blockerID, taskID, ErrCycle)
	}
	return nil
}

// RemoveDependency deletes the blocking edge blockerID -> taskID.
func (g *Graph) RemoveDependency(taskID, blockerID string) error {
	task, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.BlockedBy = remove(task.BlockedBy, blockerID)
	if blocker, ok := g.tasks[blockerID]; ok {
		blocker.Blocks = remove(blocker.Blocks, taskID)
	}
	return nil
}

// AddLoopEdge attaches a loop edge to sourceID. Loop edges are never part of
// the blocking graph, so they cannot introduce a cycle there.
func (g *Graph) AddLoopEdge(sourceID string, edge LoopEdge) error {
	source, ok := g.tasks[sourceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, sourceID)
	}
	if err := validateLoopEdge(edge); err != nil {
		return err
	}
	if !g.Has(edge.Target) {
		return fmt.Errorf("loop target: %w: %s", ErrTaskNotFound, edge.Target)
	}
	if edge.Guard != nil && !g.Has(edge.Guard.Task) {
		return fmt.Errorf("loop guard: %w: %s", ErrTaskNotFound, edge.Guard.Task)
	}
	for i, e := range source.LoopEdges {
		if e.Target == edge.Target {
			source.LoopEdges[i] = edge
			return nil
		}
	}
	source.LoopEdges = append(source.LoopEdges, edge)
	return nil
}

// Normalize rebuilds every Blocks list from BlockedBy. Stores call it after
// loading so the inverse edges never drift from the forward ones.
func (g *Graph) Normalize() {
	for _, task := range g.tasks {
		task.BlockedBy = dedupe(task.BlockedBy)
		task.Blocks = nil
	}
	for id, task := range g.tasks {
		for _, dep := range task.BlockedBy {
			if blocker, ok := g.tasks[dep]; ok {
				blocker.Blocks = append(blocker.Blocks, id)
			}
		}
	}
	for _, task := range g.tasks {
		sort.Strings(task.Blocks)
	}
}

func (g *Graph) lookup(id string) (*Task, bool) {
	task, ok := g.tasks[id]
	return task, ok
}

// orderedIDs returns task IDs ordered by creation time, then ID.
func (g *Graph) orderedIDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.tasks[ids[i]], g.tasks[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ids
}

func validateLoopEdge(e LoopEdge) error {
	if e.Target == "" {
		return errors.New("loop edge requires a target")
	}
	if e.MaxIterations < 1 {
		return fmt.Errorf("loop edge to %q requires max_iterations >= 1", e.Target)
	}
	if e.Guard != nil {
		if e.Guard.Task == "" {
			return fmt.Errorf("loop edge to %q has a guard without a task", e.Target)
		}
		if !e.Guard.Status.Valid() {
			return fmt.Errorf("loop edge to %q has a guard with unknown status %q", e.Target, e.Guard.Status)
		}
	}
	return nil
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func insertSorted(list []string, id string) []string {
	i := sort.SearchStrings(list, id)
	if i < len(list) && list[i] == id {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = id
	return list
}

func dedupe(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
