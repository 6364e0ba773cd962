package scheduler

import (
	"fmt"
	"time"
)

// Gate task conventions.
const (
	TagAssignment = "assignment"
	TagEvaluation = "evaluation"

	AssignPrefix   = "assign-"
	EvaluatePrefix = "evaluate-"

	IdentityAssigner  = "assigner"
	IdentityEvaluator = "evaluator"
)

// EditKind identifies a graph edit produced by a gating pass.
type EditKind string

const (
	EditAddTask       EditKind = "add-task"
	EditAddDependency EditKind = "add-dependency"
)

// Edit is a single change to apply to a graph.
type Edit struct {
	Kind      EditKind
	Task      *Task  // EditAddTask
	TaskID    string // EditAddDependency: the blocked task
	BlockerID string // EditAddDependency: the blocker
}

// GateOptions configures the tasks inserted by gating passes.
type GateOptions struct {
	Executor string
	Now      time.Time
}

// AssignmentGates returns the edits that put an assign-<id> task in front of
// every ready task that has no worker identity yet. Tasks that already have
// a gate, and gate tasks themselves, are skipped, so running the pass on its
// own output yields no edits.
func AssignmentGates(g *Graph, ready []string, opts GateOptions) []Edit {
	var edits []Edit
	for _, id := range ready {
		task, ok := g.tasks[id]
		if !ok || task.Identity != "" || task.IsGate() {
			continue
		}
		gateID := AssignPrefix + id
		if g.Has(gateID) {
			continue
		}
		edits = append(edits,
			Edit{Kind: EditAddTask, Task: &Task{
				ID:          gateID,
				Title:       fmt.Sprintf("Assign agent for: %s", task.Title),
				Description: fmt.Sprintf("Choose a worker identity for task %s and record it before work starts.", id),
				Status:      StatusOpen,
				Identity:    IdentityAssigner,
				Executor:    opts.Executor,
				Tags:        []string{TagAssignment},
				CreatedAt:   opts.Now,
			}},
			Edit{Kind: EditAddDependency, TaskID: id, BlockerID: gateID},
		)
	}
	return edits
}

// EvaluationGates returns the edits that add an evaluate-<id> task, blocked by
// the task it evaluates, for every done task that has not been evaluated yet.
func EvaluationGates(g *Graph, opts GateOptions) []Edit {
	var edits []Edit
	for _, id := range g.orderedIDs() {
		task := g.tasks[id]
		if task.Status != StatusDone || task.IsGate() {
			continue
		}
		gateID := EvaluatePrefix + id
		if g.Has(gateID) {
			continue
		}
		edits = append(edits, Edit{Kind: EditAddTask, Task: &Task{
			ID:          gateID,
			Title:       fmt.Sprintf("Evaluate: %s", task.Title),
			Description: fmt.Sprintf("Score the outcome of task %s.", id),
			Status:      StatusOpen,
			BlockedBy:   []string{id},
			Identity:    IdentityEvaluator,
			Executor:    opts.Executor,
			Tags:        []string{TagEvaluation},
			CreatedAt:   opts.Now,
		}})
	}
	return edits
}

// Apply applies edits in order and returns the IDs of inserted tasks.
func (g *Graph) Apply(edits []Edit) ([]string, error) {
	var added []string
	for _, e := range edits {
		switch e.Kind {
		case EditAddTask:
			if err := g.AddTask(e.Task); err != nil {
				return added, err
			}
			added = append(added, e.Task.ID)
		case EditAddDependency:
			if err := g.AddDependency(e.TaskID, e.BlockerID); err != nil {
				return added, err
			}
		default:
			return added, fmt.Errorf("unknown edit kind %q", e.Kind)
		}
	}
	return added, nil
}
