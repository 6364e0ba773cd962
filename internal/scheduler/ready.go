package scheduler

import (
	"fmt"
	"strings"
)

// ComputeReady returns the IDs of tasks that are open, unassigned and whose
// direct blockers are all done. Only direct blocked_by lists are consulted;
// loop edges are never looked at. Order is creation time, then ID.
//
// A blocker that does not exist keeps the task blocked and is logged.
func ComputeReady(g *Graph) []string {
	var ready []string
	for _, id := range g.orderedIDs() {
		task := g.tasks[id]
		if task.Status != StatusOpen || task.Assigned != "" {
			continue
		}
		ok := true
		for _, dep := range task.BlockedBy {
			blocker, exists := g.tasks[dep]
			if !exists {
				g.log().Warn("task blocked by missing task", "task", id, "blocker", dep)
				ok = false
				break
			}
			if blocker.Status != StatusDone {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// IsReady reports the readiness predicate for a single task.
func (g *Graph) IsReady(id string) bool {
	task, ok := g.tasks[id]
	if !ok {
		return false
	}
	return task.Ready(g.lookup)
}

// Explain describes why a task is or is not ready.
func Explain(g *Graph, id string) (string, error) {
	task, ok := g.tasks[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	var reasons []string
	if task.Status != StatusOpen {
		reasons = append(reasons, fmt.Sprintf("status is %s", task.Status))
	}
	if task.Assigned != "" {
		reasons = append(reasons, fmt.Sprintf("assigned to %s", task.Assigned))
	}
	for _, dep := range task.BlockedBy {
		blocker, exists := g.tasks[dep]
		switch {
		case !exists:
			reasons = append(reasons, fmt.Sprintf("blocker %s does not exist", dep))
		case blocker.Status != StatusDone:
			reasons = append(reasons, fmt.Sprintf("blocked by %s (%s)", dep, blocker.Status))
		}
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("%s is ready", id), nil
	}
	return fmt.Sprintf("%s is not ready: %s", id, strings.Join(reasons, "; ")), nil
}
