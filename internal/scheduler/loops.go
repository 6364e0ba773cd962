package scheduler

import (
	"fmt"
	"time"
)

// LoopFiring records one loop edge that reopened its target.
type LoopFiring struct {
	Source        string
	Target        string
	Iteration     int      // Target's loop_iteration after firing
	MaxIterations int      // Bound carried by the edge
	Reopened      []string // Loop body tasks reopened along with the target
}

// FireLoops evaluates the loop edges of sourceID, which has just become done.
//
// For each edge, the guard (if any) is checked against the current graph and
// the target's iteration counter against the edge bound. A firing edge reopens
// the target, clears its timestamps, increments its loop_iteration and logs
// the new count. When the source depends on the target, done tasks on blocking
// paths from the target to the source (the loop body, source included) are
// reopened so the cycle can run again.
//
// Nothing else is touched: dependents of reopened tasks drop out of the ready
// set because their blockers are no longer done.
func (g *Graph) FireLoops(sourceID string, now time.Time) []LoopFiring {
	source, ok := g.tasks[sourceID]
	if !ok {
		g.log().Warn("loop source missing", "task", sourceID)
		return nil
	}

	var fired []LoopFiring
	for _, edge := range source.LoopEdges {
		if edge.Guard != nil && !g.guardSatisfied(sourceID, *edge.Guard) {
			continue
		}
		target, ok := g.tasks[edge.Target]
		if !ok {
			g.log().Warn("loop edge targets missing task", "source", sourceID, "target", edge.Target)
			continue
		}
		if target.LoopIteration >= edge.MaxIterations {
			g.log().Info("loop edge exhausted", "source", sourceID, "target", edge.Target,
				"iteration", target.LoopIteration, "max_iterations", edge.MaxIterations)
			continue
		}
		if !target.Status.Finished() {
			// Open or in-progress targets are already going to run; abandoned ones never do.
			g.log().Info("loop target not finished, skipping", "source", sourceID, "target", edge.Target, "status", target.Status)
			continue
		}

		body := g.loopBody(edge.Target, sourceID)

		target.Status = StatusOpen
		target.Assigned = ""
		target.StartedAt = nil
		target.CompletedAt = nil
		target.LoopIteration++
		target.addLog(now, "coordinator", fmt.Sprintf("Loop iteration %d/%d (from %s)",
			target.LoopIteration, edge.MaxIterations, sourceID))

		firing := LoopFiring{
			Source:        sourceID,
			Target:        edge.Target,
			Iteration:     target.LoopIteration,
			MaxIterations: edge.MaxIterations,
		}
		for _, id := range body {
			task := g.tasks[id]
			if task.Status != StatusDone {
				continue
			}
			task.Status = StatusOpen
			task.Assigned = ""
			task.StartedAt = nil
			task.CompletedAt = nil
			task.addLog(now, "coordinator", fmt.Sprintf("Reopened by loop %s -> %s (iteration %d)",
				sourceID, edge.Target, target.LoopIteration))
			firing.Reopened = append(firing.Reopened, id)
		}
		fired = append(fired, firing)
	}
	return fired
}

func (g *Graph) guardSatisfied(sourceID string, guard Guard) bool {
	task, ok := g.tasks[guard.Task]
	if !ok {
		g.log().Warn("loop guard references missing task", "source", sourceID, "guard", guard.String())
		return false
	}
	return task.Status == guard.Status
}

// loopBody returns the tasks downstream of target and upstream of source along
// blocking edges, plus source itself, excluding target. Ordered by graph order.
// Empty when the source does not depend on the target.
func (g *Graph) loopBody(targetID, sourceID string) []string {
	if targetID == sourceID {
		return nil
	}
	down := g.reach(targetID, func(t *Task) []string { return t.Blocks })
	if !down[sourceID] {
		return nil
	}
	up := g.reach(sourceID, func(t *Task) []string { return t.BlockedBy })

	var body []string
	for _, id := range g.orderedIDs() {
		if id == targetID {
			continue
		}
		if id == sourceID || (down[id] && up[id]) {
			body = append(body, id)
		}
	}
	return body
}

// reach walks blocking edges from start (exclusive) using next.
func (g *Graph) reach(start string, next func(*Task) []string) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		task, ok := g.tasks[id]
		if !ok {
			continue
		}
		for _, n := range next(task) {
			if !seen[n] {
				seen[n] = true
				stack = append(stack, n)
			}
		}
	}
	return seen
}
