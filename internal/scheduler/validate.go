package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// Validate runs a topological sort over blocking edges using gammazero/toposort.
// Returns ordered task IDs or an error wrapping ErrCycle.
// Loop edges are deliberately not included: they are allowed to point backwards.
// Blockers that do not exist are skipped here and reported by Check.
func (g *Graph) Validate() ([]string, error) {
	ids := g.orderedIDs()

	var edges []toposort.Edge
	for _, taskID := range ids {
		task := g.tasks[taskID]
		// Every task gets an edge from nil so isolated tasks are included.
		edges = append(edges, toposort.Edge{nil, taskID})
		for _, depID := range task.BlockedBy {
			if _, exists := g.tasks[depID]; !exists {
				continue
			}
			// Edge (depID, taskID) means depID must come before taskID
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(g.tasks)-len(order))
	}
	return order, nil
}

// Problem is a consistency issue found by Check.
type Problem struct {
	TaskID  string
	Message string
}

func (p Problem) String() string {
	return p.TaskID + ": " + p.Message
}

// Check reports inconsistencies that the engine tolerates at runtime but that
// an operator should fix: dangling references, claims on tasks that are not in
// progress, loop counters beyond their bound, and blocking cycles.
func (g *Graph) Check() []Problem {
	var problems []Problem
	add := func(id, format string, args ...any) {
		problems = append(problems, Problem{TaskID: id, Message: fmt.Sprintf(format, args...)})
	}

	for _, id := range g.orderedIDs() {
		task := g.tasks[id]
		for _, dep := range task.BlockedBy {
			if !g.Has(dep) {
				add(id, "blocked by missing task %q", dep)
			}
		}
		for _, e := range task.LoopEdges {
			if !g.Has(e.Target) {
				add(id, "loop edge targets missing task %q", e.Target)
			} else if target := g.tasks[e.Target]; target.LoopIteration > e.MaxIterations {
				add(id, "loop target %q at iteration %d exceeds max %d", e.Target, target.LoopIteration, e.MaxIterations)
			}
			if e.Guard != nil && !g.Has(e.Guard.Task) {
				add(id, "loop guard references missing task %q", e.Guard.Task)
			}
			if err := validateLoopEdge(e); err != nil {
				add(id, "%v", err)
			}
		}
		if task.Assigned != "" && task.Status != StatusInProgress {
			add(id, "assigned to %s but status is %s", task.Assigned, task.Status)
		}
		if task.Status == StatusInProgress && task.Assigned == "" {
			add(id, "in progress without an assigned agent")
		}
	}

	if _, err := g.Validate(); err != nil {
		add("", "%v", err)
	}
	return problems
}

// CriticalPath returns the longest chain of unfinished tasks along blocking
// edges, first task first. Done and abandoned tasks do not count.
func (g *Graph) CriticalPath() ([]string, error) {
	order, err := g.Validate()
	if err != nil {
		return nil, err
	}

	length := make(map[string]int, len(order))
	prev := make(map[string]string, len(order))
	for _, id := range order {
		task := g.tasks[id]
		if task.Status.Terminal() {
			continue
		}
		best, bestPrev := 0, ""
		deps := cloneStrings(task.BlockedBy)
		sort.Strings(deps)
		for _, dep := range deps {
			if l, ok := length[dep]; ok && l > best {
				best, bestPrev = l, dep
			}
		}
		length[id] = best + 1
		if bestPrev != "" {
			prev[id] = bestPrev
		}
	}

	end, endLen := "", 0
	for _, id := range order {
		if l, ok := length[id]; ok && (l > endLen || (l == endLen && id < end)) {
			end, endLen = id, l
		}
	}
	if end == "" {
		return nil, nil
	}

	path := []string{end}
	for cur := end; prev[cur] != ""; cur = prev[cur] {
		path = append(path, prev[cur])
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// FormatProblems renders problems one per line.
func FormatProblems(problems []Problem) string {
	lines := make([]string, len(problems))
	for i, p := range problems {
		lines[i] = p.String()
	}
	return strings.Join(lines, "\n")
}
