package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyAssigned is returned when claiming a task another agent holds.
	ErrAlreadyAssigned = errors.New("task already assigned")
)

// transitions lists the status changes external mutations may request.
// Done -> Open is absent on purpose: only FireLoops reopens a done task.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusAbandoned},
	StatusInProgress: {StatusDone, StatusFailed, StatusOpen, StatusAbandoned},
	StatusFailed:     {StatusOpen, StatusAbandoned},
}

// CanTransition reports whether from -> to is a legal external transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (g *Graph) transition(id string, to Status) (*Task, error) {
	task, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !CanTransition(task.Status, to) {
		return nil, fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, id, task.Status, to)
	}
	return task, nil
}

// Claim moves an open, unassigned task to in-progress under agent.
func (g *Graph) Claim(id, agent string, now time.Time) error {
	if agent == "" {
		return errors.New("claim requires an agent")
	}
	if task, ok := g.tasks[id]; ok && task.Assigned != "" {
		return fmt.Errorf("%w: %s is held by %s", ErrAlreadyAssigned, id, task.Assigned)
	}
	task, err := g.transition(id, StatusInProgress)
	if err != nil {
		return err
	}
	task.Status = StatusInProgress
	task.Assigned = agent
	task.StartedAt = &now
	task.CompletedAt = nil
	task.SpawnFailures = 0
	task.NotBefore = nil
	task.addLog(now, agent, "Claimed")
	return nil
}

// Unclaim returns an in-progress task to open and clears its assignment.
// Reclaiming the task of a dead agent goes through here as well.
func (g *Graph) Unclaim(id, actor, reason string, now time.Time) error {
	task, err := g.transition(id, StatusOpen)
	if err != nil {
		return err
	}
	prev := task.Assigned
	task.Status = StatusOpen
	task.Assigned = ""
	task.StartedAt = nil
	msg := "Unclaimed"
	if prev != "" {
		msg = fmt.Sprintf("Unclaimed from %s", prev)
	}
	if reason != "" {
		msg += ": " + reason
	}
	task.addLog(now, actor, msg)
	return nil
}

// Complete marks an in-progress task done and fires its loop edges.
func (g *Graph) Complete(id, actor string, now time.Time) ([]LoopFiring, error) {
	task, err := g.transition(id, StatusDone)
	if err != nil {
		return nil, err
	}
	task.Status = StatusDone
	task.Assigned = ""
	task.CompletedAt = &now
	task.FailureReason = ""
	task.SpawnFailures = 0
	task.NotBefore = nil
	task.addLog(now, actor, "Done")
	return g.FireLoops(id, now), nil
}

// Fail marks an in-progress task failed and bumps its failure counter.
func (g *Graph) Fail(id, actor, reason string, now time.Time) error {
	task, err := g.transition(id, StatusFailed)
	if err != nil {
		return err
	}
	task.Status = StatusFailed
	task.Assigned = ""
	task.CompletedAt = &now
	task.FailureCount++
	task.FailureReason = reason
	msg := "Failed"
	if reason != "" {
		msg += ": " + reason
	}
	task.addLog(now, actor, msg)
	return nil
}

// Retry reopens a failed task.
func (g *Graph) Retry(id, actor string, now time.Time) error {
	task, err := g.transition(id, StatusOpen)
	if err != nil {
		return err
	}
	if task.Status != StatusFailed {
		return fmt.Errorf("%w: %s is %s, only failed tasks can be retried", ErrInvalidTransition, id, task.Status)
	}
	task.Status = StatusOpen
	task.StartedAt = nil
	task.CompletedAt = nil
	task.FailureReason = ""
	task.addLog(now, actor, fmt.Sprintf("Retry (attempt %d)", task.FailureCount+1))
	return nil
}

// Abandon moves any non-terminal task to abandoned.
func (g *Graph) Abandon(id, actor, reason string, now time.Time) error {
	task, err := g.transition(id, StatusAbandoned)
	if err != nil {
		return err
	}
	task.Status = StatusAbandoned
	task.Assigned = ""
	task.CompletedAt = &now
	msg := "Abandoned"
	if reason != "" {
		msg += ": " + reason
	}
	task.addLog(now, actor, msg)
	return nil
}

// RecordSpawnFailure notes a failed attempt to start a worker for id and
// defers the next attempt until notBefore. The task stays open.
func (g *Graph) RecordSpawnFailure(id string, reason string, notBefore, now time.Time) (int, error) {
	task, ok := g.tasks[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	task.SpawnFailures++
	task.NotBefore = &notBefore
	task.addLog(now, "coordinator", fmt.Sprintf("Spawn failed (%d consecutive), next attempt after %s: %s",
		task.SpawnFailures, notBefore.UTC().Format(time.RFC3339), reason))
	return task.SpawnFailures, nil
}

// AppendLog adds an audit entry to a task.
func (g *Graph) AppendLog(id, actor, msg string, now time.Time) error {
	task, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	task.addLog(now, actor, msg)
	return nil
}
