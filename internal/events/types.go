package events

import (
	"fmt"
	"strings"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
	AgentID() string
	Summary() string
}

// Topic constants
const (
	TopicTask        = "task"
	TopicAgent       = "agent"
	TopicLoop        = "loop"
	TopicCoordinator = "coordinator"
)

// Event type constants. The part before the dot is the topic.
const (
	EventTypeTaskDispatched  = "task.dispatched"
	EventTypeTaskReclaimed   = "task.reclaimed"
	EventTypeTaskSpawnFailed = "task.spawn_failed"
	EventTypeTaskGated       = "task.gated"
	EventTypeAgentDied       = "agent.died"
	EventTypeAgentKilled     = "agent.killed"
	EventTypeLoopFired       = "loop.fired"
	EventTypeTickCompleted   = "coordinator.tick"
	EventTypeStateChanged    = "coordinator.state"
)

// TopicOf returns the topic an event is published on.
func TopicOf(e Event) string {
	t := e.EventType()
	if i := strings.IndexByte(t, '.'); i > 0 {
		return t[:i]
	}
	return t
}

// TaskDispatchedEvent is published when a worker was spawned and the task claimed for it.
type TaskDispatchedEvent struct {
	Task      string
	Agent     string
	PID       int
	Executor  string
	Timestamp time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) TaskID() string    { return e.Task }
func (e TaskDispatchedEvent) AgentID() string   { return e.Agent }
func (e TaskDispatchedEvent) Summary() string {
	return fmt.Sprintf("dispatched to %s (pid %d, executor %s)", e.Agent, e.PID, e.Executor)
}

// TaskReclaimedEvent is published when a task is returned to open because its
// agent died or was killed.
type TaskReclaimedEvent struct {
	Task      string
	Agent     string
	Reason    string
	Timestamp time.Time
}

func (e TaskReclaimedEvent) EventType() string { return EventTypeTaskReclaimed }
func (e TaskReclaimedEvent) TaskID() string    { return e.Task }
func (e TaskReclaimedEvent) AgentID() string   { return e.Agent }
func (e TaskReclaimedEvent) Summary() string {
	return fmt.Sprintf("reclaimed from %s: %s", e.Agent, e.Reason)
}

// TaskSpawnFailedEvent is published when starting a worker for a task failed.
// The task stays open and is deferred until NotBefore.
type TaskSpawnFailedEvent struct {
	Task      string
	Executor  string
	Err       error
	Failures  int
	NotBefore time.Time
	Timestamp time.Time
}

func (e TaskSpawnFailedEvent) EventType() string { return EventTypeTaskSpawnFailed }
func (e TaskSpawnFailedEvent) TaskID() string    { return e.Task }
func (e TaskSpawnFailedEvent) AgentID() string   { return "" }
func (e TaskSpawnFailedEvent) Summary() string {
	return fmt.Sprintf("spawn via %s failed (%d consecutive), retry after %s: %v",
		e.Executor, e.Failures, e.NotBefore.Format(time.RFC3339), e.Err)
}

// TaskGatedEvent is published when a gating pass inserts an assignment or
// evaluation task.
type TaskGatedEvent struct {
	Gate      string
	Kind      string // "assignment" or "evaluation"
	Timestamp time.Time
}

func (e TaskGatedEvent) EventType() string { return EventTypeTaskGated }
func (e TaskGatedEvent) TaskID() string    { return e.Gate }
func (e TaskGatedEvent) AgentID() string   { return "" }
func (e TaskGatedEvent) Summary() string   { return e.Kind + " gate inserted" }

// AgentDiedEvent is published when cleanup finds an agent's process gone.
type AgentDiedEvent struct {
	Agent     string
	Task      string
	PID       int
	Reason    string
	Timestamp time.Time
}

func (e AgentDiedEvent) EventType() string { return EventTypeAgentDied }
func (e AgentDiedEvent) TaskID() string    { return e.Task }
func (e AgentDiedEvent) AgentID() string   { return e.Agent }
func (e AgentDiedEvent) Summary() string {
	return fmt.Sprintf("pid %d: %s", e.PID, e.Reason)
}

// AgentKilledEvent is published when an agent is stopped on request.
type AgentKilledEvent struct {
	Agent     string
	Task      string
	Forced    bool
	Timestamp time.Time
}

func (e AgentKilledEvent) EventType() string { return EventTypeAgentKilled }
func (e AgentKilledEvent) TaskID() string    { return e.Task }
func (e AgentKilledEvent) AgentID() string   { return e.Agent }
func (e AgentKilledEvent) Summary() string {
	if e.Forced {
		return "killed (forced)"
	}
	return "killed"
}

// LoopFiredEvent is published when a loop edge reopens its target.
type LoopFiredEvent struct {
	Source        string
	Target        string
	Iteration     int
	MaxIterations int
	Reopened      []string
	Timestamp     time.Time
}

func (e LoopFiredEvent) EventType() string { return EventTypeLoopFired }
func (e LoopFiredEvent) TaskID() string    { return e.Target }
func (e LoopFiredEvent) AgentID() string   { return "" }
func (e LoopFiredEvent) Summary() string {
	s := fmt.Sprintf("loop %s -> %s iteration %d/%d", e.Source, e.Target, e.Iteration, e.MaxIterations)
	if len(e.Reopened) > 0 {
		s += ", reopened " + strings.Join(e.Reopened, ", ")
	}
	return s
}

// TickCompletedEvent is published at the end of every coordinator tick.
type TickCompletedEvent struct {
	Tick          uint64
	Reclaimed     int
	Gated         int
	Ready         int
	Dispatched    int
	SpawnFailures int
	Working       int
	Duration      time.Duration
	Timestamp     time.Time
}

func (e TickCompletedEvent) EventType() string { return EventTypeTickCompleted }
func (e TickCompletedEvent) TaskID() string    { return "" }
func (e TickCompletedEvent) AgentID() string   { return "" }
func (e TickCompletedEvent) Summary() string {
	return fmt.Sprintf("tick %d: reclaimed=%d gated=%d ready=%d dispatched=%d spawn_failures=%d",
		e.Tick, e.Reclaimed, e.Gated, e.Ready, e.Dispatched, e.SpawnFailures)
}

// StateChangedEvent is published when the daemon moves between lifecycle states.
type StateChangedEvent struct {
	From      string
	To        string
	Timestamp time.Time
}

func (e StateChangedEvent) EventType() string { return EventTypeStateChanged }
func (e StateChangedEvent) TaskID() string    { return "" }
func (e StateChangedEvent) AgentID() string   { return "" }
func (e StateChangedEvent) Summary() string   { return e.From + " -> " + e.To }
