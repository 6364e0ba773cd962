package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/swarmd/internal/backend"
	"github.com/aristath/swarmd/internal/events"
	"github.com/aristath/swarmd/internal/persistence"
	"github.com/aristath/swarmd/internal/scheduler"
)

// Reasons a tick stopped before dispatching.
const (
	SkipMaxAgents = "max-agents"
	SkipPaused    = "paused"
	SkipStopping  = "stopping"
)

// Dispatch describes an agent started for a task.
type Dispatch struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	PID      int    `json:"pid"`
	Executor string `json:"executor"`
}

// SpawnFailure describes a task whose worker could not be started.
type SpawnFailure struct {
	TaskID    string    `json:"task_id"`
	Executor  string    `json:"executor"`
	Error     string    `json:"error"`
	Failures  int       `json:"failures"`
	NotBefore time.Time `json:"not_before"`
}

// TickReport summarizes one coordinator tick.
type TickReport struct {
	Tick          uint64         `json:"tick"`
	StartedAt     time.Time      `json:"started_at"`
	Duration      time.Duration  `json:"duration"`
	Reclaimed     []Reclaim      `json:"reclaimed,omitempty"`
	Gated         []string       `json:"gated,omitempty"`
	Ready         []string       `json:"ready,omitempty"`
	CoolingDown   []string       `json:"cooling_down,omitempty"`
	Dispatched    []Dispatch     `json:"dispatched,omitempty"`
	SpawnFailures []SpawnFailure `json:"spawn_failures,omitempty"`
	Working       int            `json:"working"`
	Skipped       string         `json:"skipped,omitempty"`
}

// SpawnOptions overrides task hints for an explicit spawn.
type SpawnOptions struct {
	Executor string `json:"executor,omitempty"`
	Model    string `json:"model,omitempty"`
}

// errUnchanged aborts a store update that had nothing to save.
var errUnchanged = errors.New("unchanged")

// Tick runs one coordinator pass:
//
//  1. reclaim the tasks of dead agents
//  2. stop if max_agents agents are working, or if dispatching is paused
//  3. compute the ready set and run the enabled gating passes
//  4. drop tasks that are cooling down after spawn failures
//  5. dispatch ready tasks while slots remain
//
// Failures that concern a single task or agent are logged and reported but
// never abort the tick. Running Tick again without outside changes
// dispatches nothing new.
func (c *Coordinator) Tick(ctx context.Context) (*TickReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	c.ticks++
	report := &TickReport{Tick: c.ticks, StartedAt: start}
	defer c.finishTick(report)

	reclaimed, err := c.cleanupLocked(ctx)
	if err != nil {
		return report, fmt.Errorf("cleanup: %w", err)
	}
	report.Reclaimed = reclaimed

	reg, err := c.stores.Registry.Load()
	if err != nil {
		return report, err
	}
	working := len(reg.Working())
	report.Working = working

	switch {
	case working >= c.cfg.MaxAgents:
		report.Skipped = SkipMaxAgents
		return report, nil
	case c.state == StatePaused:
		report.Skipped = SkipPaused
		return report, nil
	case c.state == StateStopping || c.state == StateStopped:
		report.Skipped = SkipStopping
		return report, nil
	}

	ready, gated, err := c.prepareLocked(ctx)
	if err != nil {
		return report, err
	}
	report.Gated = gated

	now := c.now()
	var candidates []*scheduler.Task
	for _, task := range ready {
		report.Ready = append(report.Ready, task.ID)
		if task.CoolingDown(now) {
			report.CoolingDown = append(report.CoolingDown, task.ID)
			continue
		}
		candidates = append(candidates, task)
	}

	slots := c.cfg.MaxAgents - working
	for _, task := range candidates {
		if slots == 0 || ctx.Err() != nil {
			break
		}
		d, sf, err := c.dispatchLocked(ctx, task, SpawnOptions{})
		switch {
		case sf != nil:
			report.SpawnFailures = append(report.SpawnFailures, *sf)
		case err != nil:
			c.logger.Warn("dispatch failed", "task", task.ID, "error", err)
		default:
			report.Dispatched = append(report.Dispatched, *d)
			report.Working++
			slots--
		}
	}
	return report, nil
}

func (c *Coordinator) finishTick(report *TickReport) {
	end := c.now()
	report.Duration = end.Sub(report.StartedAt)
	c.lastTick = report.StartedAt
	c.lastReport = report

	if len(report.Dispatched) > 0 || len(report.Reclaimed) > 0 || len(report.SpawnFailures) > 0 {
		c.logger.Info("tick", "tick", report.Tick, "reclaimed", len(report.Reclaimed),
			"dispatched", len(report.Dispatched), "spawn_failures", len(report.SpawnFailures),
			"working", report.Working)
	} else {
		c.logger.Debug("tick", "tick", report.Tick, "ready", len(report.Ready), "skipped", report.Skipped)
	}

	c.bus.Emit(events.TickCompletedEvent{
		Tick:          report.Tick,
		Reclaimed:     len(report.Reclaimed),
		Gated:         len(report.Gated),
		Ready:         len(report.Ready),
		Dispatched:    len(report.Dispatched),
		SpawnFailures: len(report.SpawnFailures),
		Working:       report.Working,
		Duration:      report.Duration,
		Timestamp:     end,
	})
}

// prepareLocked loads the graph once, runs the gating passes and returns the
// ready tasks. Gate tasks are saved in the same locked update that computed
// them; without gates the graph file is not rewritten.
func (c *Coordinator) prepareLocked(ctx context.Context) ([]*scheduler.Task, []string, error) {
	var (
		ready []*scheduler.Task
		gated []string
	)
	now := c.now()

	err := c.stores.Graph.Update(ctx, func(g *scheduler.Graph) error {
		ids := scheduler.ComputeReady(g)

		var edits []scheduler.Edit
		if c.cfg.AutoAssign {
			edits = append(edits, scheduler.AssignmentGates(g, ids, scheduler.GateOptions{
				Executor: c.cfg.AssignerExecutor,
				Now:      now,
			})...)
		}
		if c.cfg.AutoEvaluate {
			edits = append(edits, scheduler.EvaluationGates(g, scheduler.GateOptions{
				Executor: c.cfg.EvaluatorExecutor,
				Now:      now,
			})...)
		}
		if len(edits) > 0 {
			added, err := g.Apply(edits)
			if err != nil {
				return fmt.Errorf("gating: %w", err)
			}
			gated = added
			ids = scheduler.ComputeReady(g)
		}

		for _, id := range ids {
			if task, ok := g.Get(id); ok {
				ready = append(ready, task)
			}
		}
		if len(gated) == 0 {
			return errUnchanged
		}
		return nil
	})

	switch {
	case err == nil, errors.Is(err, errUnchanged):
	case errors.Is(err, persistence.ErrCorrupt), errors.Is(err, persistence.ErrLocked), ctx.Err() != nil:
		return nil, nil, err
	default:
		// A gating pass that cannot be applied must not stop dispatching.
		c.logger.Warn("gating pass failed, dispatching without gates", "error", err)
		g, lerr := c.stores.Graph.Load()
		if lerr != nil {
			return nil, nil, lerr
		}
		ready, gated = nil, nil
		for _, id := range scheduler.ComputeReady(g) {
			task, _ := g.Get(id)
			ready = append(ready, task)
		}
	}

	for _, id := range gated {
		kind := scheduler.TagEvaluation
		if strings.HasPrefix(id, scheduler.AssignPrefix) {
			kind = scheduler.TagAssignment
		}
		c.bus.Emit(events.TaskGatedEvent{Gate: id, Kind: kind, Timestamp: now})
	}
	return ready, gated, nil
}

// dispatchLocked spawns an agent for task and, only once the process runs,
// claims the task and registers the agent in one locked update. If the task
// was claimed or changed in the meantime the new process is killed.
//
// A spawn failure is returned as a SpawnFailure with the task left open and
// cooling down; err reports everything else.
func (c *Coordinator) dispatchLocked(ctx context.Context, task *scheduler.Task, opts SpawnOptions) (*Dispatch, *SpawnFailure, error) {
	exName := opts.Executor
	if exName == "" {
		exName = task.Executor
	}
	if exName == "" {
		exName = c.cfg.Executor
	}
	ex, ok := c.executors[exName]
	if !ok {
		return nil, c.spawnFailedLocked(ctx, task.ID, exName, fmt.Errorf("unknown executor %q", exName)), nil
	}

	var agentID string
	if err := c.stores.Registry.Update(ctx, func(reg *persistence.AgentRegistry) error {
		agentID = reg.NextID()
		return nil
	}); err != nil {
		return nil, nil, fmt.Errorf("reserve agent id: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = task.Model
	}
	output := c.outputFile(agentID)
	cmd, err := ex.Command(backend.Request{
		AgentID:     agentID,
		TaskID:      task.ID,
		Title:       task.Title,
		Description: task.Description,
		Identity:    task.Identity,
		Model:       model,
		SessionID:   uuid.NewString(),
		WorkDir:     c.workDir,
		SwarmDir:    c.swarmDir,
		OutputFile:  output,
	})
	if err != nil {
		return nil, c.spawnFailedLocked(ctx, task.ID, exName, err), nil
	}

	pid, err := spawnWithRetry(ctx, c.spawner, cmd, c.breakers.Get(exName), c.retry)
	if err != nil {
		return nil, c.spawnFailedLocked(ctx, task.ID, exName, err), nil
	}

	now := c.now()
	err = c.stores.Update(ctx, func(g *scheduler.Graph, reg *persistence.AgentRegistry) error {
		if !g.IsReady(task.ID) {
			return fmt.Errorf("%w: %s changed while its agent was starting", ErrNotReady, task.ID)
		}
		if err := g.Claim(task.ID, agentID, now); err != nil {
			return err
		}
		_, err := reg.Register(agentID, pid, task.ID, exName, output, now)
		return err
	})
	if err != nil {
		c.logger.Warn("claim after spawn failed, killing agent", "task", task.ID, "agent", agentID, "pid", pid, "error", err)
		if kerr := c.procs.Kill(pid); kerr != nil {
			c.logger.Error("failed to kill unclaimed agent", "agent", agentID, "pid", pid, "error", kerr)
		}
		return nil, nil, err
	}

	c.logger.Info("agent dispatched", "task", task.ID, "agent", agentID, "pid", pid, "executor", exName)
	c.bus.Emit(events.TaskDispatchedEvent{Task: task.ID, Agent: agentID, PID: pid, Executor: exName, Timestamp: now})
	return &Dispatch{TaskID: task.ID, AgentID: agentID, PID: pid, Executor: exName}, nil, nil
}

// spawnFailedLocked records a spawn failure on the task and defers its next
// dispatch by the cooldown for the new failure count.
func (c *Coordinator) spawnFailedLocked(ctx context.Context, taskID, exName string, cause error) *SpawnFailure {
	now := c.now()
	sf := &SpawnFailure{TaskID: taskID, Executor: exName, Error: cause.Error()}

	err := c.stores.Graph.Update(ctx, func(g *scheduler.Graph) error {
		task, ok := g.Get(taskID)
		if !ok {
			return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
		}
		notBefore := now.Add(c.cooldown.Delay(task.SpawnFailures + 1))
		n, err := g.RecordSpawnFailure(taskID, cause.Error(), notBefore, now)
		sf.Failures = n
		sf.NotBefore = notBefore
		return err
	})
	if err != nil {
		c.logger.Error("failed to record spawn failure", "task", taskID, "error", err)
	}

	c.logger.Warn("spawn failed", "task", taskID, "executor", exName, "failures", sf.Failures,
		"not_before", sf.NotBefore, "error", cause)
	c.bus.Emit(events.TaskSpawnFailedEvent{
		Task:      taskID,
		Executor:  exName,
		Err:       cause,
		Failures:  sf.Failures,
		NotBefore: sf.NotBefore,
		Timestamp: now,
	})
	return sf
}

// SpawnTask starts an agent for one task on request. The task must be ready;
// a spawn cooldown does not apply. It fails with ErrAtCapacity while
// max_agents workers are running, so an explicit spawn never exceeds the limit.
func (c *Coordinator) SpawnTask(ctx context.Context, taskID string, opts SpawnOptions) (*Dispatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopping || c.state == StateStopped {
		return nil, fmt.Errorf("%w: daemon is %s", ErrInvalidState, c.state)
	}

	// Free the slots and claims of agents that died since the last tick.
	if _, err := c.cleanupLocked(ctx); err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}

	g, err := c.stores.Graph.Load()
	if err != nil {
		return nil, err
	}
	task, ok := g.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	if !g.IsReady(taskID) {
		why, _ := scheduler.Explain(g, taskID)
		return nil, fmt.Errorf("%w: %s", ErrNotReady, why)
	}

	reg, err := c.stores.Registry.Load()
	if err != nil {
		return nil, err
	}
	if working := len(reg.Working()); working >= c.cfg.MaxAgents {
		return nil, fmt.Errorf("%w: %d of %d agents working", ErrAtCapacity, working, c.cfg.MaxAgents)
	}

	d, sf, err := c.dispatchLocked(ctx, task, opts)
	if sf != nil {
		return nil, fmt.Errorf("spawn %s via %s: %s", taskID, sf.Executor, sf.Error)
	}
	return d, err
}
