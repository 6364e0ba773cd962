package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/swarmd/internal/backend"
	"github.com/aristath/swarmd/internal/events"
	"github.com/aristath/swarmd/internal/persistence"
	"github.com/aristath/swarmd/internal/scheduler"
)

// Reclaim records an agent found dead and the task returned to open, if any.
type Reclaim struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id,omitempty"` // Empty when the task had already moved on
	PID     int    `json:"pid"`
	Reason  string `json:"reason"`
	Orphan  bool   `json:"orphan,omitempty"` // Agent was already finished; only its claim was released
}

// CleanupDeadAgents marks every working agent whose process is gone as dead
// and reclaims its task when the task is still in progress under that agent.
// With heartbeat_timeout set, agents silent for longer are killed and
// treated the same way. Claims still held by agents that are already dead,
// stopped or finished are released as well.
func (c *Coordinator) CleanupDeadAgents(ctx context.Context) ([]Reclaim, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked(ctx)
}

// deathReason returns why a working agent counts as dead, or "".
func (c *Coordinator) deathReason(a *persistence.AgentRecord, now time.Time) (reason string, stale bool) {
	if !c.procs.IsAlive(a.PID) {
		return "process exited", false
	}
	if timeout := c.cfg.HeartbeatTimeout.D(); timeout > 0 {
		last := a.LastHeartbeat
		if last.IsZero() {
			last = a.StartedAt
		}
		if silent := now.Sub(last); silent > timeout {
			return fmt.Sprintf("no heartbeat for %s", silent.Round(time.Second)), true
		}
	}
	return "", false
}

func (c *Coordinator) cleanupLocked(ctx context.Context) ([]Reclaim, error) {
	// Read first so an idle tick does not rewrite the state files.
	g, reg, err := c.stores.Snapshot()
	if err != nil {
		return nil, err
	}
	now := c.now()
	found := len(orphanedClaims(g, reg)) > 0
	for _, a := range reg.Working() {
		if found {
			break
		}
		if r, _ := c.deathReason(a, now); r != "" {
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	var reclaimed []Reclaim
	err = c.stores.Update(ctx, func(g *scheduler.Graph, reg *persistence.AgentRegistry) error {
		reclaimed = nil
		for _, a := range reg.Working() {
			reason, stale := c.deathReason(a, now)
			if reason == "" {
				continue
			}
			if stale {
				if err := c.procs.Kill(a.PID); err != nil {
					c.logger.Warn("failed to kill silent agent", "agent", a.ID, "pid", a.PID, "error", err)
				}
			}
			if err := reg.MarkDead(a.ID, reason, now); err != nil {
				return err
			}
			rc := Reclaim{AgentID: a.ID, PID: a.PID, Reason: reason}
			if c.releaseClaim(g, a, fmt.Sprintf("agent %s died", a.ID), now) {
				rc.TaskID = a.TaskID
			}
			reclaimed = append(reclaimed, rc)
		}
		for _, a := range orphanedClaims(g, reg) {
			reason := fmt.Sprintf("agent %s is %s", a.ID, a.Status)
			if c.releaseClaim(g, a, reason, now) {
				reclaimed = append(reclaimed, Reclaim{AgentID: a.ID, TaskID: a.TaskID, PID: a.PID, Reason: reason, Orphan: true})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, rc := range reclaimed {
		if rc.Orphan {
			c.logger.Warn("released claim of finished agent", "agent", rc.AgentID, "task", rc.TaskID, "reason", rc.Reason)
		} else {
			c.logger.Warn("agent died", "agent", rc.AgentID, "pid", rc.PID, "reason", rc.Reason, "reclaimed", rc.TaskID)
			c.bus.Emit(events.AgentDiedEvent{Agent: rc.AgentID, Task: rc.TaskID, PID: rc.PID, Reason: rc.Reason, Timestamp: now})
		}
		if rc.TaskID != "" {
			c.bus.Emit(events.TaskReclaimedEvent{Task: rc.TaskID, Agent: rc.AgentID, Reason: rc.Reason, Timestamp: now})
		}
	}
	return reclaimed, nil
}

// orphanedClaims returns the agents that hold an in-progress task although
// the registry no longer lists them as working. This happens when the state
// files were written only in part. Each returned record is a copy whose
// TaskID names the claimed task. Claims by names the registry does not know
// (people using task claim) are left alone.
func orphanedClaims(g *scheduler.Graph, reg *persistence.AgentRegistry) []*persistence.AgentRecord {
	finished := make(map[string]*persistence.AgentRecord)
	for _, a := range reg.Agents {
		if a.Status != persistence.AgentWorking {
			finished[a.ID] = a
		}
	}
	if len(finished) == 0 {
		return nil
	}
	var out []*persistence.AgentRecord
	for taskID, holder := range g.Claims() {
		if a, ok := finished[holder]; ok {
			cp := *a
			cp.TaskID = taskID
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// releaseClaim returns the agent's task to open if the agent still holds it.
// A task that was completed, failed or reassigned in the meantime is left alone.
func (c *Coordinator) releaseClaim(g *scheduler.Graph, a *persistence.AgentRecord, reason string, now time.Time) bool {
	task, ok := g.Get(a.TaskID)
	if !ok {
		c.logger.Warn("agent task missing from graph", "agent", a.ID, "task", a.TaskID)
		return false
	}
	if task.Status != scheduler.StatusInProgress || task.Assigned != a.ID {
		return false
	}
	if err := g.Unclaim(a.TaskID, "coordinator", reason, now); err != nil {
		c.logger.Warn("failed to reclaim task", "task", a.TaskID, "agent", a.ID, "error", err)
		return false
	}
	return true
}

// KillAgent stops a working agent: SIGTERM with kill_grace to exit, then
// SIGKILL. With force the agent is killed at once. The agent's claim is
// released even if signalling fails.
func (c *Coordinator) KillAgent(ctx context.Context, agentID string, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killLocked(ctx, agentID, force)
}

func (c *Coordinator) killLocked(ctx context.Context, agentID string, force bool) error {
	reg, err := c.stores.Registry.Load()
	if err != nil {
		return err
	}
	a, ok := reg.Get(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", persistence.ErrAgentNotFound, agentID)
	}
	if a.Status != persistence.AgentWorking {
		return fmt.Errorf("agent %s is %s", agentID, a.Status)
	}

	var sigErr error
	forced := force
	if force {
		sigErr = c.procs.Kill(a.PID)
	} else {
		forced, sigErr = backend.StopProcess(c.procs, a.PID, c.cfg.KillGrace.D())
	}
	if sigErr != nil {
		c.logger.Warn("failed to signal agent", "agent", agentID, "pid", a.PID, "error", sigErr)
	}

	now := c.now()
	var released bool
	err = c.stores.Update(ctx, func(g *scheduler.Graph, reg *persistence.AgentRegistry) error {
		if err := reg.SetStatus(agentID, persistence.AgentStopped, "killed", now); err != nil {
			return err
		}
		rec, _ := reg.Get(agentID)
		released = c.releaseClaim(g, rec, fmt.Sprintf("agent %s killed", agentID), now)
		return nil
	})
	if err != nil {
		return errors.Join(err, sigErr)
	}

	c.logger.Info("agent killed", "agent", agentID, "pid", a.PID, "forced", forced, "released", released)
	c.bus.Emit(events.AgentKilledEvent{Agent: agentID, Task: a.TaskID, Forced: forced, Timestamp: now})
	if released {
		c.bus.Emit(events.TaskReclaimedEvent{Task: a.TaskID, Agent: agentID, Reason: "killed", Timestamp: now})
	}
	return sigErr
}

// StopAll kills every working agent and releases its claim. Used when the
// daemon shuts down with kill_agents.
func (c *Coordinator) StopAll(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, err := c.stores.Registry.Load()
	if err != nil {
		return err
	}
	var errs []error
	for _, a := range reg.Working() {
		if err := c.killLocked(ctx, a.ID, force); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Heartbeat records a liveness signal from a working agent.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string) error {
	now := c.now()
	return c.stores.Registry.Update(ctx, func(reg *persistence.AgentRegistry) error {
		return reg.Heartbeat(agentID, now)
	})
}

// ListAgents returns the registered agents with the given status, or all
// agents when status is empty.
func (c *Coordinator) ListAgents(status persistence.AgentStatus) ([]*persistence.AgentRecord, error) {
	reg, err := c.stores.Registry.Load()
	if err != nil {
		return nil, err
	}
	return reg.List(status), nil
}
