package orchestrator

import (
	"os"
	"time"

	"github.com/aristath/swarmd/internal/persistence"
	"github.com/aristath/swarmd/internal/scheduler"
)

// StatusReport is the answer to a status query.
type StatusReport struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	State     State     `json:"state"`
	Paused    bool      `json:"paused"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Uptime    string    `json:"uptime,omitempty"`

	Agents map[persistence.AgentStatus]int `json:"agents"`
	Tasks  map[scheduler.Status]int        `json:"tasks"`

	Ticks      uint64      `json:"ticks"`
	LastTick   time.Time   `json:"last_tick,omitzero"`
	LastReport *TickReport `json:"last_report,omitempty"`

	Breakers  map[string]string `json:"breakers,omitempty"`
	MaxAgents int               `json:"max_agents"`
}

// Status reports the coordinator state together with agent and task counts
// read from the state files.
func (c *Coordinator) Status() (*StatusReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, reg, err := c.stores.Snapshot()
	if err != nil {
		return nil, err
	}

	s := &StatusReport{
		Running:    c.state == StateRunning || c.state == StatePaused,
		PID:        os.Getpid(),
		State:      c.state,
		Paused:     c.state == StatePaused,
		StartedAt:  c.startedAt,
		Agents:     reg.CountByStatus(),
		Tasks:      g.CountByStatus(),
		Ticks:      c.ticks,
		LastTick:   c.lastTick,
		LastReport: c.lastReport,
		Breakers:   c.breakers.States(),
		MaxAgents:  c.cfg.MaxAgents,
	}
	if !c.startedAt.IsZero() {
		s.Uptime = c.now().Sub(c.startedAt).Round(time.Second).String()
	}
	return s, nil
}
