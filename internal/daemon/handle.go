package daemon

import (
	"context"
	"errors"

	"github.com/aristath/swarmd/internal/control"
	"github.com/aristath/swarmd/internal/orchestrator"
	"github.com/aristath/swarmd/internal/persistence"
)

// handle answers one control request. tickNow asks the loop to tick before
// waiting for the next request.
func (d *daemon) handle(ctx context.Context, req *control.Request) (resp *control.Response, tickNow bool) {
	d.logger.Debug("control request", "id", req.ID, "kind", req.Kind)

	data, tickNow, err := d.dispatch(ctx, req)
	if err != nil {
		d.logger.Warn("control request failed", "id", req.ID, "kind", req.Kind, "error", err)
		return control.Failure(req.ID, err), tickNow
	}
	resp, err = control.Success(req.ID, data)
	if err != nil {
		return control.Failure(req.ID, err), tickNow
	}
	return resp, tickNow
}

func (d *daemon) dispatch(ctx context.Context, req *control.Request) (any, bool, error) {
	switch req.Kind {
	case control.KindStatus:
		st, err := d.coord.Status()
		return st, false, err

	case control.KindListAgents:
		agents, err := d.coord.ListAgents(persistence.AgentStatus(req.Status))
		return agents, false, err

	case control.KindSpawn:
		dp, err := d.coord.SpawnTask(ctx, req.TaskID, orchestrator.SpawnOptions{
			Executor: req.Executor,
			Model:    req.Model,
		})
		return dp, false, err

	case control.KindKill:
		err := d.coord.KillAgent(ctx, req.AgentID, req.Force)
		// The claim is released even when signalling failed, so a slot may be free either way.
		return map[string]string{"agent_id": req.AgentID}, true, err

	case control.KindHeartbeat:
		return nil, false, d.coord.Heartbeat(ctx, req.AgentID)

	case control.KindGraphChanged:
		return nil, true, nil

	case control.KindPause:
		if err := d.coord.Pause(); err != nil {
			return nil, false, err
		}
		return map[string]string{"state": d.coord.State().String()}, false, d.writeState()

	case control.KindResume:
		if err := d.coord.Resume(); err != nil {
			return nil, false, err
		}
		return map[string]string{"state": d.coord.State().String()}, true, d.writeState()

	case control.KindReconfigure:
		cfg, err := d.coord.Reconfigure(req.Config)
		return cfg, err == nil, err

	case control.KindShutdown:
		d.stopping = true
		d.killAgents = req.KillAgents
		d.forceKill = req.Force
		return map[string]bool{"kill_agents": req.KillAgents}, false, nil
	}
	return nil, false, errors.New("unsupported request kind " + string(req.Kind))
}
