package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/swarmd/internal/backend"
	"github.com/aristath/swarmd/internal/config"
	"github.com/aristath/swarmd/internal/control"
	"github.com/aristath/swarmd/internal/events"
	"github.com/aristath/swarmd/internal/persistence"
	"github.com/aristath/swarmd/internal/scheduler"
)

// now is replaced in tests.
var now = time.Now

func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStores(cmd *cobra.Command) *persistence.Stores {
	return persistence.Open(swarmDirFrom(cmd.Context()), cliLogger())
}

// loadConfig reads the merged configuration of the swarm directory.
func loadConfig(cmd *cobra.Command) (*config.DaemonConfig, error) {
	return config.LoadDefault(swarmDirFrom(cmd.Context()))
}

func newClient(cmd *cobra.Command) *control.Client {
	timeout := 5 * time.Second
	if cfg, err := loadConfig(cmd); err == nil && cfg.RequestTimeout.D() > 0 {
		timeout = cfg.RequestTimeout.D()
	}
	return control.NewClient(swarmDirFrom(cmd.Context()), timeout)
}

// notifyGraphChanged tells a running daemon to tick now. The mutation has
// already been saved, so a failure only delays dispatch until the next tick.
func notifyGraphChanged(cmd *cobra.Command) {
	if err := newClient(cmd).Notify(cmd.Context(), control.KindGraphChanged); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not notify daemon: %v\n", err)
	}
}

// actor names who performs a CLI mutation: the agent running the command,
// or "cli".
func actor() string {
	if id := os.Getenv(backend.EnvAgentID); id != "" {
		return id
	}
	return "cli"
}

// updateGraph runs fn under the graph lock and notifies the daemon.
func updateGraph(cmd *cobra.Command, fn func(g *scheduler.Graph) error) error {
	if err := openStores(cmd).Graph.Update(cmd.Context(), fn); err != nil {
		return err
	}
	notifyGraphChanged(cmd)
	return nil
}

// finishAgent records the outcome of a task on the agent that reports it,
// when the command runs inside a worker started for that task.
func finishAgent(reg *persistence.AgentRegistry, taskID string, status persistence.AgentStatus, note string, at time.Time) error {
	id := os.Getenv(backend.EnvAgentID)
	if id == "" {
		return nil
	}
	a, ok := reg.Get(id)
	if !ok || a.TaskID != taskID {
		return nil
	}
	return reg.SetStatus(id, status, note, at)
}

// journalLoops appends loop firings to the journal. The journal is an audit
// trail; a failure to write it does not undo the completed task.
func journalLoops(cmd *cobra.Command, firings []scheduler.LoopFiring, at time.Time) {
	if len(firings) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	j, err := persistence.OpenJournal(ctx, filepath.Join(swarmDirFrom(cmd.Context()), persistence.JournalFile))
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: journal unavailable: %v\n", err)
		return
	}
	defer j.Close()

	for _, f := range firings {
		e := events.LoopFiredEvent{
			Source:        f.Source,
			Target:        f.Target,
			Iteration:     f.Iteration,
			MaxIterations: f.MaxIterations,
			Reopened:      f.Reopened,
			Timestamp:     at,
		}
		err := j.Record(ctx, persistence.JournalEntry{
			Kind:      e.EventType(),
			TaskID:    e.TaskID(),
			AgentID:   os.Getenv(backend.EnvAgentID),
			Message:   e.Summary(),
			CreatedAt: at,
		})
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
