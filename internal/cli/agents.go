package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/swarmd/internal/backend"
	"github.com/aristath/swarmd/internal/control"
	"github.com/aristath/swarmd/internal/persistence"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and stop agents",
	}
	cmd.AddCommand(newAgentsListCmd())
	cmd.AddCommand(newAgentsKillCmd())
	cmd.AddCommand(newAgentsPruneCmd())
	cmd.AddCommand(newAgentsHeartbeatCmd())
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	var (
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openStores(cmd).Registry.Load()
			if err != nil {
				return err
			}
			agents := reg.List(persistence.AgentStatus(status))
			if asJSON {
				return printJSON(cmd.OutOrStdout(), agents)
			}
			at := now()
			out := grid{Headers: []string{"ID", "STATUS", "TASK", "PID", "EXECUTOR", "AGE", "NOTE"}, StatusCol: 1}
			for _, a := range agents {
				out.add(a.ID, string(a.Status), a.TaskID, strconv.Itoa(a.PID), a.Executor,
					at.Sub(a.StartedAt).Round(time.Second).String(), a.Note)
			}
			return out.print(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only agents with this status (working, dead, done, failed, stopped)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newAgentsKillCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "kill <agent-id>",
		Short: "Stop a working agent and release its task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := newClient(cmd).Call(cmd.Context(), &control.Request{
				Kind:    control.KindKill,
				AgentID: args[0],
				Force:   force,
			}, nil)
			if errors.Is(err, control.ErrNotRunning) {
				return fmt.Errorf("%w: agents are killed through the daemon", err)
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Killed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "SIGKILL at once instead of waiting kill_grace")
	return cmd
}

func newAgentsPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove agents that are no longer working from the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			var pruned []string
			err := openStores(cmd).Registry.Update(cmd.Context(), func(reg *persistence.AgentRegistry) error {
				pruned = reg.PruneDead()
				return nil
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d agents\n", len(pruned))
			return nil
		},
	}
}

func newAgentsHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat [agent-id]",
		Short: "Report that an agent is alive (default: $SWARM_AGENT_ID)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := os.Getenv(backend.EnvAgentID)
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" {
				return fmt.Errorf("no agent id given and %s is not set", backend.EnvAgentID)
			}

			err := newClient(cmd).Call(cmd.Context(), &control.Request{Kind: control.KindHeartbeat, AgentID: id}, nil)
			if errors.Is(err, control.ErrNotRunning) {
				// Nothing supervises heartbeats without a daemon, but keep the record current.
				at := now()
				err = openStores(cmd).Registry.Update(cmd.Context(), func(reg *persistence.AgentRegistry) error {
					return reg.Heartbeat(id, at)
				})
			}
			return err
		},
	}
}
