package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/aristath/swarmd/internal/config"
	"github.com/aristath/swarmd/internal/control"
	"github.com/aristath/swarmd/internal/daemon"
	"github.com/aristath/swarmd/internal/orchestrator"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run and control the coordinator daemon",
	}
	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonRunCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())
	cmd.AddCommand(newDaemonPauseCmd())
	cmd.AddCommand(newDaemonResumeCmd())
	cmd.AddCommand(newDaemonReconfigureCmd())
	return cmd
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

func runForeground(cmd *cobra.Command, level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	return daemon.Run(cmd.Context(), daemon.Options{
		SwarmDir: swarmDirFrom(cmd.Context()),
		Logger:   logger,
	})
}

func newDaemonRunCmd() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd, level)
		},
	}
	cmd.Flags().StringVar(&level, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func newDaemonStartCmd() *cobra.Command {
	var (
		foreground bool
		level      string
		wait       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			if foreground {
				return runForeground(cmd, level)
			}
			if _, err := parseLevel(level); err != nil {
				return err
			}
			dir := swarmDirFrom(cmd.Context())
			pid, err := daemon.StartBackground(cmd.Context(), daemon.BackgroundOptions{
				SwarmDir: dir,
				Args:     []string{"daemon", "run", "--dir", dir, "--log-level", level},
				Wait:     wait,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "swarmd daemon started (pid %d)\nlog: %s\n", pid, daemon.LogPath(dir))
			return nil
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Stay attached instead of detaching")
	cmd.Flags().StringVar(&level, "log-level", "info", "debug, info, warn or error")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for the daemon to answer")
	return cmd
}

func newDaemonStopCmd() *cobra.Command {
	var (
		killAgents bool
		force      bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := daemon.Stop(cmd.Context(), swarmDirFrom(cmd.Context()), killAgents, force, timeout)
			if errors.Is(err, daemon.ErrNotRunning) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "swarmd daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "swarmd daemon stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&killAgents, "kill-agents", false, "Stop working agents and release their tasks")
	cmd.Flags().BoolVar(&force, "force", false, "With --kill-agents, SIGKILL at once")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the daemon to exit")
	return cmd
}

func newDaemonStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state with agent and task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := daemon.Status(cmd.Context(), swarmDirFrom(cmd.Context()), 5*time.Second)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, st)
			}
			if !st.Running {
				_, _ = fmt.Fprintln(out, "swarmd daemon is not running")
				return nil
			}
			return statusGrid(st).print(out)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

// statusGrid lays out a running daemon's status as key/value rows.
func statusGrid(st *orchestrator.StatusReport) *grid {
	out := &grid{StatusCol: 1, Status: daemonValueStyle}
	out.add("state", st.State.String())
	out.add("pid", strconv.Itoa(st.PID))
	if st.Uptime != "" {
		out.add("uptime", st.Uptime)
	}
	if st.Agents == nil {
		out.add("note", "socket not answering; state read from the pid and state files")
		return out
	}
	out.add("agents", fmt.Sprintf("%s (max %d)", formatCounts(st.Agents), st.MaxAgents))
	out.add("tasks", formatCounts(st.Tasks))
	ticks := strconv.FormatUint(st.Ticks, 10)
	if !st.LastTick.IsZero() {
		ticks += " (last " + st.LastTick.Format(time.RFC3339) + ")"
	}
	out.add("ticks", ticks)
	names := make([]string, 0, len(st.Breakers))
	for name := range st.Breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if state := st.Breakers[name]; state != "closed" {
			out.add("breaker "+name, "breaker "+state)
		}
	}
	return out
}

// daemonValueStyle colours the lifecycle state and tripped breakers.
func daemonValueStyle(value string) lipgloss.Style {
	switch value {
	case "running":
		return styleStatusComplete
	case "breaker open":
		return styleStatusFailed
	case "breaker half-open":
		return styleStatusRunning
	}
	return statusStyle(value)
}

// formatCounts renders a status count map as "a=1 b=2" in key order.
func formatCounts[K ~string](m map[K]int) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[K(k)])
	}
	return strings.Join(parts, " ")
}

func newDaemonPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop dispatching new agents (cleanup continues)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(cmd).Call(cmd.Context(), &control.Request{Kind: control.KindPause}, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "paused")
			return nil
		},
	}
}

func newDaemonResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatching",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(cmd).Call(cmd.Context(), &control.Request{Kind: control.KindResume}, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "resumed")
			return nil
		},
	}
}

func newDaemonReconfigureCmd() *cobra.Command {
	var (
		file             string
		maxAgents        int
		tickInterval     time.Duration
		heartbeatTimeout time.Duration
		executor         string
		autoAssign       bool
		autoEvaluate     bool
	)
	cmd := &cobra.Command{
		Use:   "reconfigure",
		Short: "Change the running daemon's configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &config.Partial{}
			if file != "" {
				var err error
				if p, err = config.ReadPartial(file); err != nil {
					return err
				}
			}
			flags := cmd.Flags()
			if flags.Changed("max-agents") {
				p.MaxAgents = &maxAgents
			}
			if flags.Changed("tick-interval") {
				d := config.Duration(tickInterval)
				p.TickInterval = &d
			}
			if flags.Changed("heartbeat-timeout") {
				d := config.Duration(heartbeatTimeout)
				p.HeartbeatTimeout = &d
			}
			if flags.Changed("executor") {
				p.Executor = &executor
			}
			if flags.Changed("auto-assign") {
				p.AutoAssign = &autoAssign
			}
			if flags.Changed("auto-evaluate") {
				p.AutoEvaluate = &autoEvaluate
			}

			var cfg config.DaemonConfig
			if err := newClient(cmd).Call(cmd.Context(), &control.Request{Kind: control.KindReconfigure, Config: p}, &cfg); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Overlay file (.json, .yaml or .toml)")
	cmd.Flags().IntVar(&maxAgents, "max-agents", 0, "Maximum concurrent agents")
	cmd.Flags().DurationVar(&tickInterval, "tick-interval", 0, "Time between ticks")
	cmd.Flags().DurationVar(&heartbeatTimeout, "heartbeat-timeout", 0, "Kill agents silent for longer (0 disables)")
	cmd.Flags().StringVar(&executor, "executor", "", "Default executor")
	cmd.Flags().BoolVar(&autoAssign, "auto-assign", false, "Insert assignment gates")
	cmd.Flags().BoolVar(&autoEvaluate, "auto-evaluate", false, "Insert evaluation gates")
	return cmd
}
