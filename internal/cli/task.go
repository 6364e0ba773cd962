package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/swarmd/internal/control"
	"github.com/aristath/swarmd/internal/orchestrator"
	"github.com/aristath/swarmd/internal/persistence"
	"github.com/aristath/swarmd/internal/scheduler"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and move tasks",
	}
	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskClaimCmd())
	cmd.AddCommand(newTaskUnclaimCmd())
	cmd.AddCommand(newTaskDoneCmd())
	cmd.AddCommand(newTaskFailCmd())
	cmd.AddCommand(newTaskRetryCmd())
	cmd.AddCommand(newTaskAbandonCmd())
	cmd.AddCommand(newTaskDepCmd())
	cmd.AddCommand(newTaskLoopCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskReadyCmd())
	cmd.AddCommand(newTaskWhyCmd())
	cmd.AddCommand(newTaskImportCmd())
	cmd.AddCommand(newTaskCheckCmd())
	cmd.AddCommand(newTaskCriticalPathCmd())
	cmd.AddCommand(newTaskArchiveCmd())
	cmd.AddCommand(newTaskSpawnCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var task scheduler.Task

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add an open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task.ID = args[0]
			if task.Title == "" {
				task.Title = task.ID
			}
			task.CreatedAt = now()
			err := updateGraph(cmd, func(g *scheduler.Graph) error {
				if err := g.AddTask(&task); err != nil {
					return err
				}
				_, err := g.Validate()
				return err
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added task %s\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&task.Title, "title", "", "Short title (default: the id)")
	cmd.Flags().StringVarP(&task.Description, "description", "d", "", "Instructions for the worker")
	cmd.Flags().StringSliceVar(&task.BlockedBy, "blocked-by", nil, "Tasks that must be done first")
	cmd.Flags().StringVar(&task.Identity, "identity", "", "Worker identity (leave empty for an assignment gate)")
	cmd.Flags().StringVar(&task.Executor, "executor", "", "Executor to run the task with")
	cmd.Flags().StringVar(&task.Model, "model", "", "Model hint for the executor")
	cmd.Flags().StringSliceVar(&task.Skills, "skill", nil, "Skill hint (repeatable)")
	cmd.Flags().StringSliceVar(&task.Tags, "tag", nil, "Tag (repeatable)")
	return cmd
}

func newTaskClaimCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim an open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent == "" {
				agent = actor()
			}
			if err := updateGraph(cmd, func(g *scheduler.Graph) error {
				return g.Claim(args[0], agent, now())
			}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Claimed %s for %s\n", args[0], agent)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Claim on behalf of this name (default: $SWARM_AGENT_ID or cli)")
	return cmd
}

func newTaskUnclaimCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "unclaim <id>",
		Short: "Return an in-progress task to open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := updateGraph(cmd, func(g *scheduler.Graph) error {
				return g.Unclaim(args[0], actor(), reason, now())
			}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Unclaimed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "released by hand", "Log message")
	return cmd
}

func newTaskDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Mark an in-progress task done and fire its loop edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, at := args[0], now()
			var firings []scheduler.LoopFiring
			err := openStores(cmd).Update(cmd.Context(), func(g *scheduler.Graph, reg *persistence.AgentRegistry) error {
				var err error
				if firings, err = g.Complete(id, actor(), at); err != nil {
					return err
				}
				return finishAgent(reg, id, persistence.AgentDone, "", at)
			})
			if err != nil {
				return err
			}
			journalLoops(cmd, firings, at)
			notifyGraphChanged(cmd)

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Completed %s\n", id)
			for _, f := range firings {
				_, _ = fmt.Fprintf(out, "  loop -> %s (iteration %d/%d)", f.Target, f.Iteration, f.MaxIterations)
				if len(f.Reopened) > 0 {
					_, _ = fmt.Fprintf(out, ", reopened %s", strings.Join(f.Reopened, ", "))
				}
				_, _ = fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newTaskFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark an in-progress task failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, at := args[0], now()
			err := openStores(cmd).Update(cmd.Context(), func(g *scheduler.Graph, reg *persistence.AgentRegistry) error {
				if err := g.Fail(id, actor(), reason, at); err != nil {
					return err
				}
				return finishAgent(reg, id, persistence.AgentFailed, reason, at)
			})
			if err != nil {
				return err
			}
			notifyGraphChanged(cmd)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Failed %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the task failed")
	return cmd
}

func newTaskRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Reopen a failed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := updateGraph(cmd, func(g *scheduler.Graph) error {
				return g.Retry(args[0], actor(), now())
			}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reopened %s\n", args[0])
			return nil
		},
	}
}

func newTaskAbandonCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <id>",
		Short: "Give up on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := updateGraph(cmd, func(g *scheduler.Graph) error {
				return g.Abandon(args[0], actor(), reason, now())
			}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Abandoned %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Log message")
	return cmd
}

func newTaskDepCmd() *cobra.Command {
	var drop bool
	cmd := &cobra.Command{
		Use:   "dep <id> <blocker>...",
		Short: "Make a task wait for blockers (or remove the edges with --remove)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, blockers := args[0], args[1:]
			err := updateGraph(cmd, func(g *scheduler.Graph) error {
				for _, b := range blockers {
					var err error
					if drop {
						err = g.RemoveDependency(id, b)
					} else {
						err = g.AddDependency(id, b)
					}
					if err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			verb := "now blocked by"
			if drop {
				verb = "no longer blocked by"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", id, verb, strings.Join(blockers, ", "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&drop, "remove", false, "Remove the edges instead")
	return cmd
}

// parseGuard reads "task=status".
func parseGuard(s string) (*scheduler.Guard, error) {
	task, status, ok := strings.Cut(s, "=")
	if !ok || task == "" {
		return nil, fmt.Errorf("guard %q: want task=status", s)
	}
	st, err := scheduler.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("guard %q: %w", s, err)
	}
	return &scheduler.Guard{Task: task, Status: st}, nil
}

func newTaskLoopCmd() *cobra.Command {
	var (
		maxIterations int
		guard         string
	)
	cmd := &cobra.Command{
		Use:   "loop <source> <target>",
		Short: "Reopen target (at most --max times) whenever source completes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			edge := scheduler.LoopEdge{Target: args[1], MaxIterations: maxIterations}
			if guard != "" {
				g, err := parseGuard(guard)
				if err != nil {
					return err
				}
				edge.Guard = g
			}
			if err := updateGraph(cmd, func(g *scheduler.Graph) error {
				return g.AddLoopEdge(args[0], edge)
			}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Loop %s -> %s (max %d)\n", args[0], args[1], maxIterations)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max", 0, "Maximum number of times the target is reopened")
	cmd.Flags().StringVar(&guard, "guard", "", "Only fire when task=status holds")
	_ = cmd.MarkFlagRequired("max")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task with its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openStores(cmd).Graph.Load()
			if err != nil {
				return err
			}
			t, ok := g.Get(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, args[0])
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, t)
			}

			_, _ = fmt.Fprintf(out, "%s  %s\n", t.ID, t.Title)
			_, _ = fmt.Fprintf(out, "status:     %s\n", t.Status)
			if t.Assigned != "" {
				_, _ = fmt.Fprintf(out, "assigned:   %s\n", t.Assigned)
			}
			if t.Identity != "" {
				_, _ = fmt.Fprintf(out, "identity:   %s\n", t.Identity)
			}
			if len(t.BlockedBy) > 0 {
				_, _ = fmt.Fprintf(out, "blocked by: %s\n", strings.Join(t.BlockedBy, ", "))
			}
			if len(t.Blocks) > 0 {
				_, _ = fmt.Fprintf(out, "blocks:     %s\n", strings.Join(t.Blocks, ", "))
			}
			for _, e := range t.LoopEdges {
				line := fmt.Sprintf("loops to:   %s (max %d)", e.Target, e.MaxIterations)
				if e.Guard != nil {
					line += " when " + e.Guard.String()
				}
				_, _ = fmt.Fprintln(out, line)
			}
			if t.LoopIteration > 0 {
				_, _ = fmt.Fprintf(out, "iteration:  %d\n", t.LoopIteration)
			}
			if t.FailureReason != "" {
				_, _ = fmt.Fprintf(out, "failure:    %s (%d)\n", t.FailureReason, t.FailureCount)
			}
			if t.NotBefore != nil {
				_, _ = fmt.Fprintf(out, "cooldown:   until %s after %d spawn failures\n",
					t.NotBefore.Format(time.RFC3339), t.SpawnFailures)
			}
			if t.Description != "" {
				_, _ = fmt.Fprintf(out, "\n%s\n", t.Description)
			}
			if len(t.Log) > 0 {
				_, _ = fmt.Fprintln(out, "\nlog:")
				for _, l := range t.Log {
					_, _ = fmt.Fprintf(out, "  %s  %-10s %s\n", l.Timestamp.Format(time.RFC3339), l.Actor, l.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter scheduler.Status
			if status != "" {
				st, err := scheduler.ParseStatus(status)
				if err != nil {
					return err
				}
				filter = st
			}
			g, err := openStores(cmd).Graph.Load()
			if err != nil {
				return err
			}
			var tasks []*scheduler.Task
			for _, t := range g.Tasks() {
				if filter == "" || t.Status == filter {
					tasks = append(tasks, t)
				}
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			out := grid{Headers: []string{"ID", "STATUS", "ASSIGNED", "TITLE"}, StatusCol: 1}
			for _, t := range tasks {
				out.add(t.ID, string(t.Status), t.Assigned, t.Title)
			}
			return out.print(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only tasks with this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newTaskReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List tasks that can be dispatched now, in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openStores(cmd).Graph.Load()
			if err != nil {
				return err
			}
			at := now()
			for _, id := range scheduler.ComputeReady(g) {
				t, _ := g.Get(id)
				note := ""
				if t.CoolingDown(at) {
					note = "  (cooling down until " + t.NotBefore.Format(time.RFC3339) + ")"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", id, note)
			}
			return nil
		},
	}
}

func newTaskWhyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "why <id>",
		Short: "Explain why a task is or is not ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openStores(cmd).Graph.Load()
			if err != nil {
				return err
			}
			why, err := scheduler.Explain(g, args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), why)
			return nil
		},
	}
}

// taskFile is the YAML document read by task import.
type taskFile struct {
	Tasks []*scheduler.Task `yaml:"tasks"`
}

func newTaskImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Add the tasks of a YAML file in one update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var doc taskFile
			dec := yaml.NewDecoder(f)
			dec.KnownFields(true)
			if err := dec.Decode(&doc); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if len(doc.Tasks) == 0 {
				return errors.New("no tasks in file")
			}

			at := now()
			err = updateGraph(cmd, func(g *scheduler.Graph) error {
				for i, t := range doc.Tasks {
					if t.Title == "" {
						t.Title = t.ID
					}
					// Keep file order as dispatch order among equally ready tasks.
					t.CreatedAt = at.Add(time.Duration(i) * time.Millisecond)
					if err := g.AddTask(t); err != nil {
						return err
					}
				}
				_, err := g.Validate()
				return err
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d tasks\n", len(doc.Tasks))
			return nil
		},
	}
}

func newTaskCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report dangling references, cycles and inconsistent claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openStores(cmd).Graph.Load()
			if err != nil {
				return err
			}
			problems := g.Check()
			if len(problems) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), scheduler.FormatProblems(problems))
			return fmt.Errorf("%d problems found", len(problems))
		},
	}
}

func newTaskCriticalPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "critical-path",
		Short: "Print the longest chain of unfinished tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openStores(cmd).Graph.Load()
			if err != nil {
				return err
			}
			path, err := g.CriticalPath()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(path, " -> "))
			return nil
		},
	}
}

func newTaskArchiveCmd() *cobra.Command {
	var allDone bool
	cmd := &cobra.Command{
		Use:   "archive [id...]",
		Short: "Remove done or abandoned tasks from the graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !allDone {
				return errors.New("name tasks to archive or pass --done")
			}
			var removed []string
			err := updateGraph(cmd, func(g *scheduler.Graph) error {
				removed = nil
				ids := append([]string(nil), args...)
				if allDone {
					for _, t := range g.Tasks() {
						if t.Status.Terminal() {
							ids = append(ids, t.ID)
						}
					}
				}
				for _, id := range ids {
					t, ok := g.Get(id)
					if !ok {
						if allDone {
							continue
						}
						return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
					}
					if !t.Status.Terminal() {
						return fmt.Errorf("task %s is %s; only done or abandoned tasks can be archived", id, t.Status)
					}
					if err := g.Remove(id); err != nil {
						return err
					}
					removed = append(removed, id)
				}
				return nil
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Archived %d tasks\n", len(removed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&allDone, "done", false, "Archive every done or abandoned task")
	return cmd
}

func newTaskSpawnCmd() *cobra.Command {
	var opts orchestrator.SpawnOptions
	cmd := &cobra.Command{
		Use:   "spawn <id>",
		Short: "Ask the daemon to start an agent for a ready task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d orchestrator.Dispatch
			err := newClient(cmd).Call(cmd.Context(), &control.Request{
				Kind:     control.KindSpawn,
				TaskID:   args[0],
				Executor: opts.Executor,
				Model:    opts.Model,
			}, &d)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Started %s for %s (pid %d, executor %s)\n", d.AgentID, d.TaskID, d.PID, d.Executor)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Executor, "executor", "", "Override the task's executor")
	cmd.Flags().StringVar(&opts.Model, "model", "", "Override the task's model")
	return cmd
}
