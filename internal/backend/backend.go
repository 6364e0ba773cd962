package backend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/swarmd/internal/config"
)

// Executor turns a launch request into the command line of a worker CLI.
type Executor interface {
	// Name returns the configured executor name.
	Name() string

	// Command builds the invocation for req.
	Command(req Request) (Command, error)
}

// New creates an executor based on the provided configuration.
// This factory function switches on cfg.Type and returns the appropriate builder.
func New(name string, cfg config.ExecutorConfig) (Executor, error) {
	if cfg.Command == "" {
		cfg.Command = cfg.Type
	}
	switch cfg.Type {
	case "claude":
		return &ClaudeExecutor{name: name, cfg: cfg}, nil
	case "codex":
		return &CodexExecutor{name: name, cfg: cfg}, nil
	case "goose":
		return &GooseExecutor{name: name, cfg: cfg}, nil
	case "shell":
		return &ShellExecutor{name: name, cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown executor type: %s", cfg.Type)
	}
}

// NewAll builds every executor in cfgs, keyed by name.
func NewAll(cfgs map[string]config.ExecutorConfig) (map[string]Executor, error) {
	out := make(map[string]Executor, len(cfgs))
	for name, c := range cfgs {
		ex, err := New(name, c)
		if err != nil {
			return nil, fmt.Errorf("executor %s: %w", name, err)
		}
		out[name] = ex
	}
	return out, nil
}

// Prompt renders the instructions handed to an agent CLI.
func Prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, working on task %s: %s\n", req.AgentID, req.TaskID, req.Title)
	if req.Identity != "" {
		fmt.Fprintf(&b, "Act as the %s.\n", req.Identity)
	}
	if req.Description != "" {
		b.WriteString("\n")
		b.WriteString(req.Description)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nWhen finished, run `swarmd task done %s`. If you cannot finish, run `swarmd task fail %s --reason \"...\"`.\n",
		req.TaskID, req.TaskID)
	return b.String()
}

// newInvocation fills in everything but the arguments.
func newInvocation(cfg config.ExecutorConfig, req Request, args []string) Command {
	env := make([]string, 0, len(cfg.Env)+3)
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	env = append(env,
		EnvAgentID+"="+req.AgentID,
		EnvTaskID+"="+req.TaskID,
		EnvDir+"="+req.SwarmDir,
	)

	return Command{
		Path:       cfg.Command,
		Args:       append(args, cfg.Args...),
		Dir:        req.WorkDir,
		Env:        env,
		OutputFile: req.OutputFile,
	}
}

func model(cfg config.ExecutorConfig, req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return cfg.Model
}
