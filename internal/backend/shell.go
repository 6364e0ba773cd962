package backend

import (
	"fmt"
	"strings"

	"github.com/aristath/swarmd/internal/config"
)

// ShellExecutor runs the task description as a shell script. It needs no
// agent CLI, which makes it the executor of choice for scripted pipelines
// and for exercising the daemon.
type ShellExecutor struct {
	name string
	cfg  config.ExecutorConfig
}

func (e *ShellExecutor) Name() string { return e.name }

// Command returns `<command> [args...] -c <description>`.
func (e *ShellExecutor) Command(req Request) (Command, error) {
	script := strings.TrimSpace(req.Description)
	if script == "" {
		return Command{}, fmt.Errorf("task %s has no description to run", req.TaskID)
	}
	// Config args are shell options here and must precede -c.
	args := append(append([]string(nil), e.cfg.Args...), "-c", script)
	cfg := e.cfg
	cfg.Args = nil
	return newInvocation(cfg, req, args), nil
}
