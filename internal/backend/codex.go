package backend

import "github.com/aristath/swarmd/internal/config"

// CodexExecutor is the Codex CLI executor.
// It uses the `codex exec` subcommand, which runs one prompt to completion.
type CodexExecutor struct {
	name string
	cfg  config.ExecutorConfig
}

func (e *CodexExecutor) Name() string { return e.name }

func (e *CodexExecutor) Command(req Request) (Command, error) {
	return newInvocation(e.cfg, req, e.buildArgs(req)), nil
}

// buildArgs constructs the command arguments for codex CLI:
// ["exec", prompt, "--json", ("--model", m)]
func (e *CodexExecutor) buildArgs(req Request) []string {
	args := []string{"exec", Prompt(req), "--json"}

	if m := model(e.cfg, req); m != "" {
		args = append(args, "--model", m)
	}

	return args
}
