package backend

import "github.com/aristath/swarmd/internal/config"

// GooseExecutor launches workers through the Goose CLI.
// Goose supports local LLM providers (Ollama, LM Studio, llama.cpp) via --provider and --model flags.
type GooseExecutor struct {
	name string
	cfg  config.ExecutorConfig
}

func (e *GooseExecutor) Name() string { return e.name }

func (e *GooseExecutor) Command(req Request) (Command, error) {
	return newInvocation(e.cfg, req, e.buildArgs(req)), nil
}

// buildArgs constructs the command-line arguments for the Goose CLI.
// The session is named after the agent so `goose session` can find it later.
func (e *GooseExecutor) buildArgs(req Request) []string {
	args := []string{"run", "--text", Prompt(req), "--name", "swarmd-" + req.AgentID}

	// Local LLM support: --provider and --model flags
	if e.cfg.Provider != "" {
		args = append(args, "--provider", e.cfg.Provider)
	}
	if m := model(e.cfg, req); m != "" {
		args = append(args, "--model", m)
	}

	if e.cfg.SystemPrompt != "" {
		args = append(args, "--system", e.cfg.SystemPrompt)
	}

	return args
}
