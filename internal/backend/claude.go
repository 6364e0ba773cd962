package backend

import "github.com/aristath/swarmd/internal/config"

// ClaudeExecutor launches workers through the Claude Code CLI.
type ClaudeExecutor struct {
	name string
	cfg  config.ExecutorConfig
}

func (e *ClaudeExecutor) Name() string { return e.name }

// Command builds a non-interactive `claude -p` invocation.
func (e *ClaudeExecutor) Command(req Request) (Command, error) {
	return newInvocation(e.cfg, req, e.buildArgs(req)), nil
}

// buildArgs constructs the command-line arguments for the claude CLI.
func (e *ClaudeExecutor) buildArgs(req Request) []string {
	args := []string{"-p", Prompt(req), "--output-format", "json"}

	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}

	// Add optional model override
	if m := model(e.cfg, req); m != "" {
		args = append(args, "--model", m)
	}

	// Add optional system prompt
	if e.cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", e.cfg.SystemPrompt)
	}

	return args
}
