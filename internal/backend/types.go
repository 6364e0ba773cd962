package backend

// Request describes one worker launch for a task.
type Request struct {
	AgentID     string
	TaskID      string
	Title       string
	Description string
	Identity    string // Worker profile, e.g. "assigner" for assignment gates
	Model       string // Overrides the executor's model when set
	SessionID   string // Passed to CLIs that support named sessions

	WorkDir    string // Working directory of the worker
	SwarmDir   string // State directory, exported as SWARM_DIR
	OutputFile string // Combined stdout/stderr; empty discards output
}

// Command is a fully resolved process invocation.
type Command struct {
	Path       string
	Args       []string
	Dir        string
	Env        []string // KEY=VALUE pairs added to the daemon's environment
	OutputFile string
}

// Environment variables every worker receives.
const (
	EnvAgentID = "SWARM_AGENT_ID"
	EnvTaskID  = "SWARM_TASK_ID"
	EnvDir     = "SWARM_DIR"
)
