package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutorConfig defines how a worker for a task is launched: the CLI binary,
// its base arguments and the settings passed on every invocation.
// Several executors can share one binary with different models or prompts.
type ExecutorConfig struct {
	Type         string            `json:"type" yaml:"type" toml:"type"`                                           // Command builder: "claude", "codex", "goose", "shell"
	Command      string            `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`    // Binary name; defaults to Type
	Args         []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`             // Appended to every invocation
	Model        string            `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`          // Model unless the task names one
	Provider     string            `json:"provider,omitempty" yaml:"provider,omitempty" toml:"provider,omitempty"` // goose only
	SystemPrompt string            `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" toml:"system_prompt,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
}

// CooldownConfig shapes the delay before a task is dispatched again after
// consecutive spawn failures: initial * multiplier^(n-1), capped at max.
type CooldownConfig struct {
	Initial    Duration `json:"initial" yaml:"initial" toml:"initial"`
	Max        Duration `json:"max" yaml:"max" toml:"max"`
	Multiplier float64  `json:"multiplier" yaml:"multiplier" toml:"multiplier"`
}

// BreakerConfig configures the per-executor circuit breaker around spawning.
type BreakerConfig struct {
	Failures    uint32   `json:"failures" yaml:"failures" toml:"failures"`             // Consecutive spawn failures before opening
	OpenTimeout Duration `json:"open_timeout" yaml:"open_timeout" toml:"open_timeout"` // Time spent open before a trial spawn
}

// DaemonConfig is the top-level configuration of the coordinator daemon.
type DaemonConfig struct {
	MaxAgents        int      `json:"max_agents" yaml:"max_agents" toml:"max_agents"`
	TickInterval     Duration `json:"tick_interval" yaml:"tick_interval" toml:"tick_interval"`
	PollInterval     Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	HeartbeatTimeout Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout" toml:"heartbeat_timeout"` // 0 disables the heartbeat signal
	KillGrace        Duration `json:"kill_grace" yaml:"kill_grace" toml:"kill_grace"`
	RequestTimeout   Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`

	Executor  string                    `json:"executor" yaml:"executor" toml:"executor"` // Used when a task names none
	Executors map[string]ExecutorConfig `json:"executors" yaml:"executors" toml:"executors"`

	AutoAssign        bool   `json:"auto_assign" yaml:"auto_assign" toml:"auto_assign"`
	AutoEvaluate      bool   `json:"auto_evaluate" yaml:"auto_evaluate" toml:"auto_evaluate"`
	AssignerExecutor  string `json:"assigner_executor,omitempty" yaml:"assigner_executor,omitempty" toml:"assigner_executor,omitempty"`
	EvaluatorExecutor string `json:"evaluator_executor,omitempty" yaml:"evaluator_executor,omitempty" toml:"evaluator_executor,omitempty"`

	Cooldown CooldownConfig `json:"cooldown" yaml:"cooldown" toml:"cooldown"`
	Breaker  BreakerConfig  `json:"breaker" yaml:"breaker" toml:"breaker"`

	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty" toml:"metrics_addr,omitempty"` // Empty disables /metrics
}

// Clone returns a deep copy of the configuration.
func (c *DaemonConfig) Clone() *DaemonConfig {
	cp := *c
	cp.Executors = make(map[string]ExecutorConfig, len(c.Executors))
	for name, ex := range c.Executors {
		ex.Args = append([]string(nil), ex.Args...)
		if ex.Env != nil {
			env := make(map[string]string, len(ex.Env))
			for k, v := range ex.Env {
				env[k] = v
			}
			ex.Env = env
		}
		cp.Executors[name] = ex
	}
	return &cp
}

// Duration is a time.Duration that reads and writes as a Go duration string
// ("10s", "1m30s") in every supported file format. JSON numbers are read as
// seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}
