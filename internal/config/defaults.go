package config

import "time"

// DefaultConfig returns the default configuration with the built-in executors.
func DefaultConfig() *DaemonConfig {
	return &DaemonConfig{
		MaxAgents:        4,
		TickInterval:     Duration(10 * time.Second),
		PollInterval:     Duration(100 * time.Millisecond),
		HeartbeatTimeout: 0,
		KillGrace:        Duration(5 * time.Second),
		RequestTimeout:   Duration(2 * time.Second),
		Executor:         "claude",
		Executors: map[string]ExecutorConfig{
			"claude": {
				Type:    "claude",
				Command: "claude",
			},
			"codex": {
				Type:    "codex",
				Command: "codex",
			},
			"goose": {
				Type:    "goose",
				Command: "goose",
			},
			"shell": {
				Type:    "shell",
				Command: "sh",
			},
		},
		Cooldown: CooldownConfig{
			Initial:    Duration(30 * time.Second),
			Max:        Duration(10 * time.Minute),
			Multiplier: 2,
		},
		Breaker: BreakerConfig{
			Failures:    5,
			OpenTimeout: Duration(time.Minute),
		},
	}
}
