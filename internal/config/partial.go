package config

import (
	"errors"
	"fmt"
)

// Partial is a configuration overlay: nil fields leave the base untouched.
// Config files are decoded into a Partial before being merged, and the
// control channel's reconfigure request carries one.
type Partial struct {
	MaxAgents        *int      `json:"max_agents,omitempty" yaml:"max_agents,omitempty" toml:"max_agents,omitempty"`
	TickInterval     *Duration `json:"tick_interval,omitempty" yaml:"tick_interval,omitempty" toml:"tick_interval,omitempty"`
	PollInterval     *Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
	HeartbeatTimeout *Duration `json:"heartbeat_timeout,omitempty" yaml:"heartbeat_timeout,omitempty" toml:"heartbeat_timeout,omitempty"`
	KillGrace        *Duration `json:"kill_grace,omitempty" yaml:"kill_grace,omitempty" toml:"kill_grace,omitempty"`
	RequestTimeout   *Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty" toml:"request_timeout,omitempty"`

	Executor  *string                   `json:"executor,omitempty" yaml:"executor,omitempty" toml:"executor,omitempty"`
	Executors map[string]ExecutorConfig `json:"executors,omitempty" yaml:"executors,omitempty" toml:"executors,omitempty"`

	AutoAssign        *bool   `json:"auto_assign,omitempty" yaml:"auto_assign,omitempty" toml:"auto_assign,omitempty"`
	AutoEvaluate      *bool   `json:"auto_evaluate,omitempty" yaml:"auto_evaluate,omitempty" toml:"auto_evaluate,omitempty"`
	AssignerExecutor  *string `json:"assigner_executor,omitempty" yaml:"assigner_executor,omitempty" toml:"assigner_executor,omitempty"`
	EvaluatorExecutor *string `json:"evaluator_executor,omitempty" yaml:"evaluator_executor,omitempty" toml:"evaluator_executor,omitempty"`

	Cooldown *CooldownConfig `json:"cooldown,omitempty" yaml:"cooldown,omitempty" toml:"cooldown,omitempty"`
	Breaker  *BreakerConfig  `json:"breaker,omitempty" yaml:"breaker,omitempty" toml:"breaker,omitempty"`

	MetricsAddr *string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty" toml:"metrics_addr,omitempty"`
}

// Apply overlays p onto a copy of base and returns the result.
// Executors are merged by name. Zero fields of a nested cooldown or breaker
// block keep the base value.
func (p *Partial) Apply(base *DaemonConfig) *DaemonConfig {
	cfg := base.Clone()
	if p == nil {
		return cfg
	}

	setInt(&cfg.MaxAgents, p.MaxAgents)
	setDuration(&cfg.TickInterval, p.TickInterval)
	setDuration(&cfg.PollInterval, p.PollInterval)
	setDuration(&cfg.HeartbeatTimeout, p.HeartbeatTimeout)
	setDuration(&cfg.KillGrace, p.KillGrace)
	setDuration(&cfg.RequestTimeout, p.RequestTimeout)
	setString(&cfg.Executor, p.Executor)
	setBool(&cfg.AutoAssign, p.AutoAssign)
	setBool(&cfg.AutoEvaluate, p.AutoEvaluate)
	setString(&cfg.AssignerExecutor, p.AssignerExecutor)
	setString(&cfg.EvaluatorExecutor, p.EvaluatorExecutor)
	setString(&cfg.MetricsAddr, p.MetricsAddr)

	for name, ex := range p.Executors {
		if ex.Command == "" {
			ex.Command = ex.Type
		}
		cfg.Executors[name] = ex
	}

	if c := p.Cooldown; c != nil {
		if c.Initial > 0 {
			cfg.Cooldown.Initial = c.Initial
		}
		if c.Max > 0 {
			cfg.Cooldown.Max = c.Max
		}
		if c.Multiplier > 0 {
			cfg.Cooldown.Multiplier = c.Multiplier
		}
	}
	if b := p.Breaker; b != nil {
		if b.Failures > 0 {
			cfg.Breaker.Failures = b.Failures
		}
		if b.OpenTimeout > 0 {
			cfg.Breaker.OpenTimeout = b.OpenTimeout
		}
	}
	return cfg
}

// Validate reports the first problem that would make the daemon misbehave.
func (c *DaemonConfig) Validate() error {
	switch {
	case c.MaxAgents < 1:
		return fmt.Errorf("max_agents must be at least 1, got %d", c.MaxAgents)
	case c.TickInterval <= 0:
		return errors.New("tick_interval must be positive")
	case c.PollInterval <= 0:
		return errors.New("poll_interval must be positive")
	case c.HeartbeatTimeout < 0:
		return errors.New("heartbeat_timeout must not be negative")
	case c.KillGrace < 0:
		return errors.New("kill_grace must not be negative")
	case c.RequestTimeout <= 0:
		return errors.New("request_timeout must be positive")
	case c.Cooldown.Initial <= 0:
		return errors.New("cooldown.initial must be positive")
	case c.Cooldown.Max < c.Cooldown.Initial:
		return errors.New("cooldown.max must not be below cooldown.initial")
	case c.Cooldown.Multiplier < 1:
		return fmt.Errorf("cooldown.multiplier must be at least 1, got %v", c.Cooldown.Multiplier)
	case c.Breaker.Failures < 1:
		return errors.New("breaker.failures must be at least 1")
	}

	for name, ex := range c.Executors {
		if ex.Type == "" {
			return fmt.Errorf("executor %q has no type", name)
		}
	}
	for field, name := range map[string]string{
		"executor":           c.Executor,
		"assigner_executor":  c.AssignerExecutor,
		"evaluator_executor": c.EvaluatorExecutor,
	} {
		if name == "" && field != "executor" {
			continue
		}
		if _, ok := c.Executors[name]; !ok {
			return fmt.Errorf("%s: unknown executor %q", field, name)
		}
	}
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *Duration, v *Duration) {
	if v != nil {
		*dst = *v
	}
}
