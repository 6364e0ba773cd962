package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name            string
		globalFile      string // file name under the temp dir
		globalConfig    string
		projectFile     string
		projectConfig   string
		expectMaxAgents int
		expectExecutors int
		expectTick      time.Duration
		checkExecutor   string
		expectModel     string
		expectError     bool
	}{
		{
			name:            "No config files - returns defaults",
			expectMaxAgents: 4,
			expectExecutors: 4,
			expectTick:      10 * time.Second,
		},
		{
			name:            "Global JSON only - adds new executor",
			globalFile:      "global.json",
			globalConfig:    `{"executors": {"fast": {"type": "claude", "model": "haiku"}}}`,
			expectMaxAgents: 4,
			expectExecutors: 5,
			expectTick:      10 * time.Second,
			checkExecutor:   "fast",
			expectModel:     "haiku",
		},
		{
			name:            "Project YAML only - overrides scalars",
			projectFile:     "project.yaml",
			projectConfig:   "max_agents: 2\ntick_interval: 3s\n",
			expectMaxAgents: 2,
			expectExecutors: 4,
			expectTick:      3 * time.Second,
		},
		{
			name:            "Project TOML only - overrides executor",
			projectFile:     "project.toml",
			projectConfig:   "max_agents = 8\n\n[executors.claude]\ntype = \"claude\"\nmodel = \"opus\"\n",
			expectMaxAgents: 8,
			expectExecutors: 4,
			expectTick:      10 * time.Second,
			checkExecutor:   "claude",
			expectModel:     "opus",
		},
		{
			name:            "Project overrides global - project wins",
			globalFile:      "global.json",
			globalConfig:    `{"max_agents": 6, "tick_interval": "1m", "executors": {"claude": {"type": "claude", "model": "model-x"}}}`,
			projectFile:     "project.yml",
			projectConfig:   "max_agents: 1\nexecutors:\n  claude:\n    type: claude\n    model: model-y\n",
			expectMaxAgents: 1,
			expectExecutors: 4,
			expectTick:      time.Minute,
			checkExecutor:   "claude",
			expectModel:     "model-y",
		},
		{
			name:            "JSON number durations are seconds",
			globalFile:      "global.json",
			globalConfig:    `{"tick_interval": 2.5}`,
			expectExecutors: 4,
			expectMaxAgents: 4,
			expectTick:      2500 * time.Millisecond,
		},
		{
			name:          "Invalid result is rejected",
			projectFile:   "project.json",
			projectConfig: `{"max_agents": 0}`,
			expectError:   true,
		},
		{
			name:          "Unknown default executor is rejected",
			projectFile:   "project.json",
			projectConfig: `{"executor": "nope"}`,
			expectError:   true,
		},
		{
			name:          "Unknown key is rejected",
			projectFile:   "project.yaml",
			projectConfig: "max_agent: 3\n",
			expectError:   true,
		},
		{
			name:          "Unsupported extension",
			projectFile:   "project.ini",
			projectConfig: "max_agents=3",
			expectError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalFile != "" {
				globalPath = filepath.Join(tmpDir, tt.globalFile)
				if err := os.WriteFile(globalPath, []byte(tt.globalConfig), 0644); err != nil {
					t.Fatalf("writing global config: %v", err)
				}
			}

			projectPath := ""
			if tt.projectFile != "" {
				projectPath = filepath.Join(tmpDir, tt.projectFile)
				if err := os.WriteFile(projectPath, []byte(tt.projectConfig), 0644); err != nil {
					t.Fatalf("writing project config: %v", err)
				}
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.MaxAgents != tt.expectMaxAgents {
				t.Errorf("max_agents = %d, want %d", cfg.MaxAgents, tt.expectMaxAgents)
			}
			if got := len(cfg.Executors); got != tt.expectExecutors {
				t.Errorf("executors count = %d, want %d", got, tt.expectExecutors)
			}
			if cfg.TickInterval.D() != tt.expectTick {
				t.Errorf("tick_interval = %s, want %s", cfg.TickInterval, tt.expectTick)
			}
			if tt.checkExecutor != "" {
				ex, ok := cfg.Executors[tt.checkExecutor]
				if !ok {
					t.Fatalf("executor %q not found", tt.checkExecutor)
				}
				if ex.Model != tt.expectModel {
					t.Errorf("executor %q model = %q, want %q", tt.checkExecutor, ex.Model, tt.expectModel)
				}
				if ex.Command == "" {
					t.Errorf("executor %q command should default to its type", tt.checkExecutor)
				}
			}
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	tmpDir := t.TempDir()

	globalPath := filepath.Join(tmpDir, "global.json")
	if err := os.WriteFile(globalPath, []byte("{invalid json"), 0644); err != nil {
		t.Fatalf("writing malformed config: %v", err)
	}

	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
	if !strings.Contains(err.Error(), "global.json") {
		t.Errorf("error should mention the file, got %v", err)
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.toml")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.Executor != "claude" {
		t.Errorf("default executor = %q, want claude", cfg.Executor)
	}
	if len(cfg.Executors) != 4 {
		t.Errorf("executors count = %d, want 4", len(cfg.Executors))
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	if got := Find(dir); got != "" {
		t.Fatalf("Find on empty dir = %q, want empty", got)
	}

	for _, name := range []string{"config.toml", "config.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(""), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if got := Find(dir); filepath.Base(got) != "config.yaml" {
		t.Errorf("Find = %q, want config.yaml to win over config.toml", got)
	}
}

func TestPartialApply(t *testing.T) {
	base := DefaultConfig()
	maxAgents := 9
	enabled := true
	tick := Duration(time.Second)

	p := &Partial{
		MaxAgents:    &maxAgents,
		AutoAssign:   &enabled,
		TickInterval: &tick,
		Cooldown:     &CooldownConfig{Multiplier: 3},
		Executors:    map[string]ExecutorConfig{"echo": {Type: "shell"}},
	}
	cfg := p.Apply(base)

	if cfg.MaxAgents != 9 || !cfg.AutoAssign || cfg.TickInterval.D() != time.Second {
		t.Errorf("scalars not applied: %+v", cfg)
	}
	if cfg.Cooldown.Multiplier != 3 || cfg.Cooldown.Initial != base.Cooldown.Initial {
		t.Errorf("cooldown merge wrong: %+v", cfg.Cooldown)
	}
	if cfg.Executors["echo"].Command != "shell" {
		t.Errorf("executor command should default to type, got %q", cfg.Executors["echo"].Command)
	}
	if _, ok := base.Executors["echo"]; ok {
		t.Error("Apply must not mutate the base config")
	}
	if base.MaxAgents != 4 {
		t.Errorf("base max_agents changed to %d", base.MaxAgents)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *DaemonConfig)
		errSub string
	}{
		{"defaults are valid", func(c *DaemonConfig) {}, ""},
		{"zero agents", func(c *DaemonConfig) { c.MaxAgents = 0 }, "max_agents"},
		{"zero tick", func(c *DaemonConfig) { c.TickInterval = 0 }, "tick_interval"},
		{"negative heartbeat", func(c *DaemonConfig) { c.HeartbeatTimeout = -1 }, "heartbeat_timeout"},
		{"cooldown max below initial", func(c *DaemonConfig) { c.Cooldown.Max = 1 }, "cooldown.max"},
		{"multiplier below one", func(c *DaemonConfig) { c.Cooldown.Multiplier = 0.5 }, "multiplier"},
		{"unknown assigner", func(c *DaemonConfig) { c.AssignerExecutor = "ghost" }, "assigner_executor"},
		{"executor without type", func(c *DaemonConfig) { c.Executors["bad"] = ExecutorConfig{} }, "no type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.errSub)
			}
		})
	}
}
