package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileNames lists the config file names looked up in a directory, in order.
var FileNames = []string{"config.json", "config.yaml", "config.yml", "config.toml"}

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// The format follows the file extension (.json, .yaml/.yml, .toml).
// Missing files are not errors; malformed files and invalid results are.
func Load(globalPath, projectPath string) (*DaemonConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		merged, err := mergeConfigFile(cfg, globalPath)
		if err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
		cfg = merged
	}

	if projectPath != "" {
		merged, err := mergeConfigFile(cfg, projectPath)
		if err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
		cfg = merged
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.swarmd/config.{json,yaml,yml,toml}
// Project: <swarmDir>/config.{json,yaml,yml,toml}
func LoadDefault(swarmDir string) (*DaemonConfig, error) {
	globalPath := ""
	if homeDir, err := os.UserHomeDir(); err == nil {
		globalPath = Find(filepath.Join(homeDir, ".swarmd"))
	}
	return Load(globalPath, Find(swarmDir))
}

// Find returns the first config file present in dir, or "" if none is.
func Find(dir string) string {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ParsePartial decodes a config overlay in the given format ("json", "yaml",
// "toml"). Unknown keys are rejected so typos do not go unnoticed.
func ParsePartial(data []byte, format string) (*Partial, error) {
	var p Partial
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, err
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	case "toml":
		md, err := toml.Decode(string(data), &p)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys: %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	return &p, nil
}

// formatOf maps a file extension to a ParsePartial format.
func formatOf(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// mergeConfigFile reads a config file and merges it over base.
// Missing files are silently skipped.
func mergeConfigFile(base *DaemonConfig, path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return base, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	p, err := ParsePartial(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return p.Apply(base), nil
}

// ReadPartial reads a config overlay file, choosing the format by extension.
func ReadPartial(path string) (*Partial, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParsePartial(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return p, nil
}
