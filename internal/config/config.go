// Package config loads driver configuration from YAML files.
// Environment variable references in the file are expanded before
// parsing, so API keys can stay out of the file itself:
//
//	backend:
//	  name: anthropic
//	  options:
//	    model_name: claude-sonnet-4-20250514
//	    api_key: ${ANTHROPIC_API_KEY}
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the relm CLI and library callers.
type Config struct {
	// Backend is the root model backend.
	Backend BackendConfig `yaml:"backend"`

	// OtherBackends lists auxiliary backends addressable by model name
	// from llm_query calls.
	OtherBackends []BackendConfig `yaml:"other_backends"`

	// Environment selects and configures the execution environment.
	Environment EnvironmentConfig `yaml:"environment"`

	// MaxDepth bounds recursion. Only 1 is supported. Default 1.
	MaxDepth int `yaml:"max_depth"`

	// MaxIterations bounds the turn loop. Default 30.
	MaxIterations int `yaml:"max_iterations"`

	// SystemPromptFile points at a custom system prompt. Optional.
	SystemPromptFile string `yaml:"system_prompt_file"`

	// Trajectory configures JSON-lines trajectory logging.
	Trajectory TrajectoryConfig `yaml:"trajectory"`

	// Verbose enables styled console output.
	Verbose bool `yaml:"verbose"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig names a client backend and its option map.
type BackendConfig struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// EnvironmentConfig selects an environment kind and its option map.
type EnvironmentConfig struct {
	Kind    string         `yaml:"kind"`
	Options map[string]any `yaml:"options"`
}

// TrajectoryConfig configures the trajectory logger.
type TrajectoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Name    string `yaml:"name"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default info.
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend:       BackendConfig{Name: "anthropic"},
		Environment:   EnvironmentConfig{Kind: "local"},
		MaxDepth:      1,
		MaxIterations: 30,
		Trajectory:    TrajectoryConfig{Dir: "logs", Name: "rlm"},
		Logging:       LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file, expands ${VAR} references, and applies
// defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend.Name == "" {
		c.Backend.Name = "anthropic"
	}
	if c.Environment.Kind == "" {
		c.Environment.Kind = "local"
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 1
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 30
	}
	if c.Trajectory.Dir == "" {
		c.Trajectory.Dir = "logs"
	}
	if c.Trajectory.Name == "" {
		c.Trajectory.Name = "rlm"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if c.MaxDepth > 1 {
		return fmt.Errorf("config: max_depth %d is not supported; only 1", c.MaxDepth)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("config: max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	for i, other := range c.OtherBackends {
		if other.Name == "" {
			return fmt.Errorf("config: other_backends[%d] is missing a name", i)
		}
	}
	return nil
}
