// Package config loads and validates the gateway configuration from JSON
// or YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	// Port is the management API listen port.
	Port int `json:"port" yaml:"port"`

	// DataDir holds the database and the credential key file.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`

	Database DatabaseConfig `json:"database" yaml:"database"`
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Gateway  GatewayConfig  `json:"gateway,omitempty" yaml:"gateway,omitempty"`

	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path to the SQLite file. Derived from DataDir when empty.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// KeyFile holds the credential encryption key. Derived from DataDir
	// when empty.
	KeyFile string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// AgentConfig selects the default agent backend for new sessions.
type AgentConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	// APIKey supports ${ENV_VAR} expansion.
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// GatewayConfig tunes routing behavior.
type GatewayConfig struct {
	// StreamEditIntervalMs is the minimum gap between streaming message
	// edits. Zero means the built-in default.
	StreamEditIntervalMs int `json:"stream_edit_interval_ms,omitempty" yaml:"stream_edit_interval_ms,omitempty"`

	// SessionMaxIdleHours is the staleness cutoff for the session sweep.
	SessionMaxIdleHours int `json:"session_max_idle_hours,omitempty" yaml:"session_max_idle_hours,omitempty"`

	// PairingTTLMinutes is the lifetime of a pairing code. Zero means the
	// built-in default.
	PairingTTLMinutes int `json:"pairing_ttl_minutes,omitempty" yaml:"pairing_ttl_minutes,omitempty"`
}

// Default returns a configuration that works out of the box.
func Default() *Config {
	return &Config{
		Port:    8817,
		DataDir: "./data",
		Agent: AgentConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-20250514",
			APIKey:   "${ANTHROPIC_API_KEY}",
			BaseURL:  "http://localhost:8808",
		},
		Gateway: GatewayConfig{
			SessionMaxIdleHours: 72,
		},
	}
}

// Load reads the configuration at path, creating a default file if none
// exists. The format follows the file extension: .yaml/.yml or .json.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		fmt.Printf("Created default configuration at %s\n", path)
		cfg.applyDerived()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnvVars()
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to path, matching the format to the file
// extension.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandEnvVars expands ${ENV_VAR} placeholders in configuration values.
func (c *Config) expandEnvVars() {
	c.DataDir = os.ExpandEnv(c.DataDir)
	c.Database.Path = os.ExpandEnv(c.Database.Path)
	c.Database.KeyFile = os.ExpandEnv(c.Database.KeyFile)
	c.Agent.APIKey = os.ExpandEnv(c.Agent.APIKey)
	c.Agent.BaseURL = os.ExpandEnv(c.Agent.BaseURL)
}

// applyDerived fills in paths derived from DataDir.
func (c *Config) applyDerived() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "courier.db")
	}
	if c.Database.KeyFile == "" {
		c.Database.KeyFile = filepath.Join(c.DataDir, "secret.key")
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Agent.Provider == "" {
		return fmt.Errorf("agent.provider is required")
	}
	if c.Agent.Model == "" {
		return fmt.Errorf("agent.model is required")
	}
	if c.Gateway.StreamEditIntervalMs < 0 {
		return fmt.Errorf("gateway.stream_edit_interval_ms cannot be negative")
	}
	if c.Gateway.SessionMaxIdleHours < 0 {
		return fmt.Errorf("gateway.session_max_idle_hours cannot be negative")
	}
	if c.Gateway.PairingTTLMinutes < 0 {
		return fmt.Errorf("gateway.pairing_ttl_minutes cannot be negative")
	}
	return nil
}
