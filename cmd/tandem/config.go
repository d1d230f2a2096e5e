// Package main provides the operator entry point for the Tandem execution
// core.
//
// config.go holds the process configuration loaded from a YAML file.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/tandem/internal/observability"
	"gopkg.in/yaml.v3"
)

// Config is the operator process configuration. Everything here is wiring:
// listen addresses, file paths and provider credentials. Component behavior
// is configured through each component's own typed config.
type Config struct {
	// DataDir roots the session store, memory database and tool history.
	DataDir string `yaml:"data_dir"`

	// Sidecar is the LLM sidecar's gRPC address.
	Sidecar struct {
		Target string `yaml:"target"`
	} `yaml:"sidecar"`

	// Gateway exposes the hub's envelope stream over websocket.
	Gateway struct {
		Listen string `yaml:"listen"`
	} `yaml:"gateway"`

	// Sessions selects the session store backend.
	Sessions struct {
		// Backend is "file" (default) or "postgres".
		Backend string `yaml:"backend"`
		// DSN for the postgres backend.
		DSN string `yaml:"dsn"`
	} `yaml:"sessions"`

	// Memory configures the embedding backend.
	Memory struct {
		// Provider is "openai", "gemini" or "" (disabled).
		Provider  string `yaml:"provider"`
		APIKey    string `yaml:"api_key"`
		Model     string `yaml:"model"`
		Dimension int    `yaml:"dimension"`
		// CleanupSchedule is a cron expression for retention cleanup.
		CleanupSchedule string `yaml:"cleanup_schedule"`
	} `yaml:"memory"`

	// ToolHistory configures payload archival and sweeps.
	ToolHistory struct {
		ArchiveBucket string `yaml:"archive_bucket"`
		ArchiveRegion string `yaml:"archive_region"`
		SweepSchedule string `yaml:"sweep_schedule"`
	} `yaml:"tool_history"`

	// Providers holds LLM provider credentials for the local sidecar-side
	// adapters.
	Providers struct {
		Anthropic struct {
			APIKey string `yaml:"api_key"`
			Model  string `yaml:"model"`
		} `yaml:"anthropic"`
		Gemini struct {
			APIKey string `yaml:"api_key"`
			Model  string `yaml:"model"`
		} `yaml:"gemini"`
		Bedrock struct {
			Region string `yaml:"region"`
			Model  string `yaml:"model"`
		} `yaml:"bedrock"`
	} `yaml:"providers"`

	Log     observability.LogConfig   `yaml:"log"`
	Tracing observability.TraceConfig `yaml:"tracing"`
}

// defaultConfigPath is where the operator config lives unless overridden.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tandem.yaml"
	}
	return filepath.Join(home, ".tandem", "tandem.yaml")
}

// loadConfig reads the YAML config, applying defaults for absent fields. A
// missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".tandem")
	}
	if cfg.Sidecar.Target == "" {
		cfg.Sidecar.Target = "127.0.0.1:43017"
	}
	if cfg.Gateway.Listen == "" {
		cfg.Gateway.Listen = "127.0.0.1:43018"
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "file"
	}
	if cfg.Memory.Dimension == 0 {
		cfg.Memory.Dimension = 1536
	}
	return cfg, nil
}

// saveConfig writes the config back, creating the directory when needed.
func saveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
