// Package config loads foreman's YAML configuration: engine concurrency,
// the gateway's HTTP surface, operational retention, and per-agent-kind
// defaults merged onto each submitted task.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// AgentDefault holds the settings applied to every task of one agent kind
// (claude, codex, cursor, gemini, ...) unless the task overrides them.
type AgentDefault struct {
	Model          string   `yaml:"model,omitempty"`
	MCPConfig      []string `yaml:"mcp_config,omitempty"`
	AllowedTools   []string `yaml:"allowed_tools,omitempty"`
	DisallowedTools []string `yaml:"disallowed_tools,omitempty"`
	AutoApprove    bool     `yaml:"auto_approve,omitempty"`
	Yolo           bool     `yaml:"yolo,omitempty"`
}

// Config is foreman's top-level configuration, loaded from
// $GOFOREMAN_HOME/config.yaml.
type Config struct {
	HomeDir string `yaml:"-"`

	// MaxConcurrent bounds how many tasks the engine runs at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DrainTimeoutSeconds bounds how long shutdown waits for in-flight
	// tasks before escalating to SIGKILL.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// RetentionTaskEventsDays/RetentionProcessEventsDays bound how long the
	// operational audit trail keeps rows. 0 means keep forever.
	RetentionTaskEventsDays    int `yaml:"retention_task_events_days"`
	RetentionProcessEventsDays int `yaml:"retention_process_events_days"`

	// AgentDefaults maps an agent kind ("claude", "codex", "cursor",
	// "gemini", "qwen", "copilot") to the settings merged onto its tasks.
	AgentDefaults map[string]AgentDefault `yaml:"agent_defaults"`

	HTTP HTTPConfig `yaml:"http"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		MaxConcurrent:              3,
		BindAddr:                   "127.0.0.1:18789",
		LogLevel:                   "info",
		DrainTimeoutSeconds:        5,
		RetentionTaskEventsDays:    90,
		RetentionProcessEventsDays: 90,
	}
}

// HomeDir returns foreman's state directory, honoring $GOFOREMAN_HOME.
func HomeDir() string {
	if override := os.Getenv("GOFOREMAN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goforeman")
}

// Load reads config.yaml from HomeDir(), applying defaults and environment
// overrides. A missing config.yaml is not an error: NeedsGenesis is set so
// callers can write out a starter file.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create foreman home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18789"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOFOREMAN_MAX_CONCURRENT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrent = v
		}
	}
	if raw := os.Getenv("GOFOREMAN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GOFOREMAN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOFOREMAN_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
}

// Fingerprint returns a stable hash of the active config, useful for log
// correlation across a reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "concurrent=%d|bind=%s|log=%s|drain=%d",
		c.MaxConcurrent, c.BindAddr, c.LogLevel, c.DrainTimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// loadRawConfig reads config.yaml into a generic map, returning an empty
// map if the file doesn't exist. Used by the Set* helpers below, which
// round-trip through a map rather than Config so an update doesn't clobber
// fields the loaded struct doesn't know about.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetMaxConcurrent updates max_concurrent in config.yaml, preserving other
// settings.
func SetMaxConcurrent(homeDir string, n int) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["max_concurrent"] = n
	return saveRawConfig(configPath, raw)
}
