// Package config loads, saves, and watches Glimpse configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds all Glimpse configuration.
type Config struct {
	// LLM provider connection
	LLM LLMConfig `yaml:"llm"`

	// Capture escalation budgets
	Capture CaptureConfig `yaml:"capture"`

	// Session behavior
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the generation provider.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// CaptureConfig configures the selection capture escalation.
type CaptureConfig struct {
	FastBudgetMS       int `yaml:"fast_budget_ms"`
	SettleDelayMS      int `yaml:"settle_delay_ms"`
	ContextualBudgetMS int `yaml:"contextual_budget_ms"`
}

// SessionConfig configures session timing and limits.
type SessionConfig struct {
	AutoDismissMS    int    `yaml:"auto_dismiss_ms"`
	RepairTimeoutMS  int    `yaml:"repair_timeout_ms"`
	MaxOutputTokens  int    `yaml:"max_output_tokens"`
	DiagnosticsPath  string `yaml:"diagnostics_path"`
	PersistOutcomes  bool   `yaml:"persist_outcomes"`
	HistoryRetention int    `yaml:"history_retention_days"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Debug      bool     `yaml:"debug"`
	Level      string   `yaml:"level"`
	Categories []string `yaml:"categories"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:   "gpt-4o-mini",
			BaseURL: "https://api.openai.com/v1",
			Timeout: "2m",
		},
		Capture: CaptureConfig{
			FastBudgetMS:       90,
			SettleDelayMS:      90,
			ContextualBudgetMS: 450,
		},
		Session: SessionConfig{
			AutoDismissMS:    2500,
			RepairTimeoutMS:  3000,
			MaxOutputTokens:  0,
			PersistOutcomes:  true,
			HistoryRetention: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "glimpse.yaml"
	}
	return filepath.Join(home, ".glimpse", "config.yaml")
}

// Load reads configuration from a YAML file, falling back to defaults
// when the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes configuration to a YAML file, creating the directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides, most specific
// last so GLIMPSE_* wins.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GLIMPSE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("GLIMPSE_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if url := os.Getenv("GLIMPSE_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
}

// =============================================================================
// LIVE SETTINGS
// =============================================================================

// Settings is a thread-safe view over the current config. It implements
// the session layer's read-only settings interface and absorbs watcher
// reloads without restarting anything.
type Settings struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSettings wraps a loaded config.
func NewSettings(cfg *Config) *Settings {
	return &Settings{cfg: cfg}
}

// APIKey returns the current provider key.
func (s *Settings) APIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.LLM.APIKey
}

// ModelName returns the current model.
func (s *Settings) ModelName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.LLM.Model
}

// Current returns a copy of the whole config.
func (s *Settings) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// Replace swaps in a newly loaded config.
func (s *Settings) Replace(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}
