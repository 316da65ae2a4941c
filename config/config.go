// Package config holds the application configuration: account identity, the
// file paths every persisted store writes to, logging, handler behavior, and
// the monitor/drawdown schedules.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Account   AccountConfig   `json:"account" yaml:"account"`
	Files     FilesConfig     `json:"files" yaml:"files"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Handlers  HandlersConfig  `json:"handlers" yaml:"handlers"`
	Monitor   MonitorConfig   `json:"monitor" yaml:"monitor"`
	Drawdown  DrawdownConfig  `json:"drawdown" yaml:"drawdown"`
	Extractor ExtractorConfig `json:"extractor" yaml:"extractor"`
}

// ExtractorConfig points at the completion service used for signal
// extraction. The API key is read from the named environment variable, never
// stored in the file.
type ExtractorConfig struct {
	URL       string `json:"url" yaml:"url"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout   string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func (e ExtractorConfig) ParseTimeout() (time.Duration, error) { return parseDuration(e.Timeout) }

type AccountConfig struct {
	ID string `json:"id" yaml:"id"`
}

// FilesConfig names every file the copier persists state to.
type FilesConfig struct {
	RiskConfig    string `json:"risk_config" yaml:"risk_config"`
	DrawdownState string `json:"drawdown_state" yaml:"drawdown_state"`
	OrderCache    string `json:"order_cache" yaml:"order_cache"`
	JournalDB     string `json:"journal_db" yaml:"journal_db"`
}

type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

type HandlersConfig struct {
	// Preset picks the management defaults: conservative, balanced or
	// aggressive.
	Preset string `json:"preset" yaml:"preset"`
	// FallbackProtection lets the missed-signal handler cancel all pending
	// orders on an instrument when no tracked signal matches.
	FallbackProtection bool `json:"fallback_protection" yaml:"fallback_protection"`
}

// MonitorConfig intervals are duration strings ("3s", "5m").
type MonitorConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ActivePoll string `json:"active_poll,omitempty" yaml:"active_poll,omitempty"`
	IdlePoll   string `json:"idle_poll,omitempty" yaml:"idle_poll,omitempty"`
	Cooldown   string `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

func (m MonitorConfig) ParseActivePoll() (time.Duration, error) { return parseDuration(m.ActivePoll) }
func (m MonitorConfig) ParseIdlePoll() (time.Duration, error)   { return parseDuration(m.IdlePoll) }
func (m MonitorConfig) ParseCooldown() (time.Duration, error)   { return parseDuration(m.Cooldown) }

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

type DrawdownConfig struct {
	// Percent of the balance tier allowed as daily drawdown.
	Percent float64 `json:"percent" yaml:"percent"`
	// ResetHour/ResetMinute are wall-clock in Timezone.
	ResetHour   int    `json:"reset_hour" yaml:"reset_hour"`
	ResetMinute int    `json:"reset_minute" yaml:"reset_minute"`
	Timezone    string `json:"timezone" yaml:"timezone"`
}

// Location resolves the configured timezone, defaulting to local time.
func (d DrawdownConfig) Location() (*time.Location, error) {
	if d.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(d.Timezone)
}

// LoadFromFile loads configuration from a file, trying YAML first and falling
// back to JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration, picking the format by extension.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return fmt.Errorf("account.id is required")
	}
	if c.Files.RiskConfig == "" {
		return fmt.Errorf("files.risk_config is required")
	}
	if c.Files.DrawdownState == "" {
		return fmt.Errorf("files.drawdown_state is required")
	}
	if c.Files.OrderCache == "" {
		return fmt.Errorf("files.order_cache is required")
	}
	switch c.Handlers.Preset {
	case "conservative", "balanced", "aggressive", "custom":
	default:
		return fmt.Errorf("handlers.preset must be conservative, balanced, aggressive or custom")
	}
	if c.Drawdown.Percent <= 0 || c.Drawdown.Percent > 100 {
		return fmt.Errorf("drawdown.percent must be in (0, 100]")
	}
	if c.Drawdown.ResetHour < 0 || c.Drawdown.ResetHour > 23 {
		return fmt.Errorf("drawdown.reset_hour must be in [0, 23]")
	}
	if c.Drawdown.ResetMinute < 0 || c.Drawdown.ResetMinute > 59 {
		return fmt.Errorf("drawdown.reset_minute must be in [0, 59]")
	}
	if _, err := c.Drawdown.Location(); err != nil {
		return fmt.Errorf("drawdown.timezone: %w", err)
	}
	for name, s := range map[string]string{
		"monitor.active_poll": c.Monitor.ActivePoll,
		"monitor.idle_poll":   c.Monitor.IdlePoll,
		"monitor.cooldown":    c.Monitor.Cooldown,
		"extractor.timeout":   c.Extractor.Timeout,
	} {
		if _, err := parseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Account: AccountConfig{ID: "default"},
		Files: FilesConfig{
			RiskConfig:    "./data/risk_config.json",
			DrawdownState: "./data/drawdown_state.json",
			OrderCache:    "./data/order_cache.json",
			JournalDB:     "./data/journal.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "./logs/copier.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Handlers: HandlersConfig{
			Preset:             "balanced",
			FallbackProtection: false,
		},
		Monitor: MonitorConfig{
			Enabled:    true,
			ActivePoll: "3s",
			IdlePoll:   "10s",
			Cooldown:   "30s",
		},
		Drawdown: DrawdownConfig{
			Percent:     4,
			ResetHour:   0,
			ResetMinute: 0,
			Timezone:    "UTC",
		},
		Extractor: ExtractorConfig{
			APIKeyEnv: "COPIER_API_KEY",
			Model:     "gpt-4",
			Timeout:   "30s",
		},
	}
}
