package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models sparlo.yml.
type Config struct {
	Workspace string `yaml:"workspace"`
	Server    struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	LLM struct {
		Model          string  `yaml:"model"`
		APIKeyEnv      string  `yaml:"api_key_env"`
		MaxTokens      int64   `yaml:"max_tokens"`
		Temperature    float64 `yaml:"temperature"`
		RequestTimeout string  `yaml:"request_timeout"`
	} `yaml:"llm"`
	Retry struct {
		MaxAttempts  int     `yaml:"max_attempts"`
		InitialDelay string  `yaml:"initial_delay"`
		MaxDelay     string  `yaml:"max_delay"`
		Multiplier   float64 `yaml:"multiplier"`
	} `yaml:"retry"`
	Budget struct {
		TokensLimit       int64 `yaml:"tokens_limit"`
		PeriodDays        int   `yaml:"period_days"`
		EstimatePerReport int64 `yaml:"estimate_per_report"`
	} `yaml:"budget"`
	Runner struct {
		Workers          int    `yaml:"workers"`
		StuckAfter       string `yaml:"stuck_after"`
		WatchdogInterval string `yaml:"watchdog_interval"`
	} `yaml:"runner"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Workspace = workspace
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.LLM.Model == "" {
		return fmt.Errorf("config.llm.model is required")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("config.llm.max_tokens must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config.retry.multiplier must be at least 1")
	}
	if c.Budget.TokensLimit <= 0 {
		return fmt.Errorf("config.budget.tokens_limit must be positive")
	}
	if c.Budget.PeriodDays <= 0 {
		return fmt.Errorf("config.budget.period_days must be positive")
	}
	if c.Budget.EstimatePerReport <= 0 {
		return fmt.Errorf("config.budget.estimate_per_report must be positive")
	}
	if c.Budget.EstimatePerReport > c.Budget.TokensLimit {
		return fmt.Errorf("config.budget.estimate_per_report exceeds tokens_limit; no report could ever start")
	}
	if c.Runner.Workers < 1 {
		return fmt.Errorf("config.runner.workers must be at least 1")
	}
	for name, raw := range map[string]string{
		"llm.request_timeout":      c.LLM.RequestTimeout,
		"retry.initial_delay":      c.Retry.InitialDelay,
		"retry.max_delay":          c.Retry.MaxDelay,
		"runner.stuck_after":       c.Runner.StuckAfter,
		"runner.watchdog_interval": c.Runner.WatchdogInterval,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("config.%s: %w", name, err)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sparlo.yml")
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields left unset
// keep their built-in defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Duration helpers over the string fields, with fallbacks for unset values.

func (c *Config) RequestTimeout() time.Duration {
	return durationOr(c.LLM.RequestTimeout, 120*time.Second)
}

func (c *Config) RetryInitialDelay() time.Duration {
	return durationOr(c.Retry.InitialDelay, time.Second)
}

func (c *Config) RetryMaxDelay() time.Duration {
	return durationOr(c.Retry.MaxDelay, 30*time.Second)
}

func (c *Config) StuckAfter() time.Duration {
	return durationOr(c.Runner.StuckAfter, 30*time.Minute)
}

func (c *Config) WatchdogInterval() time.Duration {
	return durationOr(c.Runner.WatchdogInterval, time.Minute)
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

const defaultTemplate = `server:
  addr: ":8080"

llm:
  model: claude-sonnet-4-20250514
  api_key_env: ANTHROPIC_API_KEY
  max_tokens: 8192
  temperature: 1.0
  request_timeout: 120s

retry:
  max_attempts: 3
  initial_delay: 1s
  max_delay: 30s
  multiplier: 2.0

budget:
  tokens_limit: 1000000
  period_days: 30
  estimate_per_report: 350000

runner:
  workers: 2
  stuck_after: 30m
  watchdog_interval: 1m
`
