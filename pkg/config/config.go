package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// API Keys
	OpenAIKey string `yaml:"openai_key"`
	GeminiKey string `yaml:"gemini_key"`

	// LLM Configuration
	Provider    string  `yaml:"provider"` // openai, gemini, mock
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Gateway limits
	CallTimeout       time.Duration `yaml:"call_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`

	// Storage
	Store    string `yaml:"store"` // memory, redis
	RedisURL string `yaml:"redis_url"`

	// Background work
	MaxBackgroundTasks int    `yaml:"max_background_tasks"`
	HookSweepSchedule  string `yaml:"hook_sweep_schedule"`

	// Observability
	MetricsPort   int  `yaml:"metrics_port"`
	EnableTracing bool `yaml:"enable_tracing"`
}

// LoadConfig loads configuration from a YAML file. An empty path yields
// a default config filled from the environment.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Apply defaults
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.8
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.Store == "" {
		cfg.Store = "memory"
	}
	if cfg.MaxBackgroundTasks == 0 {
		cfg.MaxBackgroundTasks = 8
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}

	// Load secrets from environment if not in config
	if cfg.OpenAIKey == "" {
		cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.GeminiKey == "" {
		cfg.GeminiKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = os.Getenv("REDIS_URL")
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Provider {
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("openai provider requires openai_key or OPENAI_API_KEY")
		}
	case "gemini":
		if c.GeminiKey == "" {
			return fmt.Errorf("gemini provider requires gemini_key or GEMINI_API_KEY")
		}
	case "mock":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	if c.Store == "redis" && c.RedisURL == "" {
		return fmt.Errorf("redis store requires redis_url or REDIS_URL")
	}
	if c.Store != "redis" && c.Store != "memory" {
		return fmt.Errorf("unknown store %q", c.Store)
	}
	return nil
}
