package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Provider != "openai" {
		t.Errorf("Provider default: got %s", cfg.Provider)
	}
	if cfg.Temperature != 0.8 {
		t.Errorf("Temperature default: got %f", cfg.Temperature)
	}
	if cfg.CallTimeout != 60*time.Second {
		t.Errorf("CallTimeout default: got %v", cfg.CallTimeout)
	}
	if cfg.Store != "memory" {
		t.Errorf("Store default: got %s", cfg.Store)
	}
	if cfg.MaxBackgroundTasks != 8 {
		t.Errorf("MaxBackgroundTasks default: got %d", cfg.MaxBackgroundTasks)
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("MetricsPort default: got %d", cfg.MetricsPort)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
provider: gemini
gemini_key: test-key
model: gemini-2.0-flash
store: redis
redis_url: localhost:6379
metrics_port: 8088
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Provider != "gemini" || cfg.Model != "gemini-2.0-flash" {
		t.Errorf("provider settings wrong: %s/%s", cfg.Provider, cfg.Model)
	}
	if cfg.Store != "redis" || cfg.RedisURL != "localhost:6379" {
		t.Errorf("store settings wrong: %s/%s", cfg.Store, cfg.RedisURL)
	}
	if cfg.MetricsPort != 8088 {
		t.Errorf("MetricsPort: got %d", cfg.MetricsPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadConfigEnvFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("REDIS_URL", "env-redis:6379")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.OpenAIKey != "env-key" {
		t.Errorf("OpenAIKey not read from env: %q", cfg.OpenAIKey)
	}
	if cfg.RedisURL != "env-redis:6379" {
		t.Errorf("RedisURL not read from env: %q", cfg.RedisURL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"openai with key", Config{Provider: "openai", OpenAIKey: "k", Store: "memory"}, false},
		{"openai without key", Config{Provider: "openai", Store: "memory"}, true},
		{"gemini without key", Config{Provider: "gemini", Store: "memory"}, true},
		{"mock needs nothing", Config{Provider: "mock", Store: "memory"}, false},
		{"unknown provider", Config{Provider: "oracle", Store: "memory"}, true},
		{"redis without url", Config{Provider: "mock", Store: "redis"}, true},
		{"unknown store", Config{Provider: "mock", Store: "parchment"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/does/not/exist.yaml"); err == nil {
		t.Error("want error for missing file")
	}
}
