// Command kindred runs the companion conversation service and a local
// chat REPL for trying characters without a deployment.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/kindred-ai/kindred/internal/gateway"
	"github.com/kindred-ai/kindred/internal/llm/provider"
	"github.com/kindred-ai/kindred/internal/store"
	"github.com/kindred-ai/kindred/pkg/config"
)

// Version information (set via ldflags)
var Version = "dev"

var configFile string

func main() {
	root := &cobra.Command{
		Use:     "kindred",
		Short:   "Companion conversation service",
		Version: Version,
	}
	root.PersistentFlags().StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())

	if err := root.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildGateway(cfg *config.Config) (*gateway.Gateway, error) {
	var (
		p   provider.Provider
		err error
	)
	switch cfg.Provider {
	case "mock":
		p = provider.NewMockProvider("mock")
	default:
		p, err = provider.New(cfg.Provider, map[string]any{
			"api_key": providerKey(cfg),
			"model":   cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s provider: %w", cfg.Provider, err)
		}
	}
	return gateway.New(p, gateway.Config{
		CallTimeout:       cfg.CallTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}), nil
}

func providerKey(cfg *config.Config) string {
	if cfg.Provider == "gemini" {
		return cfg.GeminiKey
	}
	return cfg.OpenAIKey
}

func buildStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store == "redis" {
		return store.NewRedisStore(store.RedisConfig{Addr: cfg.RedisURL})
	}
	return store.NewMemoryStore(), nil
}
