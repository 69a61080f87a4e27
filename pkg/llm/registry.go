package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a provider.
type Config struct {
	// Provider is the registered provider name: "gemini", "openai" or "bedrock".
	Provider string `yaml:"provider"`

	// Model is the default model for the provider.
	Model string `yaml:"model"`

	// APIKey authenticates API-key based providers.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// Region is the AWS region for Bedrock.
	Region string `yaml:"region"`
}

// Factory builds a provider from configuration.
type Factory func(ctx context.Context, cfg Config) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a provider constructible by name.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// New builds the provider named in cfg.
func New(ctx context.Context, cfg Config) (Provider, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Provider]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("llm provider %q not registered (available: %v)", cfg.Provider, Factories())
	}
	return f(ctx, cfg)
}

// Factories returns the registered provider names, sorted.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
