// Package server exposes the Anthropic-compatible HTTP surface: streaming
// and non-streaming /v1/messages plus count_tokens.
package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/Alishahryar1/free-claude-code/internal/config"
	"github.com/Alishahryar1/free-claude-code/internal/providers"
)

// ProviderSource hands out the configured upstream provider.
type ProviderSource interface {
	Provider() (providers.Provider, error)
}

// SetupError means the provider cannot be built until the operator finishes
// configuration. Rendered as 503 with instructions.
type SetupError struct {
	Message string
}

func (e *SetupError) Error() string { return e.Message }

// ServiceSet lazily builds and caches the provider singleton from config.
type ServiceSet struct {
	cfg *config.Config

	mu       sync.Mutex
	provider providers.Provider
}

// NewServiceSet wraps the config.
func NewServiceSet(cfg *config.Config) *ServiceSet {
	return &ServiceSet{cfg: cfg}
}

// Provider returns the configured backend, building it on first use. Missing
// credentials return a SetupError so the gateway can start without them.
func (s *ServiceSet) Provider() (providers.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider != nil {
		return s.provider, nil
	}

	p, err := buildProvider(s.cfg)
	if err != nil {
		return nil, err
	}
	s.provider = p
	return p, nil
}

func buildProvider(cfg *config.Config) (providers.Provider, error) {
	pc := cfg.ProviderSettings()
	window := time.Duration(cfg.Provider.RateWindowSec) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	limiter := providers.NewGlobalRateLimiter(cfg.Provider.RateLimit, window, cfg.Provider.MaxConcurrency)

	switch cfg.Provider.Type {
	case config.ProviderNIM:
		if pc.APIKey == "" {
			return nil, &SetupError{Message: "NVIDIA NIM API key is not configured. " +
				"Get a free key at https://build.nvidia.com/ and set FCC_API_KEY " +
				"(or provider.api_key in the config file), then restart."}
		}
		return providers.NewNIM(pc, cfg.Provider.NIM.Tuning(), limiter), nil
	case config.ProviderOpenRouter:
		if pc.APIKey == "" {
			return nil, &SetupError{Message: "OpenRouter API key is not configured. " +
				"Create a key at https://openrouter.ai/keys and set FCC_API_KEY " +
				"(or provider.api_key in the config file), then restart."}
		}
		return providers.NewOpenRouter(pc, limiter), nil
	case config.ProviderLMStudio:
		if cfg.Provider.LMStudio.BaseURL != "" {
			pc.BaseURL = cfg.Provider.LMStudio.BaseURL
		}
		return providers.NewLMStudio(pc, cfg.Provider.LMStudio.DefaultMaxTokens, limiter), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Provider.Type)
	}
}
