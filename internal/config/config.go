// Package config loads gateway and bot settings from a JSON5 file with
// environment overlays, and hot-reloads the model mappings on file change.
package config

import (
	"sync"
	"time"

	"github.com/Alishahryar1/free-claude-code/internal/providers"
)

// Provider type discriminators.
const (
	ProviderNIM        = "nvidia_nim"
	ProviderOpenRouter = "open_router"
	ProviderLMStudio   = "lmstudio"
)

// Config is the root configuration. Model mappings are guarded by the mutex
// because the file watcher swaps them at runtime.
type Config struct {
	mu sync.RWMutex

	Provider  ProviderConfig  `json:"provider"`
	Models    ModelsConfig    `json:"models"`
	Server    ServerConfig    `json:"server"`
	Messaging MessagingConfig `json:"messaging"`
	Sessions  SessionsConfig  `json:"sessions"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ProviderConfig selects and tunes the upstream backend.
type ProviderConfig struct {
	Type    string `json:"type"` // nvidia_nim, open_router, lmstudio
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`

	ConnectTimeoutSec int `json:"connect_timeout_sec,omitempty"`
	ReadTimeoutSec    int `json:"read_timeout_sec,omitempty"`

	RateLimit      int `json:"rate_limit,omitempty"`      // requests per window
	RateWindowSec  int `json:"rate_window_sec,omitempty"` // sliding window size
	MaxConcurrency int `json:"max_concurrency,omitempty"`

	// TaskBuffering holds Task tool arguments until they form complete JSON.
	// Pointer so an explicit false survives the default.
	TaskBuffering *bool `json:"task_buffering,omitempty"`

	NIM      NimConfig      `json:"nim,omitempty"`
	LMStudio LMStudioConfig `json:"lmstudio,omitempty"`
}

// NimConfig is the NVIDIA NIM tuning block as it appears in the config file.
type NimConfig struct {
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	MinP              float64  `json:"min_p,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	MinTokens         int      `json:"min_tokens,omitempty"`
	PresencePenalty   float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty  float64  `json:"frequency_penalty,omitempty"`
	Seed              *int     `json:"seed,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	ParallelToolCalls bool     `json:"parallel_tool_calls,omitempty"`

	ChatTemplate           string `json:"chat_template,omitempty"`
	RequestID              string `json:"request_id,omitempty"`
	ReturnTokensAsTokenIDs *bool  `json:"return_tokens_as_token_ids,omitempty"`
	IncludeStopStrInOutput *bool  `json:"include_stop_str_in_output,omitempty"`
	IgnoreEOS              *bool  `json:"ignore_eos,omitempty"`
	ReasoningEffort        string `json:"reasoning_effort,omitempty"`
	IncludeReasoning       *bool  `json:"include_reasoning,omitempty"`
}

// Tuning converts the config block to the provider tuning struct.
func (n NimConfig) Tuning() providers.NimTuning {
	return providers.NimTuning{
		MaxTokens:         n.MaxTokens,
		Temperature:       n.Temperature,
		TopP:              n.TopP,
		TopK:              n.TopK,
		MinP:              n.MinP,
		RepetitionPenalty: n.RepetitionPenalty,
		MinTokens:         n.MinTokens,
		PresencePenalty:   n.PresencePenalty,
		FrequencyPenalty:  n.FrequencyPenalty,
		Seed:              n.Seed,
		Stop:              n.Stop,
		ParallelToolCalls: n.ParallelToolCalls,

		ChatTemplate:           n.ChatTemplate,
		RequestID:              n.RequestID,
		ReturnTokensAsTokenIDs: n.ReturnTokensAsTokenIDs,
		IncludeStopStrInOutput: n.IncludeStopStrInOutput,
		IgnoreEOS:              n.IgnoreEOS,
		ReasoningEffort:        n.ReasoningEffort,
		IncludeReasoning:       n.IncludeReasoning,
	}
}

// LMStudioConfig tunes the local LM Studio backend.
type LMStudioConfig struct {
	BaseURL          string `json:"base_url,omitempty"`
	DefaultMaxTokens int    `json:"default_max_tokens,omitempty"`
}

// ModelsConfig maps Claude model families to upstream model names. This block
// hot-reloads.
type ModelsConfig struct {
	Haiku   string `json:"haiku,omitempty"`
	Sonnet  string `json:"sonnet,omitempty"`
	Opus    string `json:"opus,omitempty"`
	Default string `json:"default,omitempty"`
}

// ServerConfig is the HTTP gateway listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// MessagingConfig holds the chat front-end settings.
type MessagingConfig struct {
	Telegram PlatformConfig `json:"telegram"`
	Discord  PlatformConfig `json:"discord"`

	// ClaudeBinary is the CLI executable driven by the bot.
	ClaudeBinary string `json:"claude_binary,omitempty"`
	// MaxSessions bounds concurrent CLI sessions.
	MaxSessions int `json:"max_sessions,omitempty"`
	// SendRPS is the outbound platform message budget.
	SendRPS float64 `json:"send_rps,omitempty"`
	// ShowToolResults renders tool result blocks in the live transcript.
	ShowToolResults bool `json:"show_tool_results,omitempty"`
}

// PlatformConfig is one chat platform's credentials and allowlist.
type PlatformConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// SessionsConfig selects the session store backend.
type SessionsConfig struct {
	Backend    string `json:"backend"` // file or sqlite
	Path       string `json:"path"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Type:              ProviderNIM,
			ConnectTimeoutSec: 10,
			ReadTimeoutSec:    300,
			RateLimit:         40,
			RateWindowSec:     60,
			MaxConcurrency:    2,
			LMStudio: LMStudioConfig{
				DefaultMaxTokens: 8192,
			},
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Messaging: MessagingConfig{
			ClaudeBinary: "claude",
			MaxSessions:  10,
			SendRPS:      25,
		},
		Sessions: SessionsConfig{
			Backend:    "file",
			Path:       "~/.free-claude-code/sessions.json",
			MaxAgeDays: 30,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "free-claude-code",
		},
	}
}

// ModelMappings returns the current model-mapping block.
func (c *Config) ModelMappings() providers.ModelMappings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return providers.ModelMappings{
		HaikuModel:   c.Models.Haiku,
		SonnetModel:  c.Models.Sonnet,
		OpusModel:    c.Models.Opus,
		DefaultModel: c.Models.Default,
	}
}

// SetModels swaps the model-mapping block. Used by the file watcher.
func (c *Config) SetModels(m ModelsConfig) {
	c.mu.Lock()
	c.Models = m
	c.mu.Unlock()
}

// TaskBuffering resolves the pointer knob with its default (on).
func (c *Config) TaskBuffering() bool {
	if c.Provider.TaskBuffering == nil {
		return true
	}
	return *c.Provider.TaskBuffering
}

// ProviderSettings translates the config into the providers transport config.
func (c *Config) ProviderSettings() providers.Config {
	return providers.Config{
		APIKey:         c.Provider.APIKey,
		BaseURL:        c.Provider.BaseURL,
		ConnectTimeout: time.Duration(c.Provider.ConnectTimeoutSec) * time.Second,
		ReadTimeout:    time.Duration(c.Provider.ReadTimeoutSec) * time.Second,
		TaskBuffering:  c.TaskBuffering(),
	}
}

// SessionMaxAge converts the retention setting to a duration.
func (c *Config) SessionMaxAge() time.Duration {
	days := c.Sessions.MaxAgeDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}
