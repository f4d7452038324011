package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets are expected to arrive this way.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("FCC_PROVIDER", &c.Provider.Type)
	envStr("FCC_API_KEY", &c.Provider.APIKey)
	envStr("FCC_BASE_URL", &c.Provider.BaseURL)
	envStr("FCC_LMSTUDIO_BASE_URL", &c.Provider.LMStudio.BaseURL)

	envStr("FCC_MODEL_HAIKU", &c.Models.Haiku)
	envStr("FCC_MODEL_SONNET", &c.Models.Sonnet)
	envStr("FCC_MODEL_OPUS", &c.Models.Opus)
	envStr("FCC_MODEL_DEFAULT", &c.Models.Default)

	envStr("FCC_HOST", &c.Server.Host)
	if v := os.Getenv("FCC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("FCC_TELEGRAM_TOKEN", &c.Messaging.Telegram.Token)
	envStr("FCC_DISCORD_TOKEN", &c.Messaging.Discord.Token)
	envStr("FCC_CLAUDE_BINARY", &c.Messaging.ClaudeBinary)
	if v := os.Getenv("FCC_TELEGRAM_ALLOW_FROM"); v != "" {
		c.Messaging.Telegram.AllowFrom = splitList(v)
	}
	if v := os.Getenv("FCC_DISCORD_ALLOW_FROM"); v != "" {
		c.Messaging.Discord.AllowFrom = splitList(v)
	}

	// Auto-enable platforms when credentials arrive via env.
	if c.Messaging.Telegram.Token != "" {
		c.Messaging.Telegram.Enabled = true
	}
	if c.Messaging.Discord.Token != "" {
		c.Messaging.Discord.Enabled = true
	}

	envStr("FCC_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("FCC_SESSIONS_PATH", &c.Sessions.Path)

	envStr("FCC_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("FCC_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("FCC_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
