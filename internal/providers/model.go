package providers

import (
	"log/slog"
	"strings"
)

// Provider prefixes stripped from incoming model names.
var providerPrefixes = []string{"anthropic/", "openai/", "gemini/"}

// Identifiers marking a model name as a Claude family member.
var claudeIdentifiers = []string{"haiku", "sonnet", "opus", "claude"}

// ModelMappings routes Claude family names to configured backend models.
type ModelMappings struct {
	HaikuModel  string
	SonnetModel string
	OpusModel   string
	// DefaultModel catches Claude names with no family-specific mapping.
	DefaultModel string
}

// StripProviderPrefixes removes a leading provider prefix if present.
func StripProviderPrefixes(model string) string {
	for _, prefix := range providerPrefixes {
		if strings.HasPrefix(model, prefix) {
			return model[len(prefix):]
		}
	}
	return model
}

// IsClaudeModel reports whether the (prefix-stripped) model name identifies
// as a Claude model.
func IsClaudeModel(model string) bool {
	lower := strings.ToLower(model)
	for _, id := range claudeIdentifiers {
		if strings.Contains(lower, id) {
			return true
		}
	}
	return false
}

// NormalizeModelName strips provider prefixes and maps Claude family names to
// the configured targets. Non-Claude names pass through unchanged.
// Normalization is idempotent as long as the mapping targets are not
// themselves Claude names.
func NormalizeModelName(model string, m ModelMappings) string {
	clean := StripProviderPrefixes(model)
	if !IsClaudeModel(clean) {
		return model
	}

	lower := strings.ToLower(clean)
	switch {
	case strings.Contains(lower, "haiku") && m.HaikuModel != "":
		return m.HaikuModel
	case strings.Contains(lower, "sonnet") && m.SonnetModel != "":
		return m.SonnetModel
	case strings.Contains(lower, "opus") && m.OpusModel != "":
		return m.OpusModel
	}
	return m.DefaultModel
}

// MapModel normalizes and writes the audit log line for the mapping.
func MapModel(model string, m ModelMappings) string {
	normalized := NormalizeModelName(model, m)
	if normalized == model {
		slog.Info("MODEL", "model", model, "mapping", "none")
	} else {
		slog.Info("MODEL MAPPING", "from", model, "to", normalized)
	}
	return normalized
}
