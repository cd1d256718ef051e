// Package settings resolves effective per-conversation configuration.
package settings

import (
	"github.com/helplane/helplane/internal/model"
)

// Defaults applied when tenant settings are absent.
const (
	DefaultProvider    = "openai"
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
	DefaultLanguage    = "en"
)

// EffectiveConfig is the resolved, non-persisted configuration for one
// conversation. Technical parameters always come from tenant settings;
// business parameters resolve channel-override-then-tenant-fallback.
type EffectiveConfig struct {
	// Technical
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int

	// Business
	SystemPrompt    string
	HandoffEnabled  bool
	HandoffKeywords []string

	// Language selects fixed visitor-facing texts.
	Language string
}

// Resolve merges channel overrides with tenant-level settings. It is pure:
// identical inputs always produce an identical config, and an empty channel
// override never masks a non-empty tenant value.
func Resolve(channel *model.Channel, tenant *model.Tenant, ts *model.TenantSettings) EffectiveConfig {
	cfg := EffectiveConfig{
		Provider:    DefaultProvider,
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Language:    DefaultLanguage,
	}

	if ts != nil {
		if ts.Provider != "" {
			cfg.Provider = ts.Provider
		}
		if ts.Model != "" {
			cfg.Model = ts.Model
		}
		if ts.Temperature != 0 {
			cfg.Temperature = ts.Temperature
		}
		if ts.MaxTokens != 0 {
			cfg.MaxTokens = ts.MaxTokens
		}
		cfg.SystemPrompt = ts.SystemPrompt
		cfg.HandoffEnabled = ts.HandoffEnabled
		cfg.HandoffKeywords = ts.HandoffKeywords
	}

	if channel != nil {
		if channel.SystemPrompt != "" {
			cfg.SystemPrompt = channel.SystemPrompt
		}
		if channel.HandoffEnabled != nil {
			cfg.HandoffEnabled = *channel.HandoffEnabled
		}
		if len(channel.HandoffKeywords) > 0 {
			cfg.HandoffKeywords = channel.HandoffKeywords
		}
	}

	if tenant != nil && tenant.DefaultLanguage != "" {
		cfg.Language = tenant.DefaultLanguage
	}

	return cfg
}
