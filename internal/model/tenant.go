package model

import (
	"time"
)

// Tenant is the organization owning channels, knowledge, and AI settings.
type Tenant struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Active          bool      `json:"active"`
	DefaultLanguage string    `json:"default_language"`
	CreatedAt       time.Time `json:"created_at"`
}

// TenantSettings holds tenant-level AI configuration. Technical parameters
// (provider, model, temperature, max tokens) are only ever read from here;
// business parameters may be overridden per channel.
type TenantSettings struct {
	TenantID        string    `json:"tenant_id"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	Temperature     float64   `json:"temperature"`
	MaxTokens       int       `json:"max_tokens"`
	SystemPrompt    string    `json:"system_prompt"`
	HandoffEnabled  bool      `json:"handoff_enabled"`
	HandoffKeywords []string  `json:"handoff_keywords"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Channel is a single embeddable entry point belonging to a tenant. Business
// overrides are inherited from tenant settings when left empty; HandoffEnabled
// is nil when the channel does not override the tenant flag.
type Channel struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Name            string    `json:"name"`
	PublicKey       string    `json:"public_key"`
	Active          bool      `json:"active"`
	SystemPrompt    string    `json:"system_prompt,omitempty"`
	HandoffEnabled  *bool     `json:"handoff_enabled,omitempty"`
	HandoffKeywords []string  `json:"handoff_keywords,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
