// Package handoff decides when a conversation moves to human control.
package handoff

import (
	"strings"
)

// DefaultMarker is the out-of-band control tag an AI reply may carry to
// request a transfer. Configurable on the engine; never shown to visitors.
const DefaultMarker = "[HANDOFF]"

// DefaultKeywords is the bilingual keyword list new tenants start with. It
// mirrors the tenant_settings schema default; the engine never substitutes it
// at runtime, so a tenant that clears its list has keyword detection off.
var DefaultKeywords = []string{
	// English
	"human",
	"agent",
	"real person",
	"speak to someone",
	"talk to someone",
	"representative",
	"operator",
	"live agent",
	"supervisor",
	"manager",
	// Spanish
	"humano",
	"agente",
	"persona real",
	"hablar con alguien",
	"representante",
	"operador",
	"agente en vivo",
	"supervisor",
	"gerente",
}

// MatchKeyword reports whether a visitor message triggers handoff.
// Case-insensitive substring match anywhere in the message; first match wins.
// Disabled entirely when enabled is false or the keyword list is empty.
func MatchKeyword(message string, keywords []string, enabled bool) bool {
	if !enabled || len(keywords) == 0 {
		return false
	}

	lower := strings.ToLower(message)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// StripReplyTag scans an AI reply for the control marker, strips every
// occurrence along with surrounding whitespace, and reports whether the
// marker was present.
func StripReplyTag(reply, marker string) (string, bool) {
	if marker == "" || !strings.Contains(reply, marker) {
		return reply, false
	}

	parts := strings.Split(reply, marker)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	sanitized := strings.TrimSpace(strings.Join(parts, " "))
	return sanitized, true
}

// Acknowledgement returns the fixed transfer message for the given language.
// No AI generation happens for the acknowledgement itself.
func Acknowledgement(lang string) string {
	if lang == "es" {
		return "Te estoy conectando con un agente humano. Por favor espera un momento."
	}
	return "I'm connecting you with a human agent. Please wait a moment."
}
