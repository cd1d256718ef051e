// Package chat implements the conversation engine: turn handling, handoff,
// retrieval-augmented generation, and state transitions.
package chat

import (
	"strings"

	"github.com/helplane/helplane/internal/knowledge"
	"github.com/helplane/helplane/internal/llm"
	"github.com/helplane/helplane/internal/model"
	"github.com/helplane/helplane/internal/settings"
)

// historyWindow caps how many prior messages are replayed into the prompt.
const historyWindow = 20

const defaultSystemPrompt = "You are a helpful customer support assistant. " +
	"Answer concisely and stay on topic."

// BuildPrompt assembles the message list for one generation turn. history
// must not yet include the visitor message being answered.
func BuildPrompt(cfg settings.EffectiveConfig, marker string, history []model.Message, visitorMessage string, kb []knowledge.Result) []llm.ChatMessage {
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}

	if len(kb) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\nKNOWLEDGE BASE CONTEXT:\n")
		b.WriteString("Use the following information to answer when relevant.\n")
		for _, item := range kb {
			b.WriteString("\n---\n")
			if item.Title != "" {
				b.WriteString(item.Title)
				b.WriteString("\n")
			}
			b.WriteString(item.Content)
			b.WriteString("\n")
		}
		system = b.String()
	}

	if cfg.HandoffEnabled {
		system += "\n\nHANDOFF RULE:\n" +
			"If the user explicitly asks for a human agent, or you cannot help " +
			"with the request, append " + marker + " to the very end of your reply."
	}

	msgs := []llm.ChatMessage{{Role: "system", Content: system}}

	start := 0
	if len(history) > historyWindow {
		start = len(history) - historyWindow
	}
	for _, m := range history[start:] {
		msgs = append(msgs, llm.ChatMessage{Role: promptRole(m.SenderType), Content: m.Content})
	}

	return append(msgs, llm.ChatMessage{Role: "user", Content: visitorMessage})
}

// promptRole maps message senders onto chat completion roles. Agent replies
// read as assistant turns so the model stays consistent with what the visitor
// already saw.
func promptRole(sender model.SenderType) string {
	if sender == model.SenderVisitor {
		return "user"
	}
	return "assistant"
}
