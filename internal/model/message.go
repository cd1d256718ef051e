package model

import (
	"time"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderVisitor SenderType = "visitor"
	SenderAI      SenderType = "ai"
	SenderAgent   SenderType = "agent"
)

// Valid reports whether t is a known sender type.
func (t SenderType) Valid() bool {
	switch t {
	case SenderVisitor, SenderAI, SenderAgent:
		return true
	}
	return false
}

// Message is a single, immutable entry in a conversation transcript.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderType     SenderType `json:"sender_type"`
	Content        string     `json:"content"`

	// TokensUsed is the provider-reported token count, set on AI messages only.
	TokensUsed int `json:"tokens_used,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
