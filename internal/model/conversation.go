// Package model defines data structures for the chat platform.
package model

import (
	"time"
)

// Status represents the lifecycle state of a conversation.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusPending, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// ResponderMode indicates who answers visitor messages.
type ResponderMode string

const (
	ResponderAI    ResponderMode = "ai"
	ResponderHuman ResponderMode = "human"
)

// Valid reports whether m is a known responder mode.
func (m ResponderMode) Valid() bool {
	return m == ResponderAI || m == ResponderHuman
}

// Conversation represents a visitor conversation on a channel.
type Conversation struct {
	ID            string            `json:"id"`
	ChannelID     string            `json:"channel_id"`
	TenantID      string            `json:"tenant_id"`
	VisitorID     string            `json:"visitor_id"`
	Status        Status            `json:"status"`
	ResponderMode ResponderMode     `json:"responder_mode"`
	ContactInfo   map[string]string `json:"contact_info,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastMessageAt time.Time         `json:"last_message_at"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}
