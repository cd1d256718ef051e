// Package store provides persistence for tenants, conversations, and knowledge.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/helplane/helplane/internal/model"
)

// ErrNotFound is returned when a record does not exist or is not visible to
// the caller. Ownership mismatches surface as ErrNotFound on purpose.
var ErrNotFound = errors.New("not found")

// ConversationFilter narrows conversation listings.
type ConversationFilter struct {
	Status *model.Status
	Limit  int
	Offset int
}

// Store is the persistence boundary used by the conversation engine and the
// HTTP handlers. The core treats storage as abstract; Postgres backs it in
// production and the in-memory implementation backs tests.
type Store interface {
	// Channels and tenants
	ChannelByPublicKey(ctx context.Context, publicKey string) (*model.Channel, error)
	Channel(ctx context.Context, id string) (*model.Channel, error)
	Tenant(ctx context.Context, id string) (*model.Tenant, error)
	// TenantSettings returns (nil, nil) when the tenant has no settings row.
	TenantSettings(ctx context.Context, tenantID string) (*model.TenantSettings, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	Conversation(ctx context.Context, id string) (*model.Conversation, error)
	// ConversationForVisitor enforces channel + visitor ownership.
	ConversationForVisitor(ctx context.Context, id, channelID, visitorID string) (*model.Conversation, error)
	// ConversationForTenant enforces tenant ownership for the agent console.
	ConversationForTenant(ctx context.Context, id, tenantID string) (*model.Conversation, error)
	ListConversations(ctx context.Context, tenantID string, filter ConversationFilter) (*model.ListConversationsResponse, error)
	// UpdateConversationState applies a single status/responder transition.
	UpdateConversationState(ctx context.Context, id string, status model.Status, mode model.ResponderMode) error
	// TouchConversation advances last_message_at, never backwards.
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// Messages
	AppendMessage(ctx context.Context, msg *model.Message) error
	// Messages returns the full transcript in creation order.
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)

	// Knowledge
	UpsertKnowledgeItem(ctx context.Context, item *model.KnowledgeItem) error
	KnowledgeItem(ctx context.Context, id, tenantID string) (*model.KnowledgeItem, error)
	ListKnowledge(ctx context.Context, tenantID string) ([]model.KnowledgeItem, error)
	DeleteKnowledgeItem(ctx context.Context, id, tenantID string) error
}
