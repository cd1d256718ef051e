package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/helplane/helplane/internal/model"
	"github.com/helplane/helplane/pkg/metrics"
	"github.com/helplane/helplane/pkg/logger"
)

// Notification kinds published on conversation subjects.
const (
	KindMessageAppended     = "message.appended"
	KindConversationUpdated = "conversation.updated"
)

// Notification is a wake-up signal telling subscribers to refetch over HTTP.
// It deliberately carries no message content, so a missed notification costs
// latency, never data.
type Notification struct {
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversationId"`
	TenantID       string    `json:"tenantId"`
	ChannelID      string    `json:"channelId"`
	At             time.Time `json:"at"`
}

// TypingEvent signals that one side of a conversation is composing.
type TypingEvent struct {
	Role     string `json:"role"`
	IsTyping bool   `json:"isTyping"`
}

// Hub publishes conversation events and hands out subscriptions. One hub is
// shared by the chat engine, the websocket gateway, and the agent-facing API.
type Hub struct {
	client    *Client
	deriveKey []byte
	logger    *logger.Logger
}

// NewHub creates a hub over an established NATS connection. deriveKey feeds
// typing channel derivation.
func NewHub(client *Client, deriveKey []byte, logger *logger.Logger) *Hub {
	return &Hub{client: client, deriveKey: deriveKey, logger: logger}
}

// TypingChannel returns the derived typing channel name for a conversation.
func (h *Hub) TypingChannel(conversationID string) string {
	return DeriveTypingChannel(h.deriveKey, conversationID)
}

// MessageAppended notifies subscribers that the conversation's transcript
// grew.
func (h *Hub) MessageAppended(conv *model.Conversation) {
	h.broadcast(KindMessageAppended, conv)
}

// ConversationChanged notifies subscribers that the conversation's status or
// responder mode changed.
func (h *Hub) ConversationChanged(conv *model.Conversation) {
	h.broadcast(KindConversationUpdated, conv)
}

// broadcast publishes to the per-conversation subject and the tenant list
// subject. Publish failures are logged, never surfaced: subscribers fall back
// to polling.
func (h *Hub) broadcast(kind string, conv *model.Conversation) {
	n := Notification{
		Kind:           kind,
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		ChannelID:      conv.ChannelID,
		At:             time.Now().UTC(),
	}
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("failed to encode notification", zap.Error(err))
		return
	}

	for _, subject := range []string{
		ConversationSubject(conv.ID),
		ConversationListSubject(conv.TenantID),
	} {
		if err := h.client.Conn().Publish(subject, payload); err != nil {
			h.logger.Warn("failed to publish notification",
				zap.String("subject", subject),
				zap.String("kind", kind),
				zap.Error(err))
			continue
		}
	}
	metrics.BroadcastsTotal.WithLabelValues(kind).Inc()
}

// PublishTyping relays a typing indicator on the conversation's derived
// channel.
func (h *Hub) PublishTyping(conversationID string, ev TypingEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode typing event", zap.Error(err))
		return
	}
	subject := TypingSubject(h.TypingChannel(conversationID))
	if err := h.client.Conn().Publish(subject, payload); err != nil {
		h.logger.Warn("failed to publish typing event",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return
	}
	metrics.BroadcastsTotal.WithLabelValues("typing").Inc()
}

// SubscribeConversation delivers notifications for one conversation. The
// caller must Unsubscribe when done.
func (h *Hub) SubscribeConversation(conversationID string, fn func(Notification)) (*nats.Subscription, error) {
	return h.subscribeNotifications(ConversationSubject(conversationID), fn)
}

// SubscribeTenant delivers tenant-wide list notifications for agent consoles.
func (h *Hub) SubscribeTenant(tenantID string, fn func(Notification)) (*nats.Subscription, error) {
	return h.subscribeNotifications(ConversationListSubject(tenantID), fn)
}

func (h *Hub) subscribeNotifications(subject string, fn func(Notification)) (*nats.Subscription, error) {
	sub, err := h.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			h.logger.Warn("dropping malformed notification",
				zap.String("subject", subject),
				zap.Error(err))
			return
		}
		fn(n)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// SubscribeTyping delivers typing events for one conversation.
func (h *Hub) SubscribeTyping(conversationID string, fn func(TypingEvent)) (*nats.Subscription, error) {
	subject := TypingSubject(h.TypingChannel(conversationID))
	sub, err := h.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var ev TypingEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			h.logger.Warn("dropping malformed typing event", zap.Error(err))
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe typing for %s: %w", conversationID, err)
	}
	return sub, nil
}
