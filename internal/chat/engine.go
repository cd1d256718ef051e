package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helplane/helplane/internal/handoff"
	"github.com/helplane/helplane/internal/knowledge"
	"github.com/helplane/helplane/internal/llm"
	"github.com/helplane/helplane/internal/model"
	"github.com/helplane/helplane/internal/settings"
	"github.com/helplane/helplane/internal/store"
	"github.com/helplane/helplane/pkg/metrics"
	"github.com/helplane/helplane/pkg/logger"
)

// Sentinel errors mapped to HTTP statuses at the handler layer.
var (
	ErrChannelNotFound      = errors.New("channel not found")
	ErrChannelInactive      = errors.New("channel inactive")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationClosed   = errors.New("conversation closed")
	ErrInvalidTransition    = errors.New("invalid state transition")
)

// Retriever answers semantic queries against a tenant's knowledge base.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, query string) ([]knowledge.Result, error)
}

// UsageRecorder accumulates per-tenant consumption.
type UsageRecorder interface {
	RecordTurn(ctx context.Context, tenantID string, tokens int, newConversation bool)
}

// Notifier fans conversation events out to connected clients.
type Notifier interface {
	MessageAppended(conv *model.Conversation)
	ConversationChanged(conv *model.Conversation)
}

// Engine is the sole mutator of conversation state. Handlers call it; it
// talks to storage, the LLM providers, retrieval, usage, and the notifier.
type Engine struct {
	store     store.Store
	clients   map[string]llm.Client
	retriever Retriever
	usage     UsageRecorder
	notifier  Notifier
	logger    *logger.Logger
	marker    string

	now   func() time.Time
	newID func() string
}

// NewEngine wires the conversation engine. clients is keyed by provider name
// and must contain an entry for every provider tenants may select.
func NewEngine(st store.Store, clients map[string]llm.Client, retriever Retriever, usage UsageRecorder, notifier Notifier, marker string, logger *logger.Logger) *Engine {
	if marker == "" {
		marker = handoff.DefaultMarker
	}
	return &Engine{
		store:     st,
		clients:   clients,
		retriever: retriever,
		usage:     usage,
		notifier:  notifier,
		logger:    logger,
		marker:    marker,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// VisitorMessageInput is one inbound widget turn.
type VisitorMessageInput struct {
	PublicKey      string
	VisitorID      string
	Content        string
	ConversationID string
	ContactInfo    map[string]string
	Metadata       map[string]string
}

// TurnResult reports what one visitor turn produced.
type TurnResult struct {
	Conversation     *model.Conversation
	VisitorMessage   *model.Message
	Reply            *model.Message
	HandoffTriggered bool
	AwaitingAgent    bool
}

// HandleVisitorMessage runs one full turn: resolve channel and config, create
// or verify the conversation, persist the visitor message, then either hand
// off, wait for an agent, or generate a reply. The visitor message is never
// rolled back once stored.
func (e *Engine) HandleVisitorMessage(ctx context.Context, in VisitorMessageInput) (*TurnResult, error) {
	channel, err := e.store.ChannelByPublicKey(ctx, in.PublicKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	if !channel.Active {
		return nil, ErrChannelInactive
	}

	tenant, err := e.store.Tenant(ctx, channel.TenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		return nil, ErrChannelInactive
	}
	ts, err := e.store.TenantSettings(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	cfg := settings.Resolve(channel, tenant, ts)

	conv, created, err := e.resolveConversation(ctx, channel, in)
	if err != nil {
		return nil, err
	}

	// History is read before the visitor message is stored so the prompt
	// builder appends the new message exactly once.
	history, err := e.store.Messages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	visitorMsg, err := e.appendMessage(ctx, conv, model.SenderVisitor, in.Content, 0)
	if err != nil {
		return nil, err
	}

	result := &TurnResult{
		Conversation:   conv,
		VisitorMessage: visitorMsg,
	}

	// Keyword handoff fires before any generation. An empty resolved list
	// turns keyword detection off for the tenant.
	if conv.ResponderMode == model.ResponderAI &&
		handoff.MatchKeyword(in.Content, cfg.HandoffKeywords, cfg.HandoffEnabled) {
		ack, err := e.appendMessage(ctx, conv, model.SenderAI, handoff.Acknowledgement(cfg.Language), 0)
		if err != nil {
			return nil, err
		}
		if err := e.transition(ctx, conv, model.StatusPending, model.ResponderHuman); err != nil {
			return nil, err
		}
		metrics.HandoffsTotal.WithLabelValues(conv.TenantID, "keyword").Inc()
		e.usage.RecordTurn(ctx, conv.TenantID, 0, created)
		result.Reply = ack
		result.HandoffTriggered = true
		result.AwaitingAgent = true
		return result, nil
	}

	// A human owns the conversation: store the message, generate nothing.
	if conv.ResponderMode == model.ResponderHuman {
		e.usage.RecordTurn(ctx, conv.TenantID, 0, created)
		result.AwaitingAgent = true
		return result, nil
	}

	kb := e.retrieve(ctx, conv.TenantID, in.Content)

	client, ok := e.clients[cfg.Provider]
	if !ok {
		e.usage.RecordTurn(ctx, conv.TenantID, 0, created)
		return nil, fmt.Errorf("no client for provider %q", cfg.Provider)
	}

	resp, err := client.Complete(ctx, &llm.CompletionRequest{
		Model:       cfg.Model,
		Messages:    BuildPrompt(cfg, e.marker, history, in.Content, kb),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		// The visitor message stays; the widget can retry or an agent can
		// pick the conversation up.
		e.usage.RecordTurn(ctx, conv.TenantID, 0, created)
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	content, tagged := handoff.StripReplyTag(resp.Content, e.marker)
	reply, err := e.appendMessage(ctx, conv, model.SenderAI, content, resp.TokensUsed)
	if err != nil {
		return nil, err
	}
	metrics.LLMTokensTotal.WithLabelValues(conv.TenantID, resp.Model).Add(float64(resp.TokensUsed))

	if tagged {
		if err := e.transition(ctx, conv, model.StatusPending, model.ResponderHuman); err != nil {
			return nil, err
		}
		metrics.HandoffsTotal.WithLabelValues(conv.TenantID, "model").Inc()
		result.HandoffTriggered = true
		result.AwaitingAgent = true
	}

	e.usage.RecordTurn(ctx, conv.TenantID, resp.TokensUsed, created)
	result.Reply = reply
	return result, nil
}

// resolveConversation loads and verifies an existing conversation, or creates
// a new one. Resolved conversations reopen on a fresh visitor message; closed
// ones reject it.
func (e *Engine) resolveConversation(ctx context.Context, channel *model.Channel, in VisitorMessageInput) (*model.Conversation, bool, error) {
	if in.ConversationID == "" {
		now := e.now().UTC()
		conv := &model.Conversation{
			ID:            e.newID(),
			ChannelID:     channel.ID,
			TenantID:      channel.TenantID,
			VisitorID:     in.VisitorID,
			Status:        model.StatusOpen,
			ResponderMode: model.ResponderAI,
			ContactInfo:   in.ContactInfo,
			Metadata:      in.Metadata,
			CreatedAt:     now,
			LastMessageAt: now,
		}
		if conv.ContactInfo == nil {
			conv.ContactInfo = map[string]string{}
		}
		if conv.Metadata == nil {
			conv.Metadata = map[string]string{}
		}
		if err := e.store.CreateConversation(ctx, conv); err != nil {
			return nil, false, err
		}
		metrics.ConversationsTotal.WithLabelValues(channel.TenantID).Inc()
		return conv, true, nil
	}

	conv, err := e.store.ConversationForVisitor(ctx, in.ConversationID, channel.ID, in.VisitorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, ErrConversationNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if conv.Status == model.StatusClosed {
		return nil, false, ErrConversationClosed
	}
	if conv.Status == model.StatusResolved {
		if err := e.transition(ctx, conv, model.StatusOpen, conv.ResponderMode); err != nil {
			return nil, false, err
		}
	}
	return conv, false, nil
}

func (e *Engine) appendMessage(ctx context.Context, conv *model.Conversation, sender model.SenderType, content string, tokens int) (*model.Message, error) {
	msg := &model.Message{
		ID:             e.newID(),
		ConversationID: conv.ID,
		SenderType:     sender,
		Content:        content,
		TokensUsed:     tokens,
		CreatedAt:      e.now().UTC(),
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if err := e.store.TouchConversation(ctx, conv.ID, msg.CreatedAt); err != nil {
		return nil, err
	}
	if msg.CreatedAt.After(conv.LastMessageAt) {
		conv.LastMessageAt = msg.CreatedAt
	}
	metrics.MessagesTotal.WithLabelValues(conv.TenantID, string(sender)).Inc()
	e.notifier.MessageAppended(conv)
	return msg, nil
}

// transition applies a status/mode change, mutates conv in place, and
// notifies subscribers.
func (e *Engine) transition(ctx context.Context, conv *model.Conversation, status model.Status, mode model.ResponderMode) error {
	if err := e.store.UpdateConversationState(ctx, conv.ID, status, mode); err != nil {
		return err
	}
	conv.Status = status
	conv.ResponderMode = mode
	e.notifier.ConversationChanged(conv)
	return nil
}

// retrieve is non-fatal: a broken knowledge index degrades answers, it never
// blocks the turn.
func (e *Engine) retrieve(ctx context.Context, tenantID, query string) []knowledge.Result {
	if e.retriever == nil {
		return nil
	}
	kb, err := e.retriever.Retrieve(ctx, tenantID, query)
	if err != nil {
		e.logger.Warn("knowledge retrieval failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return nil
	}
	return kb
}

// VisitorConversation returns a conversation and its transcript after
// verifying visitor ownership. The conversation id plus the visitor id are
// sufficient; a mismatched visitor reads as not found.
func (e *Engine) VisitorConversation(ctx context.Context, conversationID, visitorID string) (*model.Conversation, []model.Message, error) {
	conv, err := e.visitorConversation(ctx, conversationID, visitorID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := e.store.Messages(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// CloseByVisitor closes a conversation from the widget. Closing an already
// closed conversation succeeds without effect.
func (e *Engine) CloseByVisitor(ctx context.Context, conversationID, visitorID string) (*model.Conversation, error) {
	conv, err := e.visitorConversation(ctx, conversationID, visitorID)
	if err != nil {
		return nil, err
	}
	return conv, e.close(ctx, conv)
}

func (e *Engine) visitorConversation(ctx context.Context, conversationID, visitorID string) (*model.Conversation, error) {
	conv, err := e.store.Conversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if conv.VisitorID != visitorID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// CloseByAgent closes a conversation from the agent console, idempotently.
func (e *Engine) CloseByAgent(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	conv, err := e.tenantConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	return conv, e.close(ctx, conv)
}

func (e *Engine) close(ctx context.Context, conv *model.Conversation) error {
	if conv.Status == model.StatusClosed {
		return nil
	}
	return e.transition(ctx, conv, model.StatusClosed, conv.ResponderMode)
}

// AgentSend appends an agent message. The agent taking the keyboard moves the
// conversation to human mode so the engine stops generating.
func (e *Engine) AgentSend(ctx context.Context, tenantID, conversationID, content string) (*model.Message, error) {
	conv, err := e.tenantConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == model.StatusClosed {
		return nil, ErrConversationClosed
	}
	if conv.ResponderMode != model.ResponderHuman {
		if err := e.transition(ctx, conv, conv.Status, model.ResponderHuman); err != nil {
			return nil, err
		}
	}
	return e.appendMessage(ctx, conv, model.SenderAgent, content, 0)
}

// SetStatus applies an explicit agent status action. Closed conversations
// accept no further transitions.
func (e *Engine) SetStatus(ctx context.Context, tenantID, conversationID string, status model.Status) (*model.Conversation, error) {
	if !status.Valid() {
		return nil, ErrInvalidTransition
	}
	conv, err := e.tenantConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == status {
		return conv, nil
	}
	if conv.Status.Terminal() {
		return nil, ErrConversationClosed
	}
	return conv, e.transition(ctx, conv, status, conv.ResponderMode)
}

// SetResponderMode switches who answers. Handing back to the assistant also
// reopens a pending conversation, since nobody is waiting on a human anymore.
func (e *Engine) SetResponderMode(ctx context.Context, tenantID, conversationID string, mode model.ResponderMode) (*model.Conversation, error) {
	if !mode.Valid() {
		return nil, ErrInvalidTransition
	}
	conv, err := e.tenantConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status.Terminal() {
		return nil, ErrConversationClosed
	}
	if conv.ResponderMode == mode {
		return conv, nil
	}

	status := conv.Status
	if mode == model.ResponderHuman && status == model.StatusOpen {
		status = model.StatusPending
	}
	if mode == model.ResponderAI && status == model.StatusPending {
		status = model.StatusOpen
	}
	if mode == model.ResponderHuman {
		metrics.HandoffsTotal.WithLabelValues(conv.TenantID, "agent").Inc()
	}
	return conv, e.transition(ctx, conv, status, mode)
}

// TenantConversation returns a conversation after verifying tenant ownership.
func (e *Engine) TenantConversation(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	return e.tenantConversation(ctx, tenantID, conversationID)
}

func (e *Engine) tenantConversation(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	conv, err := e.store.ConversationForTenant(ctx, conversationID, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Messages returns a conversation transcript for the agent console.
func (e *Engine) Messages(ctx context.Context, tenantID, conversationID string) ([]model.Message, error) {
	if _, err := e.tenantConversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	return e.store.Messages(ctx, conversationID)
}

// ListConversations lists a tenant's conversations, newest activity first.
func (e *Engine) ListConversations(ctx context.Context, tenantID string, filter store.ConversationFilter) (*model.ListConversationsResponse, error) {
	return e.store.ListConversations(ctx, tenantID, filter)
}
