package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/helplane/helplane/internal/model"
)

// Memory is an in-memory Store used by tests. All methods are safe for
// concurrent use.
type Memory struct {
	mu sync.RWMutex

	tenants        map[string]model.Tenant
	tenantSettings map[string]model.TenantSettings
	channels       map[string]model.Channel
	conversations  map[string]model.Conversation
	messages       map[string][]model.Message
	knowledge      map[string]model.KnowledgeItem
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants:        make(map[string]model.Tenant),
		tenantSettings: make(map[string]model.TenantSettings),
		channels:       make(map[string]model.Channel),
		conversations:  make(map[string]model.Conversation),
		messages:       make(map[string][]model.Message),
		knowledge:      make(map[string]model.KnowledgeItem),
	}
}

// PutTenant seeds a tenant.
func (s *Memory) PutTenant(t model.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

// PutTenantSettings seeds tenant settings.
func (s *Memory) PutTenantSettings(ts model.TenantSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantSettings[ts.TenantID] = ts
}

// PutChannel seeds a channel.
func (s *Memory) PutChannel(ch model.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch
}

func (s *Memory) ChannelByPublicKey(_ context.Context, publicKey string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch.PublicKey == publicKey {
			c := ch
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) Channel(_ context.Context, id string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ch, nil
}

func (s *Memory) Tenant(_ context.Context, id string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *Memory) TenantSettings(_ context.Context, tenantID string) (*model.TenantSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tenantSettings[tenantID]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (s *Memory) CreateConversation(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = *conv
	return nil
}

func (s *Memory) Conversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *Memory) ConversationForVisitor(_ context.Context, id, channelID, visitorID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok || c.ChannelID != channelID || c.VisitorID != visitorID {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *Memory) ConversationForTenant(_ context.Context, id, tenantID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok || c.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *Memory) ListConversations(_ context.Context, tenantID string, filter ConversationFilter) (*model.ListConversationsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Conversation
	for _, c := range s.conversations {
		if c.TenantID != tenantID {
			continue
		}
		if filter.Status != nil && c.Status != *filter.Status {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastMessageAt.After(matched[j].LastMessageAt)
	})

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filter.Offset
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := matched[offset:end]

	return &model.ListConversationsResponse{
		Conversations: page,
		Total:         total,
		HasMore:       end < total,
	}, nil
}

func (s *Memory) UpdateConversationState(_ context.Context, id string, status model.Status, mode model.ResponderMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.ResponderMode = mode
	s.conversations[id] = c
	return nil
}

func (s *Memory) TouchConversation(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
		s.conversations[id] = c
	}
	return nil
}

func (s *Memory) AppendMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *Memory) Messages(_ context.Context, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Memory) UpsertKnowledgeItem(_ context.Context, item *model.KnowledgeItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge[item.ID] = *item
	return nil
}

func (s *Memory) KnowledgeItem(_ context.Context, id, tenantID string) (*model.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.knowledge[id]
	if !ok || item.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &item, nil
}

func (s *Memory) ListKnowledge(_ context.Context, tenantID string) ([]model.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []model.KnowledgeItem
	for _, item := range s.knowledge {
		if item.TenantID == tenantID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *Memory) DeleteKnowledgeItem(_ context.Context, id, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.knowledge[id]
	if !ok || item.TenantID != tenantID {
		return ErrNotFound
	}
	delete(s.knowledge, id)
	return nil
}
