package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helplane/helplane/internal/model"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping verifies database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) ChannelByPublicKey(ctx context.Context, publicKey string) (*model.Channel, error) {
	return s.scanChannel(s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, public_key, active, system_prompt,
		       handoff_enabled, handoff_keywords, created_at
		FROM channels WHERE public_key = $1`, publicKey))
}

func (s *Postgres) Channel(ctx context.Context, id string) (*model.Channel, error) {
	return s.scanChannel(s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, public_key, active, system_prompt,
		       handoff_enabled, handoff_keywords, created_at
		FROM channels WHERE id = $1`, id))
}

func (s *Postgres) scanChannel(row pgx.Row) (*model.Channel, error) {
	var ch model.Channel
	err := row.Scan(&ch.ID, &ch.TenantID, &ch.Name, &ch.PublicKey, &ch.Active,
		&ch.SystemPrompt, &ch.HandoffEnabled, &ch.HandoffKeywords, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	return &ch, nil
}

func (s *Postgres) Tenant(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, active, default_language, created_at
		FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Active, &t.DefaultLanguage, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}

func (s *Postgres) TenantSettings(ctx context.Context, tenantID string) (*model.TenantSettings, error) {
	var ts model.TenantSettings
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, provider, model, temperature, max_tokens,
		       system_prompt, handoff_enabled, handoff_keywords, updated_at
		FROM tenant_settings WHERE tenant_id = $1`, tenantID).
		Scan(&ts.TenantID, &ts.Provider, &ts.Model, &ts.Temperature, &ts.MaxTokens,
			&ts.SystemPrompt, &ts.HandoffEnabled, &ts.HandoffKeywords, &ts.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant settings: %w", err)
	}
	return &ts, nil
}

func (s *Postgres) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations
			(id, channel_id, tenant_id, visitor_id, status, responder_mode,
			 contact_info, metadata, created_at, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		conv.ID, conv.ChannelID, conv.TenantID, conv.VisitorID,
		conv.Status, conv.ResponderMode, conv.ContactInfo, conv.Metadata,
		conv.CreatedAt, conv.LastMessageAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, channel_id, tenant_id, visitor_id, status,
	responder_mode, contact_info, metadata, created_at, last_message_at`

func (s *Postgres) scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.ChannelID, &c.TenantID, &c.VisitorID, &c.Status,
		&c.ResponderMode, &c.ContactInfo, &c.Metadata, &c.CreatedAt, &c.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

func (s *Postgres) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	return s.scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
}

func (s *Postgres) ConversationForVisitor(ctx context.Context, id, channelID, visitorID string) (*model.Conversation, error) {
	return s.scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE id = $1 AND channel_id = $2 AND visitor_id = $3`,
		id, channelID, visitorID))
}

func (s *Postgres) ConversationForTenant(ctx context.Context, id, tenantID string) (*model.Conversation, error) {
	return s.scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE id = $1 AND tenant_id = $2`, id, tenantID))
}

func (s *Postgres) ListConversations(ctx context.Context, tenantID string, filter ConversationFilter) (*model.ListConversationsResponse, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	args := []any{tenantID}
	where := `tenant_id = $1`
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where += ` AND status = $2`
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM conversations WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	args = append(args, limit, filter.Offset)
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE `+where+`
		 ORDER BY last_message_at DESC
		 LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.TenantID, &c.VisitorID, &c.Status,
			&c.ResponderMode, &c.ContactInfo, &c.Metadata, &c.CreatedAt, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         total,
		HasMore:       filter.Offset+len(convs) < total,
	}, nil
}

func (s *Postgres) UpdateConversationState(ctx context.Context, id string, status model.Status, mode model.ResponderMode) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET status = $2, responder_mode = $3
		WHERE id = $1`, id, status, mode)
	if err != nil {
		return fmt.Errorf("update conversation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) TouchConversation(ctx context.Context, id string, at time.Time) error {
	// GREATEST keeps last_message_at monotonically non-decreasing under
	// concurrent appends.
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET last_message_at = GREATEST(last_message_at, $2)
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *Postgres) AppendMessage(ctx context.Context, msg *model.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_type, content, tokens_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ConversationID, msg.SenderType, msg.Content, msg.TokensUsed, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Postgres) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, sender_type, content, tokens_used, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderType, &m.Content,
			&m.TokensUsed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func (s *Postgres) UpsertKnowledgeItem(ctx context.Context, item *model.KnowledgeItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO knowledge_items (id, tenant_id, title, content, embedding, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`,
		item.ID, item.TenantID, item.Title, item.Content, item.Embedding,
		item.Payload, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert knowledge item: %w", err)
	}
	return nil
}

func (s *Postgres) KnowledgeItem(ctx context.Context, id, tenantID string) (*model.KnowledgeItem, error) {
	var item model.KnowledgeItem
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, title, content, embedding, payload, created_at, updated_at
		FROM knowledge_items WHERE id = $1 AND tenant_id = $2`, id, tenantID).
		Scan(&item.ID, &item.TenantID, &item.Title, &item.Content, &item.Embedding,
			&item.Payload, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan knowledge item: %w", err)
	}
	return &item, nil
}

func (s *Postgres) ListKnowledge(ctx context.Context, tenantID string) ([]model.KnowledgeItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, title, content, embedding, payload, created_at, updated_at
		FROM knowledge_items WHERE tenant_id = $1
		ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query knowledge items: %w", err)
	}
	defer rows.Close()

	var items []model.KnowledgeItem
	for rows.Next() {
		var item model.KnowledgeItem
		if err := rows.Scan(&item.ID, &item.TenantID, &item.Title, &item.Content,
			&item.Embedding, &item.Payload, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge items: %w", err)
	}
	return items, nil
}

func (s *Postgres) DeleteKnowledgeItem(ctx context.Context, id, tenantID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM knowledge_items WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete knowledge item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
