// Package usage records per-tenant monthly consumption counters.
package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/helplane/helplane/pkg/logger"
)

const (
	fieldTokens        = "tokens"
	fieldConversations = "conversations"
)

// commands is the slice of the Redis API the tracker uses. *redis.Client
// satisfies it.
type commands interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Month is a tenant's consumption for one calendar month.
type Month struct {
	Period        string `json:"period"`
	Tokens        int64  `json:"tokens"`
	Conversations int64  `json:"conversations"`
}

// Tracker accumulates usage in Redis hashes keyed by tenant and month.
// Counter increments are atomic, so concurrent turns never lose updates.
type Tracker struct {
	rdb    commands
	logger *logger.Logger
	now    func() time.Time
}

// NewTracker creates a tracker writing through the given Redis client.
func NewTracker(rdb commands, logger *logger.Logger) *Tracker {
	return &Tracker{rdb: rdb, logger: logger, now: time.Now}
}

// MonthKey formats the hash key period for a point in time, UTC.
func MonthKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}

func usageKey(tenantID, period string) string {
	return "usage:" + tenantID + ":" + period
}

// RecordTurn adds a turn's token cost to the tenant's current month, and
// counts the conversation when the turn started one. Accounting failures are
// logged rather than failing the chat turn.
func (t *Tracker) RecordTurn(ctx context.Context, tenantID string, tokens int, newConversation bool) {
	key := usageKey(tenantID, MonthKey(t.now()))

	if tokens > 0 {
		if err := t.rdb.HIncrBy(ctx, key, fieldTokens, int64(tokens)).Err(); err != nil {
			t.logger.Error("failed to record token usage",
				zap.String("tenant_id", tenantID),
				zap.Int("tokens", tokens),
				zap.Error(err))
		}
	}
	if newConversation {
		if err := t.rdb.HIncrBy(ctx, key, fieldConversations, 1).Err(); err != nil {
			t.logger.Error("failed to record conversation count",
				zap.String("tenant_id", tenantID),
				zap.Error(err))
		}
	}
}

// Month reads a tenant's counters for the given period. A month with no
// activity reads as zeros.
func (t *Tracker) Month(ctx context.Context, tenantID, period string) (*Month, error) {
	fields, err := t.rdb.HGetAll(ctx, usageKey(tenantID, period)).Result()
	if err != nil {
		return nil, fmt.Errorf("read usage for %s: %w", period, err)
	}

	m := &Month{Period: period}
	if v, ok := fields[fieldTokens]; ok {
		m.Tokens, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields[fieldConversations]; ok {
		m.Conversations, _ = strconv.ParseInt(v, 10, 64)
	}
	return m, nil
}

// CurrentMonth reads the tenant's counters for the month in progress.
func (t *Tracker) CurrentMonth(ctx context.Context, tenantID string) (*Month, error) {
	return t.Month(ctx, tenantID, MonthKey(t.now()))
}
