package usage

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helplane/helplane/pkg/logger"
)

// fakeRedis applies hash commands to an in-process map.
type fakeRedis struct {
	hashes map[string]map[string]int64
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: make(map[string]map[string]int64)}
}

func (f *fakeRedis) HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]int64)
	}
	f.hashes[key][field] += incr
	cmd.SetVal(f.hashes[key][field])
	return cmd
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	cmd := redis.NewMapStringStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	out := make(map[string]string)
	for field, v := range f.hashes[key] {
		out[field] = strconv.FormatInt(v, 10)
	}
	cmd.SetVal(out)
	return cmd
}

func TestMonthKey(t *testing.T) {
	at := time.Date(2024, time.March, 7, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "2024-03", MonthKey(at))

	// A timestamp just past midnight in a +13 zone still lands in the UTC month.
	loc := time.FixedZone("NZDT", 13*60*60)
	at = time.Date(2024, time.April, 1, 0, 30, 0, 0, loc)
	assert.Equal(t, "2024-03", MonthKey(at))
}

func TestRecordTurnAccumulates(t *testing.T) {
	rdb := newFakeRedis()
	tr := NewTracker(rdb, logger.NewNop())
	tr.now = func() time.Time { return time.Date(2024, time.May, 10, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	tr.RecordTurn(ctx, "t1", 120, true)
	tr.RecordTurn(ctx, "t1", 80, false)

	got := rdb.hashes["usage:t1:2024-05"]
	require.NotNil(t, got)
	assert.Equal(t, int64(200), got[fieldTokens])
	assert.Equal(t, int64(1), got[fieldConversations])
}

func TestRecordTurnSkipsZeroTokens(t *testing.T) {
	rdb := newFakeRedis()
	tr := NewTracker(rdb, logger.NewNop())
	tr.now = func() time.Time { return time.Date(2024, time.May, 10, 0, 0, 0, 0, time.UTC) }

	tr.RecordTurn(context.Background(), "t1", 0, false)
	assert.Empty(t, rdb.hashes)
}

func TestRecordTurnSurvivesRedisFailure(t *testing.T) {
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	tr := NewTracker(rdb, logger.NewNop())

	// Must not panic or propagate the error.
	tr.RecordTurn(context.Background(), "t1", 50, true)
}

func TestMonthReadsBack(t *testing.T) {
	rdb := newFakeRedis()
	tr := NewTracker(rdb, logger.NewNop())
	tr.now = func() time.Time { return time.Date(2024, time.June, 2, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	tr.RecordTurn(ctx, "t1", 300, true)
	tr.RecordTurn(ctx, "t1", 150, true)

	m, err := tr.CurrentMonth(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "2024-06", m.Period)
	assert.Equal(t, int64(450), m.Tokens)
	assert.Equal(t, int64(2), m.Conversations)
}

func TestMonthEmptyPeriod(t *testing.T) {
	tr := NewTracker(newFakeRedis(), logger.NewNop())

	m, err := tr.Month(context.Background(), "t1", "2023-01")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Tokens)
	assert.Equal(t, int64(0), m.Conversations)
}
