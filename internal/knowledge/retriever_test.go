package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helplane/helplane/internal/model"
	"github.com/helplane/helplane/internal/store"
	"github.com/helplane/helplane/pkg/logger"
)

// fakeEmbedder maps known strings to fixed unit vectors so similarity is
// deterministic.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func newTestRetriever(t *testing.T, vectors map[string][]float32) (*Retriever, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	r := NewRetriever(mem, &fakeEmbedder{vectors: vectors}, logger.NewNop())
	return r, mem
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	vectors := map[string][]float32{
		"refund policy":        {1, 0, 0},
		"shipping times":       {0, 1, 0},
		"how do I get refund?": {0.9, 0.1, 0},
	}
	r, _ := newTestRetriever(t, vectors)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &model.KnowledgeItem{
		ID: "k1", TenantID: "t1", Title: "Refunds", Content: "refund policy",
	}))
	require.NoError(t, r.Upsert(ctx, &model.KnowledgeItem{
		ID: "k2", TenantID: "t1", Title: "Shipping", Content: "shipping times",
	}))

	results, err := r.Retrieve(ctx, "t1", "how do I get refund?")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "k1", results[0].ID)
	assert.Equal(t, "Refunds", results[0].Title)
	for _, res := range results {
		assert.GreaterOrEqual(t, res.Similarity, float32(SimilarityFloor))
	}
}

func TestRetrieveFiltersBelowFloor(t *testing.T) {
	vectors := map[string][]float32{
		"topic a": {1, 0, 0},
		"query":   {0, 1, 0},
	}
	r, _ := newTestRetriever(t, vectors)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &model.KnowledgeItem{
		ID: "k1", TenantID: "t1", Title: "A", Content: "topic a",
	}))

	results, err := r.Retrieve(ctx, "t1", "query")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveEmptyIndex(t *testing.T) {
	r, _ := newTestRetriever(t, nil)

	results, err := r.Retrieve(context.Background(), "t1", "anything")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUpsertReembedsOnContentChange(t *testing.T) {
	vectors := map[string][]float32{
		"old text": {1, 0, 0},
		"new text": {0, 1, 0},
	}
	r, mem := newTestRetriever(t, vectors)
	ctx := context.Background()

	item := &model.KnowledgeItem{ID: "k1", TenantID: "t1", Title: "Doc", Content: "old text"}
	require.NoError(t, r.Upsert(ctx, item))
	assert.Equal(t, []float32{1, 0, 0}, item.Embedding)

	item.Content = "new text"
	require.NoError(t, r.Upsert(ctx, item))
	assert.Equal(t, []float32{0, 1, 0}, item.Embedding)

	stored, err := mem.KnowledgeItem(ctx, "k1", "t1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, stored.Embedding)
}

func TestWarmLoadsPersistedItems(t *testing.T) {
	vectors := map[string][]float32{
		"persisted doc": {1, 0, 0},
		"find it":       {1, 0, 0},
	}
	mem := store.NewMemory()
	now := time.Now().UTC()
	require.NoError(t, mem.UpsertKnowledgeItem(context.Background(), &model.KnowledgeItem{
		ID: "k1", TenantID: "t1", Title: "Persisted", Content: "persisted doc",
		Embedding: []float32{1, 0, 0}, CreatedAt: now, UpdatedAt: now,
	}))

	r := NewRetriever(mem, &fakeEmbedder{vectors: vectors}, logger.NewNop())
	results, err := r.Retrieve(context.Background(), "t1", "find it")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "k1", results[0].ID)
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	vectors := map[string][]float32{
		"doc":   {1, 0, 0},
		"query": {1, 0, 0},
	}
	r, _ := newTestRetriever(t, vectors)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &model.KnowledgeItem{
		ID: "k1", TenantID: "t1", Title: "Doc", Content: "doc",
	}))
	require.NoError(t, r.Delete(ctx, "k1", "t1"))

	results, err := r.Retrieve(ctx, "t1", "query")
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.ErrorIs(t, r.Delete(ctx, "k1", "t1"), store.ErrNotFound)
}

func TestTenantIsolation(t *testing.T) {
	vectors := map[string][]float32{
		"tenant one doc": {1, 0, 0},
		"query":          {1, 0, 0},
	}
	r, _ := newTestRetriever(t, vectors)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &model.KnowledgeItem{
		ID: "k1", TenantID: "t1", Title: "Doc", Content: "tenant one doc",
	}))

	results, err := r.Retrieve(ctx, "t2", "query")
	require.NoError(t, err)
	assert.Empty(t, results)
}
