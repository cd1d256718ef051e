// Package knowledge manages the tenant knowledge base and semantic retrieval.
package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/helplane/helplane/internal/llm"
	"github.com/helplane/helplane/internal/model"
	"github.com/helplane/helplane/internal/store"
	"github.com/helplane/helplane/pkg/metrics"
	"github.com/helplane/helplane/pkg/logger"
)

const (
	// TopK is how many knowledge items are considered per query.
	TopK = 5
	// SimilarityFloor drops weak matches before they reach the prompt.
	SimilarityFloor = 0.5
)

// Result is a knowledge item that matched a retrieval query.
type Result struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
}

// Retriever embeds knowledge items and answers similarity queries. Postgres
// remains the authoritative copy; the chromem index is rebuilt from it per
// tenant on first use.
type Retriever struct {
	db       *chromem.DB
	store    store.Store
	embedder llm.Embedder
	logger   *logger.Logger

	mu     sync.Mutex
	warmed map[string]bool
}

// NewRetriever creates a retriever over an in-process vector index.
func NewRetriever(st store.Store, embedder llm.Embedder, logger *logger.Logger) *Retriever {
	return &Retriever{
		db:       chromem.NewDB(),
		store:    st,
		embedder: embedder,
		logger:   logger,
		warmed:   make(map[string]bool),
	}
}

func collectionName(tenantID string) string {
	return "kb-" + tenantID
}

// collection returns the tenant's index, loading persisted items into it the
// first time the tenant is seen.
func (r *Retriever) collection(ctx context.Context, tenantID string) (*chromem.Collection, error) {
	coll, err := r.db.GetOrCreateCollection(collectionName(tenantID), nil, r.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}

	r.mu.Lock()
	warmed := r.warmed[tenantID]
	if !warmed {
		r.warmed[tenantID] = true
	}
	r.mu.Unlock()
	if warmed {
		return coll, nil
	}

	items, err := r.store.ListKnowledge(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load knowledge items: %w", err)
	}
	for _, item := range items {
		if len(item.Embedding) == 0 {
			continue
		}
		if err := coll.AddDocument(ctx, document(&item)); err != nil {
			return nil, fmt.Errorf("index knowledge item %s: %w", item.ID, err)
		}
	}
	r.logger.Info("warmed knowledge index",
		zap.String("tenant_id", tenantID),
		zap.Int("items", len(items)))
	return coll, nil
}

func (r *Retriever) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return r.embedder.Embed(ctx, text)
	}
}

func document(item *model.KnowledgeItem) chromem.Document {
	return chromem.Document{
		ID:        item.ID,
		Metadata:  map[string]string{"title": item.Title},
		Embedding: item.Embedding,
		Content:   item.Content,
	}
}

// Retrieve returns up to TopK items scoring at or above SimilarityFloor for
// the query, strongest first.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, query string) ([]Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		metrics.RetrievalsTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, fmt.Errorf("embed query: %w", err)
	}

	coll, err := r.collection(ctx, tenantID)
	if err != nil {
		metrics.RetrievalsTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}

	n := TopK
	if count := coll.Count(); count < n {
		n = count
	}
	if n == 0 {
		metrics.RetrievalsTotal.WithLabelValues(tenantID, "empty").Inc()
		return nil, nil
	}

	matches, err := coll.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		metrics.RetrievalsTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, fmt.Errorf("query knowledge index: %w", err)
	}

	var results []Result
	for _, m := range matches {
		if m.Similarity < SimilarityFloor {
			continue
		}
		results = append(results, Result{
			ID:         m.ID,
			Title:      m.Metadata["title"],
			Content:    m.Content,
			Similarity: m.Similarity,
		})
	}

	outcome := "hit"
	if len(results) == 0 {
		outcome = "empty"
	}
	metrics.RetrievalsTotal.WithLabelValues(tenantID, outcome).Inc()
	return results, nil
}

// Upsert persists a knowledge item and refreshes its embedding and index
// entry. The content is always re-embedded so the vector never drifts from
// the stored text.
func (r *Retriever) Upsert(ctx context.Context, item *model.KnowledgeItem) error {
	vec, err := r.embedder.Embed(ctx, item.Content)
	if err != nil {
		return fmt.Errorf("embed knowledge item: %w", err)
	}
	item.Embedding = vec
	item.UpdatedAt = time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = item.UpdatedAt
	}

	if err := r.store.UpsertKnowledgeItem(ctx, item); err != nil {
		return err
	}

	coll, err := r.collection(ctx, item.TenantID)
	if err != nil {
		return err
	}
	if err := coll.AddDocument(ctx, document(item)); err != nil {
		return fmt.Errorf("index knowledge item: %w", err)
	}
	return nil
}

// Delete removes a knowledge item from storage and the index.
func (r *Retriever) Delete(ctx context.Context, id, tenantID string) error {
	if err := r.store.DeleteKnowledgeItem(ctx, id, tenantID); err != nil {
		return err
	}
	coll, err := r.collection(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := coll.Delete(ctx, nil, nil, id); err != nil {
		r.logger.Warn("failed to remove item from knowledge index",
			zap.String("tenant_id", tenantID),
			zap.String("item_id", id),
			zap.Error(err))
	}
	return nil
}
