package model

import (
	"time"
)

// KnowledgeItem is a tenant-scoped snippet used for retrieval-augmented
// responses. The embedding is regenerated whenever Content changes; there is
// no path that updates the text without the vector.
type KnowledgeItem struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Embedding []float32         `json:"-"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
