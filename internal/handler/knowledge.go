package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/helplane/helplane/internal/knowledge"
	"github.com/helplane/helplane/internal/middleware"
	"github.com/helplane/helplane/internal/model"
	"github.com/helplane/helplane/internal/store"
)

// KnowledgeHandler serves the agent console knowledge base API.
type KnowledgeHandler struct {
	retriever *knowledge.Retriever
	store     store.Store
}

// NewKnowledgeHandler creates the knowledge handler.
func NewKnowledgeHandler(retriever *knowledge.Retriever, st store.Store) *KnowledgeHandler {
	return &KnowledgeHandler{retriever: retriever, store: st}
}

type knowledgeItemRequest struct {
	Title   string            `json:"title"`
	Content string            `json:"content"`
	Payload map[string]string `json:"payload,omitempty"`
}

func (req *knowledgeItemRequest) validate() error {
	if strings.TrimSpace(req.Title) == "" {
		return errors.New("title is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

// List handles GET /api/v1/knowledge.
func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	items, err := h.store.ListKnowledge(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []model.KnowledgeItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// Create handles POST /api/v1/knowledge. The content is embedded before the
// item becomes retrievable.
func (h *KnowledgeHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var req knowledgeItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.retriever == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge indexing unavailable")
		return
	}

	item := &model.KnowledgeItem{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Title:    req.Title,
		Content:  req.Content,
		Payload:  req.Payload,
	}
	if err := h.retriever.Upsert(r.Context(), item); err != nil {
		writeError(w, http.StatusBadGateway, "failed to index knowledge item")
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// Update handles PUT /api/v1/knowledge/{id}. Changed content is always
// re-embedded.
func (h *KnowledgeHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	id := chi.URLParam(r, "id")

	existing, err := h.store.KnowledgeItem(r.Context(), id, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "knowledge item not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var req knowledgeItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.retriever == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge indexing unavailable")
		return
	}

	existing.Title = req.Title
	existing.Content = req.Content
	if req.Payload != nil {
		existing.Payload = req.Payload
	}
	if err := h.retriever.Upsert(r.Context(), existing); err != nil {
		writeError(w, http.StatusBadGateway, "failed to index knowledge item")
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// Delete handles DELETE /api/v1/knowledge/{id}.
func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	if h.retriever == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge indexing unavailable")
		return
	}
	err := h.retriever.Delete(r.Context(), chi.URLParam(r, "id"), tenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "knowledge item not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
