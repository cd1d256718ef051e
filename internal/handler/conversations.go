package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/helplane/helplane/internal/chat"
	"github.com/helplane/helplane/internal/middleware"
	"github.com/helplane/helplane/internal/model"
	"github.com/helplane/helplane/internal/store"
)

// ConversationsHandler serves the agent console conversation API. Every
// request is tenant-scoped through the JWT claims.
type ConversationsHandler struct {
	engine *chat.Engine
}

// NewConversationsHandler creates the agent conversation handler.
func NewConversationsHandler(engine *chat.Engine) *ConversationsHandler {
	return &ConversationsHandler{engine: engine}
}

// List handles GET /api/v1/conversations.
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	filter := store.ConversationFilter{}
	if s := r.URL.Query().Get("status"); s != "" {
		status := model.Status(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		filter.Status = &status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	res, err := h.engine.ListConversations(r.Context(), tenantID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if res.Conversations == nil {
		res.Conversations = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, res)
}

// Get handles GET /api/v1/conversations/{id}.
func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	conv, err := h.engine.TenantConversation(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Messages handles GET /api/v1/conversations/{id}/messages.
func (h *ConversationsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	msgs, err := h.engine.Messages(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

type agentMessageRequest struct {
	Message string `json:"message"`
}

// Send handles POST /api/v1/conversations/{id}/messages.
func (h *ConversationsHandler) Send(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var req agentMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if middleware.ValidateChatMessage(req.Message) != nil {
		writeError(w, http.StatusBadRequest, "invalid message")
		return
	}

	msg, err := h.engine.AgentSend(r.Context(), tenantID, chi.URLParam(r, "id"), req.Message)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type patchConversationRequest struct {
	Status        *model.Status        `json:"status,omitempty"`
	ResponderMode *model.ResponderMode `json:"responderMode,omitempty"`
}

// Patch handles PATCH /api/v1/conversations/{id}: explicit status and
// responder-mode actions, including handing a conversation back to the
// assistant.
func (h *ConversationsHandler) Patch(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	conversationID := chi.URLParam(r, "id")

	var req patchConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Status == nil && req.ResponderMode == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	var conv *model.Conversation
	var err error
	if req.Status != nil {
		conv, err = h.engine.SetStatus(r.Context(), tenantID, conversationID, *req.Status)
		if err != nil {
			writeEngineError(w, err)
			return
		}
	}
	if req.ResponderMode != nil {
		conv, err = h.engine.SetResponderMode(r.Context(), tenantID, conversationID, *req.ResponderMode)
		if err != nil {
			writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, conv)
}
