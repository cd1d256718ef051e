package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/helplane/helplane/internal/chat"
	"github.com/helplane/helplane/internal/middleware"
	"github.com/helplane/helplane/internal/model"
	"github.com/helplane/helplane/internal/realtime"
)

// ChatHandler serves the public widget endpoints. No authentication: the
// channel public key scopes conversation creation, the unguessable
// conversation id plus visitor id scope reads and closes, and ownership
// mismatches read as not found.
type ChatHandler struct {
	engine *chat.Engine
	hub    *realtime.Hub
}

// NewChatHandler creates the public chat handler.
func NewChatHandler(engine *chat.Engine, hub *realtime.Hub) *ChatHandler {
	return &ChatHandler{engine: engine, hub: hub}
}

type sendMessageRequest struct {
	PublicKey      string            `json:"publicKey"`
	VisitorID      string            `json:"visitorId"`
	Message        string            `json:"message"`
	ConversationID string            `json:"conversationId,omitempty"`
	ContactInfo    map[string]string `json:"contactInfo,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type sendMessageResponse struct {
	ConversationID   string         `json:"conversationId"`
	Message          *model.Message `json:"message"`
	HandoffTriggered bool           `json:"handoffTriggered"`
	AwaitingAgent    bool           `json:"awaitingAgent"`
}

// SendMessage handles POST /chat.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if middleware.ValidatePublicKey(req.PublicKey) != nil ||
		middleware.ValidateVisitorID(req.VisitorID) != nil ||
		middleware.ValidateChatMessage(req.Message) != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	res, err := h.engine.HandleVisitorMessage(r.Context(), chat.VisitorMessageInput{
		PublicKey:      req.PublicKey,
		VisitorID:      req.VisitorID,
		Content:        req.Message,
		ConversationID: req.ConversationID,
		ContactInfo:    req.ContactInfo,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sendMessageResponse{
		ConversationID:   res.Conversation.ID,
		Message:          res.Reply,
		HandoffTriggered: res.HandoffTriggered,
		AwaitingAgent:    res.AwaitingAgent,
	})
}

type conversationResponse struct {
	ConversationID string          `json:"conversationId"`
	Status         model.Status    `json:"status"`
	ResponderMode  model.ResponderMode `json:"responderMode"`
	Messages       []model.Message `json:"messages"`
}

// GetConversation handles GET /chat/{id}.
func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	visitorID := r.URL.Query().Get("visitorId")
	if middleware.ValidateVisitorID(visitorID) != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	conv, msgs, err := h.engine.VisitorConversation(r.Context(),
		chi.URLParam(r, "id"), visitorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, conversationResponse{
		ConversationID: conv.ID,
		Status:         conv.Status,
		ResponderMode:  conv.ResponderMode,
		Messages:       msgs,
	})
}

type closeConversationRequest struct {
	// PublicKey is accepted for older widget builds but carries no weight;
	// ownership rides on the conversation id and visitor id.
	PublicKey string `json:"publicKey,omitempty"`
	VisitorID string `json:"visitorId"`
}

// CloseConversation handles PATCH /chat/{id}. The only mutation the widget
// may apply is closing its own conversation; repeat closes succeed.
func (h *ChatHandler) CloseConversation(w http.ResponseWriter, r *http.Request) {
	var req closeConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if middleware.ValidateVisitorID(req.VisitorID) != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	conv, err := h.engine.CloseByVisitor(r.Context(),
		chi.URLParam(r, "id"), req.VisitorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversationId": conv.ID,
		"status":         conv.Status,
	})
}

// TypingChannel handles GET /chat/{id}/typing-channel. Returning the derived
// name only after an ownership check makes it a capability: knowing a
// conversation id alone is not enough to listen in.
func (h *ChatHandler) TypingChannel(w http.ResponseWriter, r *http.Request) {
	visitorID := r.URL.Query().Get("visitorId")
	if middleware.ValidateVisitorID(visitorID) != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	conv, _, err := h.engine.VisitorConversation(r.Context(),
		chi.URLParam(r, "id"), visitorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"typingChannel": h.hub.TypingChannel(conv.ID),
	})
}
