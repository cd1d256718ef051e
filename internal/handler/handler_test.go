package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helplane/helplane/internal/chat"
	"github.com/helplane/helplane/internal/llm"
	"github.com/helplane/helplane/internal/middleware"
	"github.com/helplane/helplane/internal/model"
	"github.com/helplane/helplane/internal/realtime"
	"github.com/helplane/helplane/internal/store"
	"github.com/helplane/helplane/pkg/logger"
)

const (
	testTenantID  = "11111111-1111-1111-1111-111111111111"
	testChannelID = "22222222-2222-2222-2222-222222222222"
	testPublicKey = "33333333-3333-3333-3333-333333333333"
	testJWTSecret = "test-secret"
)

type fakeLLM struct {
	reply  string
	tokens int
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: f.reply, Model: req.Model, TokensUsed: f.tokens}, nil
}
func (f *fakeLLM) Name() string     { return "fake" }
func (f *fakeLLM) Models() []string { return nil }

type noopUsage struct{}

func (noopUsage) RecordTurn(context.Context, string, int, bool) {}

type noopNotifier struct{}

func (noopNotifier) MessageAppended(*model.Conversation)    {}
func (noopNotifier) ConversationChanged(*model.Conversation) {}

type apiFixture struct {
	store  *store.Memory
	engine *chat.Engine
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	mem := store.NewMemory()
	mem.PutTenant(model.Tenant{ID: testTenantID, Name: "Acme", Active: true, DefaultLanguage: "en"})
	mem.PutTenantSettings(model.TenantSettings{
		TenantID: testTenantID, Provider: "openai", Model: "gpt-4o-mini",
		Temperature: 0.7, MaxTokens: 500,
		HandoffEnabled: true, HandoffKeywords: []string{"human"},
	})
	mem.PutChannel(model.Channel{
		ID: testChannelID, TenantID: testTenantID, Name: "Website",
		PublicKey: testPublicKey, Active: true,
	})

	engine := chat.NewEngine(mem, map[string]llm.Client{"openai": &fakeLLM{reply: "Sure!", tokens: 10}},
		nil, noopUsage{}, noopNotifier{}, "", logger.NewNop())

	hub := realtime.NewHub(nil, []byte("derive-key"), logger.NewNop())
	chatHandler := NewChatHandler(engine, hub)
	convHandler := NewConversationsHandler(engine)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.BodyLimit(16 * 1024))
		r.Post("/chat", chatHandler.SendMessage)
		r.Get("/chat/{id}", chatHandler.GetConversation)
		r.Patch("/chat/{id}", chatHandler.CloseConversation)
		r.Get("/chat/{id}/typing-channel", chatHandler.TypingChannel)
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testJWTSecret))
		r.Get("/conversations", convHandler.List)
		r.Get("/conversations/{id}", convHandler.Get)
		r.Get("/conversations/{id}/messages", convHandler.Messages)
		r.Post("/conversations/{id}/messages", convHandler.Send)
		r.Patch("/conversations/{id}", convHandler.Patch)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiFixture{store: mem, engine: engine, server: srv}
}

func (f *apiFixture) postChat(t *testing.T, payload map[string]interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+"/chat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	return resp, out
}

func (f *apiFixture) agentRequest(t *testing.T, method, path string, payload interface{}) *http.Response {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	token, err := middleware.MintToken(testJWTSecret, "agent-1", testTenantID, nil, time.Minute)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestPostChatHappyPath(t *testing.T) {
	f := newAPIFixture(t)

	resp, out := f.postChat(t, map[string]interface{}{
		"publicKey": testPublicKey,
		"visitorId": "visitor-1",
		"message":   "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, out["conversationId"])
	assert.Equal(t, false, out["handoffTriggered"])
	msg := out["message"].(map[string]interface{})
	assert.Equal(t, "Sure!", msg["content"])
}

func TestPostChatValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []map[string]interface{}{
		{"publicKey": "not-a-uuid", "visitorId": "v", "message": "hi"},
		{"publicKey": testPublicKey, "visitorId": "", "message": "hi"},
		{"publicKey": testPublicKey, "visitorId": "v", "message": ""},
		{"publicKey": testPublicKey, "visitorId": "v", "message": strings.Repeat("x", 2001)},
	}
	for _, payload := range cases {
		resp, out := f.postChat(t, payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		// The error is generic; no rule details leak.
		assert.Equal(t, "invalid request", out["error"])
	}
}

func TestPostChatUnknownChannel(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.postChat(t, map[string]interface{}{
		"publicKey": "99999999-9999-9999-9999-999999999999",
		"visitorId": "visitor-1",
		"message":   "hello",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPostChatInactiveChannel(t *testing.T) {
	f := newAPIFixture(t)
	f.store.PutChannel(model.Channel{
		ID: testChannelID, TenantID: testTenantID, Name: "Website",
		PublicKey: testPublicKey, Active: false,
	})

	resp, _ := f.postChat(t, map[string]interface{}{
		"publicKey": testPublicKey,
		"visitorId": "visitor-1",
		"message":   "hello",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPostChatOversizeBody(t *testing.T) {
	f := newAPIFixture(t)

	resp, out := f.postChat(t, map[string]interface{}{
		"publicKey": testPublicKey,
		"visitorId": "visitor-1",
		"message":   "hi",
		"metadata":  map[string]string{"blob": strings.Repeat("x", 20*1024)},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "request body too large", out["error"])

	// Nothing was persisted.
	res, err := f.store.ListConversations(context.Background(), testTenantID, store.ConversationFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
}

func TestGetConversationOwnership(t *testing.T) {
	f := newAPIFixture(t)
	_, out := f.postChat(t, map[string]interface{}{
		"publicKey": testPublicKey, "visitorId": "visitor-1", "message": "hello",
	})
	convID := out["conversationId"].(string)

	url := fmt.Sprintf("%s/chat/%s?publicKey=%s&visitorId=%s", f.server.URL, convID, testPublicKey, "visitor-1")
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&conv)
	assert.Len(t, conv["messages"], 2)

	// A different visitor reads the same id as not found.
	url = fmt.Sprintf("%s/chat/%s?publicKey=%s&visitorId=%s", f.server.URL, convID, testPublicKey, "intruder")
	resp2, err := http.Get(url)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestConversationAccessWithoutChannelKey(t *testing.T) {
	f := newAPIFixture(t)
	_, out := f.postChat(t, map[string]interface{}{
		"publicKey": testPublicKey, "visitorId": "visitor-1", "message": "hello",
	})
	convID := out["conversationId"].(string)

	// Reads, the typing-channel capability, and closes need only the
	// conversation id and the visitor id.
	resp, err := http.Get(fmt.Sprintf("%s/chat/%s?visitorId=visitor-1", f.server.URL, convID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&conv)
	assert.Len(t, conv["messages"], 2)

	resp2, err := http.Get(fmt.Sprintf("%s/chat/%s/typing-channel?visitorId=visitor-1", f.server.URL, convID))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	closeBody, _ := json.Marshal(map[string]string{"visitorId": "visitor-1"})
	req, _ := http.NewRequest(http.MethodPatch, f.server.URL+"/chat/"+convID, bytes.NewReader(closeBody))
	req.Header.Set("Content-Type", "application/json")
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestPatchChatCloseIdempotent(t *testing.T) {
	f := newAPIFixture(t)
	_, out := f.postChat(t, map[string]interface{}{
		"publicKey": testPublicKey, "visitorId": "visitor-1", "message": "hello",
	})
	convID := out["conversationId"].(string)

	closeBody, _ := json.Marshal(map[string]string{"publicKey": testPublicKey, "visitorId": "visitor-1"})
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPatch, f.server.URL+"/chat/"+convID, bytes.NewReader(closeBody))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Messaging a closed conversation conflicts.
	resp, _ := f.postChat(t, map[string]interface{}{
		"publicKey": testPublicKey, "visitorId": "visitor-1",
		"message": "anyone?", "conversationId": convID,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTypingChannelCapability(t *testing.T) {
	f := newAPIFixture(t)
	_, out := f.postChat(t, map[string]interface{}{
		"publicKey": testPublicKey, "visitorId": "visitor-1", "message": "hello",
	})
	convID := out["conversationId"].(string)

	url := fmt.Sprintf("%s/chat/%s/typing-channel?publicKey=%s&visitorId=%s",
		f.server.URL, convID, testPublicKey, "visitor-1")
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	assert.True(t, strings.HasPrefix(body["typingChannel"], "t:"))
	assert.NotContains(t, body["typingChannel"], convID)

	// Without ownership the channel name stays secret.
	url = fmt.Sprintf("%s/chat/%s/typing-channel?publicKey=%s&visitorId=%s",
		f.server.URL, convID, testPublicKey, "intruder")
	resp2, err := http.Get(url)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestAgentAPIRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/api/v1/conversations")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAgentConversationFlow(t *testing.T) {
	f := newAPIFixture(t)
	_, out := f.postChat(t, map[string]interface{}{
		"publicKey": testPublicKey, "visitorId": "visitor-1", "message": "I need a human",
	})
	convID := out["conversationId"].(string)
	require.Equal(t, true, out["handoffTriggered"])

	// The pending conversation shows up in the list.
	resp := f.agentRequest(t, http.MethodGet, "/api/v1/conversations?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.ListConversationsResponse
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	require.Equal(t, 1, list.Total)
	assert.Equal(t, convID, list.Conversations[0].ID)

	// Agent replies.
	resp = f.agentRequest(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages",
		map[string]string{"message": "Hi, how can I help?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Hand back to the assistant.
	resp = f.agentRequest(t, http.MethodPatch, "/api/v1/conversations/"+convID,
		map[string]string{"responderMode": "ai"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv model.Conversation
	json.NewDecoder(resp.Body).Decode(&conv)
	resp.Body.Close()
	assert.Equal(t, model.ResponderAI, conv.ResponderMode)
	assert.Equal(t, model.StatusOpen, conv.Status)
}

func TestAgentCannotSeeOtherTenants(t *testing.T) {
	f := newAPIFixture(t)
	_, out := f.postChat(t, map[string]interface{}{
		"publicKey": testPublicKey, "visitorId": "visitor-1", "message": "hello",
	})
	convID := out["conversationId"].(string)

	token, err := middleware.MintToken(testJWTSecret, "agent-x",
		"44444444-4444-4444-4444-444444444444", nil, time.Minute)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/conversations/"+convID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
