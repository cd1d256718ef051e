package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helplane/helplane/internal/knowledge"
	"github.com/helplane/helplane/internal/llm"
	"github.com/helplane/helplane/internal/model"
	"github.com/helplane/helplane/internal/store"
	"github.com/helplane/helplane/pkg/logger"
)

const (
	testTenantID  = "11111111-1111-1111-1111-111111111111"
	testChannelID = "22222222-2222-2222-2222-222222222222"
	testPublicKey = "33333333-3333-3333-3333-333333333333"
)

type fakeLLM struct {
	mu      sync.Mutex
	reply   string
	tokens  int
	err     error
	prompts [][]llm.ChatMessage
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Messages)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.reply, Model: req.Model, TokensUsed: f.tokens}, nil
}

func (f *fakeLLM) Name() string    { return "fake" }
func (f *fakeLLM) Models() []string { return []string{"fake-model"} }

type fakeRetriever struct {
	results []knowledge.Result
	err     error
}

func (f *fakeRetriever) Retrieve(context.Context, string, string) ([]knowledge.Result, error) {
	return f.results, f.err
}

type fakeUsage struct {
	mu            sync.Mutex
	tokens        int
	conversations int
	turns         int
}

func (f *fakeUsage) RecordTurn(_ context.Context, _ string, tokens int, newConversation bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns++
	f.tokens += tokens
	if newConversation {
		f.conversations++
	}
}

type fakeNotifier struct {
	mu       sync.Mutex
	appended int
	changed  int
}

func (f *fakeNotifier) MessageAppended(*model.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended++
}

func (f *fakeNotifier) ConversationChanged(*model.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed++
}

type engineFixture struct {
	engine    *Engine
	store     *store.Memory
	llm       *fakeLLM
	usage     *fakeUsage
	notifier  *fakeNotifier
	retriever *fakeRetriever
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	mem := store.NewMemory()
	mem.PutTenant(model.Tenant{ID: testTenantID, Name: "Acme", Active: true, DefaultLanguage: "en"})
	mem.PutTenantSettings(model.TenantSettings{
		TenantID:        testTenantID,
		Provider:        "openai",
		Model:           "gpt-4o-mini",
		Temperature:     0.7,
		MaxTokens:       500,
		HandoffEnabled:  true,
		HandoffKeywords: []string{"human", "agente"},
	})
	mem.PutChannel(model.Channel{
		ID: testChannelID, TenantID: testTenantID, Name: "Website",
		PublicKey: testPublicKey, Active: true,
	})

	f := &engineFixture{
		store:     mem,
		llm:       &fakeLLM{reply: "Happy to help!", tokens: 42},
		usage:     &fakeUsage{},
		notifier:  &fakeNotifier{},
		retriever: &fakeRetriever{},
	}
	f.engine = NewEngine(mem, map[string]llm.Client{"openai": f.llm},
		f.retriever, f.usage, f.notifier, "", logger.NewNop())
	return f
}

func (f *engineFixture) send(t *testing.T, conversationID, content string) *TurnResult {
	t.Helper()
	res, err := f.engine.HandleVisitorMessage(context.Background(), VisitorMessageInput{
		PublicKey:      testPublicKey,
		VisitorID:      "visitor-1",
		Content:        content,
		ConversationID: conversationID,
	})
	require.NoError(t, err)
	return res
}

func TestVisitorTurnGeneratesReply(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, "", "What are your opening hours?")

	require.NotNil(t, res.Conversation)
	assert.Equal(t, model.StatusOpen, res.Conversation.Status)
	assert.Equal(t, model.ResponderAI, res.Conversation.ResponderMode)
	require.NotNil(t, res.Reply)
	assert.Equal(t, "Happy to help!", res.Reply.Content)
	assert.Equal(t, 42, res.Reply.TokensUsed)
	assert.False(t, res.HandoffTriggered)
	assert.False(t, res.AwaitingAgent)

	msgs, err := f.store.Messages(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.SenderVisitor, msgs[0].SenderType)
	assert.Equal(t, model.SenderAI, msgs[1].SenderType)

	assert.Equal(t, 42, f.usage.tokens)
	assert.Equal(t, 1, f.usage.conversations)
}

func TestSecondTurnDoesNotCountConversationAgain(t *testing.T) {
	f := newFixture(t)

	first := f.send(t, "", "hello")
	f.send(t, first.Conversation.ID, "one more question")

	assert.Equal(t, 1, f.usage.conversations)
	assert.Equal(t, 2, f.usage.turns)
}

func TestKeywordHandoffSkipsGeneration(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, "", "I want to talk to a HUMAN please")

	assert.True(t, res.HandoffTriggered)
	assert.True(t, res.AwaitingAgent)
	require.NotNil(t, res.Reply)
	assert.Equal(t, "I'm connecting you with a human agent. Please wait a moment.", res.Reply.Content)
	assert.Equal(t, model.StatusPending, res.Conversation.Status)
	assert.Equal(t, model.ResponderHuman, res.Conversation.ResponderMode)

	// No completion request was issued.
	assert.Empty(t, f.llm.prompts)
}

func TestEmptyKeywordListDisablesKeywordHandoff(t *testing.T) {
	f := newFixture(t)
	f.store.PutTenantSettings(model.TenantSettings{
		TenantID: testTenantID, Provider: "openai", Model: "gpt-4o-mini",
		Temperature: 0.7, MaxTokens: 500,
		HandoffEnabled: true, HandoffKeywords: nil,
	})

	// "manager" is a stock keyword; with the tenant's list cleared it must
	// not trigger anything.
	res := f.send(t, "", "my account manager said to ask here")

	assert.False(t, res.HandoffTriggered)
	assert.False(t, res.AwaitingAgent)
	require.NotNil(t, res.Reply)
	assert.Equal(t, "Happy to help!", res.Reply.Content)
	assert.Equal(t, model.ResponderAI, res.Conversation.ResponderMode)
	assert.Equal(t, model.StatusOpen, res.Conversation.Status)
}

func TestHumanModeStoresWithoutGenerating(t *testing.T) {
	f := newFixture(t)

	first := f.send(t, "", "human please")
	require.True(t, first.HandoffTriggered)

	res := f.send(t, first.Conversation.ID, "are you there?")
	assert.True(t, res.AwaitingAgent)
	assert.False(t, res.HandoffTriggered)
	assert.Nil(t, res.Reply)
	assert.Empty(t, f.llm.prompts)

	msgs, err := f.store.Messages(context.Background(), first.Conversation.ID)
	require.NoError(t, err)
	// visitor + ack + second visitor message
	require.Len(t, msgs, 3)
}

func TestReplyTagTriggersHandoff(t *testing.T) {
	f := newFixture(t)
	f.llm.reply = "I can't help with billing disputes. [HANDOFF]"

	res := f.send(t, "", "I dispute this charge")

	assert.True(t, res.HandoffTriggered)
	assert.True(t, res.AwaitingAgent)
	require.NotNil(t, res.Reply)
	assert.Equal(t, "I can't help with billing disputes.", res.Reply.Content)
	assert.NotContains(t, res.Reply.Content, "[HANDOFF]")
	assert.Equal(t, model.StatusPending, res.Conversation.Status)
	assert.Equal(t, model.ResponderHuman, res.Conversation.ResponderMode)

	// The stored copy is sanitized too.
	msgs, err := f.store.Messages(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, "I can't help with billing disputes.", msgs[1].Content)
}

func TestGenerationFailureKeepsVisitorMessage(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "", "hello")
	convID := first.Conversation.ID

	f.llm.err = errors.New("provider unavailable")
	_, err := f.engine.HandleVisitorMessage(context.Background(), VisitorMessageInput{
		PublicKey: testPublicKey, VisitorID: "visitor-1",
		Content: "does this get lost?", ConversationID: convID,
	})
	require.Error(t, err)

	// visitor + reply from the working turn, then the stranded visitor message.
	msgs, merr := f.store.Messages(context.Background(), convID)
	require.NoError(t, merr)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "does this get lost?", msgs[2].Content)
}

func TestFirstTurnGenerationFailureStillReturnsError(t *testing.T) {
	f := newFixture(t)
	f.llm.err = errors.New("provider unavailable")

	_, err := f.engine.HandleVisitorMessage(context.Background(), VisitorMessageInput{
		PublicKey: testPublicKey, VisitorID: "visitor-1", Content: "hello",
	})
	require.Error(t, err)
	assert.Equal(t, 1, f.usage.conversations)

	// The conversation and the visitor message were persisted before the
	// provider call and survive the failure.
	list, lerr := f.store.ListConversations(context.Background(), testTenantID, store.ConversationFilter{})
	require.NoError(t, lerr)
	require.Equal(t, 1, list.Total)
	msgs, merr := f.store.Messages(context.Background(), list.Conversations[0].ID)
	require.NoError(t, merr)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestUnknownChannel(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.HandleVisitorMessage(context.Background(), VisitorMessageInput{
		PublicKey: "99999999-9999-9999-9999-999999999999",
		VisitorID: "visitor-1", Content: "hello",
	})
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestInactiveChannel(t *testing.T) {
	f := newFixture(t)
	f.store.PutChannel(model.Channel{
		ID: testChannelID, TenantID: testTenantID, Name: "Website",
		PublicKey: testPublicKey, Active: false,
	})

	_, err := f.engine.HandleVisitorMessage(context.Background(), VisitorMessageInput{
		PublicKey: testPublicKey, VisitorID: "visitor-1", Content: "hello",
	})
	assert.ErrorIs(t, err, ErrChannelInactive)
}

func TestOwnershipMismatchIsNotFound(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "", "hello")

	_, err := f.engine.HandleVisitorMessage(context.Background(), VisitorMessageInput{
		PublicKey: testPublicKey, VisitorID: "someone-else",
		Content: "hijack attempt", ConversationID: first.Conversation.ID,
	})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestClosedConversationRejectsMessages(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "", "hello")

	_, err := f.engine.CloseByAgent(context.Background(), testTenantID, first.Conversation.ID)
	require.NoError(t, err)

	_, err = f.engine.HandleVisitorMessage(context.Background(), VisitorMessageInput{
		PublicKey: testPublicKey, VisitorID: "visitor-1",
		Content: "anyone?", ConversationID: first.Conversation.ID,
	})
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestResolvedConversationReopens(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "", "hello")

	_, err := f.engine.SetStatus(context.Background(), testTenantID, first.Conversation.ID, model.StatusResolved)
	require.NoError(t, err)

	res := f.send(t, first.Conversation.ID, "actually, one more thing")
	assert.Equal(t, model.StatusOpen, res.Conversation.Status)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "", "hello")
	ctx := context.Background()

	conv, err := f.engine.CloseByVisitor(ctx, first.Conversation.ID, "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, conv.Status)

	f.notifier.mu.Lock()
	changedAfterFirst := f.notifier.changed
	f.notifier.mu.Unlock()

	conv, err = f.engine.CloseByVisitor(ctx, first.Conversation.ID, "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, conv.Status)

	// The second close publishes nothing.
	f.notifier.mu.Lock()
	assert.Equal(t, changedAfterFirst, f.notifier.changed)
	f.notifier.mu.Unlock()
}

func TestVisitorLookupNeedsOnlyConversationAndVisitor(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "", "hello")
	ctx := context.Background()

	conv, msgs, err := f.engine.VisitorConversation(ctx, first.Conversation.ID, "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, first.Conversation.ID, conv.ID)
	assert.Len(t, msgs, 2)

	_, _, err = f.engine.VisitorConversation(ctx, first.Conversation.ID, "someone-else")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = f.engine.CloseByVisitor(ctx, first.Conversation.ID, "someone-else")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestAgentSendTakesOver(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "", "hello")
	ctx := context.Background()

	msg, err := f.engine.AgentSend(ctx, testTenantID, first.Conversation.ID, "Hi, Sam here.")
	require.NoError(t, err)
	assert.Equal(t, model.SenderAgent, msg.SenderType)

	conv, err := f.engine.TenantConversation(ctx, testTenantID, first.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResponderHuman, conv.ResponderMode)

	// The next visitor message is stored without generation.
	res := f.send(t, first.Conversation.ID, "thanks Sam")
	assert.True(t, res.AwaitingAgent)
	assert.Nil(t, res.Reply)
}

func TestAgentSendRejectedOnClosed(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "", "hello")
	ctx := context.Background()

	_, err := f.engine.CloseByAgent(ctx, testTenantID, first.Conversation.ID)
	require.NoError(t, err)

	_, err = f.engine.AgentSend(ctx, testTenantID, first.Conversation.ID, "too late")
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestHandBackToAssistant(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "", "human please")
	require.Equal(t, model.StatusPending, first.Conversation.Status)
	ctx := context.Background()

	conv, err := f.engine.SetResponderMode(ctx, testTenantID, first.Conversation.ID, model.ResponderAI)
	require.NoError(t, err)
	assert.Equal(t, model.ResponderAI, conv.ResponderMode)
	assert.Equal(t, model.StatusOpen, conv.Status)

	res := f.send(t, first.Conversation.ID, "ok, continue")
	require.NotNil(t, res.Reply)
	assert.False(t, res.AwaitingAgent)
}

func TestPromptIncludesHistoryAndKnowledge(t *testing.T) {
	f := newFixture(t)
	f.retriever.results = []knowledge.Result{
		{ID: "k1", Title: "Refund policy", Content: "Refunds within 30 days.", Similarity: 0.9},
	}

	first := f.send(t, "", "hello")
	f.send(t, first.Conversation.ID, "what about refunds?")

	require.Len(t, f.llm.prompts, 2)
	prompt := f.llm.prompts[1]

	// System prompt carries the knowledge context block.
	assert.Equal(t, "system", prompt[0].Role)
	assert.Contains(t, prompt[0].Content, "Refunds within 30 days.")

	// History replays in order with the current message exactly once at the end.
	assert.Equal(t, "user", prompt[1].Role)
	assert.Equal(t, "hello", prompt[1].Content)
	assert.Equal(t, "assistant", prompt[2].Role)
	last := prompt[len(prompt)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "what about refunds?", last.Content)

	var current int
	for _, m := range prompt {
		if m.Content == "what about refunds?" {
			current++
		}
	}
	assert.Equal(t, 1, current)
}

func TestRetrievalFailureDoesNotBlockTurn(t *testing.T) {
	f := newFixture(t)
	f.retriever.err = errors.New("index offline")

	res := f.send(t, "", "hello")
	require.NotNil(t, res.Reply)
}

func TestHistoryWindowCapsPrompt(t *testing.T) {
	f := newFixture(t)

	first := f.send(t, "", "msg 0")
	for i := 1; i < 15; i++ {
		f.send(t, first.Conversation.ID, "more")
	}

	lastPrompt := f.llm.prompts[len(f.llm.prompts)-1]
	// 1 system + at most historyWindow history + 1 current.
	assert.LessOrEqual(t, len(lastPrompt), 1+historyWindow+1)
}

func TestLastMessageAtAdvances(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, time.July, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	f.engine.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	res := f.send(t, "", "hello")
	assert.True(t, res.Conversation.LastMessageAt.After(base))

	stored, err := f.store.Conversation(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Conversation.LastMessageAt, stored.LastMessageAt)
}
