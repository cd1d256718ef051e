// Package widget is a Go client for the public chat surface. It mirrors what
// the embedded web widget does: send messages, keep a deduplicated local
// transcript, follow wake-up notifications, and fall back to polling.
package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/helplane/helplane/internal/model"
)

const (
	// RefetchDebounce coalesces bursts of wake-up notifications.
	RefetchDebounce = 300 * time.Millisecond
	// ActivePollInterval drives polling while a human agent owns the
	// conversation and no websocket is available.
	ActivePollInterval = 5 * time.Second
	// ListPollInterval drives background list polling on the console side.
	ListPollInterval = 30 * time.Second
	// IdleExpiry discards a conversation reference after this much silence.
	IdleExpiry = 2 * time.Hour
)

// Session is one visitor's view of one conversation. All methods are safe
// for concurrent use.
type Session struct {
	baseURL   string
	publicKey string
	visitorID string

	httpClient *http.Client

	mu             sync.Mutex
	conversationID string
	status         model.Status
	responderMode  model.ResponderMode
	transcript     []model.Message
	seen           map[string]bool
	lastActivity   time.Time
	refetchTimer   *time.Timer
	pollTimer      *time.Timer
	polling        bool

	// now is replaceable so timer behavior tests do not sleep.
	now func() time.Time
	// schedule defaults to time.AfterFunc; tests swap it to run callbacks
	// synchronously.
	schedule func(d time.Duration, fn func()) *time.Timer
}

// NewSession creates a session for one visitor against one channel.
func NewSession(baseURL, publicKey, visitorID string) *Session {
	return &Session{
		baseURL:    baseURL,
		publicKey:  publicKey,
		visitorID:  visitorID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		seen:       make(map[string]bool),
		now:        time.Now,
		schedule:   time.AfterFunc,
	}
}

// ConversationID returns the current conversation id, empty before the first
// message.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Transcript returns a copy of the deduplicated local transcript.
func (s *Session) Transcript() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Status returns the last known conversation status and responder mode.
func (s *Session) Status() (model.Status, model.ResponderMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.responderMode
}

// SendResult is the server response to one visitor message.
type SendResult struct {
	ConversationID   string         `json:"conversationId"`
	Message          *model.Message `json:"message"`
	HandoffTriggered bool           `json:"handoffTriggered"`
	AwaitingAgent    bool           `json:"awaitingAgent"`
}

// SendMessage posts a visitor message and folds the reply into the local
// transcript. The first send binds the session to its conversation.
func (s *Session) SendMessage(ctx context.Context, text string) (*SendResult, error) {
	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()

	body, err := json.Marshal(map[string]string{
		"publicKey":      s.publicKey,
		"visitorId":      s.visitorID,
		"message":        text,
		"conversationId": convID,
	})
	if err != nil {
		return nil, err
	}

	var res SendResult
	if err := s.doJSON(ctx, http.MethodPost, "/chat", body, &res); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.conversationID == "" {
		s.conversationID = res.ConversationID
	}
	s.lastActivity = s.now()
	if res.AwaitingAgent {
		s.responderMode = model.ResponderHuman
	}
	s.mu.Unlock()

	// The server assigned ids to both messages; a refetch fills the local
	// copy of the visitor message while dedup keeps the reply single.
	if res.Message != nil {
		s.applyMessages(res.ConversationID, []model.Message{*res.Message})
	}
	return &res, nil
}

type historyResponse struct {
	ConversationID string              `json:"conversationId"`
	Status         model.Status        `json:"status"`
	ResponderMode  model.ResponderMode `json:"responderMode"`
	Messages       []model.Message     `json:"messages"`
}

// FetchHistory re-reads the transcript from the server and merges it locally.
func (s *Session) FetchHistory(ctx context.Context) error {
	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()
	if convID == "" {
		return nil
	}

	path := fmt.Sprintf("/chat/%s?publicKey=%s&visitorId=%s",
		convID, url.QueryEscape(s.publicKey), url.QueryEscape(s.visitorID))
	var res historyResponse
	if err := s.doJSON(ctx, http.MethodGet, path, nil, &res); err != nil {
		return err
	}

	s.mu.Lock()
	if s.conversationID == convID {
		s.status = res.Status
		s.responderMode = res.ResponderMode
	}
	s.mu.Unlock()

	s.applyMessages(convID, res.Messages)
	return nil
}

// Close resolves the conversation server-side and drops the local reference.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()
	if convID == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"publicKey": s.publicKey,
		"visitorId": s.visitorID,
	})
	if err != nil {
		return err
	}
	if err := s.doJSON(ctx, http.MethodPatch, "/chat/"+convID, body, nil); err != nil {
		return err
	}

	s.reset(convID)
	return nil
}

// OnNotification schedules a debounced history refetch. Bursts within the
// debounce window collapse into one request.
func (s *Session) OnNotification() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" {
		return
	}
	if s.refetchTimer != nil {
		s.refetchTimer.Stop()
	}
	convID := s.conversationID
	s.refetchTimer = s.schedule(RefetchDebounce, func() {
		// Stale completions for a conversation the session left are dropped.
		if s.ConversationID() != convID {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.FetchHistory(ctx)
	})
}

// StartPolling arms the periodic history refetch used while no realtime link
// is delivering wake-ups. The cadence follows the responder mode: 5 s while a
// human owns the conversation, 30 s otherwise. Close, reset, and StopPolling
// all cancel the loop.
func (s *Session) StartPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polling {
		return
	}
	s.polling = true
	s.armPollLocked()
}

// StopPolling cancels the periodic refetch.
func (s *Session) StopPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopPollLocked()
}

// PollInterval reports the cadence the next poll runs at.
func (s *Session) PollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollIntervalLocked()
}

func (s *Session) pollIntervalLocked() time.Duration {
	if s.responderMode == model.ResponderHuman {
		return ActivePollInterval
	}
	return ListPollInterval
}

func (s *Session) stopPollLocked() {
	s.polling = false
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
}

func (s *Session) armPollLocked() {
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}
	convID := s.conversationID
	s.pollTimer = s.schedule(s.pollIntervalLocked(), func() {
		s.mu.Lock()
		active := s.polling
		current := s.conversationID
		s.mu.Unlock()
		if !active {
			return
		}
		// A tick armed for a conversation the session left fetches nothing;
		// the re-arm below picks up the current binding.
		if convID != "" && current == convID {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.FetchHistory(ctx)
			cancel()
		}
		s.mu.Lock()
		if s.polling {
			s.armPollLocked()
		}
		s.mu.Unlock()
	})
}

// StaleSince reports whether the session passed its idle expiry at the given
// instant.
func (s *Session) StaleSince(at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" || s.lastActivity.IsZero() {
		return false
	}
	return at.Sub(s.lastActivity) >= IdleExpiry
}

// ExpireIfIdle closes the conversation once the idle window lapsed and drops
// the local reference. The server close is best effort; the reference is
// discarded either way and the next message starts a fresh conversation.
func (s *Session) ExpireIfIdle() bool {
	if !s.StaleSince(s.now()) {
		return false
	}
	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()
	if convID == "" {
		return false
	}

	if body, err := json.Marshal(map[string]string{
		"publicKey": s.publicKey,
		"visitorId": s.visitorID,
	}); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.doJSON(ctx, http.MethodPatch, "/chat/"+convID, body, nil)
		cancel()
	}

	s.reset(convID)
	return true
}

// applyMessages merges server messages into the transcript, exactly once per
// message id. The transcript stays in creation order no matter which source
// delivered a message first; send replies and history fetches interleave.
// Messages for another conversation are ignored.
func (s *Session) applyMessages(conversationID string, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID == "" || s.conversationID != conversationID {
		return
	}
	for _, m := range msgs {
		if s.seen[m.ID] {
			continue
		}
		s.seen[m.ID] = true
		s.transcript = append(s.transcript, m)
	}
	sort.SliceStable(s.transcript, func(i, j int) bool {
		a, b := s.transcript[i], s.transcript[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	s.lastActivity = s.now()
}

func (s *Session) reset(expectedConvID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID != expectedConvID {
		return
	}
	if s.refetchTimer != nil {
		s.refetchTimer.Stop()
		s.refetchTimer = nil
	}
	s.stopPollLocked()
	s.conversationID = ""
	s.transcript = nil
	s.seen = make(map[string]bool)
	s.lastActivity = time.Time{}
}

func (s *Session) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
