package widget

import (
	"sync"
	"time"
)

const (
	// TypingThrottle limits how often "typing" start events go out.
	TypingThrottle = 2 * time.Second
	// TypingExpiry hides a received indicator that was never followed by a
	// stop event.
	TypingExpiry = 3 * time.Second
)

// TypingSender throttles outgoing typing events. Start events within the
// throttle window are suppressed; stop events always pass so the other side
// never sees a stuck indicator.
type TypingSender struct {
	mu       sync.Mutex
	lastSent time.Time

	now func() time.Time
}

// NewTypingSender creates a throttled sender.
func NewTypingSender() *TypingSender {
	return &TypingSender{now: time.Now}
}

// ShouldSend reports whether the event may go out, and records the send time
// when it may.
func (t *TypingSender) ShouldSend(isTyping bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !isTyping {
		t.lastSent = time.Time{}
		return true
	}

	now := t.now()
	if !t.lastSent.IsZero() && now.Sub(t.lastSent) < TypingThrottle {
		return false
	}
	t.lastSent = now
	return true
}

// TypingIndicator tracks the remote side's typing state with automatic
// expiry: an indicator never refreshed reads as inactive after TypingExpiry.
type TypingIndicator struct {
	mu        sync.Mutex
	role      string
	expiresAt time.Time

	now func() time.Time
}

// NewTypingIndicator creates an indicator.
func NewTypingIndicator() *TypingIndicator {
	return &TypingIndicator{now: time.Now}
}

// Observe records a received typing event.
func (t *TypingIndicator) Observe(role string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !isTyping {
		t.expiresAt = time.Time{}
		return
	}
	t.role = role
	t.expiresAt = t.now().Add(TypingExpiry)
}

// Active reports whether the indicator should currently render, and for whom.
func (t *TypingIndicator) Active() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expiresAt.IsZero() || !t.now().Before(t.expiresAt) {
		return "", false
	}
	return t.role, true
}
