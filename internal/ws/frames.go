// Package ws bridges widget websocket connections to the realtime hub.
package ws

import (
	"github.com/helplane/helplane/internal/realtime"
)

// Frame types exchanged with widget clients.
const (
	FrameAuth         = "auth"
	FrameAuthOK       = "auth_ok"
	FrameJoin         = "join"
	FrameJoined       = "joined"
	FrameTyping       = "typing"
	FrameHeartbeat    = "heartbeat"
	FrameHeartbeatAck = "heartbeat_ack"
	FrameNotify       = "notify"
	FrameError        = "error"
)

// Frame is the single wire envelope for both directions. Unused fields are
// omitted per frame type.
type Frame struct {
	Type string `json:"type"`

	// auth
	PublicKey string `json:"publicKey,omitempty"`
	VisitorID string `json:"visitorId,omitempty"`

	// join / joined
	ConversationID string `json:"conversationId,omitempty"`
	TypingChannel  string `json:"typingChannel,omitempty"`

	// typing
	Role     string `json:"role,omitempty"`
	IsTyping *bool  `json:"isTyping,omitempty"`

	// notify
	Notification *realtime.Notification `json:"notification,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

func errorFrame(msg string) Frame {
	return Frame{Type: FrameError, Error: msg}
}
