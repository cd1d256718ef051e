package realtime

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ConversationListSubject carries tenant-wide list updates for agent
// consoles.
func ConversationListSubject(tenantID string) string {
	return "chat.tenant." + tenantID + ".conversations"
}

// ConversationSubject carries per-conversation message and state events.
func ConversationSubject(conversationID string) string {
	return "chat.conv." + conversationID + ".messages"
}

// TypingSubject carries typing indicator events on the derived channel name.
func TypingSubject(derivedChannel string) string {
	return "chat.typing." + derivedChannel
}

// DeriveTypingChannel maps a conversation id to an unguessable channel name.
// Both sides of a conversation derive the same name server-side, so the raw
// conversation id never doubles as a subscription credential.
func DeriveTypingChannel(key []byte, conversationID string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("typing-channel:" + conversationID))
	return "t:" + hex.EncodeToString(mac.Sum(nil))[:16]
}
