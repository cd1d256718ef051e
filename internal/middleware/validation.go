package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Validation errors. Handlers report them to clients as generic 400s without
// echoing which rule failed.
var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidVisitorID = errors.New("invalid visitor id")
	ErrInvalidMessage   = errors.New("invalid message")
)

const (
	maxVisitorIDLen = 100
	maxMessageLen   = 2000
)

// ValidatePublicKey requires a well-formed UUID.
func ValidatePublicKey(key string) error {
	if _, err := uuid.Parse(key); err != nil {
		return ErrInvalidPublicKey
	}
	return nil
}

// ValidateVisitorID requires 1 to 100 characters.
func ValidateVisitorID(id string) error {
	n := utf8.RuneCountInString(id)
	if n < 1 || n > maxVisitorIDLen {
		return ErrInvalidVisitorID
	}
	return nil
}

// ValidateChatMessage requires 1 to 2000 characters of valid UTF-8.
func ValidateChatMessage(msg string) error {
	if !utf8.ValidString(msg) {
		return ErrInvalidMessage
	}
	n := utf8.RuneCountInString(msg)
	if n < 1 || n > maxMessageLen {
		return ErrInvalidMessage
	}
	return nil
}
