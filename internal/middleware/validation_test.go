package middleware

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePublicKey(t *testing.T) {
	assert.NoError(t, ValidatePublicKey("33333333-3333-3333-3333-333333333333"))
	assert.Error(t, ValidatePublicKey(""))
	assert.Error(t, ValidatePublicKey("not-a-uuid"))
	assert.Error(t, ValidatePublicKey("33333333-3333-3333-3333"))
}

func TestValidateVisitorID(t *testing.T) {
	assert.NoError(t, ValidateVisitorID("v"))
	assert.NoError(t, ValidateVisitorID(strings.Repeat("a", 100)))
	assert.Error(t, ValidateVisitorID(""))
	assert.Error(t, ValidateVisitorID(strings.Repeat("a", 101)))
}

func TestValidateChatMessage(t *testing.T) {
	assert.NoError(t, ValidateChatMessage("hello"))
	assert.NoError(t, ValidateChatMessage(strings.Repeat("x", 2000)))
	assert.NoError(t, ValidateChatMessage(strings.Repeat("ñ", 2000)))
	assert.Error(t, ValidateChatMessage(""))
	assert.Error(t, ValidateChatMessage(strings.Repeat("x", 2001)))
	assert.Error(t, ValidateChatMessage(string([]byte{0xff, 0xfe})))
}
