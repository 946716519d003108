package policy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractRoutingKeyPrefersHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("x-session-id", "abc123")
	key := extractRoutingKey(`{"user":"bob"}`, h)
	assert.Equal(t, "header:x-session-id:abc123", key)
}

func TestExtractRoutingKeyHeaderOrderFallsThrough(t *testing.T) {
	h := http.Header{}
	h.Set("x-user-id", "u1")
	key := extractRoutingKey("", h)
	assert.Equal(t, "header:x-user-id:u1", key)
}

func TestExtractRoutingKeyFallsBackToBodyUser(t *testing.T) {
	key := extractRoutingKey(`{"model":"m","user":"alice"}`, nil)
	assert.Equal(t, "user:alice", key)
}

func TestExtractRoutingKeyFallsBackToSessionID(t *testing.T) {
	key := extractRoutingKey(`{"session_id": "sess-9"}`, nil)
	assert.Equal(t, "session:sess-9", key)
}

func TestExtractRoutingKeyNestedSessionParams(t *testing.T) {
	key := extractRoutingKey(`{"session_params": {"session_id": "nested-1"}}`, nil)
	assert.Equal(t, "session:nested-1", key)
}

func TestExtractRoutingKeyShortBodyFallsBackToLiteral(t *testing.T) {
	key := extractRoutingKey(`{"foo":"bar"}`, nil)
	assert.Equal(t, `{"foo":"bar"}`, key)
}

func TestExtractRoutingKeyLongBodyFallsBackToHash(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	key := extractRoutingKey(string(long), nil)
	assert.Contains(t, key, "request_hash:")
}

func TestExtractRoutingKeyEmptyEverything(t *testing.T) {
	key := extractRoutingKey("", nil)
	assert.Equal(t, "", key)
}
