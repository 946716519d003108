package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newWithClock() (*Registry, *fakeClock) {
	r := New(nil)
	fc := &fakeClock{t: time.Unix(0, 0)}
	r.now = fc.now
	return r, fc
}

func encode(t *testing.T, m message) []byte {
	t.Helper()
	b, err := msgpack.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestHandleMessageRegistersPrefillInstance(t *testing.T) {
	r, _ := newWithClock()
	r.handleMessage(encode(t, message{Type: "P", HTTPAddress: "10.0.0.1:9000", ZMQAddress: "10.0.0.1:5555"}))

	assert.Equal(t, []string{"10.0.0.1:9000"}, r.GetPrefillInstances())
	peer, ok := r.GetPeerAddress("10.0.0.1:9000", RolePrefill)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:5555", peer)
}

func TestHandleMessageRegistersDecodeInstance(t *testing.T) {
	r, _ := newWithClock()
	r.handleMessage(encode(t, message{Type: "D", HTTPAddress: "10.0.0.2:9001"}))
	assert.Equal(t, []string{"10.0.0.2:9001"}, r.GetDecodeInstances())
	assert.Empty(t, r.GetPrefillInstances())
}

func TestHandleMessageDropsMalformedPayload(t *testing.T) {
	r, _ := newWithClock()
	r.handleMessage([]byte("not msgpack"))
	assert.Empty(t, r.GetPrefillInstances())
	assert.Empty(t, r.GetDecodeInstances())
}

func TestHandleMessageDropsUnknownRole(t *testing.T) {
	r, _ := newWithClock()
	r.handleMessage(encode(t, message{Type: "X", HTTPAddress: "a"}))
	assert.Empty(t, r.GetPrefillInstances())
	assert.Empty(t, r.GetDecodeInstances())
}

func TestGetPeerAddressRejectsRoleMismatch(t *testing.T) {
	r, _ := newWithClock()
	r.handleMessage(encode(t, message{Type: "P", HTTPAddress: "a", ZMQAddress: "peer-a"}))
	_, ok := r.GetPeerAddress("a", RoleDecode)
	assert.False(t, ok)
}

func TestSweepExpiresStaleInstances(t *testing.T) {
	r, fc := newWithClock()
	r.handleMessage(encode(t, message{Type: "P", HTTPAddress: "a"}))
	require.Len(t, r.GetPrefillInstances(), 1)

	fc.t = fc.t.Add(ttl + time.Second)
	r.sweep()

	assert.Empty(t, r.GetPrefillInstances())
}

func TestSweepKeepsFreshInstances(t *testing.T) {
	r, fc := newWithClock()
	r.handleMessage(encode(t, message{Type: "P", HTTPAddress: "a"}))

	fc.t = fc.t.Add(ttl - time.Second)
	r.sweep()

	assert.Len(t, r.GetPrefillInstances(), 1)
}

func TestReRegisteringRefreshesExpiry(t *testing.T) {
	r, fc := newWithClock()
	r.handleMessage(encode(t, message{Type: "P", HTTPAddress: "a"}))

	fc.t = fc.t.Add(ttl - time.Second)
	r.handleMessage(encode(t, message{Type: "P", HTTPAddress: "a"}))

	fc.t = fc.t.Add(ttl - time.Second)
	r.sweep()

	assert.Len(t, r.GetPrefillInstances(), 1, "re-registering should push the expiry forward")
}
