package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrouter/llmrouter/internal/worker"
)

func TestConsistentHashSelectIsStableAcrossCalls(t *testing.T) {
	c := NewConsistentHash()
	workers := []*worker.Worker{
		newTestWorker(t, "http://a", true),
		newTestWorker(t, "http://b", true),
		newTestWorker(t, "http://c", true),
	}
	req := Request{Text: `{"session_id": "same-session"}`}

	idx1, ok := c.Select(workers, req)
	require.True(t, ok)
	idx2, ok := c.Select(workers, req)
	require.True(t, ok)
	assert.Equal(t, idx1, idx2)
}

func TestConsistentHashSelectFallsBackWhenWinnerUnavailable(t *testing.T) {
	c := NewConsistentHash()
	workers := []*worker.Worker{
		newTestWorker(t, "http://a", false),
		newTestWorker(t, "http://b", true),
	}
	idx, ok := c.Select(workers, Request{Text: "anything"})
	require.True(t, ok)
	assert.True(t, workers[idx].IsAvailable())
}

func TestConsistentHashSelectEmptyWorkers(t *testing.T) {
	c := NewConsistentHash()
	_, ok := c.Select(nil, Request{Text: "x"})
	assert.False(t, ok)
}

func TestConsistentHashSelectPairUsesSameKeyForBothLegs(t *testing.T) {
	c := NewConsistentHash()
	prefill := []*worker.Worker{newTestWorker(t, "http://p1", true), newTestWorker(t, "http://p2", true)}
	decode := []*worker.Worker{newTestWorker(t, "http://d1", true), newTestWorker(t, "http://d2", true)}
	req := Request{Text: `{"session_id": "pair-session"}`}

	pi1, di1, ok := c.SelectPair(prefill, decode, req)
	require.True(t, ok)
	pi2, di2, ok := c.SelectPair(prefill, decode, req)
	require.True(t, ok)
	assert.Equal(t, pi1, pi2)
	assert.Equal(t, di1, di2)
}

func TestConsistentHashResetClearsRings(t *testing.T) {
	c := NewConsistentHash()
	workers := []*worker.Worker{newTestWorker(t, "http://a", true)}
	c.Select(workers, Request{Text: "x"})
	c.Reset()
	assert.Empty(t, c.regular.entries)
	assert.Empty(t, c.regular.snapshot)
}

func TestRingPickFallsBackToFirstAvailableWhenEmpty(t *testing.T) {
	r := &ring{}
	workers := []*worker.Worker{newTestWorker(t, "http://a", true)}
	idx, ok := r.pick(workers, 12345)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}
