package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrouter/llmrouter/internal/breaker"
	"github.com/llmrouter/llmrouter/internal/worker"
)

func newTestWorker(t *testing.T, url string, healthy bool) *worker.Worker {
	t.Helper()
	w := worker.New(url, "m", worker.Regular, breaker.DefaultConfig())
	w.SetHealthy(healthy)
	return w
}

func TestRandomSelectOnlyPicksAvailable(t *testing.T) {
	r := NewRandom()
	workers := []*worker.Worker{
		newTestWorker(t, "http://a", false),
		newTestWorker(t, "http://b", true),
	}
	for i := 0; i < 20; i++ {
		idx, ok := r.Select(workers, Request{})
		require.True(t, ok)
		assert.Equal(t, 1, idx)
	}
}

func TestRandomSelectNoneAvailable(t *testing.T) {
	r := NewRandom()
	workers := []*worker.Worker{newTestWorker(t, "http://a", false)}
	_, ok := r.Select(workers, Request{})
	assert.False(t, ok)
}

func TestRandomSelectPairIndependent(t *testing.T) {
	r := NewRandom()
	p := []*worker.Worker{newTestWorker(t, "http://p", true)}
	d := []*worker.Worker{newTestWorker(t, "http://d", true)}
	pi, di, ok := r.SelectPair(p, d, Request{})
	require.True(t, ok)
	assert.Equal(t, 0, pi)
	assert.Equal(t, 0, di)
}
