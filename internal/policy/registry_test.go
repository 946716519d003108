package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrouter/llmrouter/internal/worker"
)

func TestBuildFallsBackToRoundRobinForUnknownPolicy(t *testing.T) {
	p := Build(Config{Policy: "nonsense"})
	assert.Equal(t, NameRoundRobin, p.Name())
}

func TestBuildConstructsEachNamedPolicy(t *testing.T) {
	cfg := DefaultConfig()
	names := []string{NameRandom, NameRoundRobin, NamePowerOfTwo, NameCacheAware, NameConsistentHash}
	for _, n := range names {
		cfg.Policy = n
		p := Build(cfg)
		assert.Equal(t, n, p.Name())
	}
}

func TestForModelReturnsSameInstanceForSameModel(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	p1 := r.ForModel("m1")
	p2 := r.ForModel("m1")
	assert.Same(t, p1, p2)

	p3 := r.ForModel("m2")
	assert.NotSame(t, p1, p3)
}

func TestForModelEmptyMapsToDefault(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	assert.Same(t, r.ForModel(""), r.ForModel("default"))
}

func TestPrefillAndDecodeAreIndependentInstances(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	assert.NotSame(t, r.Prefill(), r.Decode())
	assert.Same(t, r.Prefill(), r.CapabilityPolicy())
}

// TestSelectPairConsultsBothSlotsIndependently locks in that, for a
// non-consistent-hash policy, SelectPair's decode-side index genuinely
// comes from the decode slot and not from whatever the prefill slot would
// have picked out of the same pool.
func TestSelectPairConsultsBothSlotsIndependently(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = NameRoundRobin
	r := NewRegistry(cfg)

	prefillWorkers := []*worker.Worker{newTestWorker(t, "http://p0", true), newTestWorker(t, "http://p1", true)}
	decodeWorkers := []*worker.Worker{newTestWorker(t, "http://d0", true), newTestWorker(t, "http://d1", true)}

	// Advance the decode slot's round-robin counter independently of the
	// prefill slot, so the two selections diverge if (and only if) each
	// leg is actually driven by its own slot.
	r.Decode().Select(decodeWorkers, Request{})

	pIdx, dIdx, ok := r.SelectPair(prefillWorkers, decodeWorkers, Request{})
	require.True(t, ok)
	assert.Equal(t, 0, pIdx, "prefill slot's counter hasn't moved, so it should still pick index 0")
	assert.Equal(t, 1, dIdx, "decode slot was already advanced once, so it should now pick index 1")
}

func TestSelectPairReturnsFalseWhenEitherLegHasNoAvailableWorker(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	prefillWorkers := []*worker.Worker{newTestWorker(t, "http://p0", true)}
	var decodeWorkers []*worker.Worker

	_, _, ok := r.SelectPair(prefillWorkers, decodeWorkers, Request{})
	assert.False(t, ok)
}

func TestSelectPairUsesSameConsistentHashInstanceForBothLegs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = NameConsistentHash
	r := NewRegistry(cfg)

	prefillWorkers := []*worker.Worker{newTestWorker(t, "http://p0", true)}
	decodeWorkers := []*worker.Worker{newTestWorker(t, "http://d0", true)}

	pIdx, dIdx, ok := r.SelectPair(prefillWorkers, decodeWorkers, Request{Text: "session-1"})
	require.True(t, ok)
	assert.Equal(t, 0, pIdx)
	assert.Equal(t, 0, dIdx)
}

func TestOnWorkersChangedCreatesPerModelPolicy(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	r.OnWorkersChanged("fresh-model", nil)
	_, existedBefore := r.byModel["fresh-model"]
	assert.True(t, existedBefore)
}

func TestRunBackgroundLoopsStartsPowerOfTwoPoller(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = NamePowerOfTwo
	cfg.PowerOfTwoInterval = 5 * time.Millisecond
	r := NewRegistry(cfg)
	r.ForModel("m1")

	w := newTestWorker(t, "http://unreachable.invalid:1", true)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.RunBackgroundLoops(ctx,
			func(string) []*worker.Worker { return []*worker.Worker{w} },
			func() []*worker.Worker { return nil },
			func() []*worker.Worker { return nil },
		)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunBackgroundLoops did not return after context cancellation")
	}
}

func TestRunBackgroundLoopsStopsOnContextCancel(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		r.RunBackgroundLoops(ctx,
			func(string) []*worker.Worker { return nil },
			func() []*worker.Worker { return nil },
			func() []*worker.Worker { return nil },
		)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected RunBackgroundLoops to return promptly on a canceled context")
	}
}
