// Package policy implements the LoadBalancingPolicy family described in
// spec.md §4.2/§4.3: Random, RoundRobin, PowerOfTwo, CacheAware, and
// ConsistentHash, plus a PolicyRegistry that hands out per-model policy
// instances and dedicated prefill/decode instances for PD mode.
//
// The factory-map registration pattern (RegisterPolicy/supportedPolicies)
// is grounded on caddyhttp/proxy/policy.go's init()/RegisterPolicy, scaled
// from "one policy per server block" to "one policy instance per model".
package policy

import (
	"net/http"

	"github.com/llmrouter/llmrouter/internal/worker"
)

// Request is the subset of an inbound dispatch request a policy may need.
// A policy declares via NeedsText/NeedsHeaders whether the dispatcher
// should bother populating these fields; every other policy currently
// ignores both (spec.md §9 Open Questions).
type Request struct {
	Text    string
	Headers http.Header
}

// Policy selects one worker, or a prefill/decode pair, from an available
// pool. Implementations must be safe for concurrent Select calls.
type Policy interface {
	Name() string

	// NeedsText/NeedsHeaders tell the dispatcher whether it's worth
	// extracting the request body text / headers before calling Select.
	NeedsText() bool
	NeedsHeaders() bool

	// Select returns the index into workers of the chosen worker, or
	// false if none could be chosen (all unavailable, or empty pool).
	Select(workers []*worker.Worker, req Request) (int, bool)

	// SelectPair chooses one worker from each of prefillWorkers and
	// decodeWorkers for PD mode. Most policies delegate to
	// SelectPairIndependently, which calls Select independently against
	// each pool; ConsistentHash instead routes both legs of one session to
	// compatible peers using the same routing key.
	SelectPair(prefillWorkers, decodeWorkers []*worker.Worker, req Request) (int, int, bool)

	// Reset clears any internal counters (used by CacheAware.Reset for its
	// round-robin fallback, and by tests).
	Reset()
}

// DefaultPairSelector is an empty marker struct that some policies embed;
// it has no methods, so every policy defines its own SelectPair.
type DefaultPairSelector struct{}

// SelectPairIndependently implements Policy.SelectPair as two independent
// Select calls on p, the contract default spec.md §4.2 describes ("Default
// pair selection is two independent single selections"). Every policy
// except ConsistentHash uses it for its SelectPair.
func SelectPairIndependently(p Policy, prefillWorkers, decodeWorkers []*worker.Worker, req Request) (int, int, bool) {
	pi, ok := p.Select(prefillWorkers, req)
	if !ok {
		return 0, 0, false
	}
	di, ok := p.Select(decodeWorkers, req)
	if !ok {
		return 0, 0, false
	}
	return pi, di, true
}

// availableIndices returns the indices of workers considered available,
// preserving input order so every policy's tie-break ("prefer lower
// index") is consistent.
func availableIndices(workers []*worker.Worker) []int {
	idx := make([]int, 0, len(workers))
	for i, w := range workers {
		if w.IsAvailable() {
			idx = append(idx, i)
		}
	}
	return idx
}
