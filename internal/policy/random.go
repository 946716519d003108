package policy

import (
	"math/rand/v2"

	"github.com/llmrouter/llmrouter/internal/worker"
)

// Random selects uniformly at random among available workers, per spec.md
// §4.2. Grounded on caddyhttp/proxy/policy.go's Random (reservoir
// sampling), adapted to the index-returning Policy contract.
type Random struct {
	DefaultPairSelector
}

func NewRandom() *Random { return &Random{} }

func (r *Random) Name() string        { return "random" }
func (r *Random) NeedsText() bool     { return false }
func (r *Random) NeedsHeaders() bool  { return false }
func (r *Random) Reset()              {}
func (r *Random) SelectPair(p, d []*worker.Worker, req Request) (int, int, bool) {
	return SelectPairIndependently(r, p, d, req)
}

func (r *Random) Select(workers []*worker.Worker, _ Request) (int, bool) {
	avail := availableIndices(workers)
	if len(avail) == 0 {
		return 0, false
	}
	return avail[rand.IntN(len(avail))], true
}
