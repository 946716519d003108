package policy

import (
	"sync/atomic"

	"github.com/llmrouter/llmrouter/internal/worker"
)

// RoundRobin cycles through available workers with a monotonically
// increasing counter, per spec.md §4.2. Grounded on
// caddyhttp/proxy/policy.go's RoundRobin, generalized from a mutex to an
// atomic counter since the index space here is the available-worker list,
// not the raw pool.
type RoundRobin struct {
	DefaultPairSelector
	counter atomic.Uint64
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) Name() string       { return "round_robin" }
func (r *RoundRobin) NeedsText() bool    { return false }
func (r *RoundRobin) NeedsHeaders() bool { return false }
func (r *RoundRobin) Reset()             { r.counter.Store(0) }
func (r *RoundRobin) SelectPair(p, d []*worker.Worker, req Request) (int, int, bool) {
	return SelectPairIndependently(r, p, d, req)
}

func (r *RoundRobin) Select(workers []*worker.Worker, _ Request) (int, bool) {
	avail := availableIndices(workers)
	if len(avail) == 0 {
		return 0, false
	}
	n := r.counter.Add(1) - 1
	return avail[int(n%uint64(len(avail)))], true
}
