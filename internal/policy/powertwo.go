package policy

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/llmrouter/llmrouter/internal/worker"
)

// PowerOfTwo samples two distinct available workers uniformly at random
// and picks the one with the lower load, per spec.md §4.2. A background
// loop polls each worker's load endpoint and caches the result; each
// candidate is compared by the larger of that cached value and its live
// worker.Load() counter (which only tracks this router's own in-flight
// requests), so a worker that also serves other routers still reads as
// loaded.
//
// Grounded on the probe-and-cache shape of OpenPrequal's
// PrequalLoadBalancer (other_examples/..._pkg-loadbalancer-prequal.go.go):
// a periodic background poller populating a map read by Select, guarded
// by its own mutex separate from the hot path's random sampling.
type PowerOfTwo struct {
	DefaultPairSelector

	pollInterval time.Duration
	httpClient   *http.Client

	mu    sync.RWMutex
	cache map[string]int64 // worker URL -> last polled load
}

// NewPowerOfTwo builds a PowerOfTwo policy. pollInterval of zero disables
// the background poller; spec.md §9 Open Questions leaves this ambiguous,
// and this implementation resolves it as "disabled", matching the common
// convention that a zero duration means "no periodic work" rather than an
// error.
func NewPowerOfTwo(pollInterval time.Duration) *PowerOfTwo {
	return &PowerOfTwo{
		pollInterval: pollInterval,
		httpClient:   &http.Client{Timeout: 2 * time.Second},
		cache:        make(map[string]int64),
	}
}

func (p *PowerOfTwo) Name() string       { return "power_of_two" }
func (p *PowerOfTwo) NeedsText() bool    { return false }
func (p *PowerOfTwo) NeedsHeaders() bool { return false }
func (p *PowerOfTwo) Reset() {
	p.mu.Lock()
	p.cache = make(map[string]int64)
	p.mu.Unlock()
}
func (p *PowerOfTwo) SelectPair(pf, d []*worker.Worker, req Request) (int, int, bool) {
	return SelectPairIndependently(p, pf, d, req)
}

func (p *PowerOfTwo) Select(workers []*worker.Worker, _ Request) (int, bool) {
	avail := availableIndices(workers)
	if len(avail) == 0 {
		return 0, false
	}
	if len(avail) == 1 {
		return avail[0], true
	}

	i := avail[rand.IntN(len(avail))]
	j := avail[rand.IntN(len(avail))]
	for j == i {
		j = avail[rand.IntN(len(avail))]
	}

	li := p.loadOf(workers[i])
	lj := p.loadOf(workers[j])
	if li <= lj {
		return i, true
	}
	return j, true
}

// loadOf returns the larger of the worker's live atomic counter and its
// last polled load, when one is cached; with no cached value it returns
// the live counter.
func (p *PowerOfTwo) loadOf(w *worker.Worker) int64 {
	live := w.Load()
	p.mu.RLock()
	cached, ok := p.cache[w.URL]
	p.mu.RUnlock()
	if ok && cached > live {
		return cached
	}
	return live
}

// StartLoadPoller runs until ctx is canceled, refreshing the load cache
// for every worker in workers() every pollInterval. No-op if pollInterval
// is zero.
func (p *PowerOfTwo) StartLoadPoller(ctx context.Context, workers func() []*worker.Worker) {
	if p.pollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(workers())
		}
	}
}

func (p *PowerOfTwo) pollOnce(workers []*worker.Worker) {
	for _, w := range workers {
		load, err := p.pollLoad(w.URL)
		if err != nil {
			continue
		}
		p.mu.Lock()
		p.cache[w.URL] = load
		p.mu.Unlock()
	}
}

func (p *PowerOfTwo) pollLoad(url string) (int64, error) {
	req, err := http.NewRequest(http.MethodGet, url+"/get_loads", nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var payload struct {
		Load int64 `json:"load"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	return payload.Load, nil
}
