package policy

import (
	"sort"
	"sync"

	"github.com/llmrouter/llmrouter/internal/worker"
)

// virtualNodesPerWorker is V in spec.md §3/§4.3. The config key
// consistent_hash.virtual_nodes exists in the schema but, per spec.md §9's
// Open Questions, is not honored — 160 is treated as fixed.
const virtualNodesPerWorker = 160

type ringEntry struct {
	hash uint64
	url  string
}

// ring is a single consistent-hash ring with its own lazy-rebuild
// snapshot, guarded independently so the prefill-side and decode-side
// rings a ConsistentHash policy maintains for PD pair selection don't
// contend with each other or with the regular single-pool ring.
type ring struct {
	mu       sync.RWMutex
	entries  []ringEntry // sorted ascending by hash
	snapshot []string    // last worker-URL list the ring was built from
}

// maybeRebuild rebuilds the ring iff the worker-URL set differs from the
// cached snapshot, per spec.md §4.3 ("Triggered lazily on every select if
// the current worker-URL list differs from the cached snapshot"). The new
// ring is built outside any lock and swapped in under a short write lock,
// per spec.md §9's copy-on-write guidance.
func (r *ring) maybeRebuild(workers []*worker.Worker) {
	urls := make([]string, len(workers))
	for i, w := range workers {
		urls[i] = w.URL
	}
	sort.Strings(urls)

	r.mu.RLock()
	unchanged := sameStrings(r.snapshot, urls)
	r.mu.RUnlock()
	if unchanged {
		return
	}

	newEntries := buildRing(urls)

	r.mu.Lock()
	r.entries = newEntries
	r.snapshot = urls
	r.mu.Unlock()
}

func (r *ring) reset() {
	r.mu.Lock()
	r.entries = nil
	r.snapshot = nil
	r.mu.Unlock()
}

// lookup returns the ring winner for h: the first entry with hash >= h,
// wrapping to the smallest entry if none exists.
func (r *ring) lookup(h uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return "", false
	}
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].hash >= h })
	if i == len(r.entries) {
		i = 0
	}
	return r.entries[i].url, true
}

// pick resolves h against the ring and falls back to the first available
// worker if the winner is unavailable or the ring is empty, per spec.md
// §4.3 ("If the chosen worker is unavailable, fall back to the first
// available worker; if the ring is empty, return the first available
// worker").
func (r *ring) pick(workers []*worker.Worker, h uint64) (int, bool) {
	r.maybeRebuild(workers)
	ringURL, ok := r.lookup(h)
	if !ok {
		return firstAvailable(workers)
	}
	idx, matched := resolveWorker(workers, ringURL)
	if matched && workers[idx].IsAvailable() {
		return idx, true
	}
	return firstAvailable(workers)
}

func buildRing(urls []string) []ringEntry {
	entries := make([]ringEntry, 0, len(urls)*virtualNodesPerWorker)
	for _, url := range urls {
		for i := 0; i < virtualNodesPerWorker; i++ {
			key := virtualNodeKey(url, i)
			entries = append(entries, ringEntry{hash: fbiHash([]byte(key)), url: url})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })
	return entries
}

func virtualNodeKey(url string, i int) string {
	return url + ":" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [12]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// resolveWorker maps a winning ring URL back onto workers, per spec.md
// §4.3's lookup rule: exact-index match if the ring URL carries @rank,
// otherwise match any worker whose base URL equals the ring URL.
func resolveWorker(workers []*worker.Worker, ringURL string) (int, bool) {
	if _, _, hasRank := worker.SplitRank(ringURL); hasRank {
		for i, w := range workers {
			if w.URL == ringURL {
				return i, true
			}
		}
		return 0, false
	}
	for i, w := range workers {
		if w.BaseURL() == ringURL {
			return i, true
		}
	}
	return 0, false
}

func firstAvailable(workers []*worker.Worker) (int, bool) {
	for i, w := range workers {
		if w.IsAvailable() {
			return i, true
		}
	}
	return 0, false
}

// ConsistentHash routes by hashing a per-request key (session/user/trace
// id, or a content hash) onto a ring of virtual nodes, so repeated
// requests carrying the same key land on the same worker as long as
// membership hasn't changed. Ported from
// original_source/src/policies/consistent_hash.rs's ConsistentHashPolicy.
//
// It keeps three independent rings: the regular single-pool ring used by
// Select, plus a prefill-side and decode-side ring used by SelectPair so a
// PD pair selection doesn't share (and thrash) cache state with whichever
// model's regular ring happens to run in the same process.
type ConsistentHash struct {
	regular ring
	prefill ring
	decode  ring
}

func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{}
}

func (c *ConsistentHash) Name() string       { return "consistent_hash" }
func (c *ConsistentHash) NeedsText() bool    { return true }
func (c *ConsistentHash) NeedsHeaders() bool { return true }

func (c *ConsistentHash) Reset() {
	c.regular.reset()
	c.prefill.reset()
	c.decode.reset()
}

func (c *ConsistentHash) Select(workers []*worker.Worker, req Request) (int, bool) {
	if len(workers) == 0 {
		return 0, false
	}
	key := extractRoutingKey(req.Text, req.Headers)
	return c.regular.pick(workers, fbiHash([]byte(key)))
}

// SelectPair uses the same routing key for both legs, so one session's
// prefill and decode choices stay correlated (spec.md §4.5 step 1: "the
// same headers/body-derived key used uniformly so a single session's
// prefill and decode go to compatible peers").
func (c *ConsistentHash) SelectPair(prefillWorkers, decodeWorkers []*worker.Worker, req Request) (int, int, bool) {
	if len(prefillWorkers) == 0 || len(decodeWorkers) == 0 {
		return 0, 0, false
	}
	key := extractRoutingKey(req.Text, req.Headers)
	h := fbiHash([]byte(key))

	pIdx, pOK := c.prefill.pick(prefillWorkers, h)
	if !pOK {
		return 0, 0, false
	}
	dIdx, dOK := c.decode.pick(decodeWorkers, h)
	if !dOK {
		return 0, 0, false
	}
	return pIdx, dIdx, true
}
