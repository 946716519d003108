package policy

import (
	"context"
	"sync"
	"time"

	"github.com/llmrouter/llmrouter/internal/worker"
)

// Name identifies one of the policy kinds spec.md §6 enumerates under
// policy ∈ {random, round_robin, power_of_two, cache_aware, consistent_hash}.
const (
	NameRandom         = "random"
	NameRoundRobin     = "round_robin"
	NamePowerOfTwo     = "power_of_two"
	NameCacheAware     = "cache_aware"
	NameConsistentHash = "consistent_hash"
)

// Config selects and parameterizes the policy a model (or the PD
// prefill/decode slots) should use.
type Config struct {
	Policy               string
	CacheAware           CacheAwareConfig
	PowerOfTwoInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policy:             NameRoundRobin,
		CacheAware:         DefaultCacheAwareConfig(),
		PowerOfTwoInterval: 60 * time.Second,
	}
}

// Factory builds a fresh Policy instance for a Config. Mirrors
// caddyhttp/proxy/policy.go's RegisterPolicy/supportedPolicies factory-map
// pattern, generalized from "func(arg string) Policy" to "func(Config)
// Policy" so cache-aware and power-of-two can carry structured options.
type Factory func(Config) Policy

var factories = map[string]Factory{
	NameRandom:         func(Config) Policy { return NewRandom() },
	NameRoundRobin:     func(Config) Policy { return NewRoundRobin() },
	NamePowerOfTwo:     func(c Config) Policy { return NewPowerOfTwo(c.PowerOfTwoInterval) },
	NameCacheAware:     func(c Config) Policy { return NewCacheAware(c.CacheAware) },
	NameConsistentHash: func(Config) Policy { return NewConsistentHash() },
}

// Build constructs a Policy from cfg, defaulting to round-robin for an
// unrecognized or empty name (the registry-level equivalent of the
// teacher's staticUpstream.Select falling back to &Random{} when no
// policy was configured).
func Build(cfg Config) Policy {
	factory, ok := factories[cfg.Policy]
	if !ok {
		factory = factories[NameRoundRobin]
	}
	return factory(cfg)
}

// Registry hands out one Policy instance per model ID (key "default" for
// unknown/empty, per spec.md §3), plus dedicated prefill/decode slots used
// in PD mode. It also implements registry.ChangeListener structurally (see
// internal/registry.ChangeListener) so the WorkerRegistry can notify it
// when membership changes, which creates a model's policy instance the
// moment the first worker for that model registers.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	byModel  map[string]Policy
	prefill  Policy
	decode   Policy
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		byModel: make(map[string]Policy),
		prefill: Build(cfg),
		decode:  Build(cfg),
	}
}

// ForModel returns (creating if necessary) the policy instance for
// modelID.
func (r *Registry) ForModel(modelID string) Policy {
	if modelID == "" {
		modelID = "default"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byModel[modelID]
	if !ok {
		p = Build(r.cfg)
		r.byModel[modelID] = p
	}
	return p
}

// Prefill returns the dedicated prefill-side policy for PD mode.
func (r *Registry) Prefill() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefill
}

// Decode returns the dedicated decode-side policy for PD mode.
func (r *Registry) Decode() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decode
}

// CapabilityPolicy returns a policy instance whose NeedsText/NeedsHeaders
// answers speak for the whole PD pair. The prefill and decode slots are
// always built from the same Config, so they always agree; callers use
// this purely to decide whether to bother populating a Request's Text or
// Headers before calling SelectPair, never to perform the selection
// itself (use SelectPair for that).
func (r *Registry) CapabilityPolicy() Policy {
	return r.Prefill()
}

// SelectPair chooses one prefill-side and one decode-side worker for PD
// mode, genuinely consulting both the prefill and decode slots rather than
// using one slot's decision for both legs. Consistent-hash is the one
// policy that must route both legs through the *same* ring instance to
// keep one session's prefill and decode peers correlated (spec.md §4.3),
// so that case delegates to ConsistentHash.SelectPair on the prefill slot
// alone; every other policy treats the two legs as independent pools and
// selects against each slot separately, per spec.md §4.2's "default pair
// selection is two independent single selections."
func (r *Registry) SelectPair(prefillWorkers, decodeWorkers []*worker.Worker, req Request) (int, int, bool) {
	r.mu.Lock()
	policyName := r.cfg.Policy
	prefillPolicy, decodePolicy := r.prefill, r.decode
	r.mu.Unlock()

	if policyName == NameConsistentHash {
		return prefillPolicy.SelectPair(prefillWorkers, decodeWorkers, req)
	}

	pi, ok := prefillPolicy.Select(prefillWorkers, req)
	if !ok {
		return 0, 0, false
	}
	di, ok := decodePolicy.Select(decodeWorkers, req)
	if !ok {
		return 0, 0, false
	}
	return pi, di, true
}

// OnWorkersChanged implements internal/registry.ChangeListener. It makes
// sure a policy instance exists for modelID; the worker list is not passed
// to the policy, and no existing policy is reset or re-initialized.
func (r *Registry) OnWorkersChanged(modelID string, workers []*worker.Worker) {
	r.ForModel(modelID)
}

// RunBackgroundLoops starts the power-of-two load poller and cache-aware
// evictor for every policy instance the registry currently knows about
// (the prefill/decode slots plus one per model), and keeps scanning for
// newly created per-model instances until ctx is canceled. Mirrors
// AppContext.Run supervising the registry's health checker and the
// discovery sweeper as one background loop per subsystem.
func (r *Registry) RunBackgroundLoops(ctx context.Context, workersForModel func(modelID string) []*worker.Worker, prefillWorkers, decodeWorkers func() []*worker.Worker) {
	started := make(map[Policy]bool)
	scan := time.NewTicker(time.Second)
	defer scan.Stop()

	start := func(p Policy, src func() []*worker.Worker) {
		if started[p] {
			return
		}
		started[p] = true
		switch pol := p.(type) {
		case *PowerOfTwo:
			go pol.StartLoadPoller(ctx, src)
		case *CacheAware:
			go runCacheAwareEvictor(ctx, pol)
		}
	}

	for {
		r.mu.Lock()
		start(r.prefill, prefillWorkers)
		start(r.decode, decodeWorkers)
		for modelID, p := range r.byModel {
			mid := modelID
			start(p, func() []*worker.Worker { return workersForModel(mid) })
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-scan.C:
		}
	}
}

func runCacheAwareEvictor(ctx context.Context, c *CacheAware) {
	ticker := time.NewTicker(c.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evict(time.Now())
		}
	}
}
