// Package registry implements WorkerRegistry, the single source of truth
// for worker membership (spec.md §4.6): a thread-safe set of workers
// indexed by URL, model, and type, with a background health checker and a
// change-notification hook (the policy registry uses it to create a
// model's policy instance when that model's membership changes).
//
// Grounded on caddyhttp/proxy/upstream.go's staticUpstream (HostPool
// management) and HealthCheckWorker/healthCheck (ticker-driven probing,
// one GET per unique base URL).
package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmrouter/llmrouter/internal/breaker"
	"github.com/llmrouter/llmrouter/internal/worker"
)

// ChangeListener is notified whenever registry membership changes, with
// the model ID and its current worker set.
type ChangeListener interface {
	OnWorkersChanged(modelID string, workers []*worker.Worker)
}

// HealthCheckConfig mirrors spec.md §6's health_check.{endpoint,
// timeout_secs, check_interval_secs, failure_threshold, success_threshold}.
type HealthCheckConfig struct {
	Endpoint         string
	Timeout          time.Duration
	CheckInterval    time.Duration
	FailureThreshold int
	SuccessThreshold int
}

func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Endpoint:         "/health",
		Timeout:          2 * time.Second,
		CheckInterval:    10 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 1,
	}
}

// Registry is the thread-safe worker set.
type Registry struct {
	mu        sync.RWMutex
	byURL     map[string]*worker.Worker
	byModel   map[string][]*worker.Worker
	byType    map[worker.Type][]*worker.Worker
	listeners []ChangeListener

	hcCfg   HealthCheckConfig
	hcState map[string]*healthTally // keyed by base URL
	client  *http.Client
	log     *zap.Logger
}

type healthTally struct {
	consecFail int
	consecOK   int
}

// New constructs an empty Registry.
func New(hcCfg HealthCheckConfig, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		byURL:   make(map[string]*worker.Worker),
		byModel: make(map[string][]*worker.Worker),
		byType:  make(map[worker.Type][]*worker.Worker),
		hcCfg:   hcCfg,
		hcState: make(map[string]*healthTally),
		client:  &http.Client{Timeout: hcCfg.Timeout},
		log:     log.Named("registry"),
	}
}

// AddListener registers a ChangeListener; typically the PolicyRegistry.
func (r *Registry) AddListener(l ChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Register adds or replaces a worker by URL.
func (r *Registry) Register(w *worker.Worker) {
	r.mu.Lock()
	r.byURL[w.URL] = w
	r.reindexLocked()
	snapshot := append([]*worker.Worker(nil), r.byModel[w.ModelID]...)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.OnWorkersChanged(w.ModelID, snapshot)
	}
	r.log.Info("worker registered", zap.String("url", w.URL), zap.String("model", w.ModelID), zap.String("type", w.WorkerType.String()))
}

// RemoveByURL removes a worker. Returns false if it wasn't present.
func (r *Registry) RemoveByURL(url string) bool {
	r.mu.Lock()
	w, ok := r.byURL[url]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byURL, url)
	r.reindexLocked()
	modelID := w.ModelID
	snapshot := append([]*worker.Worker(nil), r.byModel[modelID]...)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.OnWorkersChanged(modelID, snapshot)
	}
	r.log.Info("worker removed", zap.String("url", url))
	return true
}

// reindexLocked rebuilds byModel/byType from byURL. Caller must hold mu.
func (r *Registry) reindexLocked() {
	byModel := make(map[string][]*worker.Worker)
	byType := make(map[worker.Type][]*worker.Worker)
	for _, w := range r.byURL {
		byModel[w.ModelID] = append(byModel[w.ModelID], w)
		byType[w.WorkerType] = append(byType[w.WorkerType], w)
	}
	r.byModel = byModel
	r.byType = byType
}

// GetByURL returns the worker for an exact URL match, if present.
func (r *Registry) GetByURL(url string) (*worker.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byURL[url]
	return w, ok
}

// GetAll returns every registered worker.
func (r *Registry) GetAll() []*worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*worker.Worker, 0, len(r.byURL))
	for _, w := range r.byURL {
		out = append(out, w)
	}
	return out
}

// GetAllURLs returns every registered worker's URL.
func (r *Registry) GetAllURLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byURL))
	for u := range r.byURL {
		out = append(out, u)
	}
	return out
}

// GetByModel is O(1) via the secondary model index, per spec.md §4.6.
func (r *Registry) GetByModel(modelID string) []*worker.Worker {
	if modelID == "" {
		modelID = "default"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*worker.Worker(nil), r.byModel[modelID]...)
}

// GetByType returns every worker of the given type.
func (r *Registry) GetByType(t worker.Type) []*worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*worker.Worker(nil), r.byType[t]...)
}

// GetPrefillWorkers is sugar for GetByType(worker.Prefill).
func (r *Registry) GetPrefillWorkers() []*worker.Worker { return r.GetByType(worker.Prefill) }

// GetDecodeWorkers is sugar for GetByType(worker.Decode).
func (r *Registry) GetDecodeWorkers() []*worker.Worker { return r.GetByType(worker.Decode) }

// StartHealthChecker runs the background health-check loop until ctx is
// canceled. Every check_interval_secs it probes each distinct base URL
// once (DP ranks of the same host share a probe, per spec.md §4.6).
func (r *Registry) StartHealthChecker(ctx context.Context) {
	ticker := time.NewTicker(r.hcCfg.CheckInterval)
	defer ticker.Stop()
	r.checkAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkAll()
		}
	}
}

func (r *Registry) checkAll() {
	workers := r.GetAll()
	byBase := make(map[string][]*worker.Worker)
	for _, w := range workers {
		base := w.BaseURL()
		byBase[base] = append(byBase[base], w)
	}
	for base, members := range byBase {
		healthy := r.probe(base)
		r.applyProbeResult(base, members, healthy)
	}
}

func (r *Registry) probe(baseURL string) bool {
	req, err := http.NewRequest(http.MethodGet, baseURL+r.hcCfg.Endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (r *Registry) applyProbeResult(base string, members []*worker.Worker, healthy bool) {
	r.mu.Lock()
	tally, ok := r.hcState[base]
	if !ok {
		tally = &healthTally{}
		r.hcState[base] = tally
	}
	if healthy {
		tally.consecOK++
		tally.consecFail = 0
	} else {
		tally.consecFail++
		tally.consecOK = 0
	}
	consecOK, consecFail := tally.consecOK, tally.consecFail
	r.mu.Unlock()

	for _, w := range members {
		switch {
		case !healthy && consecFail >= r.hcCfg.FailureThreshold && w.IsHealthy():
			w.SetHealthy(false)
			r.log.Warn("worker marked unhealthy", zap.String("url", w.URL))
		case healthy && consecOK >= r.hcCfg.SuccessThreshold && !w.IsHealthy():
			w.SetHealthy(true)
			r.log.Info("worker marked healthy", zap.String("url", w.URL))
		}
	}
}

// WaitForStartup polls url's health endpoint until it succeeds, ctx is
// canceled, or the timeout elapses, returning whether it became healthy in
// time. Implements SPEC_FULL.md's worker-startup-wait feature, wiring the
// worker_startup_timeout_secs / worker_startup_check_interval_secs config
// keys named but unused in spec.md §6.
func (r *Registry) WaitForStartup(ctx context.Context, baseURL string, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if r.probe(baseURL) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

// NewWorker is a convenience constructor wiring a fresh breaker.Config.
func NewWorker(url, modelID string, wtype worker.Type, bc breaker.Config) *worker.Worker {
	return worker.New(url, modelID, wtype, bc)
}
