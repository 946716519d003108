package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/llmrouter/llmrouter/internal/breaker"
	"github.com/llmrouter/llmrouter/internal/rerrors"
	"github.com/llmrouter/llmrouter/internal/worker"
)

// workerLoadEntry is one row of the /get_loads response, per SPEC_FULL.md's
// supplemented-features concrete shape.
type workerLoadEntry struct {
	Load         int64  `json:"load"`
	Healthy      bool   `json:"healthy"`
	CircuitState string `json:"circuit_state"`
}

// handleGetLoads reports every worker's current load and circuit state,
// keyed by worker URL.
func (h *handler) handleGetLoads(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]workerLoadEntry)
	for _, wk := range h.Registry.GetAll() {
		out[wk.URL] = workerLoadEntry{
			Load:         wk.Load(),
			Healthy:      wk.IsHealthy(),
			CircuitState: wk.CircuitBreaker().State().String(),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleFlushCache fans a flush request out to every registered worker
// concurrently, per spec.md §6. Concurrent callers collapse onto one
// in-flight fan-out via singleflight, since a flush is idempotent and
// stampeding callers would otherwise each hit every worker separately.
func (h *handler) handleFlushCache(w http.ResponseWriter, r *http.Request) {
	v, _, _ := h.flushGroup.Do("flush_cache", func() (any, error) {
		return h.doFlushCache(r.Context()), nil
	})
	result := v.(flushResult)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"workers": result.total, "failed": result.failed})
}

type flushResult struct {
	total  int
	failed int
}

func (h *handler) doFlushCache(ctx context.Context) flushResult {
	workers := h.Registry.GetAll()
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, wk := range workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			base, _, _ := worker.SplitRank(wk.URL)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/flush_cache", nil)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			resp, err := h.Client.Do(req)
			if err != nil || resp.StatusCode >= 300 {
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			resp.Body.Close()
		}(wk)
	}
	wg.Wait()

	return flushResult{total: len(workers), failed: failed}
}

type addWorkerRequest struct {
	URL     string `json:"url"`
	ModelID string `json:"model_id"`
	Type    string `json:"type"`
}

func parseWorkerType(s string) worker.Type {
	switch s {
	case "prefill":
		return worker.Prefill
	case "decode":
		return worker.Decode
	default:
		return worker.Regular
	}
}

// handleListWorkers is the GET leg of the RESTful /workers collection.
func (h *handler) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := h.Registry.GetAll()
	out := make([]map[string]any, 0, len(workers))
	for _, wk := range workers {
		out = append(out, map[string]any{
			"url":      wk.URL,
			"model_id": wk.ModelID,
			"type":     wk.WorkerType.String(),
			"healthy":  wk.IsHealthy(),
			"load":     wk.Load(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleAddWorker is the POST leg of the RESTful /workers collection.
func (h *handler) handleAddWorker(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		handleError(h.Log, w, r, APIError{HTTPStatus: http.StatusBadRequest, Err: err})
		return
	}
	var req addWorkerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		handleError(h.Log, w, r, rerrors.Wrap("httpapi.handleAddWorker", rerrors.BadRequest, err))
		return
	}
	h.addWorker(w, r, req.URL, req.ModelID, req.Type)
}

// handleAddWorkerQuery is the deprecated POST /add_worker?url=...&model_id=...&type=...
// alias SPEC_FULL.md keeps for compatibility with the original's dual surface.
func (h *handler) handleAddWorkerQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.addWorker(w, r, q.Get("url"), q.Get("model_id"), q.Get("type"))
}

func (h *handler) addWorker(w http.ResponseWriter, r *http.Request, rawURL, modelID, typeStr string) {
	base, rank, err := worker.ParseWorkerURL(rawURL)
	if err != nil {
		handleError(h.Log, w, r, rerrors.Wrap("httpapi.addWorker", rerrors.BadRequest, err))
		return
	}
	_ = rank
	if modelID == "" {
		modelID = "default"
	}

	if h.WorkerStartupTimeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), h.WorkerStartupTimeout)
		defer cancel()
		if !h.Registry.WaitForStartup(ctx, base, h.WorkerStartupTimeout, h.WorkerStartupCheckInterval) {
			handleError(h.Log, w, r, rerrors.New("httpapi.addWorker", rerrors.NoAvailableWorkers))
			return
		}
	}

	wk := worker.New(rawURL, modelID, parseWorkerType(typeStr), breaker.DefaultConfig())
	h.Registry.Register(wk)

	h.Log.Info("worker added via admin API", zap.String("url", rawURL), zap.String("base", base))
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"url": rawURL, "status": "added"})
}

// handleRemoveWorker is the DELETE leg of the RESTful /workers collection.
func (h *handler) handleRemoveWorker(w http.ResponseWriter, r *http.Request) {
	h.removeWorker(w, r, r.URL.Query().Get("url"))
}

// handleRemoveWorkerQuery is the deprecated POST /remove_worker?url=...
// alias.
func (h *handler) handleRemoveWorkerQuery(w http.ResponseWriter, r *http.Request) {
	h.removeWorker(w, r, r.URL.Query().Get("url"))
}

func (h *handler) removeWorker(w http.ResponseWriter, r *http.Request, url string) {
	if ok := h.Registry.RemoveByURL(url); !ok {
		handleError(h.Log, w, r, APIError{HTTPStatus: http.StatusNotFound, Message: "worker not found"})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"url": url, "status": "removed"})
}
