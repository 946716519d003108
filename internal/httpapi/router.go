// Package httpapi mounts the router's inbound HTTP surface (spec.md §6) on
// a chi.Router: the OpenAI-compatible dispatch routes, the informational
// and health endpoints, the admin worker-management surface, and a
// transparent-proxy fallback for anything else.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/llmrouter/llmrouter/internal/dispatch"
	"github.com/llmrouter/llmrouter/internal/metrics"
	"github.com/llmrouter/llmrouter/internal/policy"
	"github.com/llmrouter/llmrouter/internal/ratelimit"
	"github.com/llmrouter/llmrouter/internal/registry"
)

// Deps bundles everything the route handlers need.
type Deps struct {
	Registry  *registry.Registry
	Policies  *policy.Registry
	Regular   *dispatch.Regular
	PD        *dispatch.PD // nil when PD mode is disabled
	PDEnabled bool
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Client    *http.Client

	// WorkerStartupTimeout/CheckInterval govern how long handleAddWorker
	// waits for a newly added worker to report healthy before registering
	// it, per spec.md §6's worker-startup-wait behavior. Zero disables the
	// wait (the worker is registered immediately).
	WorkerStartupTimeout      time.Duration
	WorkerStartupCheckInterval time.Duration
}

// NewRouter builds the full route table.
func NewRouter(d Deps) http.Handler {
	h := &handler{Deps: d}
	r := chi.NewRouter()

	r.Use(h.admit)

	dispatchRoutes := []string{
		"/v1/chat/completions", "/v1/completions", "/v1/embeddings",
		"/v1/rerank", "/v1/responses", "/generate",
	}
	for _, route := range dispatchRoutes {
		r.Post(route, h.handleDispatch)
	}

	r.Get("/v1/responses/{id}", h.handleProxyToFirstAvailable)
	r.Post("/v1/responses/{id}/cancel", h.handleProxyToFirstAvailable)

	r.Get("/v1/models", h.handleProxyToFirstAvailable)
	r.Get("/get_model_info", h.handleProxyToFirstAvailable)
	r.Get("/get_server_info", h.handleProxyToFirstAvailable)
	r.Get("/health", h.handleHealth)
	r.Get("/health_generate", h.handleProxyToFirstAvailable)
	r.Get("/liveness", h.handleLiveness)
	r.Get("/readiness", h.handleReadiness)
	r.Get("/get_loads", h.handleGetLoads)

	r.Post("/flush_cache", h.handleFlushCache)
	r.Post("/add_worker", h.handleAddWorkerQuery)
	r.Post("/remove_worker", h.handleRemoveWorkerQuery)
	r.Route("/workers", func(r chi.Router) {
		r.Get("/", h.handleListWorkers)
		r.Post("/", h.handleAddWorker)
		r.Delete("/", h.handleRemoveWorker)
	})

	r.NotFound(h.handleTransparentProxy)

	return r
}

type handler struct {
	Deps
	flushGroup singleflight.Group
}

func (h *handler) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := h.Limiter.Admit(r.Context()); err != nil {
			h.Metrics.RateLimitRejected.Inc()
			handleError(h.Log, w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 64<<20))
}

func modelIDFromBody(body []byte) string {
	var parsed struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "default"
	}
	if parsed.Model == "" {
		return "default"
	}
	return parsed.Model
}
