package httpapi

import (
	"context"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/llmrouter/llmrouter/internal/rerrors"
	"github.com/llmrouter/llmrouter/internal/worker"
)

// dispatchContext extracts any inbound W3C trace context (traceparent,
// tracestate, baggage) from r's headers so the dispatcher's per-attempt
// spans are parented to the caller's trace instead of starting a new one.
func dispatchContext(r *http.Request) context.Context {
	return otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
}

// handleDispatch is the entry point for every OpenAI-compatible route.
// When the router is configured for PD mode, every request goes through the
// two-stage dispatcher; otherwise the regular select-forward-retry
// dispatcher handles it.
func (h *handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		handleError(h.Log, w, r, APIError{HTTPStatus: http.StatusBadRequest, Err: err})
		return
	}
	ctx := dispatchContext(r)

	if h.PDEnabled && h.PD != nil {
		if err := h.PD.Dispatch(ctx, w, r.Header, body); err != nil {
			handleError(h.Log, w, r, err)
		}
		return
	}

	modelID := modelIDFromBody(body)
	if err := h.Regular.Dispatch(ctx, w, r.URL.Path, r.Method, r.Header, body, modelID); err != nil {
		handleError(h.Log, w, r, err)
	}
}

// handleProxyToFirstAvailable serves the informational routes that spec.md
// §6 says are "proxied to first available worker" rather than dispatched
// through a load-balancing policy.
func (h *handler) handleProxyToFirstAvailable(w http.ResponseWriter, r *http.Request) {
	workers := h.Registry.GetAll()
	var target *worker.Worker
	for _, wk := range workers {
		if wk.IsAvailable() {
			target = wk
			break
		}
	}
	if target == nil {
		handleError(h.Log, w, r, rerrors.New("httpapi.proxyFirstAvailable", rerrors.NoAvailableWorkers))
		return
	}
	h.proxyTo(w, r, target)
}

// handleTransparentProxy implements spec.md §6's "any other path" rule:
// forward to a policy-selected worker for the model named in the request,
// using the same method.
func (h *handler) handleTransparentProxy(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		handleError(h.Log, w, r, APIError{HTTPStatus: http.StatusBadRequest, Err: err})
		return
	}
	modelID := modelIDFromBody(body)
	if err := h.Regular.Dispatch(dispatchContext(r), w, r.URL.Path, r.Method, r.Header, body, modelID); err != nil {
		handleError(h.Log, w, r, err)
	}
}

// proxyTo forwards r verbatim to target's base URL, used for the
// first-available informational routes, independent of the retrying
// dispatcher.
func (h *handler) proxyTo(w http.ResponseWriter, r *http.Request, target *worker.Worker) {
	base, _, _ := worker.SplitRank(target.URL)
	outreq, err := http.NewRequestWithContext(r.Context(), r.Method, base+r.URL.Path, r.Body)
	if err != nil {
		handleError(h.Log, w, r, APIError{HTTPStatus: http.StatusInternalServerError, Err: err})
		return
	}
	outreq.Header = r.Header.Clone()

	resp, err := h.Client.Do(outreq)
	if err != nil {
		handleError(h.Log, w, r, rerrors.Wrap("httpapi.proxyTo", rerrors.UpstreamNetworkError, err))
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleHealth reports the router's own health: ok as long as it's serving.
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleLiveness reports process liveness unconditionally.
func (h *handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReadiness reports 503 when no worker is available for any model.
func (h *handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	for _, wk := range h.Registry.GetAll() {
		if wk.IsAvailable() {
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}
