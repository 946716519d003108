// Package dispatch implements the regular and prefill/decode request
// dispatchers: select a worker (or worker pair), forward the request,
// retry on transient failure, and keep load counters and circuit breaker
// state consistent across every exit path. Grounded on
// caddyhttp/proxy/proxy.go's ServeHTTP select-forward-retry loop.
package dispatch

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/llmrouter/llmrouter/internal/metrics"
	"github.com/llmrouter/llmrouter/internal/policy"
	"github.com/llmrouter/llmrouter/internal/registry"
	"github.com/llmrouter/llmrouter/internal/worker"
)

// tracer names spans for the select-forward-retry and prefill/decode hops.
// With no SDK TracerProvider registered it's the otel no-op implementation;
// once AppContext wires a real provider, every attempt gets a real child
// span parented to whatever context the httpapi layer extracted from the
// inbound request.
var tracer = otel.Tracer("github.com/llmrouter/llmrouter/internal/dispatch")

func newBodyReader(body []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(body))
}

// hopByHopHeaders are stripped from both the outbound request and the
// inbound response, per spec.md §4.4 step 7.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Content-Encoding", "Host",
}

// requestStrippedHeaders are additionally dropped when building the
// outbound request, since the JSON encoder sets them fresh.
var requestStrippedHeaders = []string{"Content-Type", "Content-Length"}

// traceContextHeaders carry W3C trace context. They're stripped from the
// plain header copy because otel.GetTextMapPropagator().Inject re-derives
// them from ctx's current span on every outbound request; copying the
// inbound values through verbatim would let a stale trace/span ID survive
// a retry against a different worker instead of the new attempt's span.
var traceContextHeaders = []string{"Traceparent", "Tracestate", "Baggage"}

func stripHeaders(h http.Header, names []string) {
	for _, n := range names {
		h.Del(n)
	}
}

func copyForwardHeaders(src http.Header) http.Header {
	dst := src.Clone()
	stripHeaders(dst, requestStrippedHeaders)
	stripHeaders(dst, hopByHopHeaders)
	stripHeaders(dst, traceContextHeaders)
	return dst
}

func stripResponseHopByHop(h http.Header) {
	stripHeaders(h, hopByHopHeaders)
}

// RetryConfig mirrors spec.md §6's retry.* block.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// backoff returns the delay before retry attempt n (0-indexed: the delay
// before the first retry), with multiplicative growth capped at MaxBackoff
// and +/- JitterFactor of random jitter.
func (c RetryConfig) backoff(n int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 0; i < n; i++ {
		d *= c.BackoffMultiplier
	}
	if max := float64(c.MaxBackoff); d > max {
		d = max
	}
	jitter := d * c.JitterFactor * (rand.Float64()*2 - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// retryableStatus reports whether an HTTP status code earns a retry per
// spec.md §4.4 step 6.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// circuitSuccess reports whether a response status counts as a circuit
// breaker success (2xx and 4xx both do; spec.md §4.4 step 5).
func circuitSuccess(code int) bool {
	return (code >= 200 && code < 300) || (code >= 400 && code < 500)
}

// Deps bundles the collaborators every dispatcher needs, built once in
// AppContext and shared across the regular and PD dispatchers.
type Deps struct {
	Registry *registry.Registry
	Policies *policy.Registry
	Client   *http.Client
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Retry    RetryConfig
}

// peekBody returns up to a small cap of the request body, as text, for
// routing-key extraction and cache-aware scoring.
func peekBody(body []byte) string {
	const maxLen = 8192
	if len(body) > maxLen {
		return string(body[:maxLen])
	}
	return string(body)
}

// decLoadOnce returns a function that decrements w's load at most once,
// satisfying spec.md §9's "idempotent so it can be called from both
// [EOS-detection and stream-termination] paths" requirement.
func decLoadOnce(w *worker.Worker) func() {
	var done bool
	return func() {
		if done {
			return
		}
		done = true
		w.DecrementLoad()
	}
}

// decLoadOnceWithMetrics is decLoadOnce plus a WorkerLoad gauge update, used
// by the regular dispatcher's cache-aware load tracking and by the PD
// dispatcher's decode leg.
func decLoadOnceWithMetrics(m *metrics.Metrics, w *worker.Worker) func() {
	dec := decLoadOnce(w)
	return func() {
		dec()
		if m != nil {
			m.WorkerLoad.WithLabelValues(w.URL).Set(float64(w.Load()))
		}
	}
}

// sseDoneMarker is the SSE end-of-stream sentinel spec.md §4.4 step 4 names.
const sseDoneMarker = "data: [DONE]"

func containsDoneMarker(chunk []byte) bool {
	return strings.Contains(string(chunk), sseDoneMarker)
}

func isEventStream(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

func recordOutcome(m *metrics.Metrics, w *worker.Worker, status int, networkErr bool) {
	if networkErr {
		w.RecordOutcome(false)
	} else {
		w.RecordOutcome(circuitSuccess(status))
	}
	if m != nil {
		m.CircuitState.WithLabelValues(w.URL).Set(metrics.StateValue(w.CircuitBreaker().State().String()))
	}
}

// newRequest builds an outbound *http.Request against base+path, stripping
// any @rank suffix from the worker's URL and, when present, synthesizing
// X-data-parallel-rank per spec.md §4.4 step 3 / §6.
func newRequest(ctx context.Context, w *worker.Worker, path string, method string, body []byte, headers http.Header) (*http.Request, error) {
	base, rank, hasRank := worker.SplitRank(w.URL)
	outreq, err := http.NewRequestWithContext(ctx, method, base+path, newBodyReader(body))
	if err != nil {
		return nil, err
	}
	outreq.Header = copyForwardHeaders(headers)
	outreq.ContentLength = int64(len(body))
	if hasRank {
		outreq.Header.Set("X-data-parallel-rank", strconv.Itoa(rank))
	}
	outreq.Header.Set("Content-Type", "application/json")
	return outreq, nil
}
