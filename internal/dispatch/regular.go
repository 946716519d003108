package dispatch

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/llmrouter/llmrouter/internal/policy"
	"github.com/llmrouter/llmrouter/internal/rerrors"
	"github.com/llmrouter/llmrouter/internal/worker"
)

// Regular implements spec.md §4.4: select-forward-retry against one pool
// of workers serving both prefill and decode for a request.
type Regular struct {
	Deps
}

func NewRegular(d Deps) *Regular {
	if d.Retry == (RetryConfig{}) {
		d.Retry = DefaultRetryConfig()
	}
	return &Regular{Deps: d}
}

// Dispatch selects a worker for modelID, forwards method/path/body/headers
// to it, retries on transient failure, and streams the response to w. It
// writes to w only for the attempt that turns out to be final (a
// non-retryable status, or the last attempt when retries are exhausted);
// earlier retryable attempts are drained and discarded before any bytes
// reach the client, matching spec.md §4.4 step 6.
func (rd *Regular) Dispatch(ctx context.Context, w http.ResponseWriter, path, method string, headers http.Header, body []byte, modelID string) error {
	pol := rd.Policies.ForModel(modelID)
	workers := rd.Registry.GetByModel(modelID)

	var req policy.Request
	if pol.NeedsText() {
		req.Text = peekBody(body)
	}
	if pol.NeedsHeaders() {
		req.Headers = headers
	}

	start := time.Now()
	defer func() {
		rd.Metrics.RequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt <= rd.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(rd.Retry.backoff(attempt - 1))
			rd.Metrics.RetriesTotal.WithLabelValues(path).Inc()
		}

		idx, ok := pol.Select(workers, req)
		if !ok {
			lastErr = rerrors.New("dispatch.Regular", rerrors.NoAvailableWorkers)
			continue
		}
		target := workers[idx]

		loadTracked := pol.Name() == policy.NameCacheAware
		if loadTracked {
			target.IncrementLoad()
			rd.Metrics.WorkerLoad.WithLabelValues(target.URL).Set(float64(target.Load()))
		}
		dec := decLoadOnceWithMetrics(rd.Metrics, target)

		final := attempt == rd.Retry.MaxRetries
		status, written, err := rd.attempt(ctx, w, target, path, method, headers, body, dec, loadTracked, final)
		if written {
			rd.Metrics.RequestsTotal.WithLabelValues(path, outcomeLabel(status, err), target.URL).Inc()
			return nil
		}
		if loadTracked {
			dec()
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = rerrors.New("dispatch.Regular", statusKind(status))
		}
	}
	if lastErr == nil {
		lastErr = rerrors.New("dispatch.Regular", rerrors.NoAvailableWorkers)
	}
	return lastErr
}

func outcomeLabel(status int, err error) string {
	if err != nil {
		return "error"
	}
	if status >= 500 {
		return "server_error"
	}
	if status >= 400 {
		return "client_error"
	}
	return "success"
}

func statusKind(status int) rerrors.Kind {
	if status >= 500 {
		return rerrors.UpstreamServerError
	}
	return rerrors.UpstreamNetworkError
}

// attempt performs one select-forward cycle against target. It returns
// written=true when a response was actually sent to w (either because the
// status wasn't retryable, or because this was the last allowed attempt);
// written=false means the caller should retry against a freshly selected
// worker without anything having reached the client yet.
func (rd *Regular) attempt(ctx context.Context, w http.ResponseWriter, target *worker.Worker, path, method string, headers http.Header, body []byte, dec func(), loadTracked, final bool) (status int, written bool, err error) {
	ctx, span := tracer.Start(ctx, "dispatch.attempt")
	span.SetAttributes(attribute.String("worker.url", target.URL))
	defer span.End()

	outreq, buildErr := newRequest(ctx, target, path, method, body, headers)
	if buildErr != nil {
		return 0, false, rerrors.Wrap("dispatch.Regular.attempt", rerrors.BadRequest, buildErr)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(outreq.Header))

	resp, doErr := rd.Client.Do(outreq)
	if doErr != nil {
		recordOutcome(rd.Metrics, target, 0, true)
		return 0, false, rerrors.Wrap("dispatch.Regular.attempt", rerrors.UpstreamNetworkError, doErr)
	}
	defer resp.Body.Close()

	recordOutcome(rd.Metrics, target, resp.StatusCode, false)

	if retryableStatus(resp.StatusCode) && !final {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, false, nil
	}

	respHeader := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			respHeader.Add(k, v)
		}
	}
	stripResponseHopByHop(respHeader)
	w.WriteHeader(resp.StatusCode)

	if isEventStream(resp.Header) {
		rd.streamSSE(w, resp.Body, dec, loadTracked)
		return resp.StatusCode, true, nil
	}

	io.Copy(w, resp.Body)
	if loadTracked {
		dec()
	}
	return resp.StatusCode, true, nil
}

// streamSSE proxies bytes until EOF, decrementing load at the [DONE]
// marker or on stream close, whichever comes first (spec.md §4.4 step 4,
// §9).
func (rd *Regular) streamSSE(w http.ResponseWriter, body io.Reader, dec func(), loadTracked bool) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
			if loadTracked && containsDoneMarker(chunk) {
				dec()
			}
		}
		if readErr != nil {
			if loadTracked {
				dec()
			}
			return
		}
	}
}
