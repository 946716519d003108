package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/llmrouter/llmrouter/internal/policy"
	"github.com/llmrouter/llmrouter/internal/rerrors"
	"github.com/llmrouter/llmrouter/internal/worker"
)

// PD implements spec.md §4.5: the two-stage prefill/decode dispatcher used
// when the system is configured with distinct prefill and decode worker
// pools (directly or via discovery).
type PD struct {
	Deps
	Prefill func() []*worker.Worker
	Decode  func() []*worker.Worker
}

func NewPD(d Deps, prefillSource, decodeSource func() []*worker.Worker) *PD {
	return &PD{Deps: d, Prefill: prefillSource, Decode: decodeSource}
}

// Dispatch runs the full prefill -> decode state machine for one request
// and writes the final response to w.
func (pd *PD) Dispatch(ctx context.Context, w http.ResponseWriter, headers http.Header, body []byte) error {
	var original map[string]any
	if err := json.Unmarshal(body, &original); err != nil {
		return rerrors.Wrap("dispatch.PD", rerrors.BadRequest, err)
	}

	prefillWorkers := pd.Prefill()
	decodeWorkers := pd.Decode()

	capPolicy := pd.Policies.CapabilityPolicy()
	var req policy.Request
	if capPolicy.NeedsText() {
		req.Text = peekBody(body)
	}
	if capPolicy.NeedsHeaders() {
		req.Headers = headers
	}

	pIdx, dIdx, ok := pd.Policies.SelectPair(prefillWorkers, decodeWorkers, req)
	if !ok {
		return rerrors.New("dispatch.PD", rerrors.NoAvailableWorkers)
	}
	P := prefillWorkers[pIdx]
	D := decodeWorkers[dIdx]

	requestID := buildRequestID(P.PeerAddr(), D.PeerAddr())

	prefillBody, err := buildPrefillBody(original)
	if err != nil {
		return rerrors.Wrap("dispatch.PD", rerrors.BadRequest, err)
	}

	P.IncrementLoad()
	pd.Metrics.WorkerLoad.WithLabelValues(P.URL).Set(float64(P.Load()))
	prefillResp, kvParams, prefillErr := pd.runPrefill(ctx, P, headers, prefillBody, requestID)
	P.DecrementLoad()
	pd.Metrics.WorkerLoad.WithLabelValues(P.URL).Set(float64(P.Load()))
	if prefillErr != nil {
		return prefillErr
	}

	decodeBody, err := buildDecodeBody(original, kvParams)
	if err != nil {
		return rerrors.Wrap("dispatch.PD", rerrors.BadRequest, err)
	}

	streaming, _ := original["stream"].(bool)
	mergeNeeded := !streaming && shouldMergeLogprobs(original)

	D.IncrementLoad()
	pd.Metrics.WorkerLoad.WithLabelValues(D.URL).Set(float64(D.Load()))
	dec := decLoadOnceWithMetrics(pd.Metrics, D)
	return pd.runDecode(ctx, w, D, headers, decodeBody, requestID, prefillResp, mergeNeeded, dec)
}

// buildPrefillBody applies spec.md §4.5 step 2's transforms: force a
// single forced output token, disable streaming, and attach the
// do-remote-decode KV-transfer handshake.
func buildPrefillBody(original map[string]any) ([]byte, error) {
	prefillBody := cloneJSONMap(original)
	prefillBody["max_tokens"] = 1
	if _, ok := prefillBody["max_completion_tokens"]; ok {
		prefillBody["max_completion_tokens"] = 1
	}
	if mt, ok := prefillBody["min_tokens"].(float64); ok && mt > 1 {
		prefillBody["min_tokens"] = 1
	}
	prefillBody["stream"] = false
	delete(prefillBody, "stream_options")
	prefillBody["kv_transfer_params"] = map[string]any{
		"do_remote_decode": true,
		"do_remote_prefill": false,
		"remote_engine_id":  nil,
		"remote_block_ids":  nil,
		"remote_host":       nil,
		"remote_port":       nil,
	}
	return json.Marshal(prefillBody)
}

// buildDecodeBody replays the original request with kv_transfer_params
// replaced by the value harvested from the prefill response, per spec.md
// §4.5 step 5.
func buildDecodeBody(original map[string]any, kvParams any) ([]byte, error) {
	decodeBody := cloneJSONMap(original)
	if kvParams != nil {
		decodeBody["kv_transfer_params"] = kvParams
	}
	return json.Marshal(decodeBody)
}

func cloneJSONMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// runPrefill POSTs to P, returning the raw response body (retained only to
// harvest log-probs later) and the kv_transfer_params value it emitted.
func (pd *PD) runPrefill(ctx context.Context, P *worker.Worker, headers http.Header, body []byte, requestID string) ([]byte, any, error) {
	ctx, span := tracer.Start(ctx, "dispatch.prefill")
	span.SetAttributes(attribute.String("worker.url", P.URL), attribute.String("request.id", requestID))
	defer span.End()

	outreq, err := newRequest(ctx, P, "/generate", http.MethodPost, body, headers)
	if err != nil {
		return nil, nil, rerrors.Wrap("dispatch.PD.prefill", rerrors.BadRequest, err)
	}
	outreq.Header.Set("X-Request-Id", requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(outreq.Header))

	resp, err := pd.Client.Do(outreq)
	if err != nil {
		recordOutcome(pd.Metrics, P, 0, true)
		return nil, nil, rerrors.Wrap("dispatch.PD.prefill", rerrors.UpstreamNetworkError, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	recordOutcome(pd.Metrics, P, resp.StatusCode, false)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			return nil, nil, rerrors.New("dispatch.PD.prefill", rerrors.UpstreamServerError)
		}
		return nil, nil, rerrors.New("dispatch.PD.prefill", rerrors.UpstreamClientError)
	}

	var parsed map[string]any
	var kvParams any
	if json.Unmarshal(respBody, &parsed) == nil {
		kvParams = parsed["kv_transfer_params"]
	}
	return respBody, kvParams, nil
}

// runDecode POSTs to D and streams the response to w, applying the
// log-prob merge step first when mergeNeeded and the response isn't
// streaming.
func (pd *PD) runDecode(ctx context.Context, w http.ResponseWriter, D *worker.Worker, headers http.Header, body []byte, requestID string, prefillRespBody []byte, mergeNeeded bool, dec func()) error {
	ctx, span := tracer.Start(ctx, "dispatch.decode")
	span.SetAttributes(attribute.String("worker.url", D.URL), attribute.String("request.id", requestID))
	defer span.End()

	outreq, err := newRequest(ctx, D, "/generate", http.MethodPost, body, headers)
	if err != nil {
		dec()
		return rerrors.Wrap("dispatch.PD.decode", rerrors.BadRequest, err)
	}
	outreq.Header.Set("X-Request-Id", requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(outreq.Header))

	resp, err := pd.Client.Do(outreq)
	if err != nil {
		dec()
		recordOutcome(pd.Metrics, D, 0, true)
		return rerrors.Wrap("dispatch.PD.decode", rerrors.UpstreamNetworkError, err)
	}
	defer resp.Body.Close()
	recordOutcome(pd.Metrics, D, resp.StatusCode, false)

	respHeader := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			respHeader.Add(k, v)
		}
	}
	stripResponseHopByHop(respHeader)

	if mergeNeeded && !isEventStream(resp.Header) {
		decodeRespBody, _ := io.ReadAll(resp.Body)
		dec()
		merged, mergeErr := mergeLogprobs(prefillRespBody, decodeRespBody)
		if mergeErr != nil {
			merged = decodeRespBody
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(merged)
		return nil
	}

	w.WriteHeader(resp.StatusCode)
	if isEventStream(resp.Header) {
		pd.streamPassthrough(w, resp.Body, dec)
		return nil
	}
	io.Copy(w, resp.Body)
	dec()
	return nil
}

func (pd *PD) streamPassthrough(w http.ResponseWriter, body io.Reader, dec func()) {
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
			if containsDoneMarker(chunk) {
				dec()
			}
		}
		if readErr != nil {
			dec()
			return
		}
	}
}
