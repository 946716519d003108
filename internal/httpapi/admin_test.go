package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmrouter/llmrouter/internal/breaker"
	"github.com/llmrouter/llmrouter/internal/registry"
	"github.com/llmrouter/llmrouter/internal/worker"
)

func mustWorker(url string) *worker.Worker {
	return worker.New(url, "m1", worker.Regular, breaker.DefaultConfig())
}

func newTestHandler(t *testing.T) *handler {
	t.Helper()
	return &handler{Deps: Deps{
		Registry: registry.New(registry.DefaultHealthCheckConfig(), nil),
		Log:      zap.NewNop(),
		Client:   http.DefaultClient,
	}}
}

func TestHandleAddAndListAndRemoveWorker(t *testing.T) {
	h := newTestHandler(t)

	body := strings.NewReader(`{"url":"http://a:1000","model_id":"m1","type":"prefill"}`)
	req := httptest.NewRequest(http.MethodPost, "/workers", body)
	rec := httptest.NewRecorder()
	h.handleAddWorker(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/workers", nil)
	listRec := httptest.NewRecorder()
	h.handleListWorkers(listRec, listReq)
	var workers []map[string]any
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "http://a:1000", workers[0]["url"])
	assert.Equal(t, "prefill", workers[0]["type"])

	rmReq := httptest.NewRequest(http.MethodDelete, "/workers?url=http://a:1000", nil)
	rmRec := httptest.NewRecorder()
	h.handleRemoveWorker(rmRec, rmReq)
	assert.Equal(t, http.StatusOK, rmRec.Code)

	listRec2 := httptest.NewRecorder()
	h.handleListWorkers(listRec2, httptest.NewRequest(http.MethodGet, "/workers", nil))
	var empty []map[string]any
	require.NoError(t, json.Unmarshal(listRec2.Body.Bytes(), &empty))
	assert.Empty(t, empty)
}

func TestHandleRemoveWorkerNotFoundReturns404(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodDelete, "/workers?url=http://nope", nil)
	rec := httptest.NewRecorder()
	h.handleRemoveWorker(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAddWorkerBadJSONReturns400(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/workers", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	h.handleAddWorker(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddWorkerWaitsForStartupAndFailsIfUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newTestHandler(t)
	h.WorkerStartupTimeout = 30 * time.Millisecond
	h.WorkerStartupCheckInterval = 5 * time.Millisecond

	req := httptest.NewRequest(http.MethodPost, "/workers", strings.NewReader(
		`{"url":"`+srv.URL+`","model_id":"m1","type":"regular"}`))
	rec := httptest.NewRecorder()
	h.handleAddWorker(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, h.Registry.GetAll())
}

func TestAddWorkerWaitsForStartupAndSucceedsOnceHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newTestHandler(t)
	h.WorkerStartupTimeout = time.Second
	h.WorkerStartupCheckInterval = 5 * time.Millisecond

	req := httptest.NewRequest(http.MethodPost, "/workers", strings.NewReader(
		`{"url":"`+srv.URL+`","model_id":"m1","type":"regular"}`))
	rec := httptest.NewRecorder()
	h.handleAddWorker(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, h.Registry.GetAll(), 1)
}

func TestHandleFlushCacheCollapsesConcurrentCallers(t *testing.T) {
	h := newTestHandler(t)

	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wk := mustWorker(srv.URL)
	h.Registry.Register(wk)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			rec := httptest.NewRecorder()
			h.handleFlushCache(rec, httptest.NewRequest(http.MethodPost, "/flush_cache", nil))
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	assert.Equal(t, 1, hits, "singleflight should collapse the two concurrent flush calls into one upstream fan-out")
}
