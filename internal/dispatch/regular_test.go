package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmrouter/llmrouter/internal/breaker"
	"github.com/llmrouter/llmrouter/internal/metrics"
	"github.com/llmrouter/llmrouter/internal/policy"
	"github.com/llmrouter/llmrouter/internal/registry"
	"github.com/llmrouter/llmrouter/internal/worker"
)

func newTestRegular(t *testing.T) (*Regular, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.DefaultHealthCheckConfig(), nil)
	pols := policy.NewRegistry(policy.DefaultConfig())
	reg.AddListener(pols)
	m := metrics.New(prometheus.NewRegistry())
	rd := NewRegular(Deps{
		Registry: reg,
		Policies: pols,
		Client:   http.DefaultClient,
		Metrics:  m,
		Log:      zap.NewNop(),
		Retry: RetryConfig{
			MaxRetries:        2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
			JitterFactor:      0,
		},
	})
	return rd, reg
}

func TestRegularDispatchSucceedsOnFirstTry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	rd, reg := newTestRegular(t)
	reg.Register(worker.New(upstream.URL, "m1", worker.Regular, breaker.DefaultConfig()))

	rec := httptest.NewRecorder()
	err := rd.Dispatch(context.Background(), rec, "/v1/completions", http.MethodPost, http.Header{}, []byte(`{}`), "m1")

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestRegularDispatchRetriesOnRetryableStatusThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	rd, reg := newTestRegular(t)
	reg.Register(worker.New(upstream.URL, "m1", worker.Regular, breaker.DefaultConfig()))

	rec := httptest.NewRecorder()
	err := rd.Dispatch(context.Background(), rec, "/v1/completions", http.MethodPost, http.Header{}, []byte(`{}`), "m1")

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegularDispatchReturnsErrorWhenNoWorkersRegistered(t *testing.T) {
	rd, _ := newTestRegular(t)
	rec := httptest.NewRecorder()
	err := rd.Dispatch(context.Background(), rec, "/v1/completions", http.MethodPost, http.Header{}, []byte(`{}`), "m1")
	assert.Error(t, err)
}

func TestRegularDispatchPassesThroughNonRetryable4xxImmediately(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer upstream.Close()

	rd, reg := newTestRegular(t)
	reg.Register(worker.New(upstream.URL, "m1", worker.Regular, breaker.DefaultConfig()))

	rec := httptest.NewRecorder()
	err := rd.Dispatch(context.Background(), rec, "/v1/completions", http.MethodPost, http.Header{}, []byte(`{}`), "m1")

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int32(1), calls.Load(), "a non-retryable 4xx should not be retried")
}
