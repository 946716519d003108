package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrouter/llmrouter/internal/breaker"
	"github.com/llmrouter/llmrouter/internal/config"
	"github.com/llmrouter/llmrouter/internal/registry"
	"github.com/llmrouter/llmrouter/internal/worker"
)

func TestSecsToDuration(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, secsToDuration(0.5))
	assert.Equal(t, 2*time.Second, secsToDuration(2))
	assert.Equal(t, time.Duration(0), secsToDuration(0))
}

func TestResolveDiscoveredSkipsUnregisteredAddresses(t *testing.T) {
	reg := registry.New(registry.DefaultHealthCheckConfig(), nil)
	reg.Register(worker.New("http://a", "m", worker.Prefill, breaker.DefaultConfig()))

	got := resolveDiscovered(reg, []string{"http://a", "http://unregistered"})
	require.Len(t, got, 1)
	assert.Equal(t, "http://a", got[0].URL)
}

// TestNewWiresStaticWorkersAndRespectsPDAndDiscoveryToggles exercises
// AppContext.New once per process: prometheus.DefaultRegisterer panics on
// double registration, and New() always registers against it.
func TestNewWiresStaticWorkersAndRespectsPDAndDiscoveryToggles(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = ":0"
	cfg.PD.Enabled = true
	cfg.Discovery.Enabled = true
	cfg.StaticWorkers = []config.StaticWorker{
		{URL: "http://w1:8000", ModelID: "m1", Type: "prefill"},
		{URL: "http://w2:8000", ModelID: "m1", Type: "decode"},
	}

	ac, err := New(cfg)
	require.NoError(t, err)

	assert.Len(t, ac.Registry.GetAll(), 2)
	assert.NotNil(t, ac.PD, "PD dispatcher should be wired when cfg.PD.Enabled")
	assert.NotNil(t, ac.Discovery, "discovery registry should be wired when cfg.Discovery.Enabled")

	assert.NotPanics(t, ac.sampleGaugesOnce)
}
