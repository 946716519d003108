package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrouter/llmrouter/internal/policy"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	cfg := Default()
	cfg.Policy = "does_not_exist"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized policy")
}

func TestValidateRejectsBadDataParallelSize(t *testing.T) {
	cfg := Default()
	cfg.IntraNodeDataParallelSize = 0
	require.Error(t, cfg.Validate())
}

func TestLoadDefaultsMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policy: cache_aware\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, policy.NameCacheAware, cfg.Policy)
	assert.Equal(t, ":8080", cfg.ListenAddr) // untouched field keeps its default
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policy: bogus\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/router.yaml")
	assert.Error(t, err)
}

func TestBreakerConfigForConvertsSeconds(t *testing.T) {
	cfg := Default()
	cfg.CircuitBreaker.TimeoutDurationSecs = 5
	cfg.CircuitBreaker.WindowDurationSecs = 30
	bc := cfg.BreakerConfig()
	assert.Equal(t, 5*time.Second, bc.TimeoutDuration)
	assert.Equal(t, 30*time.Second, bc.WindowDuration)
	assert.Equal(t, cfg.CircuitBreaker.FailureThreshold, bc.FailureThreshold)
}

func TestRetryConfigForConvertsMillis(t *testing.T) {
	cfg := Default()
	rc := cfg.RetryConfigFor()
	assert.Equal(t, 100*time.Millisecond, rc.InitialBackoff)
	assert.Equal(t, 2*time.Second, rc.MaxBackoff)
}

func TestRateLimitConfigForConvertsSeconds(t *testing.T) {
	cfg := Default()
	rl := cfg.RateLimitConfigFor()
	assert.Equal(t, 5*time.Second, rl.QueueTimeout)
	assert.Equal(t, cfg.RateLimit.Burst, rl.Burst)
}

func TestPolicyConfigForPassesThroughCacheAwareFields(t *testing.T) {
	cfg := Default()
	pc := cfg.PolicyConfigFor()
	assert.Equal(t, cfg.Policy, pc.Policy)
	assert.Equal(t, cfg.CacheAware.CacheThreshold, pc.CacheAware.CacheThreshold)
	assert.Equal(t, 120*time.Second, pc.CacheAware.EvictionInterval)
}

func TestHealthCheckConfigForConvertsSeconds(t *testing.T) {
	cfg := Default()
	hc := cfg.HealthCheckConfigFor()
	assert.Equal(t, 2*time.Second, hc.Timeout)
	assert.Equal(t, 10*time.Second, hc.CheckInterval)
	assert.Equal(t, cfg.HealthCheck.Endpoint, hc.Endpoint)
}
