// Package config defines the router's YAML configuration schema (spec.md
// §6's enumerated option list) and its defaulting/validation, in the
// teacher's parseBlock style: every field gets a tested default so a
// near-empty config file still produces a runnable router.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llmrouter/llmrouter/internal/applog"
	"github.com/llmrouter/llmrouter/internal/breaker"
	"github.com/llmrouter/llmrouter/internal/dispatch"
	"github.com/llmrouter/llmrouter/internal/policy"
	"github.com/llmrouter/llmrouter/internal/ratelimit"
	"github.com/llmrouter/llmrouter/internal/registry"
	"github.com/llmrouter/llmrouter/internal/worker"
)

// Config is the root configuration document.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Log        applog.Config `yaml:"log"`

	Policy              string              `yaml:"policy"`
	CacheAware          CacheAwareConfig    `yaml:"cache_aware"`
	PowerOfTwo          PowerOfTwoConfig    `yaml:"power_of_two"`
	ConsistentHash      ConsistentHashConfig `yaml:"consistent_hash"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	HealthCheck    HealthCheckConfig    `yaml:"health_check"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`

	IntraNodeDataParallelSize int `yaml:"intra_node_data_parallel_size"`

	WorkerStartupTimeoutSecs       float64 `yaml:"worker_startup_timeout_secs"`
	WorkerStartupCheckIntervalSecs float64 `yaml:"worker_startup_check_interval_secs"`

	EnableProfiling     bool    `yaml:"enable_profiling"`
	ProfileTimeoutSecs  float64 `yaml:"profile_timeout_secs"`

	PD        PDConfig        `yaml:"pd"`
	Discovery DiscoveryConfig `yaml:"discovery"`

	StaticWorkers []StaticWorker `yaml:"static_workers"`
}

type CacheAwareConfig struct {
	CacheThreshold      float64 `yaml:"cache_threshold"`
	BalanceAbsThreshold int64   `yaml:"balance_abs_threshold"`
	BalanceRelThreshold float64 `yaml:"balance_rel_threshold"`
	EvictionIntervalSecs float64 `yaml:"eviction_interval_secs"`
	MaxTreeSize         int     `yaml:"max_tree_size"`
}

type PowerOfTwoConfig struct {
	LoadCheckIntervalSecs float64 `yaml:"load_check_interval_secs"`
}

type ConsistentHashConfig struct {
	VirtualNodes int `yaml:"virtual_nodes"` // accepted but ignored; see spec.md §9
}

type CircuitBreakerConfig struct {
	FailureThreshold   int     `yaml:"failure_threshold"`
	SuccessThreshold   int     `yaml:"success_threshold"`
	TimeoutDurationSecs float64 `yaml:"timeout_duration_secs"`
	WindowDurationSecs float64 `yaml:"window_duration_secs"`
}

type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterFactor      float64 `yaml:"jitter_factor"`
}

type HealthCheckConfig struct {
	Endpoint         string  `yaml:"endpoint"`
	TimeoutSecs      float64 `yaml:"timeout_secs"`
	CheckIntervalSecs float64 `yaml:"check_interval_secs"`
	FailureThreshold int     `yaml:"failure_threshold"`
	SuccessThreshold int     `yaml:"success_threshold"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	QueueSize         int     `yaml:"queue_size"`
	QueueTimeoutSecs  float64 `yaml:"queue_timeout_secs"`
}

// PDConfig toggles and parameterizes disaggregated prefill/decode mode.
type PDConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DiscoveryConfig configures the service-discovery socket; when Enabled,
// the dispatcher sources prefill/decode worker lists from it instead of
// StaticWorkers.
type DiscoveryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// StaticWorker is one entry of a fixed, non-discovered worker pool.
type StaticWorker struct {
	URL     string `yaml:"url"`
	ModelID string `yaml:"model_id"`
	Type    string `yaml:"type"` // "regular" | "prefill" | "decode"
}

// Load reads and defaults a Config from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with every field set to the value spec.md §6
// and the surrounding packages' own DefaultConfig functions already treat
// as the default, so unmarshaling a near-empty YAML document still
// produces a runnable router.
func Default() *Config {
	return &Config{
		ListenAddr:     ":8080",
		Log:            applog.DefaultConfig(),
		Policy:         policy.NameRoundRobin,
		CacheAware: CacheAwareConfig{
			CacheThreshold:       0.5,
			BalanceAbsThreshold:  32,
			BalanceRelThreshold:  1.5,
			EvictionIntervalSecs: 120,
			MaxTreeSize:          50_000,
		},
		PowerOfTwo:     PowerOfTwoConfig{LoadCheckIntervalSecs: 60},
		ConsistentHash: ConsistentHashConfig{VirtualNodes: 160},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    5,
			SuccessThreshold:    2,
			TimeoutDurationSecs: 30,
			WindowDurationSecs:  60,
		},
		Retry: RetryConfig{
			MaxRetries:        2,
			InitialBackoffMs:  100,
			MaxBackoffMs:      2000,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.2,
		},
		HealthCheck: HealthCheckConfig{
			Endpoint:          "/health",
			TimeoutSecs:       2,
			CheckIntervalSecs: 10,
			FailureThreshold:  3,
			SuccessThreshold:  1,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             200,
			QueueSize:         2000,
			QueueTimeoutSecs:  5,
		},
		IntraNodeDataParallelSize:      1,
		WorkerStartupTimeoutSecs:       60,
		WorkerStartupCheckIntervalSecs: 1,
		ProfileTimeoutSecs:             30,
	}
}

// Validate rejects a config with an unrecognized policy name or
// structurally invalid static worker URLs, the way the teacher's
// parseBlock refuses an upstream block with a bad directive rather than
// silently defaulting it away.
func (c *Config) Validate() error {
	switch c.Policy {
	case policy.NameRandom, policy.NameRoundRobin, policy.NamePowerOfTwo, policy.NameCacheAware, policy.NameConsistentHash:
	default:
		return fmt.Errorf("config: unrecognized policy %q", c.Policy)
	}
	if c.IntraNodeDataParallelSize < 1 {
		return fmt.Errorf("config: intra_node_data_parallel_size must be >= 1")
	}
	for _, sw := range c.StaticWorkers {
		if _, _, err := worker.ParseWorkerURL(sw.URL); err != nil {
			return fmt.Errorf("config: static worker: %w", err)
		}
	}
	return nil
}

// BreakerConfig adapts CircuitBreakerConfig into breaker.Config.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		SuccessThreshold: c.CircuitBreaker.SuccessThreshold,
		TimeoutDuration:  secs(c.CircuitBreaker.TimeoutDurationSecs),
		WindowDuration:   secs(c.CircuitBreaker.WindowDurationSecs),
	}
}

// HealthCheckConfigFor adapts HealthCheckConfig into registry.HealthCheckConfig.
func (c *Config) HealthCheckConfigFor() registry.HealthCheckConfig {
	return registry.HealthCheckConfig{
		Endpoint:         c.HealthCheck.Endpoint,
		Timeout:          secs(c.HealthCheck.TimeoutSecs),
		CheckInterval:    secs(c.HealthCheck.CheckIntervalSecs),
		FailureThreshold: c.HealthCheck.FailureThreshold,
		SuccessThreshold: c.HealthCheck.SuccessThreshold,
	}
}

// PolicyConfigFor adapts the policy-related fields into policy.Config.
func (c *Config) PolicyConfigFor() policy.Config {
	return policy.Config{
		Policy: c.Policy,
		CacheAware: policy.CacheAwareConfig{
			CacheThreshold:      c.CacheAware.CacheThreshold,
			BalanceAbsThreshold: c.CacheAware.BalanceAbsThreshold,
			BalanceRelThreshold: c.CacheAware.BalanceRelThreshold,
			EvictionInterval:    secs(c.CacheAware.EvictionIntervalSecs),
			MaxTreeSize:         c.CacheAware.MaxTreeSize,
		},
		PowerOfTwoInterval: secs(c.PowerOfTwo.LoadCheckIntervalSecs),
	}
}

// RetryConfigFor adapts RetryConfig into dispatch.RetryConfig.
func (c *Config) RetryConfigFor() dispatch.RetryConfig {
	return dispatch.RetryConfig{
		MaxRetries:        c.Retry.MaxRetries,
		InitialBackoff:    time.Duration(c.Retry.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:        time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		JitterFactor:      c.Retry.JitterFactor,
	}
}

// RateLimitConfigFor adapts RateLimitConfig into ratelimit.Config.
func (c *Config) RateLimitConfigFor() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond: c.RateLimit.RequestsPerSecond,
		Burst:             c.RateLimit.Burst,
		QueueSize:         c.RateLimit.QueueSize,
		QueueTimeout:      secs(c.RateLimit.QueueTimeoutSecs),
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
