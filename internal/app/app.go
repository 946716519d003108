// Package app wires every component into one AppContext, replacing the
// cyclic references and global mutable state spec.md §9 flags: the
// registry, policy registry, dispatchers, metrics, and HTTP client are all
// constructed once here and threaded down explicitly, the way
// caddy.Context is built once and passed through provisioning. Only the
// metrics registry and the bootstrap logger are legitimately process-wide.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/llmrouter/llmrouter/internal/applog"
	"github.com/llmrouter/llmrouter/internal/config"
	"github.com/llmrouter/llmrouter/internal/discovery"
	"github.com/llmrouter/llmrouter/internal/dispatch"
	"github.com/llmrouter/llmrouter/internal/httpapi"
	"github.com/llmrouter/llmrouter/internal/metrics"
	"github.com/llmrouter/llmrouter/internal/policy"
	"github.com/llmrouter/llmrouter/internal/ratelimit"
	"github.com/llmrouter/llmrouter/internal/registry"
	"github.com/llmrouter/llmrouter/internal/worker"
)

// AppContext bundles every long-lived component the router needs, built
// once at startup from a config.Config.
type AppContext struct {
	Config   *config.Config
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Registry *registry.Registry
	Policies *policy.Registry
	Discovery *discovery.Registry

	Regular *dispatch.Regular
	PD      *dispatch.PD
	Limiter *ratelimit.Limiter

	httpClient *http.Client
	server     *http.Server
}

func init() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}

// New constructs an AppContext from cfg. It registers any statically
// configured workers and wires a PD dispatcher when cfg.PD.Enabled.
func New(cfg *config.Config) (*AppContext, error) {
	log, err := applog.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	reg := registry.New(cfg.HealthCheckConfigFor(), log)
	policies := policy.NewRegistry(cfg.PolicyConfigFor())
	reg.AddListener(policies)

	httpClient := &http.Client{Timeout: 0} // per-request deadlines come from context

	deps := dispatch.Deps{
		Registry: reg,
		Policies: policies,
		Client:   httpClient,
		Metrics:  m,
		Log:      log,
		Retry:    cfg.RetryConfigFor(),
	}
	regularDispatcher := dispatch.NewRegular(deps)

	ac := &AppContext{
		Config:     cfg,
		Log:        log,
		Metrics:    m,
		Registry:   reg,
		Policies:   policies,
		Regular:    regularDispatcher,
		Limiter:    ratelimit.New(cfg.RateLimitConfigFor()),
		httpClient: httpClient,
	}

	if cfg.Discovery.Enabled {
		ac.Discovery = discovery.New(log)
	}

	if cfg.PD.Enabled {
		ac.PD = dispatch.NewPD(deps, ac.prefillSource, ac.decodeSource)
	}

	for _, sw := range cfg.StaticWorkers {
		wtype := worker.Regular
		switch sw.Type {
		case "prefill":
			wtype = worker.Prefill
		case "decode":
			wtype = worker.Decode
		}
		urls := worker.ExpandDataParallel(sw.URL, cfg.IntraNodeDataParallelSize)
		for _, u := range urls {
			reg.Register(registry.NewWorker(u, sw.ModelID, wtype, cfg.BreakerConfig()))
		}
	}

	return ac, nil
}

func (ac *AppContext) prefillSource() []*worker.Worker {
	if ac.Discovery != nil {
		return resolveDiscovered(ac.Registry, ac.Discovery.GetPrefillInstances())
	}
	return ac.Registry.GetPrefillWorkers()
}

func (ac *AppContext) decodeSource() []*worker.Worker {
	if ac.Discovery != nil {
		return resolveDiscovered(ac.Registry, ac.Discovery.GetDecodeInstances())
	}
	return ac.Registry.GetDecodeWorkers()
}

// resolveDiscovered maps discovery-reported HTTP addresses onto registered
// Worker values, skipping addresses that haven't (yet) been mirrored into
// the registry. Discovery-sourced pools in this design are expected to be
// registered into the WorkerRegistry by the same admission path as static
// workers; this indirection keeps the registry the single source of truth
// for membership, per spec.md §5.
func resolveDiscovered(reg *registry.Registry, addrs []string) []*worker.Worker {
	out := make([]*worker.Worker, 0, len(addrs))
	for _, addr := range addrs {
		if w, ok := reg.GetByURL(addr); ok {
			out = append(out, w)
		}
	}
	return out
}

// Run starts the HTTP server, background loops, and (if configured) the
// discovery socket, supervising them as one cancelable errgroup the way
// golang.org/x/sync/errgroup is meant to, and drains in-flight requests on
// shutdown before returning.
func (ac *AppContext) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ac.Registry.StartHealthChecker(gctx)
		return nil
	})

	g.Go(func() error {
		ac.Policies.RunBackgroundLoops(gctx, func(modelID string) []*worker.Worker {
			return ac.Registry.GetByModel(modelID)
		}, ac.Registry.GetPrefillWorkers, ac.Registry.GetDecodeWorkers)
		return nil
	})

	if ac.Discovery != nil && ac.Config.Discovery.ListenAddr != "" {
		g.Go(func() error {
			return ac.Discovery.Listen(gctx, ac.Config.Discovery.ListenAddr)
		})
	}

	g.Go(func() error {
		ac.sampleGaugesLoop(gctx)
		return nil
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Registry:                   ac.Registry,
		Policies:                   ac.Policies,
		Regular:                    ac.Regular,
		PD:                         ac.PD,
		PDEnabled:                  ac.Config.PD.Enabled,
		Limiter:                    ac.Limiter,
		Metrics:                    ac.Metrics,
		Log:                        ac.Log,
		Client:                     ac.httpClient,
		WorkerStartupTimeout:       secsToDuration(ac.Config.WorkerStartupTimeoutSecs),
		WorkerStartupCheckInterval: secsToDuration(ac.Config.WorkerStartupCheckIntervalSecs),
	})

	ac.server = &http.Server{Addr: ac.Config.ListenAddr, Handler: router}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return ac.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ac.Log.Info("listening", zap.String("addr", ac.Config.ListenAddr))
		if err := ac.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return g.Wait()
}

// sampleGaugesLoop periodically refreshes the gauges that describe the
// router's current membership and queueing state rather than a discrete
// event: WorkersRegistered (by model/type), DiscoveryInstances (by role),
// and the admission queue depth.
func (ac *AppContext) sampleGaugesLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		ac.sampleGaugesOnce()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (ac *AppContext) sampleGaugesOnce() {
	counts := make(map[[2]string]int)
	for _, w := range ac.Registry.GetAll() {
		key := [2]string{w.ModelID, w.WorkerType.String()}
		counts[key]++
	}
	for key, n := range counts {
		ac.Metrics.WorkersRegistered.WithLabelValues(key[0], key[1]).Set(float64(n))
	}

	if ac.Discovery != nil {
		ac.Metrics.DiscoveryInstances.WithLabelValues("prefill").Set(float64(len(ac.Discovery.GetPrefillInstances())))
		ac.Metrics.DiscoveryInstances.WithLabelValues("decode").Set(float64(len(ac.Discovery.GetDecodeInstances())))
	}

	ac.Metrics.QueueDepth.Set(float64(ac.Limiter.QueueLen()))
}

// secsToDuration converts a fractional-seconds config value to a
// time.Duration, the unit every *Secs field in config.Config is expressed
// in.
func secsToDuration(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
