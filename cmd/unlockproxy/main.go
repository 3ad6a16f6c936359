// Command unlockproxy serves the unlock pipeline over HTTP: GET /unlock
// fetches and cleans a URL through pipeline.Orchestrator.FetchAndClean,
// GET /metrics renders the metrics store's text document (and, if a
// Prometheus backend is enabled, its native exposition format), and
// GET /healthz reports process liveness. Flags and the graceful-shutdown
// double-signal handling follow cli/cmd/ariadne/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"time"

	"github.com/99souls/unlockproxy/internal/autotune"
	"github.com/99souls/unlockproxy/internal/cache"
	"github.com/99souls/unlockproxy/internal/classifier"
	"github.com/99souls/unlockproxy/internal/config"
	"github.com/99souls/unlockproxy/internal/headers"
	"github.com/99souls/unlockproxy/internal/limiter"
	"github.com/99souls/unlockproxy/internal/logging"
	"github.com/99souls/unlockproxy/internal/models"
	"github.com/99souls/unlockproxy/internal/pipeline"
	"github.com/99souls/unlockproxy/internal/rewriter"
	"github.com/99souls/unlockproxy/internal/telemetry/metrics"
	"github.com/99souls/unlockproxy/internal/transport"
)

func main() {
	var (
		listenAddr          string
		metricsAddr         string
		healthAddr          string
		redisAddr           string
		policyFile          string
		metricsBackend      string
		enableMetrics       bool
		enableImpersonating bool
		impersonatingPool   int
		showVersion         bool
	)
	flag.StringVar(&listenAddr, "listen", ":8080", "Address to serve /unlock on")
	flag.StringVar(&metricsAddr, "metrics", ":9090", "Address to serve /metrics on")
	flag.StringVar(&healthAddr, "health", ":9091", "Address to serve /healthz on")
	flag.StringVar(&redisAddr, "redis", "", "Redis host:port for the cache adapter (empty uses the in-process memory adapter)")
	flag.StringVar(&policyFile, "policy-file", "", "Optional YAML policy file (marker overrides, font-CDN blocklist, UA pool), hot-reloaded")
	flag.StringVar(&metricsBackend, "metrics-backend", "prom", "Metrics backend: prom|otel|noop")
	flag.BoolVar(&enableMetrics, "enable-metrics", true, "Mirror the metrics store into the selected backend")
	flag.BoolVar(&enableImpersonating, "enable-impersonating", true, "Construct the uTLS impersonating transport")
	flag.IntVar(&impersonatingPool, "impersonating-pool-size", 64, "Max hostnames held in the impersonating session pool")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("unlockproxy")
		return
	}

	logger := logging.New(slog.Default())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cacheAdapter := buildCacheAdapter(redisAddr)

	maxConcurrency := cfg.FetchConcurrencyMin
	lim := limiter.New(maxConcurrency)

	timeouts := transport.Timeouts{Connect: cfg.FetchConnectTimeout(), Read: cfg.FetchTimeout()}
	baseline := transport.NewBaseline(timeouts, cfg.MaxProcessablePageBytes)

	var impersonator pipeline.ImpersonatingTransport
	if enableImpersonating {
		impersonator = transport.NewImpersonating(impersonatingPool, timeouts, cfg.MaxProcessablePageBytes, "")
	}

	store := metrics.NewStore(metrics.DefaultMaxSamples)
	store.SetGaugeCallback("unlock_pipeline.queue_depth", func() float64 { return float64(lim.QueueDepth()) })
	store.SetGaugeCallback("unlock_pipeline.in_flight", func() float64 { return float64(lim.InFlight()) })
	store.SetGaugeCallback("process.memory_rss_mb", currentRSSMegabytes)

	tunerCfg := autotune.Config{
		SlowFetchThresholdMS: cfg.SlowFetchThresholdMS,
		DynamicRetryFloor:    cfg.DynamicFetchRetryFloor,
		ConfiguredMaxRetries: cfg.FetchMaxRetries,
		Enabled:              cfg.EnableFetchAutotune,
		EveryNRequests:       cfg.FetchAutotuneEveryNRequests,
		ConcurrencyMin:       cfg.FetchConcurrencyMin,
		ConcurrencyMax:       cfg.FetchConcurrencyMax,
	}
	tuner := autotune.New(tunerCfg, store, lim)

	orch := pipeline.NewOrchestrator(pipeline.Orchestrator{
		Cache:                    cacheAdapter,
		Limiter:                  lim,
		Baseline:                 baseline,
		Impersonator:             impersonator,
		Metrics:                  store,
		Tuner:                    tuner,
		Logger:                   logger,
		MaxAttempts:              cfg.FetchMaxRetries,
		LowConfBlockRetryEnabled: cfg.LowConfBlockRetryEnabled,
		MaxProcessablePageBytes:  cfg.MaxProcessablePageBytes,
		MaxParsePageBytes:        cfg.MaxParsePageBytes,
		SlowFetchThresholdMS:     cfg.SlowFetchThresholdMS,
	})

	if policyFile != "" {
		pw, err := config.WatchPolicyFile(policyFile, applyPolicy)
		if err != nil {
			log.Fatalf("watch policy file: %v", err)
		}
		defer pw.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; initiating graceful shutdown...")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	var provider metrics.Provider = metrics.NewNoopProvider()
	var promProvider *metrics.PrometheusProvider
	if enableMetrics {
		switch metricsBackend {
		case "prom":
			p := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
			promProvider = p
			provider = p
		case "otel":
			provider = metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "unlockproxy"})
		}
		bridge := metrics.NewBridge(store, provider,
			[]string{
				"unlock_pipeline.request_count", "unlock_pipeline.retry_count", "unlock_pipeline.cache_hit_count",
				"unlock_pipeline.blocked_count", "unlock_pipeline.page_too_large_count",
				"unlock_pipeline.parse_skipped_large_body_count", "unlock_pipeline.slow_fetch_count",
			},
			[]string{
				"unlock_pipeline.stage.ssrf_check", "unlock_pipeline.stage.cache_get", "unlock_pipeline.stage.fetch",
				"unlock_pipeline.stage.parse_clean_rewrite", "unlock_pipeline.stage.cache_set",
			},
		)
		go bridge.Run(ctx, 15*time.Second)
	}

	startHTTPServers(ctx, listenAddr, metricsAddr, healthAddr, orch, store, promProvider)

	<-ctx.Done()
	log.Println("shutdown complete")
}

func buildCacheAdapter(redisAddr string) cache.Adapter {
	if redisAddr == "" {
		return cache.NewMemoryAdapter()
	}
	return cache.NewRedisAdapter(redisAddr, 16)
}

// applyPolicy installs a hot-reloaded policy's overrides into the
// classifier, rewriter, and header synthesizer's package-level state.
func applyPolicy(p *config.Policy) {
	if p == nil {
		return
	}
	classifier.SetMarkerOverrides(p.StrongMarkers, p.WeakMarkers)
	rewriter.SetExtraFontCDNHosts(p.FontCDNHosts)
	headers.SetUserAgentPool(p.UserAgents)
}

func currentRSSMegabytes() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Sys) / (1024 * 1024)
}

func startHTTPServers(ctx context.Context, listenAddr, metricsAddr, healthAddr string, orch *pipeline.Orchestrator, store *metrics.Store, promProvider *metrics.PrometheusProvider) {
	unlockMux := http.NewServeMux()
	unlockMux.HandleFunc("/unlock", unlockHandler(orch))
	runServer(ctx, "unlock", listenAddr, unlockMux)

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(store.Render("text")))
	})
	if promProvider != nil {
		metricsMux.Handle("/metrics/prom", promProvider.MetricsHandler())
	}
	runServer(ctx, "metrics", metricsAddr, metricsMux)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	runServer(ctx, "health", healthAddr, healthMux)
}

func runServer(ctx context.Context, name, addr string, mux http.Handler) {
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Printf("%s listening on %s", name, addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("%s server error: %v", name, err)
		}
	}()
}

// unlockHandler adapts an HTTP request into a models.FetchRequest, the
// "surrounding service" role spec.md §6 describes as out of this module's
// scope beyond the bare plumbing needed to drive the pipeline.
func unlockHandler(orch *pipeline.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		url := q.Get("url")
		if url == "" {
			http.Error(w, "missing url query parameter", http.StatusBadRequest)
			return
		}
		priority, _ := strconv.Atoi(q.Get("priority"))
		unlockMode, _ := strconv.ParseBool(q.Get("unlock"))
		useImpersonating, _ := strconv.ParseBool(q.Get("use_impersonating"))

		req := models.FetchRequest{
			URL:              url,
			UserIP:           clientIP(r),
			UnlockMode:       unlockMode,
			Priority:         priority,
			UseImpersonating: useImpersonating,
		}

		outcome, err := orch.FetchAndClean(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(outcome)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
