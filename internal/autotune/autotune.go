// Package autotune implements the Autotuner: a stateless component that
// reads the metrics store each tick and adjusts the retry ceiling and
// limiter concurrency, grounded verbatim on
// original_source/app/services/unprotector.py's _effective_retry_ceiling,
// _desired_concurrency, and _maybe_autotune_fetch_controls.
package autotune

import (
	"github.com/99souls/unlockproxy/internal/limiter"
	"github.com/99souls/unlockproxy/internal/telemetry/metrics"
)

// Config holds the thresholds spec.md §4.11 and §6 name as environment
// variables.
type Config struct {
	SlowFetchThresholdMS   float64
	DynamicRetryFloor      int
	ConfiguredMaxRetries   int
	Enabled                bool
	EveryNRequests         int
	ConcurrencyMin         int
	ConcurrencyMax         int
}

// DefaultConfig mirrors the original's default environment values.
func DefaultConfig() Config {
	return Config{
		SlowFetchThresholdMS: 12000,
		DynamicRetryFloor:    1,
		ConfiguredMaxRetries: 2,
		Enabled:              true,
		EveryNRequests:       40,
		ConcurrencyMin:       2,
		ConcurrencyMax:       12,
	}
}

// Tuner couples a Config to the shared metrics store and limiter it adjusts.
type Tuner struct {
	cfg     Config
	store   *metrics.Store
	limiter *limiter.PriorityLimiter
}

// New constructs a Tuner.
func New(cfg Config, store *metrics.Store, l *limiter.PriorityLimiter) *Tuner {
	return &Tuner{cfg: cfg, store: store, limiter: l}
}

// EffectiveRetryCeiling implements spec.md §4.11's retry-ceiling formula,
// consulted at the start of every retry loop.
func (t *Tuner) EffectiveRetryCeiling() int {
	maxRetries := t.cfg.ConfiguredMaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	p95Fetch := t.store.PercentileMS("unlock_pipeline.stage.fetch", 95)
	p95Queue := t.store.PercentileMS("unlock_pipeline.queue_wait", 95)

	threshold := t.cfg.SlowFetchThresholdMS
	if threshold < 1 {
		threshold = 1
	}
	if p95Fetch >= threshold || p95Queue >= 1500 {
		return clampInt(1, maxRetries, t.cfg.DynamicRetryFloor)
	}
	if p95Fetch >= threshold*0.8 {
		return clampInt(1, maxRetries, t.cfg.DynamicRetryFloor+1)
	}
	return maxRetries
}

// Tick runs the concurrency-adjustment pass described in spec.md §4.11,
// invoked after requestCount (the current value of request_count) changes.
// It is a no-op unless autotuning is enabled and requestCount is a multiple
// of EveryNRequests.
func (t *Tuner) Tick(requestCount int64) {
	if !t.cfg.Enabled || t.limiter == nil {
		return
	}
	every := int64(t.cfg.EveryNRequests)
	if every < 1 {
		every = 1
	}
	if requestCount < 1 || requestCount%every != 0 {
		return
	}

	current := t.limiter.MaxConcurrency()
	desired := t.desiredConcurrency(current)
	if desired != current {
		t.limiter.SetMaxConcurrency(desired)
	}
}

func (t *Tuner) desiredConcurrency(current int) int {
	p95Fetch := t.store.PercentileMS("unlock_pipeline.stage.fetch", 95)
	p95Queue := t.store.PercentileMS("unlock_pipeline.queue_wait", 95)
	blocked := float64(t.store.Counter("unlock_pipeline.blocked_count"))
	retries := float64(t.store.Counter("unlock_pipeline.retry_count"))
	requests := float64(t.store.Counter("unlock_pipeline.request_count"))
	if requests < 1 {
		requests = 1
	}
	retryRate := retries / requests

	threshold := t.cfg.SlowFetchThresholdMS
	desired := current
	switch {
	case p95Fetch > threshold*1.1 || retryRate > 0.40:
		desired = current - 1
	case p95Queue > 700 && retryRate < 0.20 && blocked < requests*0.25:
		desired = current + 1
	}

	if desired < t.cfg.ConcurrencyMin {
		desired = t.cfg.ConcurrencyMin
	}
	if desired > t.cfg.ConcurrencyMax {
		desired = t.cfg.ConcurrencyMax
	}
	return desired
}

func clampInt(min, max, v int) int {
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}
