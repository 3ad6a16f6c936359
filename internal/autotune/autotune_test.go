package autotune

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/99souls/unlockproxy/internal/limiter"
	"github.com/99souls/unlockproxy/internal/telemetry/metrics"
)

func TestEffectiveRetryCeiling_DefaultsToConfiguredMax(t *testing.T) {
	store := metrics.NewStore(100)
	tu := New(DefaultConfig(), store, nil)
	assert.Equal(t, 2, tu.EffectiveRetryCeiling())
}

func TestEffectiveRetryCeiling_DropsToFloorWhenFetchIsSlow(t *testing.T) {
	store := metrics.NewStore(100)
	for i := 0; i < 10; i++ {
		store.ObserveMS("unlock_pipeline.stage.fetch", 13000)
	}
	tu := New(DefaultConfig(), store, nil)
	assert.Equal(t, 1, tu.EffectiveRetryCeiling())
}

func TestEffectiveRetryCeiling_RaisesFloorWhenApproachingThreshold(t *testing.T) {
	store := metrics.NewStore(100)
	for i := 0; i < 10; i++ {
		store.ObserveMS("unlock_pipeline.stage.fetch", 10000) // above 80% (9600) but below 12000
	}
	tu := New(DefaultConfig(), store, nil)
	assert.Equal(t, 2, tu.EffectiveRetryCeiling())
}

func TestTick_NoopWhenDisabled(t *testing.T) {
	store := metrics.NewStore(100)
	l := limiter.New(4)
	cfg := DefaultConfig()
	cfg.Enabled = false
	tu := New(cfg, store, l)
	tu.Tick(40)
	assert.Equal(t, 4, l.MaxConcurrency())
}

func TestTick_IncrementsConcurrencyOnHighQueueWaitLowRetries(t *testing.T) {
	store := metrics.NewStore(100)
	for i := 0; i < 5; i++ {
		store.ObserveMS("unlock_pipeline.queue_wait", 900)
	}
	store.Inc("unlock_pipeline.request_count", 40)

	l := limiter.New(4)
	tu := New(DefaultConfig(), store, l)
	tu.Tick(40)
	assert.Equal(t, 5, l.MaxConcurrency())
}

func TestTick_DecrementsConcurrencyOnHighRetryRate(t *testing.T) {
	store := metrics.NewStore(100)
	store.Inc("unlock_pipeline.request_count", 40)
	store.Inc("unlock_pipeline.retry_count", 20) // retry_rate 0.5

	l := limiter.New(4)
	tu := New(DefaultConfig(), store, l)
	tu.Tick(40)
	assert.Equal(t, 3, l.MaxConcurrency())
}

func TestTick_OnlyRunsOnMultipleOfEveryN(t *testing.T) {
	store := metrics.NewStore(100)
	store.Inc("unlock_pipeline.request_count", 41)
	store.Inc("unlock_pipeline.retry_count", 30)

	l := limiter.New(4)
	tu := New(DefaultConfig(), store, l)
	tu.Tick(41)
	assert.Equal(t, 4, l.MaxConcurrency())
}
