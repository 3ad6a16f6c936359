package metrics

import (
	"context"
	"time"
)

// Bridge periodically snapshots a Store's counters and latency percentiles
// into a Provider's gauges, so operators can point Prometheus or an OTel
// collector at the same numbers the in-process Store already tracks for
// the autotuner, without the Store depending on either backend directly.
type Bridge struct {
	store    *Store
	provider Provider
	gauges   map[string]Gauge
	sources  map[string]func(*Store) float64
}

// NewBridge builds a Bridge exporting the named counters (as-is) and the
// named latency percentiles (p50/p95) from store through provider.
func NewBridge(store *Store, provider Provider, counterNames, percentileLatencyNames []string) *Bridge {
	b := &Bridge{
		store:    store,
		provider: provider,
		gauges:   make(map[string]Gauge),
		sources:  make(map[string]func(*Store) float64),
	}
	for _, name := range counterNames {
		metric := toMetricName(name)
		b.gauges[metric] = provider.NewGauge(GaugeOpts{CommonOpts{Namespace: "unlockproxy", Name: metric, Help: "mirrored counter " + name}})
		n := name
		b.sources[metric] = func(s *Store) float64 { return float64(s.Counter(n)) }
	}
	for _, name := range percentileLatencyNames {
		for _, p := range []float64{50, 95} {
			metric := toMetricName(name) + "_p" + percentileSuffix(p)
			b.gauges[metric] = provider.NewGauge(GaugeOpts{CommonOpts{Namespace: "unlockproxy", Name: metric, Help: "mirrored latency percentile " + name}})
			n, pp := name, p
			b.sources[metric] = func(s *Store) float64 { return s.PercentileMS(n, pp) }
		}
	}
	return b
}

func percentileSuffix(p float64) string {
	switch p {
	case 50:
		return "50"
	case 95:
		return "95"
	default:
		return "0"
	}
}

// Run snapshots every interval until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.snapshotOnce()
		}
	}
}

func (b *Bridge) snapshotOnce() {
	for metric, gauge := range b.gauges {
		gauge.Set(b.sources[metric](b.store))
	}
}
