// Package metrics provides the pipeline's Metrics Store: counters, bounded
// latency-sample reservoirs, gauge callbacks, and quantile rendering,
// alongside a Provider abstraction so the same events can additionally feed
// Prometheus or OpenTelemetry exporters.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// GaugeCallback returns the current value of a gauge at scrape time.
type GaugeCallback func() float64

// DefaultMaxSamples is the default ring capacity for latency reservoirs.
const DefaultMaxSamples = 2000

// Store is the bounded-reservoir metrics store described in spec.md §4.2.
// All state is protected by a single mutex; contention is acceptable
// because every operation is short.
type Store struct {
	mu         sync.Mutex
	maxSamples int
	counters   map[string]int64
	latencies  map[string][]float64
	gauges     map[string]GaugeCallback
}

// NewStore constructs a Store with the given reservoir capacity (0 uses
// DefaultMaxSamples).
func NewStore(maxSamples int) *Store {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Store{
		maxSamples: maxSamples,
		counters:   make(map[string]int64),
		latencies:  make(map[string][]float64),
		gauges:     make(map[string]GaugeCallback),
	}
}

// Inc increments a named counter by delta.
func (s *Store) Inc(name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
}

// ObserveMS appends a latency sample (clamped to >= 0) to the named
// reservoir, evicting the oldest sample once the reservoir is full.
func (s *Store) ObserveMS(name string, valueMS float64) {
	if valueMS < 0 {
		valueMS = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.latencies[name]
	if len(buf) >= s.maxSamples {
		buf = buf[1:]
	}
	s.latencies[name] = append(buf, valueMS)
}

// PercentileMS computes the nearest-rank percentile over a sorted copy of
// the live ring; no index interpolation.
func (s *Store) PercentileMS(name string, percentile float64) float64 {
	s.mu.Lock()
	samples := append([]float64(nil), s.latencies[name]...)
	s.mu.Unlock()
	return nearestRank(samples, percentile)
}

func nearestRank(samples []float64, percentile float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sort.Float64s(samples)
	idx := int(percentile/100*float64(len(samples)-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx > len(samples)-1 {
		idx = len(samples) - 1
	}
	return samples[idx]
}

// Counter returns the current value of a named counter.
func (s *Store) Counter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// SetGaugeCallback registers (or replaces) the callback backing a gauge.
// Callbacks are expected to be registered once at startup.
func (s *Store) SetGaugeCallback(name string, cb GaugeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = cb
}

// Render produces the line-oriented text document described in spec.md §6.
// The only supported format is "text"; unknown formats fall back to it.
func (s *Store) Render(format string) string {
	s.mu.Lock()
	counters := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		counters[k] = v
	}
	latencies := make(map[string][]float64, len(s.latencies))
	for k, v := range s.latencies {
		latencies[k] = append([]float64(nil), v...)
	}
	gauges := make(map[string]GaugeCallback, len(s.gauges))
	for k, v := range s.gauges {
		gauges[k] = v
	}
	s.mu.Unlock()

	var b strings.Builder

	names := sortedKeys(counters)
	for _, name := range names {
		metric := toMetricName(name)
		fmt.Fprintf(&b, "%s %d\n", metric, counters[name])
	}

	names = sortedKeys(latencies)
	for _, name := range names {
		samples := latencies[name]
		if len(samples) == 0 {
			continue
		}
		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		metric := toMetricName(name)
		fmt.Fprintf(&b, "%s_milliseconds{quantile=\"0.50\"} %.3f\n", metric, nearestRank(sorted, 50))
		fmt.Fprintf(&b, "%s_milliseconds{quantile=\"0.95\"} %.3f\n", metric, nearestRank(sorted, 95))
		fmt.Fprintf(&b, "%s_milliseconds{quantile=\"0.99\"} %.3f\n", metric, nearestRank(sorted, 99))
		fmt.Fprintf(&b, "%s_milliseconds_count %d\n", metric, len(sorted))
	}

	names = sortedKeys(gauges)
	for _, name := range names {
		metric := toMetricName(name)
		val := gauges[name]()
		fmt.Fprintf(&b, "%s %.3f\n", metric, val)
	}

	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toMetricName maps dots and slashes to underscores for output, per
// spec.md §6.
func toMetricName(name string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "/", "_", " ", "_")
	return r.Replace(name)
}

// Provider is the teacher's instrumentation abstraction
// (NewCounter/NewGauge/NewHistogram/NewTimer/Health), carried so the same
// pipeline events can additionally be exported to Prometheus or OTel without
// the Store itself depending on either.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	NewTimer(opts HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

type Counter interface{ Inc(delta float64, labels ...string) }
type Gauge interface {
	Set(value float64, labels ...string)
	Add(delta float64, labels ...string)
}
type Histogram interface{ Observe(value float64, labels ...string) }
type Timer interface{ ObserveDuration(labels ...string) }

type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// NewNoopProvider returns a Provider whose instruments discard everything,
// used when no Prometheus/OTel backend is configured.
func NewNoopProvider() Provider { return noopProvider{} }

type noopProvider struct{}

func (noopProvider) NewCounter(CounterOpts) Counter       { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge             { return noopGauge{} }
func (noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (noopProvider) NewTimer(HistogramOpts) func() Timer {
	return func() Timer { return noopTimer{} }
}
func (noopProvider) Health(context.Context) error { return nil }

type noopCounter struct{}

func (noopCounter) Inc(float64, ...string) {}

type noopGauge struct{}

func (noopGauge) Set(float64, ...string) {}
func (noopGauge) Add(float64, ...string) {}

type noopHistogram struct{}

func (noopHistogram) Observe(float64, ...string) {}

type noopTimer struct{}

func (noopTimer) ObserveDuration(...string) {}
