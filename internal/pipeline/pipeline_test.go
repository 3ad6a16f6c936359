package pipeline

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/unlockproxy/internal/cache"
	"github.com/99souls/unlockproxy/internal/limiter"
	"github.com/99souls/unlockproxy/internal/logging"
	"github.com/99souls/unlockproxy/internal/models"
	"github.com/99souls/unlockproxy/internal/telemetry/metrics"
	"github.com/99souls/unlockproxy/internal/transport"
)

// fakeResolver lets tests control what the SSRF check "resolves" a hostname
// to, without touching real DNS.
type fakeResolver struct {
	ips []net.IP
	err error
}

func (f fakeResolver) LookupIPAddr(_ context.Context, _ string) ([]net.IPAddr, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]net.IPAddr, len(f.ips))
	for i, ip := range f.ips {
		out[i] = net.IPAddr{IP: ip}
	}
	return out, nil
}

func publicResolver() fakeResolver {
	return fakeResolver{ips: []net.IP{net.ParseIP("93.184.216.34")}}
}

// fakeImpersonating is a test double for ImpersonatingTransport: canned
// per-call responses plus an eviction counter, so tests can assert the
// orchestrator evicted a session without standing up real uTLS plumbing.
type fakeImpersonating struct {
	responses []*transport.Response
	errs      []error
	call      int
	evictions []string
}

func (f *fakeImpersonating) Do(_ context.Context, _ transport.Request) (*transport.Response, error) {
	i := f.call
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.call++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.responses[i], err
}

func (f *fakeImpersonating) EvictSession(hostname string) {
	f.evictions = append(f.evictions, hostname)
}

func newTestOrchestrator(t *testing.T, baseline transport.Transport, imp ImpersonatingTransport, resolver Resolver) *Orchestrator {
	t.Helper()
	return NewOrchestrator(Orchestrator{
		Cache:                   cache.NewMemoryAdapter(),
		Limiter:                 limiter.New(4),
		Baseline:                baseline,
		Impersonator:            imp,
		Metrics:                 metrics.NewStore(200),
		Logger:                  logging.New(nil),
		Resolver:                resolver,
		MaxAttempts:             3,
		MaxProcessablePageBytes: 10 * 1024 * 1024,
		MaxParsePageBytes:       5 * 1024 * 1024,
	})
}

func TestFetchAndClean_InvalidURLScheme(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil, publicResolver())
	out, err := o.FetchAndClean(context.Background(), models.FetchRequest{URL: "ftp://example.com"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonInvalidURL, out.OutcomeReason)
}

func TestFetchAndClean_SSRFRefusedForLoopbackAddress(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil, fakeResolver{ips: []net.IP{net.ParseIP("127.0.0.1")}})
	out, err := o.FetchAndClean(context.Background(), models.FetchRequest{URL: "http://internal.example"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonSSRFRefused, out.OutcomeReason)
}

func TestFetchAndClean_OKRewriteViaBaseline(t *testing.T) {
	baseline := &stubTransport{resp: &transport.Response{
		BodyText:        `<html><head></head><body><p>hello</p></body></html>`,
		StatusCode:      200,
		ResponseHeaders: http.Header{},
	}}
	o := newTestOrchestrator(t, baseline, nil, publicResolver())
	out, err := o.FetchAndClean(context.Background(), models.FetchRequest{
		URL: "https://example.com/page", UnlockMode: true, Priority: 1,
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, models.ReasonOK, out.OutcomeReason)
	assert.Contains(t, out.HTML, "hello")
}

func TestFetchAndClean_HighConfidenceCloudflareBlockViaImpersonating(t *testing.T) {
	headers := http.Header{}
	headers.Set("Server", "cloudflare")
	headers.Set("CF-RAY", "90f2b2aa1234abcd-DFW")
	resp := &transport.Response{
		BodyText:        "Sorry, you have been blocked",
		StatusCode:      403,
		ResponseHeaders: headers,
	}
	imp := &fakeImpersonating{responses: []*transport.Response{resp, resp, resp}}
	o := newTestOrchestrator(t, &stubTransport{resp: resp}, imp, publicResolver())
	o.MaxAttempts = 1 // scenario only exercises a single attempt, no eviction-retry sleep

	out, err := o.FetchAndClean(context.Background(), models.FetchRequest{
		URL: "https://blocked.example/page", UnlockMode: true, UseImpersonating: true,
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonBlockedByCloudflare, out.OutcomeReason)
	assert.Equal(t, models.ProviderCloudflare, out.Provider)
	assert.Equal(t, models.ConfidenceHigh, out.Confidence)
	require.NotNil(t, out.RayID)
	assert.Equal(t, "90f2b2aa1234abcd-DFW", *out.RayID)
	assert.Contains(t, out.HTML, "90f2b2aa1234abcd-DFW")

	cached, ok, err := o.Cache.Get(context.Background(), cacheKey("https://blocked.example/page", true))
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, cached, "90f2b2aa1234abcd-DFW")
}

func TestFetchAndClean_UpgradeRequiredForBaselineOnlyCaller(t *testing.T) {
	headers := http.Header{}
	headers.Set("Server", "cloudflare")
	resp := &transport.Response{
		BodyText:        "Sorry, you have been blocked",
		StatusCode:      403,
		ResponseHeaders: headers,
	}
	o := newTestOrchestrator(t, &stubTransport{resp: resp}, nil, publicResolver())
	o.MaxAttempts = 1

	out, err := o.FetchAndClean(context.Background(), models.FetchRequest{
		URL: "https://blocked.example/page", UnlockMode: true, UseImpersonating: false,
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.HTML, "Upgrade required")
}

func TestFetchAndClean_LowConfidenceKeywordHitStillSucceeds(t *testing.T) {
	resp := &transport.Response{
		BodyText:        "<html><body>Please enable javascript to continue</body></html>",
		StatusCode:      200,
		ResponseHeaders: http.Header{},
	}
	o := newTestOrchestrator(t, &stubTransport{resp: resp}, nil, publicResolver())

	out, err := o.FetchAndClean(context.Background(), models.FetchRequest{
		URL: "https://clean.example/page", UnlockMode: true,
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, models.ReasonSuspectedLowConf, out.OutcomeReason)
	assert.Equal(t, models.ConfidenceLow, out.Confidence)
}

func TestFetchAndClean_OversizeContentLengthRejected(t *testing.T) {
	resp := &transport.Response{
		BodyText:      "short",
		StatusCode:    200,
		ContentLength: 50 * 1024 * 1024,
		ResponseHeaders: http.Header{},
	}
	o := newTestOrchestrator(t, &stubTransport{resp: resp}, nil, publicResolver())

	out, err := o.FetchAndClean(context.Background(), models.FetchRequest{
		URL: "https://huge.example/page", UnlockMode: true,
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonPageTooLarge, out.OutcomeReason)
}

func TestFetchAndClean_NonUnlockModeSanitizesAndStripsScripts(t *testing.T) {
	resp := &transport.Response{
		BodyText:        `<html><body><script>alert(1)</script><p onclick="x()">hi</p></body></html>`,
		StatusCode:      200,
		ResponseHeaders: http.Header{},
	}
	o := newTestOrchestrator(t, &stubTransport{resp: resp}, nil, publicResolver())

	out, err := o.FetchAndClean(context.Background(), models.FetchRequest{
		URL: "https://clean.example/page", UnlockMode: false,
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.NotContains(t, out.HTML, "<script>")
	assert.NotContains(t, out.HTML, "onclick")
}

func TestFetchAndClean_FetchErrorAfterExhaustedRetries(t *testing.T) {
	o := newTestOrchestrator(t, &stubTransport{err: assert.AnError}, nil, publicResolver())
	o.MaxAttempts = 1 // avoid the retry loop's backoff sleeps slowing this test down
	out, err := o.FetchAndClean(context.Background(), models.FetchRequest{
		URL: "https://down.example/page", UnlockMode: true,
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonFetchError, out.OutcomeReason)
	assert.True(t, out.Attempts >= 1)
}

func TestFetchAndClean_RetryCountExcludesFinalExhaustingAttempt(t *testing.T) {
	o := newTestOrchestrator(t, &stubTransport{err: assert.AnError}, nil, publicResolver())
	o.MaxAttempts = 3
	out, err := o.FetchAndClean(context.Background(), models.FetchRequest{
		URL: "https://down.example/retry-count", UnlockMode: true,
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int64(2), o.Metrics.Counter("unlock_pipeline.retry_count"))
}

func TestFetchAndClean_CacheHitSkipsTransport(t *testing.T) {
	o := newTestOrchestrator(t, &stubTransport{err: assert.AnError}, nil, publicResolver())
	key := cacheKey("https://cached.example/page", true)
	require.NoError(t, o.Cache.Set(context.Background(), key, "<p>cached</p>", models.SuccessCacheTTLSeconds*time.Second))

	out, err := o.FetchAndClean(context.Background(), models.FetchRequest{
		URL: "https://cached.example/page", UnlockMode: true,
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "<p>cached</p>", out.HTML)
}

// stubTransport is a minimal transport.Transport double for the baseline
// path in tests that don't need a real colly round trip.
type stubTransport struct {
	resp *transport.Response
	err  error
}

func (s *stubTransport) Do(_ context.Context, _ transport.Request) (*transport.Response, error) {
	return s.resp, s.err
}
