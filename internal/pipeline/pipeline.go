// Package pipeline implements the Pipeline Orchestrator from spec.md §4.10,
// the single component every other package in this module feeds into: URL
// validation, SSRF refusal, cache lookup, limiter acquisition, the
// transport retry loop, size capping, classification, and the
// unlock/sanitize branch into the rewriter, all recorded through the
// shared metrics store. Grounded on
// original_source/app/services/unprotector.py's Unprotector.unlock (the
// method this package's FetchAndClean generalizes) and, for its control-flow
// shape, engine/internal/pipeline/pipeline.go's stage-sequenced Process.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/99souls/unlockproxy/internal/autotune"
	"github.com/99souls/unlockproxy/internal/cache"
	"github.com/99souls/unlockproxy/internal/classifier"
	"github.com/99souls/unlockproxy/internal/limiter"
	"github.com/99souls/unlockproxy/internal/logging"
	"github.com/99souls/unlockproxy/internal/models"
	"github.com/99souls/unlockproxy/internal/retry"
	"github.com/99souls/unlockproxy/internal/rewriter"
	"github.com/99souls/unlockproxy/internal/telemetry/metrics"
	"github.com/99souls/unlockproxy/internal/transport"
)

// ImpersonatingTransport is the subset of *transport.Impersonating the
// orchestrator depends on, per spec.md §9's guidance to depend on an
// interface rather than the concrete uTLS-backed type so tests can supply a
// double without standing up real TLS infrastructure.
type ImpersonatingTransport interface {
	transport.Transport
	EvictSession(hostname string)
}

// Resolver is the hostname-resolution step the SSRF check runs against. It
// matches *net.Resolver's LookupIPAddr method so the real resolver and a
// fake one satisfy it interchangeably.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type resolverAdapter struct{ r *net.Resolver }

func (a resolverAdapter) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return a.r.LookupIPAddr(ctx, host)
}

// Orchestrator wires every pipeline component into the single
// FetchAndClean entry point.
type Orchestrator struct {
	Cache        cache.Adapter
	Limiter      *limiter.PriorityLimiter
	Baseline     transport.Transport
	Impersonator ImpersonatingTransport
	Metrics      *metrics.Store
	Tuner        *autotune.Tuner
	Logger       logging.Logger
	Resolver     Resolver

	MaxAttempts              int
	LowConfBlockRetryEnabled bool
	MaxProcessablePageBytes  int64
	MaxParsePageBytes        int64
	SlowFetchThresholdMS     float64

	mu           sync.Mutex
	requestCount int64
}

// NewOrchestrator builds an Orchestrator from the configured dependencies,
// defaulting Resolver to net.DefaultResolver when unset.
func NewOrchestrator(o Orchestrator) *Orchestrator {
	if o.Resolver == nil {
		o.Resolver = resolverAdapter{r: net.DefaultResolver}
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	return &o
}

func cacheKey(rawURL string, unlockMode bool) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%v", rawURL, unlockMode)))
	return "html:" + hex.EncodeToString(sum[:])
}

func (o *Orchestrator) observeStage(stage string, start time.Time) {
	o.Metrics.ObserveMS("unlock_pipeline.stage."+stage, float64(time.Since(start).Milliseconds()))
}

// cacheSet writes through to the cache, timing the call under the
// stage.cache_set latency metric and logging (never surfacing) a failure.
func (o *Orchestrator) cacheSet(ctx context.Context, key, value string, ttl time.Duration) {
	start := time.Now()
	err := o.Cache.Set(ctx, key, value, ttl)
	o.observeStage("cache_set", start)
	if err != nil {
		o.Logger.WarnCtx(ctx, "pipeline: cache write failed", "error", err)
	}
}

// FetchAndClean runs the full spec.md §4.10 algorithm for a single request.
func (o *Orchestrator) FetchAndClean(ctx context.Context, req models.FetchRequest) (*models.FetchOutcome, error) {
	start := time.Now()
	defer o.observeStage("total", start)
	o.Metrics.Inc("unlock_pipeline.request_count", 1)

	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Hostname() == "" {
		return &models.FetchOutcome{
			Success:       false,
			HTML:          invalidURLPlaceholder(),
			OutcomeReason: models.ReasonInvalidURL,
			Provider:      models.ProviderUnknown,
			Confidence:    models.ConfidenceNone,
		}, nil
	}
	hostname := parsed.Hostname()

	ssrfStart := time.Now()
	ssrfErr := checkSSRFWith(ctx, o.Resolver, hostname)
	o.observeStage("ssrf_check", ssrfStart)
	if ssrfErr != nil {
		o.Logger.WarnCtx(ctx, "pipeline: ssrf check refused hostname", "hostname", hostname, "error", ssrfErr)
		return &models.FetchOutcome{
			Success:       false,
			HTML:          ssrfRefusedPlaceholder(hostname),
			OutcomeReason: models.ReasonSSRFRefused,
			Provider:      models.ProviderUnknown,
			Confidence:    models.ConfidenceNone,
		}, nil
	}

	key := cacheKey(req.URL, req.UnlockMode)
	cacheGetStart := time.Now()
	cached, hit, cacheErr := o.Cache.Get(ctx, key)
	o.observeStage("cache_get", cacheGetStart)
	if cacheErr != nil {
		o.Logger.WarnCtx(ctx, "pipeline: cache read failed", "error", cacheErr)
	}
	if cacheErr == nil && hit {
		o.Metrics.Inc("unlock_pipeline.cache_hit_count", 1)
		return &models.FetchOutcome{
			Success:       true,
			HTML:          cached,
			OutcomeReason: models.ReasonOK,
			Provider:      models.ProviderUnknown,
			Confidence:    models.ConfidenceNone,
		}, nil
	}

	permit, waitTime, err := o.Limiter.Acquire(ctx, req.Priority)
	o.Metrics.ObserveMS("unlock_pipeline.queue_wait", float64(waitTime.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("pipeline: acquire limiter slot: %w", err)
	}
	defer permit.Release()

	fetchStart := time.Now()
	resp, attempts, class, transportErr := o.runRetryLoop(ctx, req, hostname)
	fetchElapsedMS := float64(time.Since(fetchStart).Milliseconds())
	o.observeStage("fetch", fetchStart)
	if o.SlowFetchThresholdMS > 0 && fetchElapsedMS >= o.SlowFetchThresholdMS {
		o.Metrics.Inc("unlock_pipeline.slow_fetch_count", 1)
	}

	o.incrementRequestCounterAndMaybeAutotune()

	if transportErr != nil {
		o.Logger.ErrorCtx(ctx, "pipeline: fetch attempts exhausted", logging.PipelineFields(req.URL, string(models.ReasonFetchError), attempts)...)
		var status *int
		if resp != nil {
			s := resp.StatusCode
			status = &s
		}
		return &models.FetchOutcome{
			Success:       false,
			HTML:          fetchErrorPlaceholder(hostname),
			HTTPStatus:    status,
			Attempts:      attempts,
			OutcomeReason: models.ReasonFetchError,
			Provider:      models.ProviderUnknown,
			Confidence:    models.ConfidenceNone,
		}, nil
	}

	status := resp.StatusCode
	bodyLen := int64(len(resp.BodyText))
	if resp.ContentLength > bodyLen {
		bodyLen = resp.ContentLength
	}
	if bodyLen > o.MaxProcessablePageBytes {
		o.Metrics.Inc("unlock_pipeline.page_too_large_count", 1)
		return &models.FetchOutcome{
			Success:       false,
			HTML:          tooLargePlaceholder(hostname),
			HTTPStatus:    &status,
			Attempts:      attempts,
			OutcomeReason: models.ReasonPageTooLarge,
			Provider:      models.ProviderUnknown,
			Confidence:    models.ConfidenceNone,
		}, nil
	}

	if class.IsBlocked {
		o.Metrics.Inc("unlock_pipeline.blocked_count", 1)
		reason := models.BlockedReasonForProvider(class.Provider)
		if req.UseImpersonating {
			blankPlaceholder := blockedPlaceholder(hostname, "")
			o.cacheSet(ctx, key, blankPlaceholder, models.BlockedCacheTTLSeconds*time.Second)
			rayID := ""
			if class.RayID != nil {
				rayID = *class.RayID
			}
			return &models.FetchOutcome{
				Success:       false,
				HTML:          blockedPlaceholder(hostname, rayID),
				HTTPStatus:    &status,
				Attempts:      attempts,
				OutcomeReason: reason,
				Provider:      class.Provider,
				Confidence:    models.ConfidenceHigh,
				Reasons:       class.Reasons,
				RayID:         class.RayID,
			}, nil
		}
		placeholder := upgradeRequiredPlaceholder(hostname)
		o.cacheSet(ctx, key, placeholder, models.BlockedCacheTTLSeconds*time.Second)
		return &models.FetchOutcome{
			Success:       false,
			HTML:          placeholder,
			HTTPStatus:    &status,
			Attempts:      attempts,
			OutcomeReason: reason,
			Provider:      class.Provider,
			Confidence:    models.ConfidenceHigh,
			Reasons:       class.Reasons,
		}, nil
	}
	if class.Confidence == models.ConfidenceLow {
		o.Logger.InfoCtx(ctx, "pipeline: low-confidence suspected block", logging.PipelineFields(req.URL, string(models.ReasonSuspectedLowConf), attempts)...)
	}

	if !req.UnlockMode {
		rewriteStart := time.Now()
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.BodyText))
		var out string
		if err != nil {
			out = resp.BodyText
		} else {
			sanitize(doc, req.URL)
			rendered, rerr := doc.Html()
			if rerr != nil {
				out = resp.BodyText
			} else {
				out = rendered
			}
		}
		o.observeStage("parse_clean_rewrite", rewriteStart)
		o.cacheSet(ctx, key, out, models.SuccessCacheTTLSeconds*time.Second)
		outcomeReason := models.ReasonOK
		if class.Confidence == models.ConfidenceLow {
			outcomeReason = models.ReasonSuspectedLowConf
		}
		return &models.FetchOutcome{
			Success:       true,
			HTML:          out,
			HTTPStatus:    &status,
			Attempts:      attempts,
			OutcomeReason: outcomeReason,
			Provider:      class.Provider,
			Confidence:    class.Confidence,
			Reasons:       class.Reasons,
		}, nil
	}

	if int64(len(resp.BodyText)) > o.MaxParsePageBytes {
		o.Metrics.Inc("unlock_pipeline.parse_skipped_large_body_count", 1)
		placeholder := heavyPagePlaceholder(hostname)
		o.cacheSet(ctx, key, placeholder, models.BlockedCacheTTLSeconds*time.Second)
		return &models.FetchOutcome{
			Success:       false,
			HTML:          placeholder,
			HTTPStatus:    &status,
			Attempts:      attempts,
			OutcomeReason: models.ReasonParseSkippedLargeBody,
			Provider:      class.Provider,
			Confidence:    class.Confidence,
		}, nil
	}

	rewriteStart := time.Now()
	rewritten, err := rewriter.Rewrite(resp.BodyText, req.URL)
	o.observeStage("parse_clean_rewrite", rewriteStart)
	if err != nil {
		o.Logger.ErrorCtx(ctx, "pipeline: rewrite failed", "error", err)
		return &models.FetchOutcome{
			Success:       false,
			HTML:          fetchErrorPlaceholder(hostname),
			HTTPStatus:    &status,
			Attempts:      attempts,
			OutcomeReason: models.ReasonFetchError,
			Provider:      class.Provider,
			Confidence:    class.Confidence,
		}, nil
	}

	o.cacheSet(ctx, key, rewritten, models.SuccessCacheTTLSeconds*time.Second)

	outcomeReason := models.ReasonOK
	if class.Confidence == models.ConfidenceLow {
		outcomeReason = models.ReasonSuspectedLowConf
	}
	return &models.FetchOutcome{
		Success:       true,
		HTML:          rewritten,
		HTTPStatus:    &status,
		Attempts:      attempts,
		OutcomeReason: outcomeReason,
		Provider:      class.Provider,
		Confidence:    class.Confidence,
		Reasons:       class.Reasons,
	}, nil
}

// runRetryLoop implements spec.md §4.7's three-branch retry loop around
// whichever transport req.UseImpersonating selects. Each branch carries its
// own backoff formula, so only the transport-error branch (the one with no
// classifier decision attached) delegates its attempt/backoff bookkeeping to
// retry.CallWithRetries; the two classifier-driven branches stay in this
// loop since evicting a session and inspecting a ClassificationResult have
// no equivalent in the executor's error/status-only retry contract. Every
// branch still draws from, and counts against, the single shared attempt
// ceiling.
//
// It returns the last response observed, the number of attempts made, the
// classifier's verdict on the accepted response, and a non-nil error only if
// every remaining attempt raised a transport error.
func (o *Orchestrator) runRetryLoop(ctx context.Context, req models.FetchRequest, hostname string) (*transport.Response, int, models.ClassificationResult, error) {
	ceiling := o.MaxAttempts
	if o.Tuner != nil {
		if c := o.Tuner.EffectiveRetryCeiling(); c > 0 {
			ceiling = c
		}
	}

	var chosen transport.Transport = o.Baseline
	if req.UseImpersonating && o.Impersonator != nil {
		chosen = o.Impersonator
	}

	tReq := transport.Request{URL: req.URL}

	totalAttempts := 0
	var lastResp *transport.Response
	for {
		policy := retry.Policy{
			MaxAttempts: ceiling - totalAttempts,
			Backoff:     linearBackoff(0.25, 0.3),
		}
		resp, usedThisRound, err := retry.CallWithRetries(ctx, func(ctx context.Context) (retry.Result[*transport.Response], error) {
			r, doErr := chosen.Do(ctx, tReq)
			if doErr != nil {
				return retry.Result[*transport.Response]{}, doErr
			}
			return retry.Result[*transport.Response]{Value: r}, nil
		}, policy, nil)
		if usedThisRound > 1 {
			o.Metrics.Inc("unlock_pipeline.retry_count", int64(usedThisRound-1))
		}
		totalAttempts += usedThisRound
		if err != nil {
			return lastResp, totalAttempts, models.ClassificationResult{}, fmt.Errorf("pipeline: %s: %w", req.URL, err)
		}
		lastResp = resp

		class := classifier.Classify(resp.StatusCode, resp.ResponseHeaders, resp.BodyText, hostname)

		if class.IsBlocked && class.Confidence == models.ConfidenceHigh && req.UseImpersonating && o.Impersonator != nil && totalAttempts < ceiling {
			o.Impersonator.EvictSession(hostname)
			o.Metrics.Inc("unlock_pipeline.retry_count", 1)
			delay := time.Duration(0.75*float64(totalAttempts)*float64(time.Second)) + jitter(0.35)
			if err := sleepCtx(ctx, delay); err != nil {
				return resp, totalAttempts, class, nil
			}
			continue
		}
		if class.Confidence == models.ConfidenceLow && o.LowConfBlockRetryEnabled && totalAttempts < ceiling {
			o.Metrics.Inc("unlock_pipeline.retry_count", 1)
			delay := time.Duration(0.25*float64(totalAttempts)*float64(time.Second)) + jitter(0.3)
			if err := sleepCtx(ctx, delay); err != nil {
				return resp, totalAttempts, class, nil
			}
			continue
		}
		return resp, totalAttempts, class, nil
	}
}

// linearBackoff reproduces spec.md §4.7's per-attempt formula
// (perAttemptSeconds*attempt + uniform(0, jitterSeconds)) as a
// retry.Policy.Backoff function, for the branch whose shape isn't the
// executor's default exponential one.
func linearBackoff(perAttemptSeconds, jitterSeconds float64) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(perAttemptSeconds*float64(attempt)*float64(time.Second)) + jitter(jitterSeconds)
	}
}

func (o *Orchestrator) incrementRequestCounterAndMaybeAutotune() {
	o.mu.Lock()
	o.requestCount++
	n := o.requestCount
	o.mu.Unlock()
	if o.Tuner != nil {
		o.Tuner.Tick(n)
	}
}

func jitter(maxSeconds float64) time.Duration {
	return time.Duration(rand.Float64() * maxSeconds * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func checkSSRFWith(ctx context.Context, r Resolver, hostname string) error {
	addrs, err := r.LookupIPAddr(ctx, hostname)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return errNoAddresses
	}
	for _, a := range addrs {
		if isRefusedAddr(a.IP) {
			return errSSRFAddr(a.IP.String())
		}
	}
	return nil
}
