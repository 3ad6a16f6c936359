// Package classifier implements the Block Classifier: deciding whether a
// fetched response is a genuine page or a bot-challenge/WAF block page, and
// at what confidence. Grounded verbatim on
// original_source/app/services/unprotector.py's classify_blocked_response,
// _detect_provider, and extract_ray_id, reworked into Go's explicit-struct,
// ordered-rule idiom the way the teacher's 99souls-ariadne policy checks
// (engine/internal/policy) are written.
package classifier

import (
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/99souls/unlockproxy/internal/models"
)

// strongMarkers are high-confidence challenge-page substrings: any one hit
// marks the response blocked outright.
var strongMarkers = map[string]string{
	"cf_challenge_path":      "/cdn-cgi/",
	"cf_chl_marker":          "cf-chl-",
	"cf_turnstile":           "cf-turnstile",
	"cf_just_a_moment":       "just a moment",
	"cf_checking_browser":    "checking your browser before accessing",
	"cf_attention_required":  "attention required",
	"challenge_platform":     "challenge-platform",
}

// weakMarkers are ambiguous substrings that, combined with a 200 status,
// only raise a low-confidence suspicion — never an outright block.
var weakMarkers = map[string]string{
	"generic_enable_js":       "enable javascript",
	"generic_enable_cookies":  "enable cookies",
	"generic_access_denied":   "access denied",
	"generic_verify_human":    "verify you are human",
	"generic_captcha":         "captcha",
}

var rayIDPattern = regexp.MustCompile(`(?i)ray id[:\s#]*([a-f0-9]{8,})`)

// markerMu guards the effective marker maps Classify reads. Classify never
// mutates a map in place, only swaps the reference, so a reader that grabs
// the current reference under RLock can range over it lock-free afterward.
var markerMu sync.RWMutex
var effectiveStrongMarkers = cloneMarkers(strongMarkers)
var effectiveWeakMarkers = cloneMarkers(weakMarkers)

func cloneMarkers(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SetMarkerOverrides merges a hot-reloaded policy file's strong/weak marker
// lists on top of the built-in defaults (policy entries win on key
// collision; the built-ins are never removed). Passing nil maps restores the
// defaults.
func SetMarkerOverrides(strongExtra, weakExtra map[string]string) {
	mergedStrong := cloneMarkers(strongMarkers)
	for k, v := range strongExtra {
		mergedStrong[k] = v
	}
	mergedWeak := cloneMarkers(weakMarkers)
	for k, v := range weakExtra {
		mergedWeak[k] = v
	}
	markerMu.Lock()
	effectiveStrongMarkers = mergedStrong
	effectiveWeakMarkers = mergedWeak
	markerMu.Unlock()
}

func currentMarkers() (strong, weak map[string]string) {
	markerMu.RLock()
	defer markerMu.RUnlock()
	return effectiveStrongMarkers, effectiveWeakMarkers
}

// Classify implements spec.md §4.8's ordered decision rules:
//  1. status in {401,403,429,503} AND provider is a known WAF -> blocked, high
//  2. any strong marker present in the body -> blocked, high
//  3. status == 200 AND any weak marker present -> not blocked, low confidence
//  4. otherwise -> not blocked, no confidence signal
func Classify(status int, headers http.Header, body, hostname string) models.ClassificationResult {
	provider := detectProvider(headers)
	haystack := strings.ToLower(body)
	strongMarkers, weakMarkers := currentMarkers()

	var reasons []string
	var strongHits []string
	for reason, marker := range strongMarkers {
		if strings.Contains(haystack, marker) {
			strongHits = append(strongHits, reason)
		}
	}
	reasons = append(reasons, sortedCopy(strongHits)...)

	wafProvider := provider == models.ProviderCloudflare || provider == models.ProviderAkamai || provider == models.ProviderPerimeterX
	if isWAFStatus(status) && wafProvider {
		reasons = append(reasons, "status_"+statusReasonSuffix(status, provider))
		return finish(true, models.ConfidenceHigh, reasons, provider, hostname, headers, body)
	}

	if len(strongHits) > 0 {
		reasons = append(reasons, "strong_challenge_marker")
		return finish(true, models.ConfidenceHigh, reasons, provider, hostname, headers, body)
	}

	var weakHits []string
	for reason, marker := range weakMarkers {
		if strings.Contains(haystack, marker) {
			weakHits = append(weakHits, reason)
		}
	}
	if status == http.StatusOK && len(weakHits) > 0 {
		reasons = append(reasons, sortedCopy(weakHits)...)
		reasons = append(reasons, "keyword_only_low_conf")
		return finish(false, models.ConfidenceLow, reasons, provider, hostname, headers, body)
	}

	return finish(false, models.ConfidenceNone, reasons, provider, hostname, headers, body)
}

func finish(blocked bool, conf models.Confidence, reasons []string, provider models.Provider, hostname string, headers http.Header, body string) models.ClassificationResult {
	result := models.ClassificationResult{
		IsBlocked:  blocked,
		Confidence: conf,
		Reasons:    reasons,
		Provider:   provider,
		Hostname:   hostname,
	}
	if rayID := rayIDFromHeaders(headers); rayID != "" {
		result.RayID = &rayID
	} else if rayID := extractRayID(body); rayID != "" {
		result.RayID = &rayID
	}
	return result
}

func isWAFStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

func statusReasonSuffix(status int, provider models.Provider) string {
	return intToString(status) + "_" + string(provider)
}

func intToString(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// detectProvider mirrors _detect_provider's header-sniffing order exactly:
// Cloudflare is checked first (Server contains "cloudflare", or a CF-RAY /
// CF-Cache-Status header is present), then Litespeed, then Akamai, then
// PerimeterX, falling back to unknown.
func detectProvider(headers http.Header) models.Provider {
	server := strings.ToLower(headers.Get("Server"))
	if strings.Contains(server, "cloudflare") || headers.Get("CF-RAY") != "" || headers.Get("CF-Cache-Status") != "" {
		return models.ProviderCloudflare
	}
	if strings.Contains(server, "litespeed") {
		return models.ProviderLitespeed
	}
	if strings.Contains(server, "akamai") || strings.Contains(strings.ToLower(headers.Get("X-Akamai-Transformed")), "akamai") {
		return models.ProviderAkamai
	}
	if strings.Contains(server, "perimeterx") || hasHeaderPrefix(headers, "X-Px") {
		return models.ProviderPerimeterX
	}
	return models.ProviderUnknown
}

func hasHeaderPrefix(headers http.Header, prefix string) bool {
	prefix = strings.ToLower(prefix)
	for key := range headers {
		if strings.HasPrefix(strings.ToLower(key), prefix) {
			return true
		}
	}
	return false
}

func rayIDFromHeaders(headers http.Header) string {
	return strings.TrimSpace(headers.Get("CF-RAY"))
}

func extractRayID(body string) string {
	m := rayIDPattern.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return m[1]
}

// sortedCopy returns a stable-ordered copy of hits; Go map iteration order is
// randomized, but reasons should read deterministically in logs and tests.
func sortedCopy(hits []string) []string {
	out := make([]string, len(hits))
	copy(out, hits)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
