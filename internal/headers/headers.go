// Package headers implements the Header Synthesizer: a pure function from
// an optional user-agent and referer to a header bag matching a real
// browser's request headers, grounded on
// firasghr-GoSessionEngine/client/ordered_header.go's OrderedHeader (which
// writes directly into http.Request.Header's map to bypass
// http.CanonicalHeaderKey and preserve exact wire casing/order) and its
// ChromeOrderedHeaders set.
package headers

import (
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// OrderedHeader preserves insertion order and exact key casing, so it can be
// written onto an *http.Request without Go's header canonicalization
// reordering or re-casing the wire representation.
type OrderedHeader struct {
	entries []headerEntry
}

type headerEntry struct {
	key   string
	value string
}

// Set adds or replaces a header, deduping by canonical key while preserving
// the first-seen casing.
func (h *OrderedHeader) Set(key, value string) {
	ck := http.CanonicalHeaderKey(key)
	for i, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) == ck {
			h.entries[i].value = value
			return
		}
	}
	h.entries = append(h.entries, headerEntry{key: key, value: value})
}

// ApplyToRequest writes every header directly into req.Header's map,
// bypassing http.CanonicalHeaderKey so the wire casing and order this type
// was built with survive onto the request.
func (h *OrderedHeader) ApplyToRequest(req *http.Request) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for _, e := range h.entries {
		req.Header[e.key] = []string{e.value}
	}
}

// ApplyToHeader writes every header directly into an existing http.Header
// map (e.g. a colly Request's Headers field), bypassing canonicalization the
// same way ApplyToRequest does.
func (h *OrderedHeader) ApplyToHeader(hdr *http.Header) {
	if *hdr == nil {
		*hdr = make(http.Header)
	}
	for _, e := range h.entries {
		(*hdr)[e.key] = []string{e.value}
	}
}

// ToHTTPHeader returns a canonicalized http.Header copy, for callers that
// don't need wire-order preservation (e.g. the baseline transport, which
// goes through net/http's own canonicalizing Header type anyway).
func (h *OrderedHeader) ToHTTPHeader() http.Header {
	out := make(http.Header, len(h.entries))
	for _, e := range h.entries {
		out.Set(e.key, e.value)
	}
	return out
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"en-US,en;q=0.8,fr;q=0.6",
	"en-CA,en;q=0.9,fr-CA;q=0.7",
}

var secMu sync.Mutex
var secRand = rand.New(rand.NewSource(2))

func randomAcceptLanguage() string {
	secMu.Lock()
	defer secMu.Unlock()
	return acceptLanguages[secRand.Intn(len(acceptLanguages))]
}

// userAgentPoolMu guards the optional UA pool a hot-reloaded policy file can
// install (config.Policy's user_agents list), consulted by the transport
// layer whenever a caller doesn't pin a specific UA.
var userAgentPoolMu sync.RWMutex
var userAgentPool []string

// SetUserAgentPool installs (or clears, with nil/empty) the UA pool a policy
// reload supplies.
func SetUserAgentPool(pool []string) {
	userAgentPoolMu.Lock()
	defer userAgentPoolMu.Unlock()
	userAgentPool = append([]string(nil), pool...)
}

// RandomUserAgent returns a random entry from the configured UA pool, or
// fallback if no pool is installed.
func RandomUserAgent(fallback string) string {
	userAgentPoolMu.RLock()
	pool := userAgentPool
	userAgentPoolMu.RUnlock()
	if len(pool) == 0 {
		return fallback
	}
	secMu.Lock()
	defer secMu.Unlock()
	return pool[secRand.Intn(len(pool))]
}

var chromiumUARE = regexp.MustCompile(`(?i)(Chrome|Chromium|Edg)/(\d+)`)

// Synthesize builds the header bag described in spec.md §4.6: Accept,
// Accept-Language (randomized from a closed set), Accept-Encoding,
// Upgrade-Insecure-Requests, DNT, and, for browser mode, Sec-Fetch-* plus
// the Sec-CH-UA triple when the UA looks Chromium-derived.
func Synthesize(userAgent, referer string, browserMode bool) *OrderedHeader {
	h := &OrderedHeader{}

	if brand, version, isChromium := sniffChromium(userAgent); browserMode && isChromium {
		h.Set("sec-ch-ua", chromeUABrands(brand, version))
		h.Set("sec-ch-ua-mobile", "?0")
		h.Set("sec-ch-ua-platform", `"Windows"`)
	}
	h.Set("Upgrade-Insecure-Requests", "1")
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	if browserMode {
		h.Set("sec-fetch-site", siteForReferer(referer))
		h.Set("sec-fetch-mode", "navigate")
		h.Set("sec-fetch-user", "?1")
		h.Set("sec-fetch-dest", "document")
	}
	h.Set("accept-encoding", "gzip, deflate, br")
	h.Set("accept-language", randomAcceptLanguage())
	h.Set("DNT", "1")
	if referer != "" {
		h.Set("Referer", referer)
	}
	return h
}

func siteForReferer(referer string) string {
	if referer == "" {
		return "none"
	}
	return "same-origin"
}

func sniffChromium(userAgent string) (brand string, version string, ok bool) {
	m := chromiumUARE.FindStringSubmatch(userAgent)
	if m == nil {
		return "", "", false
	}
	brand = m[1]
	if strings.EqualFold(brand, "Edg") {
		brand = "Microsoft Edge"
	} else {
		brand = "Google Chrome"
	}
	return brand, m[2], true
}

func chromeUABrands(brand, version string) string {
	return `"Not.A/Brand";v="8", "Chromium";v="` + version + `", "` + brand + `";v="` + version + `"`
}
