package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/99souls/unlockproxy/internal/headers"
	"github.com/99souls/unlockproxy/internal/sessionpool"
)

// Impersonating issues requests through a pooled, per-hostname *http.Client
// whose transport dials TLS via uTLS (see utlsdialer.go), so the wire-level
// fingerprint, cookie jar, and connection pool persist across calls for the
// same hostname the way a real browser session would. Grounded on
// firasghr-GoSessionEngine/client/client.go's NewHTTPClient (cookie jar,
// transport pool sizing) combined with its tls_dialer.go.
type Impersonating struct {
	pool         *sessionpool.Pool
	timeouts     Timeouts
	maxBodyBytes int64
	userAgent    string
}

// NewImpersonating constructs an Impersonating transport backed by a session
// pool of the given capacity. userAgent is the UA string synthesized
// sessions present; it must match the HelloID's real browser version for the
// fingerprint to be internally consistent.
func NewImpersonating(poolCapacity int, t Timeouts, maxBodyBytes int64, userAgent string) *Impersonating {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	if userAgent == "" {
		userAgent = headers.RandomUserAgent(defaultUserAgent)
	}
	im := &Impersonating{timeouts: t, maxBodyBytes: maxBodyBytes, userAgent: userAgent}
	im.pool = sessionpool.New(poolCapacity, im.newSession)
	return im
}

func (im *Impersonating) newSession(hostname string) (*sessionpool.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("transport: impersonating session %s: create cookie jar: %w", hostname, err)
	}

	rt := &http.Transport{
		DialTLSContext:        newUTLSDialer(defaultHelloID),
		DisableKeepAlives:     false,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   im.timeouts.Connect,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Transport: rt,
		Jar:       jar,
		Timeout:   im.timeouts.Connect + im.timeouts.Read,
	}

	h := headers.Synthesize(im.userAgent, "", true)
	return &sessionpool.Session{Hostname: hostname, Client: client, DefaultHeaders: h.ToHTTPHeader()}, nil
}

// Do fetches req.URL through the hostname's pooled session. Unlike Baseline,
// it never errors on an HTTP-level response (even 403/503 pages are
// returned for the classifier to inspect); it errors only on transport
// failure (DNS, TLS handshake, timeout, connection refused).
func (im *Impersonating) Do(ctx context.Context, req Request) (*Response, error) {
	hostname, err := ExtractHostname(req.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: impersonating parse %s: %w", req.URL, err)
	}
	sess, err := im.pool.Get(hostname)
	if err != nil {
		return nil, fmt.Errorf("transport: impersonating session for %s: %w", hostname, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: impersonating build request %s: %w", req.URL, err)
	}
	httpReq.Header = sess.DefaultHeaders.Clone()
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}

	resp, err := sess.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: impersonating fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, im.maxBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("transport: impersonating body read %s: %w", req.URL, err)
	}

	body, ct, err := decodeBody(raw, resp.Header.Get("Content-Encoding"), resp.Header.Get("Content-Type"), im.maxBodyBytes)
	if err != nil {
		return nil, err
	}

	return &Response{
		BodyText:        body,
		StatusCode:      resp.StatusCode,
		ResponseHeaders: resp.Header,
		ContentType:     ct,
		ContentLength:   int64(len(body)),
		FinalURL:        resp.Request.URL.String(),
		Method:          http.MethodGet,
	}, nil
}

// EvictSession forces the hostname's session out of the pool, so the next
// call opens a fresh TLS session and cookie jar. Used after a high-confidence
// block per spec.md §4.7 step 2.
func (im *Impersonating) EvictSession(hostname string) {
	im.pool.Evict(hostname)
}
