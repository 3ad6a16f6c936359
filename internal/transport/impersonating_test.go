package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/unlockproxy/internal/headers"
	"github.com/99souls/unlockproxy/internal/sessionpool"
)

// testImpersonating builds an Impersonating transport whose session factory
// points a plain (non-TLS) *http.Client at srv, so Do()'s request-building,
// header-merge, and body-decode logic can be exercised without dialing real
// TLS. The uTLS dialer itself (utlsdialer.go) is a thin pass-through over a
// well-tested third-party library and is not re-verified here.
func testImpersonating(srv *httptest.Server) *Impersonating {
	im := &Impersonating{timeouts: DefaultTimeouts(), maxBodyBytes: defaultMaxBodyBytes, userAgent: defaultUserAgent}
	im.pool = sessionpool.New(4, func(hostname string) (*sessionpool.Session, error) {
		h := headers.Synthesize(defaultUserAgent, "", true)
		return &sessionpool.Session{
			Hostname:       hostname,
			Client:         srv.Client(),
			DefaultHeaders: h.ToHTTPHeader(),
		}, nil
	})
	return im
}

func TestImpersonating_FetchesThroughPooledSession(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("impersonated"))
	}))
	defer srv.Close()

	im := testImpersonating(srv)
	resp, err := im.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.BodyText, "impersonated")
	assert.Equal(t, defaultUserAgent, gotUA)
}

func TestImpersonating_ReusesSessionAcrossCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	im := testImpersonating(srv)
	hostname, _ := ExtractHostname(srv.URL)
	_, err := im.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	s1, _ := im.pool.Get(hostname)
	_, err = im.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	s2, _ := im.pool.Get(hostname)
	assert.Same(t, s1, s2)
}

func TestImpersonating_EvictSessionForcesNewSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	im := testImpersonating(srv)
	hostname, _ := ExtractHostname(srv.URL)
	_, err := im.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	s1, _ := im.pool.Get(hostname)

	im.EvictSession(hostname)
	s2, _ := im.pool.Get(hostname)
	assert.NotSame(t, s1, s2)
}

func TestImpersonating_ReturnsBlockStatusWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("just a moment"))
	}))
	defer srv.Close()

	im := testImpersonating(srv)
	resp, err := im.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, resp.BodyText, "just a moment")
}
