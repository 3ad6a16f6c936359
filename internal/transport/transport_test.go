package transport

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseline_FetchesPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	b := NewBaseline(DefaultTimeouts(), 0)
	resp, err := b.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.BodyText, "hello")
}

func TestBaseline_DecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("<html><body>compressed</body></html>"))
		_ = gz.Close()
	}))
	defer srv.Close()

	b := NewBaseline(DefaultTimeouts(), 0)
	resp, err := b.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Contains(t, resp.BodyText, "compressed")
}

func TestBaseline_CapturesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("blocked"))
	}))
	defer srv.Close()

	b := NewBaseline(DefaultTimeouts(), 0)
	resp, err := b.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, resp.BodyText, "blocked")
}

func TestExtractHostname(t *testing.T) {
	h, err := ExtractHostname("https://Example.COM/path?q=1")
	require.NoError(t, err)
	assert.Equal(t, "example.com", h)
}

func TestDecodeBody_MalformedUTF8DoesNotFail(t *testing.T) {
	raw := []byte{0x68, 0x69, 0xff, 0xfe, 0x21}
	text, _, err := decodeBody(raw, "", "text/plain", 1024)
	require.NoError(t, err)
	assert.Contains(t, text, "hi")
}

func TestDecodeBody_RespectsSizeCap(t *testing.T) {
	raw := make([]byte, 100)
	for i := range raw {
		raw[i] = 'a'
	}
	text, _, err := decodeBody(raw, "", "text/plain", 10)
	require.NoError(t, err)
	assert.Len(t, text, 11) // capped read is maxBodyBytes+1; caller enforces the hard cap
}

func TestDefaultTimeouts(t *testing.T) {
	dt := DefaultTimeouts()
	assert.Equal(t, 5*time.Second, dt.Connect)
	assert.Equal(t, 15*time.Second, dt.Read)
}
