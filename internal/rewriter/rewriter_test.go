package rewriter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewrite_RebasesRelativeURLs(t *testing.T) {
	raw := `<html><head></head><body><img src="/logo.png"><a href="/about">About</a></body></html>`
	out, err := Rewrite(raw, "https://example.com/page")
	require.NoError(t, err)
	assert.Contains(t, out, `src="https://example.com/logo.png"`)
	assert.Contains(t, out, `href="https://example.com/about"`)
}

func TestRewrite_DropsJavascriptAndFragmentHrefs(t *testing.T) {
	raw := `<html><body><a href="javascript:void(0)">x</a><a href="#top">y</a></body></html>`
	out, err := Rewrite(raw, "https://example.com/")
	require.NoError(t, err)
	assert.NotContains(t, out, "javascript:void(0)")
}

func TestRewrite_PromotesLazyImageSrc(t *testing.T) {
	raw := `<html><body><img data-src="/lazy.png"></body></html>`
	out, err := Rewrite(raw, "https://example.com/")
	require.NoError(t, err)
	assert.Contains(t, out, `src="https://example.com/lazy.png"`)
}

func TestRewrite_StripsIntegrityAndCrossorigin(t *testing.T) {
	raw := `<html><body><script src="https://cdn.example.com/x.js" integrity="sha384-abc" crossorigin="anonymous"></script></body></html>`
	out, err := Rewrite(raw, "https://example.com/")
	require.NoError(t, err)
	assert.NotContains(t, out, "integrity=")
	assert.NotContains(t, out, "crossorigin=")
}

func TestRewrite_RemovesFontCDNLinkAndInjectsOverride(t *testing.T) {
	raw := `<html><head><link rel="stylesheet" href="https://fonts.googleapis.com/css?family=Roboto"></head><body></body></html>`
	out, err := Rewrite(raw, "https://example.com/")
	require.NoError(t, err)
	assert.NotContains(t, out, "fonts.googleapis.com")
	assert.Contains(t, out, "unlocker-font-override")
}

func TestRewrite_StripsFontFaceBlocksFromInlineStyle(t *testing.T) {
	raw := `<html><head><style>@font-face{font-family:"X";src:url(a.woff2);} body{color:red;}</style></head><body></body></html>`
	out, err := Rewrite(raw, "https://example.com/")
	require.NoError(t, err)
	assert.NotContains(t, out, "@font-face")
	assert.Contains(t, out, "color:red")
}

func TestRewrite_RemovesAntiCopyScriptAndAttributes(t *testing.T) {
	raw := `<html><body oncontextmenu="return false" onmousedown="return false"><script>document.oncopy = function(e){ return false }</script><p>text</p></body></html>`
	out, err := Rewrite(raw, "https://example.com/")
	require.NoError(t, err)
	assert.NotContains(t, out, "oncontextmenu")
	assert.NotContains(t, out, "document.oncopy")
}

func TestRewrite_InjectsBannerAndScriptBeforeBodyClose(t *testing.T) {
	raw := `<html><body><p>content</p></body></html>`
	out, err := Rewrite(raw, "https://example.com/")
	require.NoError(t, err)
	bannerIdx := strings.Index(out, "unlocked")
	bodyCloseIdx := strings.Index(out, "</body>")
	require.NotEqual(t, -1, bannerIdx)
	require.NotEqual(t, -1, bodyCloseIdx)
	assert.Less(t, bannerIdx, bodyCloseIdx)
}

func TestRewrite_PreservesOriginalDoctype(t *testing.T) {
	raw := `<!DOCTYPE html><html><body><p>hi</p></body></html>`
	out, err := Rewrite(raw, "https://example.com/")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "<!doctype"))
}

func TestLooksTruncated_DetectsMissingBodyTag(t *testing.T) {
	assert.True(t, looksTruncated("<html><head></head><body>content</body></html>", "<html><head></head></html>"))
}

func TestLooksTruncated_DetectsShrunkOutput(t *testing.T) {
	original := strings.Repeat("x", 1000)
	parsed := strings.Repeat("x", 100)
	assert.True(t, looksTruncated(original, parsed))
}

func TestLooksTruncated_AcceptsSimilarLength(t *testing.T) {
	original := "<html><head></head><body>hello world</body></html>"
	parsed := "<html><head></head><body>hello world</body></html>"
	assert.False(t, looksTruncated(original, parsed))
}

func TestSafeResolve_RejectsDangerousSchemes(t *testing.T) {
	for _, v := range []string{"javascript:alert(1)", "data:text/html,x", "mailto:a@b.com", "tel:123", "blob:abc", "#frag", ":", "about:blank"} {
		_, ok := safeResolve("https://example.com/", v)
		assert.False(t, ok, "expected %q to be rejected", v)
	}
}

func TestSafeResolve_AllowsRelativePath(t *testing.T) {
	resolved, ok := safeResolve("https://example.com/dir/page.html", "../other.html")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/other.html", resolved)
}
