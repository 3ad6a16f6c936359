package classifier

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/unlockproxy/internal/models"
)

func TestClassify_HighConfidenceCloudflareChallenge(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "cloudflare")
	h.Set("CF-RAY", "7f3a9c8e1b2d0001-SJC")
	body := "<html><body>Checking your browser before accessing example.com. Ray ID: 7f3a9c8e1b2d0001</body></html>"

	result := Classify(http.StatusForbidden, h, body, "example.com")

	assert.True(t, result.IsBlocked)
	assert.Equal(t, models.ConfidenceHigh, result.Confidence)
	assert.Equal(t, models.ProviderCloudflare, result.Provider)
	require.NotNil(t, result.RayID)
	assert.Equal(t, "7f3a9c8e1b2d0001-SJC", *result.RayID)
	assert.NoError(t, result.Validate())
}

func TestClassify_StrongMarkerWithoutWAFStatus(t *testing.T) {
	h := http.Header{}
	body := "<html><body>just a moment... cf-chl-bypass</body></html>"

	result := Classify(http.StatusOK, h, body, "example.com")

	assert.True(t, result.IsBlocked)
	assert.Equal(t, models.ConfidenceHigh, result.Confidence)
	assert.Contains(t, result.Reasons, "strong_challenge_marker")
}

func TestClassify_LowConfidenceKeywordHit(t *testing.T) {
	h := http.Header{}
	body := "<html><body>Please enable javascript to continue browsing our site.</body></html>"

	result := Classify(http.StatusOK, h, body, "example.com")

	assert.False(t, result.IsBlocked)
	assert.Equal(t, models.ConfidenceLow, result.Confidence)
	assert.Contains(t, result.Reasons, "generic_enable_js")
	assert.Contains(t, result.Reasons, "keyword_only_low_conf")
	assert.NoError(t, result.Validate())
}

func TestClassify_LowConfidenceKeywordAtNon200IsNotBlocked(t *testing.T) {
	h := http.Header{}
	body := "<html><body>captcha required</body></html>"

	result := Classify(http.StatusInternalServerError, h, body, "example.com")

	assert.False(t, result.IsBlocked)
	assert.Equal(t, models.ConfidenceNone, result.Confidence)
}

func TestClassify_CleanPageIsNoConfidence(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "nginx")
	body := "<html><body>Welcome to our totally normal website.</body></html>"

	result := Classify(http.StatusOK, h, body, "example.com")

	assert.False(t, result.IsBlocked)
	assert.Equal(t, models.ConfidenceNone, result.Confidence)
	assert.Equal(t, models.ProviderUnknown, result.Provider)
	assert.Nil(t, result.RayID)
}

func TestClassify_WAFStatusWithKnownProviderIsHighConfidence(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "AkamaiGHost")
	body := "<html><body>Access Denied</body></html>"

	result := Classify(http.StatusForbidden, h, body, "example.com")

	assert.True(t, result.IsBlocked)
	assert.Equal(t, models.ConfidenceHigh, result.Confidence)
	assert.Equal(t, models.ProviderAkamai, result.Provider)
}

func TestClassify_PerimeterXHeaderPrefixDetected(t *testing.T) {
	h := http.Header{}
	h.Set("X-Px-Block-Reason", "1")
	body := "<html><body>verify you are human</body></html>"

	result := Classify(http.StatusForbidden, h, body, "example.com")

	assert.Equal(t, models.ProviderPerimeterX, result.Provider)
	assert.True(t, result.IsBlocked)
}

func TestClassify_RayIDFromBodyWhenHeaderAbsent(t *testing.T) {
	h := http.Header{}
	body := "<html><body>cf-turnstile challenge. Ray ID: abcdef123456</body></html>"

	result := Classify(http.StatusOK, h, body, "example.com")

	require.NotNil(t, result.RayID)
	assert.Equal(t, "abcdef123456", *result.RayID)
}
