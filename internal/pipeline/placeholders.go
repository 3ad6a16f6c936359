package pipeline

import (
	"fmt"
	"html"
)

// Placeholder HTML bodies returned in place of the real page for outcomes
// that never produce a rewritten document. Each is a simple template with a
// slot for the hostname and, where applicable, an optional ray-id line.

func rayIDBlock(rayID string) string {
	if rayID == "" {
		return ""
	}
	return fmt.Sprintf(`<p class="unlock-ray-id">Reference: %s</p>`, html.EscapeString(rayID))
}

func blockedPlaceholder(hostname, rayID string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Access blocked</title></head>
<body>
<h1>This page could not be unlocked</h1>
<p>%s appears to be blocking automated access.</p>
%s
</body></html>`, html.EscapeString(hostname), rayIDBlock(rayID))
}

func upgradeRequiredPlaceholder(hostname string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Upgrade required</title></head>
<body>
<h1>Stronger fetch mode required</h1>
<p>%s requires impersonated-browser fetching, which this caller did not request.</p>
</body></html>`, html.EscapeString(hostname))
}

func tooLargePlaceholder(hostname string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Page too large</title></head>
<body>
<h1>This page is too large to process</h1>
<p>%s returned a document larger than the configured processing limit.</p>
</body></html>`, html.EscapeString(hostname))
}

func heavyPagePlaceholder(hostname string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Page too complex</title></head>
<body>
<h1>This page is too complex to rewrite</h1>
<p>%s returned a document too large to parse safely.</p>
</body></html>`, html.EscapeString(hostname))
}

func fetchErrorPlaceholder(hostname string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Fetch failed</title></head>
<body>
<h1>Unable to reach this page</h1>
<p>%s could not be fetched after repeated attempts.</p>
</body></html>`, html.EscapeString(hostname))
}

func invalidURLPlaceholder() string {
	return `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Invalid URL</title></head>
<body>
<h1>This URL could not be processed</h1>
<p>The requested address is not a valid http(s) URL.</p>
</body></html>`
}

func ssrfRefusedPlaceholder(hostname string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Address refused</title></head>
<body>
<h1>This address cannot be fetched</h1>
<p>%s resolves to an address this service will not contact.</p>
</body></html>`, html.EscapeString(hostname))
}
