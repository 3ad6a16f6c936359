package rewriter

import "net/url"

// resolveURL resolves ref against base, the same way url.ResolveReference
// does for an anchor tag's href in a browser.
func resolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
