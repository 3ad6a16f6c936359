package pipeline

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/99souls/unlockproxy/internal/rewriter"
)

var disallowedAttrPrefixes = []string{"on"}

var allowedURLAttrs = map[string]bool{"href": true, "src": true}

// sanitize strips script/form/iframe elements and event-handler attributes
// from doc, for the non-unlock read-only display path (unlock_mode=false).
// It reuses the rewrite pipeline's scheme-rejection and base-URL resolution
// rules for any href/src it keeps.
func sanitize(doc *goquery.Document, baseURL string) {
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		if node == nil {
			return
		}
		tag := strings.ToLower(node.Data)
		if tag == "script" || tag == "noscript" || tag == "form" || tag == "iframe" ||
			tag == "object" || tag == "embed" || tag == "applet" {
			s.Remove()
			return
		}
		stripDisallowedAttrs(s, baseURL)
	})
}

func stripDisallowedAttrs(s *goquery.Selection, baseURL string) {
	node := s.Get(0)
	if node == nil {
		return
	}
	kept := node.Attr[:0]
	for _, attr := range node.Attr {
		name := strings.ToLower(attr.Key)
		if hasDisallowedPrefix(name) {
			continue
		}
		if allowedURLAttrs[name] {
			resolved, ok := rewriter.ResolveAttr(baseURL, attr.Val)
			if !ok {
				continue
			}
			attr.Val = resolved
		}
		kept = append(kept, attr)
	}
	node.Attr = kept
}

func hasDisallowedPrefix(name string) bool {
	for _, p := range disallowedAttrPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
