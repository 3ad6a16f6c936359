// Package rewriter implements the HTML Rewriter: the eight-step transform
// sequence from spec.md §4.9 that makes a fetched page safe to display
// (URL rebasing, lazy-image promotion, integrity relaxation, font
// neutralization, anti-copy cleanup, banner+script injection). Primary
// parsing is goquery, grounded on
// engine/internal/processor/processor.go's ExtractContent/ConvertRelativeURLs
// (goquery.NewDocumentFromReader, doc.Find, doc.Html); the fallback parser is
// antchfx/htmlquery, invoked only when the primary output looks visibly
// truncated relative to the input.
package rewriter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// truncationRatioFloor is the minimum parsed/original length ratio below
// which the primary parser's output is considered visibly truncated and the
// fallback parser is tried instead.
const truncationRatioFloor = 0.70

var fontOverrideStyle = `<style id="unlocker-font-override">html,body,*{font-family:system-ui,-apple-system,"Segoe UI",Roboto,"Helvetica Neue",Arial,"Noto Sans","Liberation Sans",sans-serif !important;}</style>`

const unlockClientScript = `console.log("page unlocked");`

const bannerHTML = `<div style="background:linear-gradient(90deg,#34d399,#22c55e);color:#fff;padding:12px;text-align:center;font-family:sans-serif;font-size:14px;font-weight:500;border-bottom:1px solid #16a34a;box-shadow:0 2px 4px rgba(0,0,0,0.1);">This page has been unlocked. You can now freely copy and select text.</div>`

var preRegexPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)document\.(oncopy|oncut|oncontextmenu|onselectstart)\s*=\s*function\s*\([^)]*\)\s*\{[^}]*\}`),
	regexp.MustCompile(`(?i)window\.(oncopy|oncut|oncontextmenu|onselectstart)\s*=\s*function\s*\([^)]*\)\s*\{[^}]*\}`),
	regexp.MustCompile(`(?i)on(copy|cut|contextmenu|selectstart|mousedown)="[^"]*"`),
}

var restrictiveEventAttrs = map[string]bool{
	"oncopy": true, "oncut": true, "oncontextmenu": true, "onselectstart": true, "onmousedown": true,
}

var integrityAttrs = []string{"integrity", "crossorigin", "referrerpolicy"}

var rebaseTargets = []struct{ tag, attr string }{
	{"link", "href"}, {"script", "src"}, {"img", "src"}, {"iframe", "src"},
	{"audio", "src"}, {"video", "src"}, {"source", "src"}, {"a", "href"}, {"form", "action"},
}

var fontExtensionRE = regexp.MustCompile(`(?i)\.(woff2?|ttf|otf)(\?.*)?$`)
var fontFaceBlockRE = regexp.MustCompile(`(?is)@font-face\s*\{.*?\}`)
var doctypeRE = regexp.MustCompile(`(?i)<!doctype[^>]*>`)

// fontCDNMu guards a policy-supplied list of extra font-CDN hostnames
// (config.Policy's font_cdn_hosts) checked in addition to the built-in
// fonts.googleapis.com/typekit hosts.
var fontCDNMu sync.RWMutex
var extraFontCDNHosts []string

// SetExtraFontCDNHosts installs (or clears, with nil/empty) additional
// stylesheet hosts step 5's font neutralization treats as font CDNs.
func SetExtraFontCDNHosts(hosts []string) {
	fontCDNMu.Lock()
	defer fontCDNMu.Unlock()
	extraFontCDNHosts = append([]string(nil), hosts...)
}

func currentExtraFontCDNHosts() []string {
	fontCDNMu.RLock()
	defer fontCDNMu.RUnlock()
	return extraFontCDNHosts
}

// ResolveAttr exposes the same scheme/fragment rejection and base-URL
// resolution safeResolve applies during the rewrite pipeline, for other
// packages (the orchestrator's non-unlock sanitize path) that need identical
// URL-safety rules without running the full eight-step rewrite.
func ResolveAttr(base, value string) (string, bool) {
	return safeResolve(base, value)
}

// Rewrite applies the full transform sequence to html text and returns the
// rewritten document. baseURL anchors the URL-rebasing step.
func Rewrite(rawHTML, baseURL string) (string, error) {
	cleaned := preRegexSweep(rawHTML)

	doctype := extractDoctype(cleaned)

	out, err := rewriteWithGoquery(cleaned, baseURL)
	if err == nil && !looksTruncated(cleaned, out) {
		return withDoctype(out, doctype), nil
	}

	out, err = rewriteWithHTMLQuery(cleaned, baseURL)
	if err != nil {
		return "", fmt.Errorf("rewriter: both parsers failed: %w", err)
	}
	return withDoctype(out, doctype), nil
}

// preRegexSweep is step 1: strip anti-copy script/attribute patterns from
// the raw text, drop null bytes, and re-normalize through UTF-8.
func preRegexSweep(raw string) string {
	text := strings.ToValidUTF8(raw, "�")
	text = strings.ReplaceAll(text, "\x00", "")
	for _, re := range preRegexPatterns {
		text = re.ReplaceAllString(text, "")
	}
	return text
}

func extractDoctype(text string) string {
	return doctypeRE.FindString(text)
}

func withDoctype(rendered, doctype string) string {
	if doctype == "" {
		return rendered
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(rendered)), "<!doctype") {
		return rendered
	}
	return doctype + "\n" + rendered
}

// looksTruncated implements the fallback trigger from spec.md §4.9: missing
// html/head/body tags present in the original, empty output, or output
// under 70% of the original length.
func looksTruncated(original, parsed string) bool {
	origLower := strings.ToLower(original)
	parsedLower := strings.ToLower(parsed)
	for _, tag := range []string{"<html", "<head", "<body"} {
		if strings.Contains(origLower, tag) && !strings.Contains(parsedLower, tag) {
			return true
		}
	}
	if strings.TrimSpace(parsed) == "" {
		return true
	}
	if float64(len(parsed)) < float64(len(original))*truncationRatioFloor {
		return true
	}
	return false
}

func rewriteWithGoquery(text, baseURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return "", fmt.Errorf("rewriter: goquery parse: %w", err)
	}

	for _, target := range rebaseTargets {
		doc.Find(target.tag + "[" + target.attr + "]").Each(func(_ int, s *goquery.Selection) {
			value, _ := s.Attr(target.attr)
			if rebased, ok := safeResolve(baseURL, value); ok {
				s.SetAttr(target.attr, rebased)
			} else {
				s.RemoveAttr(target.attr)
			}
		})
	}

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if _, hasSrc := s.Attr("src"); hasSrc {
			return
		}
		for _, lazyAttr := range []string{"data-src", "data-lazy-src", "data-original"} {
			if v, ok := s.Attr(lazyAttr); ok && v != "" {
				if rebased, ok := safeResolve(baseURL, v); ok {
					s.SetAttr("src", rebased)
				}
				return
			}
		}
	})

	for _, attr := range integrityAttrs {
		doc.Find("[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
			s.RemoveAttr(attr)
		})
	}

	neutralizeFontsGoquery(doc)
	cleanAntiCopyGoquery(doc)

	return doc.Html()
}

func neutralizeFontsGoquery(doc *goquery.Document) {
	doc.Find("link").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		rel := strings.ToLower(s.AttrOr("rel", ""))
		as := strings.ToLower(s.AttrOr("as", ""))
		if strings.Contains(rel, "preload") && as == "font" {
			s.Remove()
			return
		}
		if href != "" && fontExtensionRE.MatchString(href) {
			s.Remove()
			return
		}
		if strings.Contains(rel, "stylesheet") && href != "" {
			lower := strings.ToLower(href)
			if strings.Contains(lower, "fonts.googleapis.com") || strings.Contains(lower, "typekit") {
				s.Remove()
				return
			}
			for _, extra := range currentExtraFontCDNHosts() {
				if extra != "" && strings.Contains(lower, strings.ToLower(extra)) {
					s.Remove()
					return
				}
			}
		}
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		css := s.Text()
		if !strings.Contains(strings.ToLower(css), "@font-face") {
			return
		}
		s.SetText(fontFaceBlockRE.ReplaceAllString(css, ""))
	})

	if head := doc.Find("head"); head.Length() > 0 {
		head.First().PrependHtml(fontOverrideStyle)
	} else if htmlSel := doc.Find("html"); htmlSel.Length() > 0 {
		htmlSel.First().PrependHtml(fontOverrideStyle)
	}
}

func cleanAntiCopyGoquery(doc *goquery.Document) {
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, hasSrc := s.Attr("src"); hasSrc {
			// external scripts are left alone; only inline handlers carry
			// the anti-copy patterns this step targets.
			return
		}
		scriptType := strings.ToLower(s.AttrOr("type", ""))
		if strings.Contains(scriptType, "json") {
			return
		}
		text := s.Text()
		if len(text) >= 8000 {
			return
		}
		for _, re := range preRegexPatterns {
			if re.MatchString(text) {
				s.Remove()
				return
			}
		}
	})

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		if node == nil {
			return
		}
		for _, a := range node.Attr {
			if restrictiveEventAttrs[strings.ToLower(a.Key)] {
				s.RemoveAttr(a.Key)
			}
		}
	})

	injectBannerGoquery(doc)
}

func injectBannerGoquery(doc *goquery.Document) {
	body := doc.Find("body")
	if body.Length() > 0 {
		body.First().AppendHtml(bannerHTML + "<script>" + unlockClientScript + "</script>")
		return
	}
	doc.Find("html").First().AppendHtml(bannerHTML + "<script>" + unlockClientScript + "</script>")
}

// rewriteWithHTMLQuery is the fallback path: the same nine-pair rebase, lazy
// image promotion, and integrity stripping, applied via htmlquery's
// XPath-based traversal over a fresh parse instead of goquery's CSS
// selectors. Font neutralization and anti-copy cleanup are intentionally
// not repeated here: a document that needed this fallback is already
// degraded, and this second pass only needs to restore the safety-critical
// steps (URLs, integrity) before re-serializing.
func rewriteWithHTMLQuery(text, baseURL string) (string, error) {
	doc, err := htmlquery.Parse(strings.NewReader(text))
	if err != nil {
		return "", fmt.Errorf("rewriter: htmlquery parse: %w", err)
	}

	for _, target := range rebaseTargets {
		nodes, err := htmlquery.QueryAll(doc, "//"+target.tag+"[@"+target.attr+"]")
		if err != nil {
			continue
		}
		for _, n := range nodes {
			value := htmlquery.SelectAttr(n, target.attr)
			if rebased, ok := safeResolve(baseURL, value); ok {
				setNodeAttr(n, target.attr, rebased)
			} else {
				removeNodeAttr(n, target.attr)
			}
		}
	}

	imgNodes, _ := htmlquery.QueryAll(doc, "//img")
	for _, n := range imgNodes {
		if htmlquery.SelectAttr(n, "src") != "" {
			continue
		}
		for _, lazyAttr := range []string{"data-src", "data-lazy-src", "data-original"} {
			if v := htmlquery.SelectAttr(n, lazyAttr); v != "" {
				if rebased, ok := safeResolve(baseURL, v); ok {
					setNodeAttr(n, "src", rebased)
				}
				break
			}
		}
	}

	for _, attr := range integrityAttrs {
		nodes, _ := htmlquery.QueryAll(doc, "//*[@"+attr+"]")
		for _, n := range nodes {
			removeNodeAttr(n, attr)
		}
	}

	var buf strings.Builder
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("rewriter: htmlquery render: %w", err)
	}
	return buf.String(), nil
}

func setNodeAttr(n *html.Node, key, value string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: value})
}

func removeNodeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if !strings.EqualFold(a.Key, key) {
			out = append(out, a)
		}
	}
	n.Attr = out
}

// safeResolve mirrors unprotector.py's safe_urljoin: it refuses
// javascript:/data:/mailto:/tel:/blob:/vbscript:/about: schemes, bare
// fragments, and empty or ":"-only values, and otherwise resolves value
// against base.
func safeResolve(base, value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	for _, blocked := range []string{"#", "javascript:", "data:", "mailto:", "tel:", "blob:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, blocked) {
			return "", false
		}
	}
	if trimmed == ":" {
		return "", false
	}
	resolved, err := resolveURL(base, trimmed)
	if err != nil {
		return "", false
	}
	return resolved, true
}
