package cache

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ResourceFetcher fetches a static resource (JS/CSS/fonts/images)
// referenced by widget HTML. Implementations live outside this
// package; the cache only needs the bytes and content type.
type ResourceFetcher func(url string) (blob []byte, contentType string, err error)

var cssURLPattern = regexp.MustCompile(`url\(\s*['"]?([^'")]+)['"]?\s*\)`)

// WidgetHTMLKey builds the composite key for per-widget HTML (:
// a resource has no stable URL until fetched, so it is cached under
// layoutId/regionId/mediaId).
func WidgetHTMLKey(layoutID, regionID, mediaID string) string {
	return fmt.Sprintf("widget/%s/%s/%s", layoutID, regionID, mediaID)
}

// staticResourceKey hashes resourceURL with blake3 rather than
// embedding it verbatim: static resource URLs can carry query strings
// and signed tokens long or strange enough to make poor bolt keys.
func staticResourceKey(layoutID, regionID, mediaID, resourceURL string) string {
	sum := blake3.Sum256([]byte(resourceURL))
	return fmt.Sprintf("widget-static/%s/%s/%s/%s", layoutID, regionID, mediaID, hex.EncodeToString(sum[:]))
}

// staticResourceServedPath is the HTTP path a static resource is
// available under once cached, derived straight from its cache key.
func staticResourceServedPath(layoutID, regionID, mediaID, resourceURL string) string {
	return "/cache/" + staticResourceKey(layoutID, regionID, mediaID, resourceURL)
}

// StoreWidgetHTML stores widget HTML under its composite key after
// rewriting it so relative and CMS-signed references resolve to
// cache-served paths, and eagerly fetches referenced static resources
// into a sibling static cache.
func (c *ChunkCache) StoreWidgetHTML(layoutID, regionID, mediaID, rawHTML string, fetch ResourceFetcher) error {
	key := WidgetHTMLKey(layoutID, regionID, mediaID)
	basePath := fmt.Sprintf("/cache/widget/%s/%s/%s/", layoutID, regionID, mediaID)

	rewritten, resourceURLs, err := rewriteWidgetHTML(rawHTML, basePath, layoutID, regionID, mediaID)
	if err != nil {
		return fmt.Errorf("cache: rewrite widget html: %w", err)
	}

	if err := c.Put(key, []byte(rewritten), "text/html; charset=utf-8", ""); err != nil {
		return fmt.Errorf("cache: store widget html: %w", err)
	}

	for _, resourceURL := range resourceURLs {
		c.fetchStaticResource(layoutID, regionID, mediaID, resourceURL, fetch)
	}
	return nil
}

// rewriteWidgetHTML injects a <base> tag into <head> for relative
// references and collects the static resource URLs referenced by
// <script src>, <link href>, <img src> and CSS url(...). A relative
// reference resolves fine against the injected <base> and is left as
// is; an absolute CMS-signed URL is rewritten in place to the path its
// bytes will be served from once fetchStaticResource caches them,
// since no <base> tag can redirect an already-absolute URL. A static
// resource that fails to fetch is skipped without logging and never
// fails the widget.
func rewriteWidgetHTML(rawHTML, basePath, layoutID, regionID, mediaID string) (string, []string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", nil, err
	}

	var resourceURLs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Head:
				baseNode := &html.Node{
					Type:     html.ElementNode,
					Data:     "base",
					DataAtom: atom.Base,
					Attr:     []html.Attribute{{Key: "href", Val: basePath}},
				}
				n.InsertBefore(baseNode, n.FirstChild)
			case atom.Script, atom.Img:
				if src := attrVal(n, "src"); src != "" && isRelativeOrSigned(src) {
					resourceURLs = append(resourceURLs, src)
					if isAbsoluteURL(src) {
						setAttr(n, "src", staticResourceServedPath(layoutID, regionID, mediaID, src))
					}
				}
			case atom.Link:
				if href := attrVal(n, "href"); href != "" && isRelativeOrSigned(href) {
					resourceURLs = append(resourceURLs, href)
					if isAbsoluteURL(href) {
						setAttr(n, "href", staticResourceServedPath(layoutID, regionID, mediaID, href))
					}
				}
			case atom.Style:
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					css := n.FirstChild.Data
					resourceURLs = append(resourceURLs, extractCSSURLs(css)...)
					n.FirstChild.Data = rewriteAbsoluteCSSURLs(css, layoutID, regionID, mediaID)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", nil, err
	}
	return buf.String(), resourceURLs, nil
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// isRelativeOrSigned reports whether a reference is something the
// cache should eagerly fetch: relative paths and absolute CMS-signed
// URLs, as opposed to already-rewritten cache paths.
func isRelativeOrSigned(ref string) bool {
	return !strings.HasPrefix(ref, "/cache/") && !strings.HasPrefix(ref, "data:")
}

// isAbsoluteURL reports whether ref carries its own scheme (an
// absolute CMS-signed URL) as opposed to a path relative to the
// injected <base> tag.
func isAbsoluteURL(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && u.IsAbs()
}

func extractCSSURLs(css string) []string {
	matches := cssURLPattern.FindAllStringSubmatch(css, -1)
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		urls = append(urls, m[1])
	}
	return urls
}

// rewriteAbsoluteCSSURLs rewrites only the absolute, CMS-signed
// url(...) references in a CSS text node; relative ones resolve fine
// against the injected <base> tag.
func rewriteAbsoluteCSSURLs(css, layoutID, regionID, mediaID string) string {
	return cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		sub := cssURLPattern.FindStringSubmatch(match)
		if len(sub) < 2 || !isAbsoluteURL(sub[1]) {
			return match
		}
		return "url(" + staticResourceServedPath(layoutID, regionID, mediaID, sub[1]) + ")"
	})
}

func (c *ChunkCache) fetchStaticResource(layoutID, regionID, mediaID, resourceURL string, fetch ResourceFetcher) {
	if fetch == nil {
		return
	}
	blob, contentType, err := fetch(resourceURL)
	if err != nil {
		// The fetch error is dropped here and not reported to the caller
		// (the cache has no logger dependency); it never fails the widget.
		return
	}

	key := staticResourceKey(layoutID, regionID, mediaID, resourceURL)
	_ = c.Put(key, blob, contentType, "")

	if strings.HasSuffix(strings.ToLower(resourceURL), ".css") {
		for _, fontURL := range extractCSSURLs(string(blob)) {
			c.fetchStaticResource(layoutID, regionID, mediaID, fontURL, fetch)
		}
	}
}
