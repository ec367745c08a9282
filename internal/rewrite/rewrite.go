// Package rewrite mutates fetched HTML documents so that every link,
// resource reference, and dynamic navigation routes back through the proxy.
package rewrite

import (
	"bytes"
	_ "embed"
	"html"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"webgate/internal/proxyurl"
)

// interceptorJS is the client-side navigation interceptor, a fixed versioned
// asset with the proxy base path as its single parameter.
//
//go:embed interceptor.js
var interceptorJS string

// attrTargets maps element selectors to the URL-bearing attribute rewritten
// on each match.
var attrTargets = []struct {
	selector string
	attr     string
}{
	{"a[href], link[href], area[href]", "href"},
	{"img[src], script[src], source[src], video[src], audio[src], iframe[src], embed[src]", "src"},
	{"video[poster]", "poster"},
	{"form[action]", "action"},
}

// Rewriter rewrites HTML documents for proxied delivery.
type Rewriter struct {
	logger *slog.Logger
	script string
}

// New creates a Rewriter.
func New(logger *slog.Logger) *Rewriter {
	return &Rewriter{
		logger: logger.With("component", "rewriter"),
		script: strings.ReplaceAll(interceptorJS, "__PROXY_BASE__", proxyurl.Path),
	}
}

// Rewrite parses an HTML document fetched from target, rewrites every
// URL-bearing attribute to route through the proxy, injects a <base> element
// and the navigation interceptor script, and re-serializes the tree.
//
// The parser tolerates malformed markup and rewrites what it can. If the
// document cannot be parsed or serialized at all, the original bytes are
// returned with ok=false so the caller can fall back to unrewritten delivery.
func (r *Rewriter) Rewrite(body []byte, target *url.URL) (out []byte, ok bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("html parse failed, serving original", "err", err, "host", target.Host)
		return body, false
	}

	head := doc.Find("head").First()

	// References the rewrite below does not reach must still resolve against
	// the original origin, not the proxy's own.
	head.PrependHtml(`<base href="` + html.EscapeString(target.String()) + `">`)

	for _, t := range attrTargets {
		attr := t.attr
		doc.Find(t.selector).Each(func(_ int, sel *goquery.Selection) {
			val, exists := sel.Attr(attr)
			if !exists {
				return
			}
			abs := proxyurl.Resolve(target, val)
			if abs == "" {
				return
			}
			sel.SetAttr(attr, proxyurl.Encode(abs))
		})
	}

	head.AppendHtml("<script>" + r.script + "</script>")

	rendered, err := doc.Html()
	if err != nil {
		r.logger.Warn("html serialize failed, serving original", "err", err, "host", target.Host)
		return body, false
	}
	return []byte(rendered), true
}
