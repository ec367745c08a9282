// Package proxyurl maps absolute target URLs to and from the proxy-relative
// form "/proxy?url=<percent-encoded absolute URL>". Every component that
// produces a browser-visible URL goes through this package so that all
// navigation stays inside the proxy.
package proxyurl

import (
	"errors"
	"net/url"
	"strings"
)

// Path is the proxy endpoint all encoded URLs point at.
const Path = "/proxy"

// ErrMalformed is returned when a proxy URL is missing its url parameter or
// the parameter is not a well-formed absolute http/https URL.
var ErrMalformed = errors.New("malformed proxy url")

// Encode returns the proxy-relative URL embedding the given absolute URL.
// Decode(Encode(u)) always yields u exactly, including query strings.
func Encode(absolute string) string {
	return Path + "?url=" + url.QueryEscape(absolute)
}

// ParseTarget validates a raw target taken from the url query parameter.
// The target must be an absolute URL with scheme http or https.
func ParseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, ErrMalformed
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ErrMalformed
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrMalformed
	}
	return u, nil
}

// Decode extracts the absolute target URL from a proxy-relative URL.
func Decode(proxyURL string) (string, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "", ErrMalformed
	}
	target, err := ParseTarget(u.Query().Get("url"))
	if err != nil {
		return "", err
	}
	return target.String(), nil
}

// Resolve resolves a possibly-relative href against a base URL and returns
// the absolute result, or the empty string for references that cannot be
// proxied: empty strings, bare fragments, and non-http(s) schemes such as
// javascript: or mailto:. Callers must leave such references unrewritten.
func Resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if ref.Scheme != "" && ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Host == "" {
		return ""
	}
	return abs.String()
}
