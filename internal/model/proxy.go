// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded to its target.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Target *url.URL
	Header http.Header
	Body   io.ReadCloser
}

// ProxyResponse represents the upstream response to be relayed back.
// Body is consumed exactly once: streamed for the streaming path or fully
// buffered for the rewrite path, never both.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	// Rewrite is the classifier decision: true when the body is HTML and
	// rewriting is enabled. It is set before any body byte is consumed.
	Rewrite bool
}
