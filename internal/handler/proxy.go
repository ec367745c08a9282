package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"webgate/internal/metrics"
	"webgate/internal/model"
	"webgate/internal/proxyurl"
	"webgate/internal/rewrite"
	"webgate/internal/service"
)

// ProxyHandler serves the main /proxy endpoint: it forwards any method to the
// requested target and relays the response through either the streaming path
// or the HTML rewrite path.
type ProxyHandler struct {
	service  *service.ProxyService
	rewriter *rewrite.Rewriter
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable rewrite metrics.
func NewProxyHandler(svc *service.ProxyService, rw *rewrite.Rewriter, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		rewriter: rw,
		logger:   logger.With("component", "proxy_handler"),
		metrics:  m,
	}
}

// Handle forwards the request to its target and relays the response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	raw := c.QueryParam("url")
	if raw == "" {
		return c.String(http.StatusBadRequest, "missing url parameter")
	}
	target, err := proxyurl.ParseTarget(raw)
	if err != nil {
		return c.String(http.StatusBadRequest, "url must be an absolute http or https URL")
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Target: target,
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Rewrite {
		return h.serveRewritten(c, resp, target)
	}
	return h.serveStream(c, resp)
}

// serveStream pipes the upstream body to the client without buffering.
func (h *ProxyHandler) serveStream(c echo.Context, resp *model.ProxyResponse) error {
	copyHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already on the wire, so a mid-stream failure leaves
	// the client with a truncated body. io.Copy paces upstream reads by
	// downstream writes, so a slow client never forces a large buffer here.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"target", c.QueryParam("url"),
		)
	}

	return nil
}

// serveRewritten buffers the upstream HTML, rewrites it, and sends the result
// with a recomputed Content-Length. A document the rewriter cannot process is
// delivered unmodified.
func (h *ProxyHandler) serveRewritten(c echo.Context, resp *model.ProxyResponse, target *url.URL) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.mapError(c, err)
	}

	out, ok := h.rewriter.Rewrite(body, target)
	if ok && h.metrics != nil {
		h.metrics.RewrittenPages.Inc()
	}

	// The transform is bounded in-memory work; if the client went away while
	// it ran, discard the result instead of writing to a dead connection.
	if c.Request().Context().Err() != nil {
		return nil
	}

	header := c.Response().Header()
	copyHeaders(header, resp.Header)
	header.Set(echo.HeaderContentType, "text/html; charset=utf-8")
	header.Set(echo.HeaderContentLength, strconv.Itoa(len(out)))

	c.Response().WriteHeader(resp.StatusCode)
	_, err = c.Response().Write(out)
	return err
}

// copyHeaders adds all src values to dst, preserving duplicates and order.
func copyHeaders(dst http.Header, src http.Header) {
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"target", c.QueryParam("url"),
	)

	if errors.Is(err, service.ErrHostBlocked) {
		return c.String(http.StatusForbidden, "target host is not allowed")
	}

	if errors.Is(err, service.ErrPayloadTooLarge) {
		return c.String(http.StatusRequestEntityTooLarge, "request body too large")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.String(http.StatusGatewayTimeout, "upstream request timed out")
	}

	if errors.Is(err, context.Canceled) {
		return c.String(http.StatusBadGateway, "client disconnected")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.String(http.StatusBadGateway, "upstream host unreachable")
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.String(http.StatusBadGateway, "upstream connection failed")
	}

	return c.String(http.StatusBadGateway, "upstream request failed")
}
