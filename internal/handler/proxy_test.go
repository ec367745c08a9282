package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"webgate/internal/client"
	"webgate/internal/config"
	"webgate/internal/policy"
	"webgate/internal/rewrite"
	"webgate/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newProxyEcho builds an Echo instance with the full proxy pipeline wired.
func newProxyEcho(t *testing.T, cfg *config.Config, allow, block []string) *echo.Echo {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Upstream.TimeoutSeconds == 0 {
		cfg.Upstream.TimeoutSeconds = 10
	}
	if cfg.Upstream.IdleConnections == 0 {
		cfg.Upstream.IdleConnections = 10
	}
	if cfg.Proxy.MaxBodyMB == 0 {
		cfg.Proxy.MaxBodyMB = 1
	}
	if cfg.Proxy.UserAgent == "" {
		cfg.Proxy.UserAgent = "test-agent/1.0"
	}

	logger := discardLogger()
	eval := policy.New(allow, block)
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc := service.NewProxyService(uc, eval, cfg, logger, nil)
	h := NewProxyHandler(svc, rewrite.New(logger), logger, nil)
	ws := NewWSHandler(eval, logger, nil)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	RegisterRoutes(e, h, ws, health)
	return e
}

func proxyGet(e *echo.Echo, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+url.QueryEscape(target), http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandle_MissingURLParam(t *testing.T) {
	e := newProxyEcho(t, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandle_MalformedURL(t *testing.T) {
	e := newProxyEcho(t, nil, nil, nil)

	for _, target := range []string{"/relative/path", "ftp://example.com/f", "not a url"} {
		t.Run(target, func(t *testing.T) {
			if rec := proxyGet(e, target); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandle_PolicyRejection(t *testing.T) {
	e := newProxyEcho(t, nil, []string{"*.example.com"}, nil)

	if rec := proxyGet(e, "http://evil.com/"); rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestHandle_UpstreamDown(t *testing.T) {
	e := newProxyEcho(t, nil, nil, nil)

	if rec := proxyGet(e, "http://127.0.0.1:1/"); rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestHandle_PayloadTooLarge(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("upstream reached despite oversized body")
	}))
	defer upstream.Close()

	e := newProxyEcho(t, nil, nil, nil) // 1 MB ceiling
	body := strings.NewReader(strings.Repeat("x", 1024*1024+1))
	req := httptest.NewRequest(http.MethodPost, "/proxy?url="+url.QueryEscape(upstream.URL), body)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestHandle_StreamsNonHTMLExactly(t *testing.T) {
	payload := []byte{0x1f, 0x8b, 0x00, 0xff, 0x42}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Connection", "close")
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	e := newProxyEcho(t, nil, nil, nil)
	rec := proxyGet(e, upstream.URL)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.Bytes(); string(got) != string(payload) {
		t.Errorf("body = %v, want %v (byte-for-byte)", got, payload)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("custom upstream header not relayed")
	}
	if rec.Header().Get("Connection") != "" {
		t.Error("hop-by-hop Connection header relayed")
	}
}

func TestHandle_RewritesHTML(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		_, _ = w.Write([]byte(`<html><head></head><body><a href="/about">About</a></body></html>`))
	}))
	defer upstream.Close()

	e := newProxyEcho(t, nil, nil, nil)
	rec := proxyGet(e, upstream.URL+"/index.html")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	want := `<a href="/proxy?url=` + url.QueryEscape(upstream.URL+"/about") + `">`
	if !strings.Contains(body, want) {
		t.Errorf("rewritten body does not contain %q:\n%s", want, body)
	}
	if !strings.Contains(body, "<base href=") {
		t.Error("base element not injected")
	}
	if rec.Header().Get("Content-Security-Policy") != "" {
		t.Error("Content-Security-Policy relayed, want dropped")
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cl := rec.Header().Get(echo.HeaderContentLength); cl != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %q, want %d (recomputed from rewritten body)", cl, len(body))
	}
}

func TestHandle_RedirectLocationRewritten(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/new")
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer upstream.Close()

	e := newProxyEcho(t, nil, nil, nil)
	rec := proxyGet(e, upstream.URL+"/old")

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", rec.Code)
	}
	want := "/proxy?url=" + url.QueryEscape(upstream.URL+"/new")
	if got := rec.Header().Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func TestHandle_RewriteDisabledStreamsHTML(t *testing.T) {
	original := `<html><head></head><body><a href="/about">About</a></body></html>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(original))
	}))
	defer upstream.Close()

	off := false
	cfg := &config.Config{Proxy: config.ProxyConfig{RewriteHTML: &off}}
	e := newProxyEcho(t, cfg, nil, nil)
	rec := proxyGet(e, upstream.URL)

	if rec.Body.String() != original {
		t.Errorf("body modified despite rewrite being disabled:\n%s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "<base") {
		t.Error("base element injected despite rewrite being disabled")
	}
}

func TestHandle_StatusMirrorsUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	e := newProxyEcho(t, nil, nil, nil)
	if rec := proxyGet(e, upstream.URL); rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418 mirrored", rec.Code)
	}
}

func TestHandle_ScrubsProxyOriginHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Origin") != "" || r.Header.Get("Referer") != "" {
			t.Error("proxy-origin headers leaked upstream")
		}
		if r.Header.Get("User-Agent") != "test-agent/1.0" {
			t.Errorf("User-Agent = %q, want injected default", r.Header.Get("User-Agent"))
		}
	}))
	defer upstream.Close()

	e := newProxyEcho(t, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+url.QueryEscape(upstream.URL), http.NoBody)
	req.Header.Set("Origin", "http://proxy.local")
	req.Header.Set("Referer", "http://proxy.local/proxy?url=x")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
