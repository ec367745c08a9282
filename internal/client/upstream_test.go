package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"webgate/internal/config"
)

func testClient(t *testing.T) *UpstreamClient {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 10},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstreamClient(cfg, logger, nil)
}

func TestDoStream_RelaysStatusHeadersBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom") != "yes" {
			t.Errorf("X-Custom = %q, want %q", r.Header.Get("X-Custom"), "yes")
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte{0x00, 0x01, 0x02})
	}))
	defer upstream.Close()

	c := testClient(t)
	header := http.Header{"X-Custom": {"yes"}}
	resp, err := c.DoStream(context.Background(), http.MethodGet, upstream.URL, header, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 3 || body[0] != 0x00 || body[2] != 0x02 {
		t.Errorf("body = %v, want [0 1 2]", body)
	}
}

func TestDoStream_DoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
			return
		}
		t.Errorf("redirect was followed to %s", r.URL.Path)
	}))
	defer upstream.Close()

	c := testClient(t)
	resp, err := c.DoStream(context.Background(), http.MethodGet, upstream.URL+"/old", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMovedPermanently {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusMovedPermanently)
	}
	if loc := resp.Header.Get("Location"); loc != "/new" {
		t.Errorf("Location = %q, want %q (raw, unfollowed)", loc, "/new")
	}
}

func TestDoStream_TransportError(t *testing.T) {
	c := testClient(t)
	// Port 1 on localhost is almost certainly closed.
	_, err := c.DoStream(context.Background(), http.MethodGet, "http://127.0.0.1:1", http.Header{}, nil)
	if err == nil {
		t.Fatal("expected transport error")
	}
}
