package handler

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	e := newProxyEcho(t, nil, nil, nil)
	target := url.QueryEscape(upstream.URL)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /webgate/status", http.MethodGet, "/webgate/status", http.StatusOK},
		{"GET /proxy", http.MethodGet, "/proxy?url=" + target, http.StatusOK},
		{"POST /proxy", http.MethodPost, "/proxy?url=" + target, http.StatusOK},
		{"HEAD /proxy", http.MethodHead, "/proxy?url=" + target, http.StatusOK},
		{"GET /ws without upgrade", http.MethodGet, "/ws", http.StatusBadRequest},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
