package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goclaw/mnemo/config"
)

func corsConfig(origins ...string) *config.CORSConfig {
	return &config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", RequestIDHeader},
		MaxAge:         600,
	}
}

func TestCORS_SimpleRequests(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *config.CORSConfig
		origin     string
		wantOrigin string
	}{
		{"listed origin", corsConfig("http://localhost:3000"), "http://localhost:3000", "http://localhost:3000"},
		{"trailing slash in config", corsConfig("http://localhost:3000/"), "http://localhost:3000", "http://localhost:3000"},
		{"wildcard echoes origin", corsConfig("*"), "http://dash.example", "http://dash.example"},
		{"unlisted origin", corsConfig("http://localhost:3000"), "http://evil.example", ""},
		{"no origin header", corsConfig("*"), "", ""},
		{"disabled", &config.CORSConfig{AllowedOrigins: []string{"*"}}, "http://localhost:3000", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := CORS(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/packets/a", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if !called {
				t.Fatal("simple requests always reach the handler")
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("allow origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.wantOrigin != "" && w.Header().Get("Access-Control-Expose-Headers") != "X-Request-ID, X-Trace-ID" {
				t.Fatalf("expose headers = %q", w.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}
}

func preflight(origin string) *http.Request {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/packets", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	return req
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS(corsConfig("http://localhost:3000"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, preflight("http://localhost:3000"))

	if called {
		t.Fatal("preflight should not reach the handler")
	}
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("allow methods = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-Request-ID" {
		t.Errorf("allow headers = %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("max age = %q", got)
	}
}

func TestCORS_PreflightFromUnlistedOrigin(t *testing.T) {
	h := CORS(corsConfig("http://localhost:3000"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("rejected preflight reached the handler")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, preflight("http://evil.example"))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("rejected preflight must not carry allow headers")
	}
}

func TestCORS_PlainOptionsPassesThrough(t *testing.T) {
	called := false
	h := CORS(corsConfig("*"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/packets", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if !called || w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("plain OPTIONS should be routed normally, got %d called=%v", w.Code, called)
	}
}

func TestCORS_CredentialsWithWildcard(t *testing.T) {
	cfg := corsConfig("*")
	cfg.AllowCredentials = true
	h := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
	req.Header.Set("Origin", "http://dash.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://dash.example" {
		t.Fatalf("credentialed responses need the concrete origin, got %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected allow credentials")
	}
}
