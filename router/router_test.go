package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/improdead/esprit/config"
	"github.com/improdead/esprit/telemetry"
	"github.com/improdead/esprit/tracer"
)

func testSetup(dashboardToken string) http.Handler {
	cfg := &config.Config{
		Addr:             ":0",
		Env:              "test",
		RateLimitEnabled: false,
		APIKeyHeader:     "Authorization",
		DashboardToken:   dashboardToken,
		MaxBodyBytes:     1 << 20,
	}
	log := zerolog.New(io.Discard).With().Timestamp().Logger()
	tr := tracer.New("run-1", "test")
	hub := telemetry.NewHub(tr, nil, 0, 0, "", nil, log)
	return NewRouter(cfg, log, hub, tr, nil)
}

func TestHealthEndpoints(t *testing.T) {
	r := testSetup("")

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"healthz", "/healthz", http.StatusOK},
		{"readyz", "/readyz", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rw := httptest.NewRecorder()
			r.ServeHTTP(rw, req)
			if rw.Result().StatusCode != tc.status {
				t.Fatalf("expected %d for %s, got %d", tc.status, tc.path, rw.Result().StatusCode)
			}
		})
	}
}

func TestScreenshotRouteRequiresAuthWhenTokenSet(t *testing.T) {
	r := testSetup("secret-token")

	req := httptest.NewRequest(http.MethodGet, "/v1/screenshot/agent-1", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated screenshot request, got %d", rw.Result().StatusCode)
	}
}

func TestScreenshotRouteSucceedsWithToken(t *testing.T) {
	r := testSetup("secret-token")

	req := httptest.NewRequest(http.MethodGet, "/v1/screenshot/agent-1", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for authenticated screenshot request, got %d", rw.Result().StatusCode)
	}
}

func TestScreenshotRouteOpenWhenNoTokenConfigured(t *testing.T) {
	r := testSetup("")

	req := httptest.NewRequest(http.MethodGet, "/v1/screenshot/agent-1", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 when no dashboard token is configured, got %d", rw.Result().StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := testSetup("")

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS Allow-Origin header on preflight response")
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := testSetup("")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	headers := []string{
		"X-Content-Type-Options",
		"X-Frame-Options",
	}
	for _, h := range headers {
		if rw.Header().Get(h) == "" {
			t.Fatalf("expected security header %s to be set", h)
		}
	}
}
