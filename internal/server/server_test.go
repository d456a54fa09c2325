package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"cruvz-control/internal/api"
	"cruvz-control/internal/engine"
	"cruvz-control/internal/observability/metrics"
	"cruvz-control/internal/publish"
	"cruvz-control/internal/quality"
	"cruvz-control/internal/registry"
	"cruvz-control/internal/storage"
)

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()
	store := storage.NewMemoryStore()
	recorder := quality.NewRecorder(store)
	reg := registry.New(store, recorder)
	orch := publish.New(store, engine.NoopEngine{}, recorder)
	reg.SetDisconnector(orch)
	return api.NewHandler(api.HandlerConfig{
		Registry:  reg,
		Publisher: orch,
		Reporter:  quality.NewReporter(store),
		Store:     store,
		Metrics:   metrics.New(),
	})
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv, err := New(newTestHandler(t), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestHealthzThroughChain(t *testing.T) {
	srv := newTestServer(t, Config{Metrics: metrics.New()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("request id header missing")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newTestServer(t, Config{Metrics: metrics.New()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "req-abc" {
		t.Fatalf("request id = %q, want req-abc", got)
	}
}

func TestGlobalRateLimitSheds(t *testing.T) {
	srv := newTestServer(t, Config{
		Metrics:   metrics.New(),
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})

	first := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.Code)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	recorder := metrics.New()
	srv := newTestServer(t, Config{Metrics: recorder})

	warm := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(warm, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("empty exposition")
	}
}

func TestMismatchedTLSConfigRejected(t *testing.T) {
	_, err := New(newTestHandler(t), Config{TLS: TLSConfig{CertFile: "cert.pem"}})
	if err == nil {
		t.Fatalf("expected error for cert without key")
	}
}

func TestAPIRouteRequiresOwner(t *testing.T) {
	srv := newTestServer(t, Config{Metrics: metrics.New()})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
