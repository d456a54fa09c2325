package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cruvz-control/internal/models"
)

func TestHTTPEngineStartPush(t *testing.T) {
	var gotAuth string
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer server.Close()

	eng := NewHTTPEngine(server.URL, "secret-token")
	err := eng.StartPush(context.Background(), PushConfig{
		TargetID:  "target-1",
		SessionID: "session-1",
		Protocol:  models.ProtocolRTMPPush,
		URL:       "rtmp://relay.example/live",
	})
	if err != nil {
		t.Fatalf("StartPush: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotPath != "POST /v1/push" {
		t.Fatalf("unexpected request %q", gotPath)
	}
}

func TestHTTPEngineStartPushFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "relay rejected", http.StatusBadGateway)
	}))
	defer server.Close()

	eng := NewHTTPEngine(server.URL, "")
	err := eng.StartPush(context.Background(), PushConfig{TargetID: "target-1"})
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("expected ErrEngine, got %v", err)
	}
}

func TestHTTPEngineStartPushTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	eng := NewHTTPEngine(server.URL, "", WithRequestTimeout(20*time.Millisecond))
	err := eng.StartPush(context.Background(), PushConfig{TargetID: "target-1"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestHTTPEngineStopPushToleratesNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	eng := NewHTTPEngine(server.URL, "")
	if err := eng.StopPush(context.Background(), "gone"); err != nil {
		t.Fatalf("StopPush on unknown push should succeed, got %v", err)
	}
}

func TestHTTPEngineProbeHealth(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Health
	}{
		{name: "healthy", body: `{"status":"healthy"}`, want: HealthHealthy},
		{name: "unhealthy", body: `{"status":"unhealthy","detail":"no data"}`, want: HealthUnhealthy},
		{name: "unknown status", body: `{"status":"confused"}`, want: HealthUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			eng := NewHTTPEngine(server.URL, "")
			health, err := eng.ProbeHealth(context.Background(), "target-1")
			if err != nil {
				t.Fatalf("ProbeHealth: %v", err)
			}
			if health != tc.want {
				t.Fatalf("ProbeHealth = %v, want %v", health, tc.want)
			}
		})
	}
}

func TestHTTPEngineProbeHealthTimeoutIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	eng := NewHTTPEngine(server.URL, "", WithRequestTimeout(20*time.Millisecond))
	health, err := eng.ProbeHealth(context.Background(), "target-1")
	if err != nil {
		t.Fatalf("ProbeHealth: %v", err)
	}
	if health != HealthUnreachable {
		t.Fatalf("ProbeHealth = %v, want unreachable", health)
	}
}

func TestHTTPEngineBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	eng := NewHTTPEngine(server.URL, "")
	for i := 0; i < 6; i++ {
		_ = eng.StartPush(context.Background(), PushConfig{TargetID: "target-1"})
	}
	if requests > 5 {
		t.Fatalf("breaker should shed traffic after 5 consecutive failures, saw %d requests", requests)
	}
	err := eng.StartPush(context.Background(), PushConfig{TargetID: "target-1"})
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("expected ErrEngine while breaker open, got %v", err)
	}
}
