package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return status
}

func TestCheckConstructors(t *testing.T) {
	tests := []struct {
		name  string
		check Check
		want  Check
	}{
		{"healthy", Healthy("connected"), Check{Status: StatusHealthy, Message: "connected"}},
		{"unhealthy", Unhealthy("stopped"), Check{Status: StatusUnhealthy, Message: "stopped"}},
		{"empty message", Healthy(""), Check{Status: StatusHealthy}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.check != tt.want {
				t.Errorf("got %+v, want %+v", tt.check, tt.want)
			}
		})
	}
}

func TestServer_HealthReportsEveryCheck(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	s.RegisterHealthCheck("host", func() Check { return Healthy("connected") })
	s.RegisterHealthCheck("gateway", func() Check { return Healthy("0 pending registrations") })

	w := get(t, s, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}

	status := decodeHealth(t, w)
	if status.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", status.Status)
	}
	if status.Uptime == "" || status.Timestamp.IsZero() {
		t.Errorf("uptime = %q timestamp = %v, want both set", status.Uptime, status.Timestamp)
	}
	for name, msg := range map[string]string{"host": "connected", "gateway": "0 pending registrations"} {
		if got := status.Checks[name]; got != Healthy(msg) {
			t.Errorf("checks[%s] = %+v, want healthy %q", name, got, msg)
		}
	}
}

func TestServer_OneFailingCheckFailsHealthAndReady(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	s.RegisterHealthCheck("host", func() Check { return Healthy("connected") })
	s.RegisterHealthCheck("gateway", func() Check { return Unhealthy("stopped") })

	w := get(t, s, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	status := decodeHealth(t, w)
	if status.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", status.Status)
	}
	if status.Checks["gateway"].Message != "stopped" {
		t.Errorf("gateway message = %q, want stopped", status.Checks["gateway"].Message)
	}
	if status.Checks["host"].Status != StatusHealthy {
		t.Errorf("host status = %s, want healthy", status.Checks["host"].Status)
	}

	if w := get(t, s, "/ready"); w.Code != http.StatusServiceUnavailable || w.Body.String() != "not ready" {
		t.Errorf("/ready = %d %q, want 503 not ready", w.Code, w.Body.String())
	}
}

func TestServer_ReadyFollowsChecks(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	running := true
	s.RegisterHealthCheck("gateway", func() Check {
		if running {
			return Healthy("running")
		}
		return Unhealthy("stopped")
	})

	if w := get(t, s, "/ready"); w.Code != http.StatusOK || w.Body.String() != "ready" {
		t.Errorf("/ready = %d %q, want 200 ready", w.Code, w.Body.String())
	}

	running = false
	if w := get(t, s, "/ready"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	// Liveness does not depend on checks.
	if w := get(t, s, "/live"); w.Code != http.StatusOK || w.Body.String() != "alive" {
		t.Errorf("/live = %d %q, want 200 alive", w.Code, w.Body.String())
	}
}

func TestServer_NoChecksIsHealthy(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	status := decodeHealth(t, get(t, s, "/health"))
	if status.Status != StatusHealthy || len(status.Checks) != 0 {
		t.Errorf("status = %s checks = %v, want healthy and none", status.Status, status.Checks)
	}
}

func TestServer_ReregisterReplacesCheck(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	s.RegisterHealthCheck("host", func() Check { return Unhealthy("disconnected") })
	s.RegisterHealthCheck("host", func() Check { return Healthy("connected") })

	status := decodeHealth(t, get(t, s, "/health"))
	if len(status.Checks) != 1 || status.Checks["host"].Status != StatusHealthy {
		t.Errorf("checks = %v, want one healthy host check", status.Checks)
	}
}

func TestServer_CustomPaths(t *testing.T) {
	s := NewServer(ServerConfig{Port: 0, MetricsPath: "/prom", HealthPath: "/status"}, nil)

	if w := get(t, s, "/status"); w.Code != http.StatusOK {
		t.Errorf("/status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w := get(t, s, "/prom"); w.Code != http.StatusOK {
		t.Errorf("/prom code = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := NewServer(ServerConfig{Port: 19091, MetricsPath: "/metrics", HealthPath: "/health"}, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if s.Uptime() <= 0 {
		t.Errorf("Uptime() = %v, want positive", s.Uptime())
	}
}
