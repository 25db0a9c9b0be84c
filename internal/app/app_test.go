package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxgate/voxgate/internal/app"
	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/audio"
	rtmock "github.com/voxgate/voxgate/pkg/realtime/mock"
)

// testMetrics returns a Metrics instance backed by a throwaway provider.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// testConfig returns a fully defaulted config for a loopback server.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(`
server:
  listen_addr: "127.0.0.1:0"
ai:
  api_key: sk-test
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()
	a, err := app.New(cfg, &rtmock.Provider{}, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_NilProviderRejected(t *testing.T) {
	t.Parallel()

	if _, err := app.New(testConfig(t), nil); err == nil {
		t.Fatal("expected error for nil provider")
	}
}

func TestHandler_ServesAdminEndpoints(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/calls"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: got status %d", path, resp.StatusCode)
		}
	}
}

func TestCalls_ReportsLiveSessions(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	sessionCfg := bridge.Config{
		Provider:        &rtmock.Provider{},
		TelephonyFormat: audio.Format{SampleRate: 8000, Channels: 1},
		AIFormat:        audio.Format{SampleRate: 24000, Channels: 1},
		Metrics:         testMetrics(t),
	}
	if _, err := a.Registry().Create("call-1", sessionCfg); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer a.Registry().Terminate("call-1", bridge.ReasonCallEnded)

	resp, err := http.Get(srv.URL + "/calls")
	if err != nil {
		t.Fatalf("GET /calls: %v", err)
	}
	defer resp.Body.Close()

	var infos []bridge.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 || infos[0].CallID != "call-1" {
		t.Fatalf("got snapshot %+v, want one entry for call-1", infos)
	}
	if infos[0].State != "awaiting_media" {
		t.Errorf("got state %q, want awaiting_media", infos[0].State)
	}
}

func TestReadyz_ReportsAtCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.MaxConcurrentCalls = 1
	a := newTestApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	sessionCfg := bridge.Config{
		Provider:        &rtmock.Provider{},
		TelephonyFormat: audio.Format{SampleRate: 8000, Channels: 1},
		AIFormat:        audio.Format{SampleRate: 24000, Channels: 1},
		Metrics:         testMetrics(t),
	}
	if _, err := a.Registry().Create("call-1", sessionCfg); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer a.Registry().Terminate("call-1", bridge.ReasonCallEnded)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503 at capacity", resp.StatusCode)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the listener a moment to come up before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	if err := a.Shutdown(stopCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
