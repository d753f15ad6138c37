package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/tmnsystems/secondbrain-sub001/internal/config"
	"github.com/tmnsystems/secondbrain-sub001/internal/contextstore"
)

func testConfig(port int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            port,
			ShutdownTimeout: config.Duration(2 * time.Second),
		},
		Telemetry: config.TelemetryConfig{
			ServiceName: "secondbraind-test",
		},
	}
}

func startServer(t *testing.T, srv *Server) (cancel func(), errCh chan error) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	errCh = make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	time.Sleep(100 * time.Millisecond)
	return cancelCtx, errCh
}

func awaitShutdown(t *testing.T, errCh chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer(testConfig(9291), nil)
	if srv == nil {
		t.Fatal("NewServer() returned nil")
	}
	if srv.config.Server.Port != 9291 {
		t.Errorf("server port = %d, want 9291", srv.config.Server.Port)
	}
}

func TestServer_Healthz(t *testing.T) {
	srv := NewServer(testConfig(9292), nil)
	cancel, errCh := startServer(t, srv)

	resp, err := http.Get("http://localhost:9292/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Service != "secondbraind-test" {
		t.Errorf("service = %q, want secondbraind-test", body.Service)
	}

	cancel()
	awaitShutdown(t, errCh)
}

func TestServer_ReadyzReportsTiers(t *testing.T) {
	store, err := contextstore.NewService(&contextstore.ServiceConfig{
		Fast: contextstore.NewMemoryTier(nil),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	srv := NewServer(testConfig(9293), store)
	cancel, errCh := startServer(t, srv)

	resp, err := http.Get("http://localhost:9293/readyz")
	if err != nil {
		t.Fatalf("GET /readyz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /readyz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Tiers["fast"] {
		t.Errorf("expected healthy fast tier, got %v", body.Tiers)
	}

	cancel()
	awaitShutdown(t, errCh)
}

func TestServer_Metrics(t *testing.T) {
	srv := NewServer(testConfig(9294), nil)
	cancel, errCh := startServer(t, srv)

	resp, err := http.Get("http://localhost:9294/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()
	awaitShutdown(t, errCh)
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv := NewServer(testConfig(9295), nil)
	cancel, errCh := startServer(t, srv)

	resp, err := http.Get("http://localhost:9295/healthz")
	if err != nil {
		t.Fatalf("server not running: %v", err)
	}
	resp.Body.Close()

	shutdownStart := time.Now()
	cancel()
	awaitShutdown(t, errCh)

	if elapsed := time.Since(shutdownStart); elapsed > 3*time.Second {
		t.Errorf("shutdown took %v, expected < 3s", elapsed)
	}

	checkResp, checkErr := http.Get("http://localhost:9295/healthz")
	if checkErr == nil {
		checkResp.Body.Close()
		t.Error("server still responding after shutdown")
	}
}

func TestServer_PortAlreadyInUse(t *testing.T) {
	cfg := testConfig(9296)

	srv1 := NewServer(cfg, nil)
	cancel1, errCh1 := startServer(t, srv1)
	defer cancel1()

	srv2 := NewServer(cfg, nil)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	if err := srv2.Start(ctx2); err == nil {
		t.Error("expected error when port is already in use, got nil")
	}

	cancel1()
	select {
	case <-errCh1:
	case <-time.After(2 * time.Second):
		t.Fatal("first server did not shutdown")
	}
}
