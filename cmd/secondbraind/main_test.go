package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tmnsystems/secondbrain-sub001/internal/bus"
	"github.com/tmnsystems/secondbrain-sub001/internal/config"
	"github.com/tmnsystems/secondbrain-sub001/internal/review"
)

func testDaemonConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = port
	cfg.Store.Fast.Provider = "memory"
	cfg.Store.Durable.Enabled = true
	cfg.Store.Durable.Path = filepath.Join(t.TempDir(), "context.db")
	cfg.Store.Semantic.Provider = "none"
	return cfg
}

func TestInitServices_MemoryOnlyDeployment(t *testing.T) {
	cfg := testDaemonConfig(t, 0)
	cfg.Guard.Enabled = true
	cfg.Review.PersistOutcomes = true

	registry, store, err := initServices(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("initServices() error = %v", err)
	}
	defer store.Close()
	defer registry.Bus().Close()

	if registry.Bus() == nil {
		t.Error("expected bus service")
	}
	if registry.Review() == nil {
		t.Error("expected review service")
	}
	if registry.ContextStore() == nil {
		t.Error("expected context store")
	}
	if registry.Guard() == nil {
		t.Error("expected guard when enabled")
	}
	if registry.Embedder() != nil {
		t.Error("expected no embedder without a semantic tier")
	}

	// The review gate is reachable as a bus participant.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := registry.Bus().RegisterAgent("planner-1", "Planner", "planner"); err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}
	msg := bus.NewMessage("planner-1", review.BusAgentID, review.MsgReviewRequest, bus.Payload{
		"title":       "wire services",
		"review_type": "pre_implementation",
		"content": map[string]any{
			"goal":  "stand up the daemon",
			"steps": []string{"configure", "start"},
		},
	})
	resp, err := registry.Bus().Send(ctx, msg)
	if err != nil {
		t.Fatalf("Send(review_request) error = %v", err)
	}
	if resp == nil {
		t.Fatal("expected a verdict response from the review gate")
	}
	if got := resp.Payload["status"]; got != "approved" {
		t.Errorf("verdict status = %v, want approved", got)
	}
	if registry.Review().QueueLen() != 0 {
		t.Errorf("QueueLen() = %d, want 0", registry.Review().QueueLen())
	}
}

func TestMainIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9297
store:
  fast:
    provider: memory
  durable:
    enabled: false
  semantic:
    provider: none
`)
	if err := os.WriteFile(configFile, content, 0o600); err != nil {
		t.Fatal(err)
	}
	configPath = configFile
	defer func() { configPath = "" }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get("http://localhost:9297/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}
