package orchestrator

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openkiosk/orchestrator/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func testServerConfig(t *testing.T) *config.OrchestratorConfig {
	t.Helper()

	cfg := &config.OrchestratorConfig{}
	cfg.Server.Port = freePort(t)
	cfg.Server.AuthToken = "test-token"
	cfg.Server.HeartbeatIntervalSec = 15
	cfg.Server.HeartbeatTimeoutCount = 3
	cfg.Remote.BaseURL = "http://127.0.0.1:1"
	cfg.Remote.StoreID = 1
	cfg.Remote.KioskID = "kiosk-test"
	cfg.Remote.RequestTimeoutSec = 1
	cfg.Session.StabilityWindowMS = 5000
	cfg.Session.SettleDelayMS = 3000
	cfg.Session.CardDedupWindowMS = 1500
	cfg.Session.TTLSec = 300
	cfg.Presence.ThresholdCM = 50
	cfg.Presence.HysteresisCM = 5
	cfg.Presence.CooldownMS = 2000
	cfg.Vision.LabelMapPath = writeLabelMapFile(t, `{"cola": "prod-77"}`)
	return cfg
}

func TestServerStartStop(t *testing.T) {
	cfg := testServerConfig(t)

	srv, err := NewServer(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	if srv.IsRunning() {
		t.Error("server should not be running before Start")
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !srv.IsRunning() {
		t.Error("server should be running after Start")
	}

	if err := srv.Start(); err == nil {
		t.Error("second Start should fail")
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if srv.IsRunning() {
		t.Error("server should not be running after Stop")
	}

	if err := srv.Stop(); err == nil {
		t.Error("second Stop should fail")
	}
}

func TestServerHealthz(t *testing.T) {
	cfg := testServerConfig(t)

	srv, err := NewServer(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer srv.Stop()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port)

	var resp *http.Response
	waitFor(t, 2*time.Second, func() bool {
		var getErr error
		resp, getErr = http.Get(url)
		return getErr == nil
	}, "healthz endpoint")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode healthz body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestServerLabelReload(t *testing.T) {
	cfg := testServerConfig(t)

	srv, err := NewServer(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer srv.Stop()

	url := fmt.Sprintf("http://127.0.0.1:%d/labels/reload", cfg.Server.Port)

	var resp *http.Response
	waitFor(t, 2*time.Second, func() bool {
		var postErr error
		resp, postErr = http.Post(url, "application/json", nil)
		return postErr == nil
	}, "label reload endpoint")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", getResp.StatusCode)
	}
}

func TestServerMissingLabelMap(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Vision.LabelMapPath = "/nonexistent/label-map.json"

	if _, err := NewServer(cfg, nil, zap.NewNop()); err == nil {
		t.Error("expected error for missing label map")
	}
}
