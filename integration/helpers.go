package integration

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/openkiosk/orchestrator/internal/config"
	"github.com/openkiosk/orchestrator/internal/orchestrator"
	"github.com/openkiosk/orchestrator/internal/storage"
)

const harnessToken = "integration-token"

// remoteHarness fakes the remote session API over real HTTP so the
// orchestrator's client goes through its full request path.
type remoteHarness struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	seq      int
	items    map[string]map[string]int
	bound    map[string]string
	statuses map[string]string

	failCreate   atomic.Bool
	failCheckout atomic.Bool

	createCalls   atomic.Int64
	upsertCalls   atomic.Int64
	checkoutCalls atomic.Int64
	cancelCalls   atomic.Int64
}

func newRemoteHarness(t *testing.T) *remoteHarness {
	t.Helper()

	rh := &remoteHarness{
		t:        t,
		items:    make(map[string]map[string]int),
		bound:    make(map[string]string),
		statuses: make(map[string]string),
	}
	rh.server = httptest.NewServer(http.HandlerFunc(rh.handle))
	t.Cleanup(rh.server.Close)
	return rh
}

func (rh *remoteHarness) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+harnessToken {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if r.URL.Path == "/sessions" {
		rh.handleCreate(w)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	if len(parts) != 2 {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	code, op := parts[0], parts[1]

	rh.mu.Lock()
	status, known := rh.statuses[code]
	rh.mu.Unlock()
	if !known {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}

	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch op {
	case "items":
		rh.upsertCalls.Add(1)
		if status != "OPEN" {
			http.Error(w, `{"error":"session not open"}`, http.StatusConflict)
			return
		}
		ref, _ := body["product_ref"].(string)
		qty, _ := body["quantity"].(float64)
		rh.mu.Lock()
		if rh.items[code] == nil {
			rh.items[code] = make(map[string]int)
		}
		rh.items[code][ref] = int(qty)
		total := rh.totalLocked(code)
		rh.mu.Unlock()
		writeJSON(w, map[string]interface{}{"ok": true, "total_price": total})

	case "bind-card":
		uid, _ := body["uid"].(string)
		rh.mu.Lock()
		rh.bound[code] = uid
		rh.mu.Unlock()
		writeJSON(w, map[string]interface{}{"ok": true, "bound": true})

	case "checkout":
		rh.checkoutCalls.Add(1)
		if rh.failCheckout.Load() {
			http.Error(w, `{"error":"payment gateway down"}`, http.StatusServiceUnavailable)
			return
		}
		rh.mu.Lock()
		rh.statuses[code] = "PAID"
		total := rh.totalLocked(code)
		rh.mu.Unlock()
		writeJSON(w, map[string]interface{}{"ok": true, "total_price": total})

	case "cancel":
		rh.cancelCalls.Add(1)
		rh.mu.Lock()
		rh.statuses[code] = "CANCELLED"
		rh.mu.Unlock()
		writeJSON(w, map[string]interface{}{"ok": true})

	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

func (rh *remoteHarness) handleCreate(w http.ResponseWriter) {
	rh.createCalls.Add(1)
	if rh.failCreate.Load() {
		http.Error(w, `{"error":"backend down"}`, http.StatusServiceUnavailable)
		return
	}

	rh.mu.Lock()
	rh.seq++
	code := fmt.Sprintf("S-%04d", rh.seq)
	rh.statuses[code] = "OPEN"
	rh.mu.Unlock()

	writeJSON(w, map[string]interface{}{"code": code, "status": "OPEN", "total_price": 0})
}

// totalLocked prices every line at 150 so tests can assert totals
// without a product catalogue.
func (rh *remoteHarness) totalLocked(code string) int64 {
	var total int64
	for _, qty := range rh.items[code] {
		total += int64(qty) * 150
	}
	return total
}

func (rh *remoteHarness) itemQuantity(code, ref string) int {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.items[code][ref]
}

func (rh *remoteHarness) boundUID(code string) string {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.bound[code]
}

func writeJSON(w http.ResponseWriter, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// orchestratorHarness boots a full server against a fake remote and a
// real sqlite journal, with windows shrunk so flows complete quickly.
type orchestratorHarness struct {
	t      *testing.T
	cfg    *config.OrchestratorConfig
	remote *remoteHarness
	server *orchestrator.Server
	db     *sql.DB
}

func newOrchestratorHarness(t *testing.T) *orchestratorHarness {
	t.Helper()

	remote := newRemoteHarness(t)
	db := setupIntegrationDB(t)

	cfg := &config.OrchestratorConfig{}
	cfg.Server.Port = freePort(t)
	cfg.Server.AuthToken = harnessToken
	cfg.Server.HeartbeatIntervalSec = 15
	cfg.Server.HeartbeatTimeoutCount = 3
	cfg.Remote.BaseURL = remote.server.URL
	cfg.Remote.StoreID = 7
	cfg.Remote.KioskID = "kiosk-itest"
	cfg.Remote.RequestTimeoutSec = 2
	cfg.Session.StabilityWindowMS = 80
	cfg.Session.SettleDelayMS = 60
	cfg.Session.CardDedupWindowMS = 100
	cfg.Session.TTLSec = 300
	cfg.Presence.ThresholdCM = 50
	cfg.Presence.HysteresisCM = 5
	cfg.Presence.CooldownMS = 30
	cfg.Vision.ConfThreshold = 0.4
	cfg.Vision.LabelMapPath = writeLabelMap(t, `{"cola": "prod-1001", "water": "prod-1002"}`)
	cfg.Controller.MinVersion = ">= 2.0.0"

	journal := storage.NewJournal(db, zap.NewNop())

	srv, err := orchestrator.NewServer(cfg, journal, zap.NewNop())
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Stop()
	})

	h := &orchestratorHarness{t: t, cfg: cfg, remote: remote, server: srv, db: db}
	h.waitForListener()
	return h
}

func (h *orchestratorHarness) waitForListener() {
	h.t.Helper()
	waitFor(h.t, 2*time.Second, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", h.cfg.Server.Port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "server listener")
}

func (h *orchestratorHarness) wsURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", h.cfg.Server.Port)
}

func (h *orchestratorHarness) journalStatus(logicalID string) string {
	row := h.db.QueryRow(`SELECT status FROM session_journal WHERE logical_id = ?`, logicalID)
	var status string
	if err := row.Scan(&status); err != nil {
		return ""
	}
	return status
}

// kioskClient is a raw websocket peer playing either the controller or
// the frontend role.
type kioskClient struct {
	t    *testing.T
	conn *websocket.Conn

	mu       sync.Mutex
	messages []map[string]interface{}
	closed   bool
}

func newKioskClient(t *testing.T, h *orchestratorHarness) *kioskClient {
	t.Helper()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+harnessToken)
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), header)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &kioskClient{t: t, conn: conn}
	go c.readLoop()

	t.Cleanup(c.close)
	return c
}

func (c *kioskClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		c.messages = append(c.messages, msg)
		c.mu.Unlock()
	}
}

func (c *kioskClient) send(payload map[string]interface{}) {
	c.t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshal client message: %v", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write client message: %v", err)
	}
}

func (c *kioskClient) hello(role, version string) {
	c.send(map[string]interface{}{"type": "hello", "role": role, "version": version})
}

// waitForKind blocks until a message of the given type has arrived and
// returns the first match.
func (c *kioskClient) waitForKind(kind string, timeout time.Duration) map[string]interface{} {
	c.t.Helper()

	var found map[string]interface{}
	waitFor(c.t, timeout, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, msg := range c.messages {
			if msg["type"] == kind {
				found = msg
				return true
			}
		}
		return false
	}, fmt.Sprintf("message of type %s", kind))
	return found
}

// waitForKindCount blocks until at least n messages of the given type
// have arrived and returns the n-th.
func (c *kioskClient) waitForKindCount(kind string, n int, timeout time.Duration) map[string]interface{} {
	c.t.Helper()

	var found map[string]interface{}
	waitFor(c.t, timeout, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		seen := 0
		for _, msg := range c.messages {
			if msg["type"] == kind {
				seen++
				if seen == n {
					found = msg
					return true
				}
			}
		}
		return false
	}, fmt.Sprintf("%d messages of type %s", n, kind))
	return found
}

func (c *kioskClient) countKind(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, msg := range c.messages {
		if msg["type"] == kind {
			count++
		}
	}
	return count
}

func (c *kioskClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *kioskClient) close() {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		_ = c.conn.Close()
	}
}

func setupIntegrationDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "orchestrator-itest-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	_ = tmpFile.Close()

	db, err := sql.Open("sqlite", tmpFile.Name())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpFile.Name())
	})

	runner := storage.NewMigrationRunner(db)
	if err := runner.Migrate(); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	return db
}

func writeLabelMap(t *testing.T, content string) string {
	t.Helper()
	path := t.TempDir() + "/label-map.json"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write label map: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool, label string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", label)
}
