package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantum-forge/a2a-server/internal/agent"
	"github.com/quantum-forge/a2a-server/internal/auth"
	"github.com/quantum-forge/a2a-server/internal/broker"
	"github.com/quantum-forge/a2a-server/internal/common/config"
	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/internal/db"
	"github.com/quantum-forge/a2a-server/internal/events/bus"
	"github.com/quantum-forge/a2a-server/internal/protocol"
	"github.com/quantum-forge/a2a-server/internal/queue"
	"github.com/quantum-forge/a2a-server/internal/task"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// failingHandler always errors; tests target it by name to exercise the
// failed-task path.
type failingHandler struct{}

func (failingHandler) Name() string { return "boom" }

func (failingHandler) ProcessMessage(context.Context, *protocol.Message, string) (*protocol.Message, error) {
	return nil, errors.New("handler exploded")
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:        "127.0.0.1",
			Port:        0,
			ReadTimeout: 5,
		},
		Broker:  config.BrokerConfig{QueueSize: 32, AgentTTLSeconds: 300},
		Queue:   config.QueueConfig{LeaseTimeout: 600, HeartbeatInterval: 10, ResultLimit: 5000, WatchInterval: 1},
		Logging: config.LoggingConfig{Level: "error"},
	}
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return buildTestGateway(t, true, nil)
}

func buildTestGateway(t *testing.T, streaming bool, authSvc *auth.Service) *Gateway {
	t.Helper()
	log := newTestLogger(t)
	cfg := testConfig()

	memBus := bus.NewMemoryEventBus(log)
	brk := broker.New(memBus, cfg.Broker, log)
	tasks := task.NewManager(task.NewMemoryStorage(), brk, "test-agent", log)

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := queue.NewRepositoryWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create queue repository: %v", err)
	}
	queueSvc := queue.NewService(repo, brk, cfg.Queue, log)
	watcher := queue.NewWatcher(queueSvc, func(context.Context, *queue.AgentTask) (string, error) {
		return "done", nil
	}, cfg.Queue, log)

	router := agent.NewRouter(agent.NewEchoHandler(""), nil, log)
	router.Register(failingHandler{})

	builder := protocol.NewCardBuilder().
		Name("test-agent").
		Description("gateway test agent").
		URL("http://127.0.0.1").
		Provider("Quantum Forge", "https://example.com")
	if streaming {
		builder = builder.WithStreaming()
	}
	card, err := builder.Build()
	if err != nil {
		t.Fatalf("failed to build agent card: %v", err)
	}

	g := New(cfg, Deps{
		Card:    card,
		Tasks:   tasks,
		Agents:  router,
		Broker:  brk,
		Queue:   queueSvc,
		Watcher: watcher,
		Auth:    authSvc,
	}, log)
	g.streamDelay = 2 * time.Millisecond

	t.Cleanup(func() {
		watcher.StopAll(context.Background())
		tasks.Close()
		brk.Close()
		memBus.Close()
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	})
	return g
}

// doJSON performs one request against the gateway router and decodes
// the JSON response body into out (when non-nil).
func doJSON(t *testing.T, g *Gateway, method, path string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	g.Router().ServeHTTP(w, req)

	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("failed to decode %s %s response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w
}

func TestGateway_Health(t *testing.T) {
	g := newTestGateway(t)

	var body map[string]interface{}
	w := doJSON(t, g, http.MethodGet, "/health", nil, &body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", body["status"])
	}
	if body["timestamp"] == nil {
		t.Error("expected a timestamp")
	}
}

func TestGateway_AgentCard(t *testing.T) {
	g := newTestGateway(t)

	var card protocol.AgentCard
	w := doJSON(t, g, http.MethodGet, "/.well-known/agent-card.json", nil, &card)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if card.Name != "test-agent" {
		t.Errorf("expected card name test-agent, got %q", card.Name)
	}
	if !card.Capabilities.Streaming {
		t.Error("expected streaming capability on the card")
	}
}

func TestGateway_CORSPreflight(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	w := httptest.NewRecorder()
	g.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
	if origin := w.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected wildcard allow-origin, got %q", origin)
	}
}

func TestREST_WorkerLifecycle(t *testing.T) {
	g := newTestGateway(t)

	var registered struct {
		Success bool          `json:"success"`
		Worker  *queue.Worker `json:"worker"`
	}
	w := doJSON(t, g, http.MethodPost, "/workers/register",
		map[string]interface{}{"name": "builder", "capabilities": []string{"go"}, "hostname": "ci-1"},
		&registered)
	if w.Code != http.StatusOK || !registered.Success {
		t.Fatalf("register failed: %d %s", w.Code, w.Body.String())
	}
	if registered.Worker == nil || registered.Worker.ID == "" {
		t.Fatal("expected a worker with a generated id")
	}
	workerID := registered.Worker.ID

	var workers []*queue.Worker
	if w := doJSON(t, g, http.MethodGet, "/workers", nil, &workers); w.Code != http.StatusOK {
		t.Fatalf("list workers failed: %d", w.Code)
	}
	if len(workers) != 1 || workers[0].ID != workerID {
		t.Fatalf("expected the registered worker, got %+v", workers)
	}

	var beat map[string]interface{}
	if w := doJSON(t, g, http.MethodPost, "/workers/"+workerID+"/heartbeat", nil, &beat); w.Code != http.StatusOK {
		t.Fatalf("heartbeat failed: %d", w.Code)
	}
	if beat["success"] != true {
		t.Errorf("expected heartbeat success, got %v", beat)
	}

	var gone map[string]interface{}
	if w := doJSON(t, g, http.MethodPost, "/workers/"+workerID+"/unregister", nil, &gone); w.Code != http.StatusOK {
		t.Fatalf("unregister failed: %d", w.Code)
	}
	if gone["success"] != true {
		t.Errorf("expected unregister success, got %v", gone)
	}

	// A second unregister still answers 200, flagged unsuccessful.
	var again map[string]interface{}
	if w := doJSON(t, g, http.MethodPost, "/workers/"+workerID+"/unregister", nil, &again); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat unregister, got %d", w.Code)
	}
	if again["success"] != false {
		t.Errorf("expected success=false on repeat unregister, got %v", again)
	}

	w = doJSON(t, g, http.MethodPost, "/workers/"+workerID+"/heartbeat", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 heartbeat after unregister, got %d", w.Code)
	}
}

func registerTestCodebase(t *testing.T, g *Gateway) string {
	t.Helper()
	var resp struct {
		Success  bool            `json:"success"`
		Codebase *queue.Codebase `json:"codebase"`
	}
	w := doJSON(t, g, http.MethodPost, "/codebases",
		map[string]interface{}{"name": "api-server", "path": "/srv/api-server", "watch_interval": 1},
		&resp)
	if w.Code != http.StatusOK || resp.Codebase == nil {
		t.Fatalf("register codebase failed: %d %s", w.Code, w.Body.String())
	}
	return resp.Codebase.ID
}

func enqueueTestTask(t *testing.T, g *Gateway, codebaseID, title string, priority int) *queue.AgentTask {
	t.Helper()
	var resp struct {
		Success bool             `json:"success"`
		Task    *queue.AgentTask `json:"task"`
	}
	w := doJSON(t, g, http.MethodPost, "/codebases/"+codebaseID+"/tasks",
		map[string]interface{}{"title": title, "prompt": "do " + title, "priority": priority},
		&resp)
	if w.Code != http.StatusOK || resp.Task == nil {
		t.Fatalf("enqueue failed: %d %s", w.Code, w.Body.String())
	}
	return resp.Task
}

func registerTestWorker(t *testing.T, g *Gateway, name string) string {
	t.Helper()
	var resp struct {
		Worker *queue.Worker `json:"worker"`
	}
	w := doJSON(t, g, http.MethodPost, "/workers/register",
		map[string]interface{}{"name": name}, &resp)
	if w.Code != http.StatusOK || resp.Worker == nil {
		t.Fatalf("register worker failed: %d %s", w.Code, w.Body.String())
	}
	return resp.Worker.ID
}

func TestREST_QueueTaskFlow(t *testing.T) {
	g := newTestGateway(t)
	codebaseID := registerTestCodebase(t, g)

	low := enqueueTestTask(t, g, codebaseID, "low", 0)
	high := enqueueTestTask(t, g, codebaseID, "high", 5)

	var pending []*queue.AgentTask
	w := doJSON(t, g, http.MethodGet, "/tasks?status=pending&codebase_id="+codebaseID, nil, &pending)
	if w.Code != http.StatusOK {
		t.Fatalf("list pending failed: %d", w.Code)
	}
	if len(pending) != 2 || pending[0].ID != high.ID || pending[1].ID != low.ID {
		t.Fatalf("expected priority ordering [high low], got %+v", pending)
	}

	workerID := registerTestWorker(t, g, "builder")

	// Running before claiming violates the state machine.
	w = doJSON(t, g, http.MethodPut, "/tasks/"+high.ID+"/status",
		map[string]interface{}{"status": "running", "worker_id": workerID}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for pending->running, got %d %s", w.Code, w.Body.String())
	}

	var claimed struct {
		Task *queue.AgentTask `json:"task"`
	}
	w = doJSON(t, g, http.MethodPut, "/tasks/"+high.ID+"/status",
		map[string]interface{}{"status": "assigned", "worker_id": workerID}, &claimed)
	if w.Code != http.StatusOK || claimed.Task.Status != queue.StatusAssigned {
		t.Fatalf("claim failed: %d %s", w.Code, w.Body.String())
	}

	// A rival worker cannot claim an assigned task.
	rivalID := registerTestWorker(t, g, "rival")
	w = doJSON(t, g, http.MethodPut, "/tasks/"+high.ID+"/status",
		map[string]interface{}{"status": "assigned", "worker_id": rivalID}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for rival claim, got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, g, http.MethodPut, "/tasks/"+high.ID+"/status",
		map[string]interface{}{"status": "running", "worker_id": workerID}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("running transition failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, g, http.MethodPost, "/tasks/"+high.ID+"/output",
		map[string]interface{}{"worker_id": workerID, "output": "compiling..."}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("output append failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, g, http.MethodPut, "/tasks/"+high.ID+"/status",
		map[string]interface{}{"status": "completed", "worker_id": workerID, "result": "built ok"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("completion failed: %d %s", w.Code, w.Body.String())
	}

	var final queue.AgentTask
	w = doJSON(t, g, http.MethodGet, "/tasks/"+high.ID, nil, &final)
	if w.Code != http.StatusOK {
		t.Fatalf("get task failed: %d", w.Code)
	}
	if final.Status != queue.StatusCompleted || final.Result != "built ok" {
		t.Errorf("expected completed task with result, got %+v", final)
	}
}

func TestREST_CancelQueueTask(t *testing.T) {
	g := newTestGateway(t)
	codebaseID := registerTestCodebase(t, g)

	pending := enqueueTestTask(t, g, codebaseID, "cancel-me", 0)

	var cancelled map[string]interface{}
	w := doJSON(t, g, http.MethodPost, "/tasks/"+pending.ID+"/cancel", nil, &cancelled)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel failed: %d %s", w.Code, w.Body.String())
	}
	if cancelled["message"] != "Task cancelled" {
		t.Errorf("unexpected cancel message: %v", cancelled["message"])
	}

	// Running tasks are interrupted through their worker, not here.
	running := enqueueTestTask(t, g, codebaseID, "busy", 0)
	workerID := registerTestWorker(t, g, "builder")
	doJSON(t, g, http.MethodPut, "/tasks/"+running.ID+"/status",
		map[string]interface{}{"status": "assigned", "worker_id": workerID}, nil)
	doJSON(t, g, http.MethodPut, "/tasks/"+running.ID+"/status",
		map[string]interface{}{"status": "running", "worker_id": workerID}, nil)

	var detail map[string]interface{}
	w = doJSON(t, g, http.MethodPost, "/tasks/"+running.ID+"/cancel", nil, &detail)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 cancelling a running task, got %d", w.Code)
	}
	if detail["detail"] != "Cannot cancel task (may already be running or completed)" {
		t.Errorf("unexpected cancel error detail: %v", detail["detail"])
	}
}

func TestREST_InvalidStatusFilter(t *testing.T) {
	g := newTestGateway(t)

	var detail map[string]interface{}
	w := doJSON(t, g, http.MethodGet, "/tasks?status=bogus", nil, &detail)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if detail["detail"] != "Invalid status: bogus" {
		t.Errorf("unexpected detail: %v", detail["detail"])
	}
}

func TestREST_Codebases(t *testing.T) {
	g := newTestGateway(t)
	codebaseID := registerTestCodebase(t, g)

	var codebases []*queue.Codebase
	w := doJSON(t, g, http.MethodGet, "/codebases", nil, &codebases)
	if w.Code != http.StatusOK || len(codebases) != 1 {
		t.Fatalf("expected one codebase, got %d %+v", w.Code, codebases)
	}

	w = doJSON(t, g, http.MethodDelete, "/codebases/"+codebaseID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", w.Code)
	}

	w = doJSON(t, g, http.MethodPost, "/codebases/"+codebaseID+"/tasks",
		map[string]interface{}{"title": "t", "prompt": "p"}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 enqueueing on a deleted codebase, got %d", w.Code)
	}
}

func TestREST_WatchMode(t *testing.T) {
	g := newTestGateway(t)
	codebaseID := registerTestCodebase(t, g)

	var status map[string]interface{}
	w := doJSON(t, g, http.MethodGet, "/codebases/"+codebaseID+"/watch", nil, &status)
	if w.Code != http.StatusOK || status["watch_mode"] != false {
		t.Fatalf("expected watch_mode false before start, got %d %v", w.Code, status)
	}

	var started map[string]interface{}
	w = doJSON(t, g, http.MethodPost, "/codebases/"+codebaseID+"/watch/start",
		map[string]interface{}{"interval": 1}, &started)
	if w.Code != http.StatusOK {
		t.Fatalf("watch start failed: %d %s", w.Code, w.Body.String())
	}
	if started["message"] != "Watch mode started for api-server" {
		t.Errorf("unexpected start message: %v", started["message"])
	}

	w = doJSON(t, g, http.MethodGet, "/codebases/"+codebaseID+"/watch", nil, &status)
	if w.Code != http.StatusOK || status["watch_mode"] != true {
		t.Fatalf("expected watch_mode true after start, got %d %v", w.Code, status)
	}

	var stopped map[string]interface{}
	w = doJSON(t, g, http.MethodPost, "/codebases/"+codebaseID+"/watch/stop", nil, &stopped)
	if w.Code != http.StatusOK {
		t.Fatalf("watch stop failed: %d %s", w.Code, w.Body.String())
	}
	if stopped["message"] != "Watch mode stopped for api-server" {
		t.Errorf("unexpected stop message: %v", stopped["message"])
	}

	var detail map[string]interface{}
	w = doJSON(t, g, http.MethodPost, "/codebases/"+codebaseID+"/watch/stop", nil, &detail)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 stopping an unwatched codebase, got %d", w.Code)
	}
	if detail["detail"] != "Codebase is not being watched" {
		t.Errorf("unexpected stop error detail: %v", detail["detail"])
	}
}

func TestMonitor_Snapshot(t *testing.T) {
	g := newTestGateway(t)
	codebaseID := registerTestCodebase(t, g)
	enqueueTestTask(t, g, codebaseID, "queued", 0)

	var snapshot struct {
		Timestamp string                   `json:"timestamp"`
		Agents    []interface{}            `json:"agents"`
		Tasks     []interface{}            `json:"tasks"`
		Queue     map[string]int           `json:"queue"`
		Workers   []map[string]interface{} `json:"workers"`
	}
	w := doJSON(t, g, http.MethodGet, "/monitor/snapshot", nil, &snapshot)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot failed: %d %s", w.Code, w.Body.String())
	}
	if snapshot.Timestamp == "" {
		t.Error("expected a snapshot timestamp")
	}
	if snapshot.Queue["pending"] != 1 {
		t.Errorf("expected one pending queue task, got %v", snapshot.Queue)
	}
}

func TestAuth_StaticTokenGate(t *testing.T) {
	log := newTestLogger(t)
	authSvc := auth.NewService(config.AuthConfig{
		Enabled:      true,
		StaticTokens: "ci:sekret-token",
	}, log)
	g := buildTestGateway(t, true, authSvc)

	// Open endpoints stay open.
	if w := doJSON(t, g, http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", w.Code)
	}

	// REST without a token is rejected.
	w := doJSON(t, g, http.MethodGet, "/workers", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/workers", nil)
	req.Header.Set("Authorization", "Bearer sekret-token")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with static token, got %d %s", rec.Code, rec.Body.String())
	}

	// RPC without a token fails as a JSON-RPC error.
	body := bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"tasks/get","params":{"task_id":"x"},"id":1}`))
	req = httptest.NewRequest(http.MethodPost, "/", body)
	rec = httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 RPC without token, got %d", rec.Code)
	}
	var rpcResp protocol.JSONRPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rpcResp); err != nil {
		t.Fatalf("failed to decode RPC error: %v", err)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != protocol.ErrCodeApplication {
		t.Errorf("expected -32001 auth error, got %+v", rpcResp.Error)
	}

	var authStatus map[string]interface{}
	if w := doJSON(t, g, http.MethodGet, "/auth/status", nil, &authStatus); w.Code != http.StatusOK {
		t.Fatalf("auth status failed: %d", w.Code)
	}
	if authStatus["available"] != true {
		t.Errorf("expected auth available, got %v", authStatus)
	}

	// /auth/me resolves the static service identity.
	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer sekret-token")
	rec = httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /auth/me, got %d %s", rec.Code, rec.Body.String())
	}
	var me map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("failed to decode /auth/me: %v", err)
	}
	if me["username"] != "ci" {
		t.Errorf("expected service username ci, got %v", me["username"])
	}

	// Password login needs an issuer; without one it reports disabled.
	w = doJSON(t, g, http.MethodPost, "/auth/login",
		map[string]interface{}{"username": "u", "password": "p"}, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 login without issuer, got %d", w.Code)
	}
}

func TestAuth_DisabledSurface(t *testing.T) {
	g := newTestGateway(t)

	var authStatus map[string]interface{}
	if w := doJSON(t, g, http.MethodGet, "/auth/status", nil, &authStatus); w.Code != http.StatusOK {
		t.Fatalf("auth status failed: %d", w.Code)
	}
	if authStatus["available"] != false {
		t.Errorf("expected auth unavailable, got %v", authStatus)
	}

	var out map[string]interface{}
	w := doJSON(t, g, http.MethodPost, "/auth/logout",
		map[string]interface{}{"session_id": "anything"}, &out)
	if w.Code != http.StatusOK || out["success"] != true {
		t.Errorf("expected idempotent logout, got %d %v", w.Code, out)
	}
}
