package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sploithunter/cin/internal/common/config"
	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/controller"
	"github.com/sploithunter/cin/internal/event"
	"github.com/sploithunter/cin/internal/feedback"
	gateway "github.com/sploithunter/cin/internal/gateway/websocket"
	"github.com/sploithunter/cin/internal/ingest"
	"github.com/sploithunter/cin/internal/session"
	"github.com/sploithunter/cin/internal/tiles"
	"github.com/sploithunter/cin/internal/tmux"
	"github.com/sploithunter/cin/internal/transcript"
	ws "github.com/sploithunter/cin/pkg/websocket"
)

type testEnv struct {
	router   *gin.Engine
	registry *session.Registry
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})

	store := session.NewStore(filepath.Join(dir, "sessions.json"), log)
	metaStore := session.NewMetadataStore(filepath.Join(dir, "metadata.json"), log)
	registry := session.NewRegistry(store, metaStore, session.DefaultAdapters(), nil, log)

	executor := tmux.NewExecutor(time.Second, log)
	ctrl := controller.New(registry, executor, "cin-test", "", log)
	worker := ingest.New(event.NewProcessor(false, log), registry, nil, 100, log)

	hub := gateway.NewHub(ws.NewDispatcher(), log)
	wsHandler := gateway.NewHandler(hub, "", log)

	tileStore := tiles.NewStore(filepath.Join(dir, "tiles.json"), nil, log)
	tileStore.Load()
	feedbackStore := feedback.NewStore(filepath.Join(dir, "feedback"), log)

	cfg := &config.Config{}
	srv := NewServer(Deps{
		Config:     cfg,
		Registry:   registry,
		Controller: ctrl,
		Ingest:     worker,
		Tiles:      tileStore,
		Feedback:   feedbackStore,
		Watchers:   map[string]*transcript.Watcher{},
		Hub:        hub,
		WSHandler:  wsHandler,
		Version:    "test",
	}, log)

	return &testEnv{router: srv.Router(), registry: registry}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	if body["ok"] != true {
		t.Error("expected ok:true")
	}
	if body["version"] != "test" {
		t.Errorf("expected version test, got %v", body["version"])
	}
}

func TestListSessionsEmpty(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	sessions, ok := body["sessions"].([]interface{})
	if !ok || len(sessions) != 0 {
		t.Errorf("expected empty sessions array, got %v", body["sessions"])
	}
}

func TestGetSessionValidation(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/sessions/not-a-uuid", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed id: expected 400, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/sessions/"+uuid.New().String(), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", w.Code)
	}
}

func TestCreateSessionRejectsBadCWD(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/sessions", map[string]interface{}{
		"name": "x",
		"cwd":  "/definitely/not/a/real/dir",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["ok"] != false {
		t.Error("expected ok:false")
	}
}

func TestPromptUnknownSession(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/sessions/"+uuid.New().String()+"/prompt",
		map[string]string{"prompt": "hello"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPromptRequiresContent(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/sessions/"+uuid.New().String()+"/prompt",
		map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPushEvent(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/event", map[string]interface{}{
		"hook_event_name": "UserPromptSubmit",
		"session_id":      "agent-xyz",
		"cwd":             "/tmp",
		"prompt":          "do it",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	views := env.registry.List()
	if len(views) != 1 {
		t.Fatalf("expected the pushed event to create a session, got %d", len(views))
	}
	if views[0].Status != session.StatusWorking {
		t.Errorf("expected working, got %s", views[0].Status)
	}
}

func TestPushEventRejectsInvalidJSON(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/event", bytes.NewBufferString("{nope"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAgentNotifyUnknownAgent(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/event/unknown-agent", map[string]string{"threadId": "t1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCleanupRequiresFilter(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodDelete, "/sessions/cleanup", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("no filters: expected 400, got %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/sessions/cleanup?type=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad type: expected 400, got %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/sessions/cleanup?phantom=true", nil)
	if w.Code != http.StatusOK {
		t.Errorf("phantom filter: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTilesCRUD(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/tiles", map[string]interface{}{"text": "note"})
	if w.Code != http.StatusOK {
		t.Fatalf("upsert: expected 200, got %d", w.Code)
	}
	tile := decode(t, w)["tile"].(map[string]interface{})
	id, _ := tile["id"].(string)
	if id == "" {
		t.Fatal("expected an assigned tile id")
	}

	w = env.do(t, http.MethodGet, "/tiles/"+id, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/tiles/"+id, nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/tiles/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", w.Code)
	}
}

func TestFeedbackCRUD(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/feedback", map[string]interface{}{"text": "broken button"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	rec := decode(t, w)["feedback"].(map[string]interface{})
	id, _ := rec["id"].(string)
	if id == "" {
		t.Fatal("expected an assigned feedback id")
	}

	w = env.do(t, http.MethodPatch, "/feedback/"+id, map[string]interface{}{"status": "triaged"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	updated := decode(t, w)["feedback"].(map[string]interface{})
	if updated["status"] != "triaged" {
		t.Errorf("expected merged status, got %v", updated["status"])
	}
	if updated["text"] != "broken button" {
		t.Errorf("expected original text preserved, got %v", updated["text"])
	}

	w = env.do(t, http.MethodDelete, "/feedback/"+id, nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/feedback/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", w.Code)
	}
}

func TestCORSLoopbackOrigin(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("expected loopback origin allowed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected foreign origin rejected, got %q", got)
	}
}
