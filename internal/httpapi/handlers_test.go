package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/mcprouter/router/internal/config"
	"github.com/mcprouter/router/internal/credit"
	"github.com/mcprouter/router/internal/store"
	"github.com/mcprouter/router/internal/upstream"
)

func newTestServer() *Server {
	cfg := &config.Config{
		Port: 4000, Name: "mcp-router", Version: "test",
		ToolNameSeparator: ":",
	}
	manager := upstream.NewManager(upstream.DefaultManagerConfig(), nil, nil, nil, nil)
	gate := credit.New(nil, ":", nil)
	repo := store.NewServerRepository(newFakeServerDB())
	return New(cfg, manager, gate, repo, nil, nil)
}

func registerBody(name, url string, enabled bool) *bytes.Reader {
	b, _ := json.Marshal(map[string]any{"name": name, "url": url, "enabled": enabled})
	return bytes.NewReader(b)
}

func TestHandleRegister_Success(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest("POST", "/register", registerBody("weather", "http://weather.example.com/mcp", false))
	w := httptest.NewRecorder()

	s.handleRegister(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["success"] != true {
		t.Errorf("expected success=true, got %+v", resp)
	}
}

func TestHandleRegister_InvalidInput(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest("POST", "/register", registerBody("", "", false))
	w := httptest.NewRecorder()

	s.handleRegister(w, req)

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400, body=%s", w.Code, w.Body.String())
	}
}

func TestHandleRegister_NameURLConflictOnSecondDifferentURL(t *testing.T) {
	s := newTestServer()

	w1 := httptest.NewRecorder()
	s.handleRegister(w1, httptest.NewRequest("POST", "/register", registerBody("weather", "http://a.example.com/mcp", false)))
	if w1.Code != 200 {
		t.Fatalf("first register status = %d, want 200, body=%s", w1.Code, w1.Body.String())
	}

	w2 := httptest.NewRecorder()
	s.handleRegister(w2, httptest.NewRequest("POST", "/register", registerBody("weather", "http://b.example.com/mcp", false)))
	if w2.Code != 409 {
		t.Fatalf("second register status = %d, want 409, body=%s", w2.Code, w2.Body.String())
	}
}

func TestHandleUnregister_NotFound(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest("DELETE", "/register/does-not-exist", nil)
	req.SetPathValue("serverName", "does-not-exist")
	w := httptest.NewRecorder()

	s.handleUnregister(w, req)

	if w.Code != 404 {
		t.Fatalf("status = %d, want 404, body=%s", w.Code, w.Body.String())
	}
}

func TestHandleUnregister_Success(t *testing.T) {
	s := newTestServer()
	s.handleRegister(httptest.NewRecorder(), httptest.NewRequest("POST", "/register", registerBody("weather", "http://a.example.com/mcp", false)))

	req := httptest.NewRequest("DELETE", "/register/weather", nil)
	req.SetPathValue("serverName", "weather")
	w := httptest.NewRecorder()

	s.handleUnregister(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
}

func TestHandleHealth_ReportsStoreConnectivity(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	storeHealth, ok := resp["store"].(map[string]any)
	if !ok || storeHealth["connected"] != true {
		t.Errorf("expected store.connected=true, got %+v", resp)
	}
}

func TestHandleConfig_ReturnsSanitizedConfig(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest("GET", "/config", nil)
	w := httptest.NewRecorder()

	s.handleConfig(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["name"] != "mcp-router" {
		t.Errorf("expected sanitized config name, got %+v", resp)
	}
}
