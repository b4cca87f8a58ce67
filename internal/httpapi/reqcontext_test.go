package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mcprouter/router/internal/credit"
)

func TestRequestContextFrom_DefaultsWhenAbsent(t *testing.T) {
	rc := requestContextFrom(httptest.NewRequest("GET", "/", nil).Context())
	if rc != (credit.RequestContext{}) {
		t.Errorf("expected a zero-value RequestContext when none was stashed, got %+v", rc)
	}
}

func TestWithRequestContext_StashesAmbientIdentity(t *testing.T) {
	var captured credit.RequestContext
	handler := withRequestContext(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		captured = requestContextFrom(r.Context())
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("X-API-Key", "key-123")
	req.Header.Set("X-User-Id", "user-1")
	req.Header.Set("X-User-Email", "user@example.com")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	want := credit.RequestContext{APIKey: "key-123", UserID: "user-1", UserEmail: "user@example.com"}
	if captured != want {
		t.Errorf("captured = %+v, want %+v", captured, want)
	}
}
