package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, key string, expired bool) string {
	t.Helper()
	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	signed, err := token.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func TestBearerAuth_DisabledPassesRequestsThrough(t *testing.T) {
	auth := newBearerAuth(false, "secret")
	called := false
	handler := auth.middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if !called || w.Code != 200 {
		t.Errorf("expected request to pass through when auth is disabled, code=%d called=%v", w.Code, called)
	}
}

func TestBearerAuth_MissingTokenIsRejected(t *testing.T) {
	auth := newBearerAuth(true, "secret")
	handler := auth.middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run without a bearer token")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestBearerAuth_ValidTokenPasses(t *testing.T) {
	auth := newBearerAuth(true, "secret")
	called := false
	handler := auth.middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "secret", false))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called || w.Code != 200 {
		t.Errorf("expected a valid token to pass, code=%d called=%v", w.Code, called)
	}
}

func TestBearerAuth_ExpiredTokenIsRejected(t *testing.T) {
	auth := newBearerAuth(true, "secret")
	handler := auth.middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run with an expired token")
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "secret", true))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestBearerAuth_WrongSigningKeyIsRejected(t *testing.T) {
	auth := newBearerAuth(true, "secret")
	handler := auth.middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run with a token signed by the wrong key")
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "not-the-secret", false))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
