package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"returnshield/backend/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := rec.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	rec := env.do(t, http.MethodOptions, "/api/v1/checkout", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key") {
		t.Fatalf("expected Idempotency-Key to be an allowed header")
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		rec := httptest.NewRecorder()

		env.handler.ServeHTTP(rec, req)

		if i < 5 && rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, rec.Code)
		}
		if i == 5 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", rec.Code)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", rec.Code)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"username":"admin","password":"admin123","role":"admin"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	env := newTestEnv(t, &chainStub{})

	rec := env.do(t, http.MethodGet, "/api/v1/inventory", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/inventory", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", rec.Code)
	}
}

func TestServerErrorsHideCause(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ctx := newGinContext(rec, req)

	env.api.writeError(ctx, http.StatusInternalServerError, fmt.Errorf("pq: relation \"secrets\" does not exist"))
	if strings.Contains(rec.Body.String(), "secrets") {
		t.Fatalf("expected generic 5xx body, got %s", rec.Body.String())
	}
}
