package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RoleFromContext(r.Context()) == "" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func serve(handler http.Handler, req *http.Request) int {
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp.Code
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	mw := NewMiddleware([]byte("test-secret"), NewDefaultPolicy(nil, nil))
	req := httptest.NewRequest(http.MethodGet, "/api/devices/dev1", nil)
	if code := serve(mw.Wrap(okHandler()), req); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestAuthMiddleware_ViewerForbiddenDevicePost(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "viewer", time.Hour)
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))

	req := httptest.NewRequest(http.MethodPost, "/api/devices/dev1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if code := serve(mw.Wrap(okHandler()), req); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestAuthMiddleware_OperatorMayPost(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "operator", time.Hour)
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))

	req := httptest.NewRequest(http.MethodPost, "/api/devices/dev1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if code := serve(mw.Wrap(okHandler()), req); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestAuthMiddleware_StreamAcceptsQueryToken(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "viewer", time.Hour)
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/devices/*?access_token="+token, nil)
	if code := serve(mw.Wrap(okHandler()), req); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "admin", -time.Minute)
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if code := serve(mw.Wrap(okHandler()), req); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestAuthMiddleware_ExemptAndDisabled(t *testing.T) {
	mw := NewMiddleware([]byte("test-secret"), NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil))
	passthrough := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	if code := serve(mw.Wrap(passthrough), httptest.NewRequest(http.MethodGet, "/healthz", nil)); code != http.StatusOK {
		t.Fatalf("expected exempt path to pass, got %d", code)
	}

	disabled := NewMiddleware(nil, NewDefaultPolicy(nil, nil))
	if disabled != nil {
		t.Fatalf("expected nil middleware without secret")
	}
	if code := serve(disabled.Wrap(passthrough), httptest.NewRequest(http.MethodPost, "/api/devices/dev1", nil)); code != http.StatusOK {
		t.Fatalf("expected disabled auth to pass, got %d", code)
	}
}

func TestPolicy_ExportRequiresOperator(t *testing.T) {
	policy := NewDefaultPolicy(nil, nil)
	role, ok := policy.RequiredRole(httptest.NewRequest(http.MethodGet, "/api/devices/dev1/export.xlsx", nil))
	if !ok || role != RoleOperator {
		t.Fatalf("expected operator, got %q ok=%v", role, ok)
	}
	role, ok = policy.RequiredRole(httptest.NewRequest(http.MethodGet, "/api/devices/dev1/history", nil))
	if !ok || role != RoleViewer {
		t.Fatalf("expected viewer, got %q ok=%v", role, ok)
	}
	if _, ok := policy.RequiredRole(httptest.NewRequest(http.MethodGet, "/metrics", nil)); ok {
		t.Fatalf("expected no role for non-api path")
	}
}

func mustToken(t *testing.T, secret []byte, role string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestNormalizeRole(t *testing.T) {
	if role, ok := NormalizeRole(" Operator "); !ok || role != RoleOperator {
		t.Fatalf("expected operator, got %q ok=%v", role, ok)
	}
	if _, ok := NormalizeRole("root"); ok {
		t.Fatalf("unknown role must be rejected")
	}
	if RoleAtLeast("", RoleViewer) || !RoleAtLeast(RoleAdmin, RoleOperator) || RoleAtLeast(RoleViewer, RoleOperator) {
		t.Fatalf("unexpected role ordering")
	}
}
