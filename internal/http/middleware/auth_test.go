// README: Tests for Firebase auth middleware and the debug header fallback.
package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"emsdispatch/internal/http/middleware"
	"emsdispatch/internal/infra"
)

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.FirebaseToken
	err   error
	seen  string
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	s.seen = raw
	return s.token, s.err
}

func newTestRouter(auth gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth)
	r.GET("/test", func(c *gin.Context) {
		actor := middleware.Caller(c)
		c.JSON(http.StatusOK, gin.H{"uid": actor.ID, "role": actor.Role})
	})
	return r
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_MissingHeader(t *testing.T) {
	r := newTestRouter(middleware.Auth(&stubVerifier{token: &infra.FirebaseToken{UID: "user1"}}))
	w := serve(r, httptest.NewRequest(http.MethodGet, "/test", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_InvalidBearerPrefix(t *testing.T) {
	r := newTestRouter(middleware.Auth(&stubVerifier{token: &infra.FirebaseToken{UID: "user1"}}))
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Token sometoken")
	if w := serve(r, req); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_VerifierError(t *testing.T) {
	r := newTestRouter(middleware.Auth(&stubVerifier{err: errors.New("bad token")}))
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer invalidtoken")
	if w := serve(r, req); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_ValidToken_UIDAndRolePopulated(t *testing.T) {
	token := &infra.FirebaseToken{
		UID:    "medic123",
		Claims: map[string]interface{}{"role": "paramedic"},
	}
	r := newTestRouter(middleware.Auth(&stubVerifier{token: token}))
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer validtoken")
	w := serve(r, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"uid":"medic123"`) {
		t.Errorf("expected uid medic123 in body, got %s", body)
	}
	if !strings.Contains(body, `"role":"paramedic"`) {
		t.Errorf("expected role paramedic in body, got %s", body)
	}
}

func TestAuth_ValidToken_NoRoleClaimIsPatient(t *testing.T) {
	token := &infra.FirebaseToken{UID: "patient456", Claims: map[string]interface{}{}}
	r := newTestRouter(middleware.Auth(&stubVerifier{token: token}))
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer validtoken")
	w := serve(r, req)
	if !strings.Contains(w.Body.String(), `"role":"patient"`) {
		t.Errorf("expected patient role, got %s", w.Body.String())
	}
}

func TestAuth_SystemRoleClaimIsNotGranted(t *testing.T) {
	token := &infra.FirebaseToken{UID: "u1", Claims: map[string]interface{}{"role": "system"}}
	r := newTestRouter(middleware.Auth(&stubVerifier{token: token}))
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer validtoken")
	w := serve(r, req)
	if !strings.Contains(w.Body.String(), `"role":"patient"`) {
		t.Errorf("expected system claim to degrade to patient, got %s", w.Body.String())
	}
}

func TestAuth_WebsocketQueryToken(t *testing.T) {
	verifier := &stubVerifier{token: &infra.FirebaseToken{UID: "u1"}}
	r := newTestRouter(middleware.Auth(verifier))
	req := httptest.NewRequest(http.MethodGet, "/test?access_token=abc", nil)
	req.Header.Set("Upgrade", "websocket")
	if w := serve(r, req); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if verifier.seen != "abc" {
		t.Errorf("expected query token to be verified, got %q", verifier.seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/test?access_token=abc", nil)
	if w := serve(r, req); w.Code != http.StatusUnauthorized {
		t.Errorf("query token outside an upgrade must be ignored, got %d", w.Code)
	}
}

func TestDebugAuth(t *testing.T) {
	r := newTestRouter(middleware.DebugAuth())
	if w := serve(r, httptest.NewRequest(http.MethodGet, "/test", nil)); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(middleware.DebugUIDHeader, "admin1")
	req.Header.Set(middleware.DebugRoleHeader, "admin")
	w := serve(r, req)
	if !strings.Contains(w.Body.String(), `"role":"admin"`) {
		t.Errorf("expected admin role, got %s", w.Body.String())
	}
}
