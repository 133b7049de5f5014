package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collections-voice/internal/config"

	"github.com/gin-gonic/gin"
)

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}, opts...)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, Identity{UserID: "user-1", Team: "east", Role: "collector"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Identity() != (Identity{UserID: "user-1", Team: "east", Role: "collector"}) {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m := newManager(t)
	p, err := m.IssuePair(time.Now(), Identity{UserID: "u", Role: "admin"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, time.Now()); !errors.Is(err, ErrTokenType) {
		t.Fatalf("expected token_type mismatch, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1700000000, 0).UTC()
	p, _ := m.IssuePair(now, Identity{UserID: "u", Role: "admin"})
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now.Add(20*time.Minute)); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestRefreshRotatesPairWithSameIdentity(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1700000000, 0).UTC()
	p, _ := m.IssuePair(now, Identity{UserID: "user-2", Team: "west", Role: "supervisor"})

	later := now.Add(time.Hour)
	next, id, err := m.Refresh(p.RefreshToken, later)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if id.Role != "supervisor" || id.Team != "west" {
		t.Fatalf("identity lost on refresh: %+v", id)
	}
	if _, err := m.Verify(next.AccessToken, TokenTypeAccess, later); err != nil {
		t.Fatalf("refreshed access token invalid: %v", err)
	}
	if _, _, err := m.Refresh(p.AccessToken, later); !errors.Is(err, ErrTokenType) {
		t.Fatalf("access token must not refresh, got %v", err)
	}
	if _, _, err := m.Refresh(p.RefreshToken, now.Add(48*time.Hour)); err == nil {
		t.Fatal("expired refresh token accepted")
	}
}

func TestRolesRestrictIssueAndVerify(t *testing.T) {
	open := newManager(t)
	strict := newManager(t, WithRoles("admin", "collector"))
	now := time.Now()

	if _, err := strict.IssuePair(now, Identity{UserID: "u", Role: "root"}); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected unknown role on issue, got %v", err)
	}
	p, err := open.IssuePair(now, Identity{UserID: "u", Role: "root"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := strict.Verify(p.AccessToken, TokenTypeAccess, now); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected unknown role on verify, got %v", err)
	}
}

func TestRequireAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newManager(t)
	pair, _ := m.IssuePair(time.Now(), Identity{UserID: "user-7", Team: "west", Role: "supervisor"})

	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		role, _ := Role(c.Request.Context())
		c.String(http.StatusOK, role+"/"+Team(c.Request.Context()))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "supervisor/west" {
		t.Fatalf("code=%d body=%q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("refresh token used as access: code=%d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: code=%d", w.Code)
	}
}
