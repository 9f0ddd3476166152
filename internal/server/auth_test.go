package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func newSessionTestApp(now time.Time) *App {
	cfg := newTestConfig()
	return &App{cfg: cfg, now: func() time.Time { return now }}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	app := newSessionTestApp(now)

	token, err := app.issueSessionToken(AuthUser{ID: "user-1", Name: "Ada"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	userID, err := app.parseSessionToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %q", userID)
	}
}

func TestSessionTokenRejectsExpired(t *testing.T) {
	issuedAt := time.Now().UTC().Add(-3 * time.Hour)
	token, err := newSessionTestApp(issuedAt).issueSessionToken(AuthUser{ID: "user-1"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := newSessionTestApp(time.Now().UTC()).parseSessionToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestSessionTokenRejectsOtherSecret(t *testing.T) {
	now := time.Now().UTC()
	other := newSessionTestApp(now)
	other.cfg.SessionSecret = "another-secret-0987654321"
	token, err := other.issueSessionToken(AuthUser{ID: "user-1"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := newSessionTestApp(now).parseSessionToken(token); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
}

func TestSessionTokenRejectsUnsignedAndMissingExpiry(t *testing.T) {
	now := time.Now().UTC()
	app := newSessionTestApp(now)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-1",
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	if _, err := app.parseSessionToken(unsigned); err == nil {
		t.Fatal("expected alg=none token to be rejected")
	}

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"}).
		SignedString([]byte(app.cfg.SessionSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := app.parseSessionToken(noExpiry); err == nil {
		t.Fatal("expected token without exp to be rejected")
	}
}

func TestSessionTokenRejectsMissingSubject(t *testing.T) {
	now := time.Now().UTC()
	app := newSessionTestApp(now)
	token, err := app.issueSessionToken(AuthUser{ID: ""})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := app.parseSessionToken(token); err == nil {
		t.Fatal("expected token without subject to be rejected")
	}
}

func TestSessionTokenFromRequestPrefersCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	c.Request.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "cookie-token"})
	c.Request.Header.Set("Authorization", "Bearer header-token")

	if got := sessionTokenFromRequest(c); got != "cookie-token" {
		t.Fatalf("expected cookie token, got %q", got)
	}

	c.Request = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	c.Request.Header.Set("Authorization", "bearer header-token")
	if got := sessionTokenFromRequest(c); got != "header-token" {
		t.Fatalf("expected header token, got %q", got)
	}

	c.Request = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	if got := sessionTokenFromRequest(c); got != "" {
		t.Fatalf("expected no token, got %q", got)
	}
}

func TestSetSessionCookieFlags(t *testing.T) {
	app := newSessionTestApp(time.Now())
	app.cfg.CookieSecure = true

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/login", nil)
	app.setSessionCookie(c, "token")

	cookie := sessionCookie(rec)
	if cookie == nil {
		t.Fatal("expected session cookie")
	}
	if !cookie.HttpOnly || !cookie.Secure {
		t.Fatalf("expected HttpOnly and Secure, got %+v", cookie)
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("expected SameSite=Lax, got %v", cookie.SameSite)
	}
	if cookie.MaxAge != int(time.Hour/time.Second) {
		t.Fatalf("expected max age of one hour, got %d", cookie.MaxAge)
	}
}
