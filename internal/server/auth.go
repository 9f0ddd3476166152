package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"homesense/dashboard/internal/logging"
)

const sessionCookieName = "session"

var errNoSession = errors.New("no session")

type sessionClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

func (a *App) issueSessionToken(user AuthUser) (string, error) {
	now := a.now().UTC()
	claims := sessionClaims{
		Name: user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.SessionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.SessionSecret))
}

// parseSessionToken returns the user id carried by a valid, unexpired token.
func (a *App) parseSessionToken(raw string) (string, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(token *jwt.Token) (any, error) {
			return []byte(a.cfg.SessionSecret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid session token")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("session subject missing")
	}
	return subject, nil
}

func (a *App) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookieName, token, int(a.cfg.SessionTTL/time.Second), "/", "", a.cfg.CookieSecure, true)
}

func (a *App) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookieName, "", -1, "/", "", a.cfg.CookieSecure, true)
}

// sessionTokenFromRequest prefers the cookie and falls back to a bearer header.
func sessionTokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(sessionCookieName); err == nil && strings.TrimSpace(cookie) != "" {
		return strings.TrimSpace(cookie)
	}
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):])
	}
	return ""
}

// resolveSession maps the request's session to a user row. The status is what
// a JSON caller should see on failure.
func (a *App) resolveSession(c *gin.Context) (AuthUser, int, error) {
	raw := sessionTokenFromRequest(c)
	if raw == "" {
		return AuthUser{}, http.StatusUnauthorized, errNoSession
	}
	userID, err := a.parseSessionToken(raw)
	if err != nil {
		return AuthUser{}, http.StatusUnauthorized, fmt.Errorf("parse session: %w", err)
	}
	user, err := a.loadUserByID(c.Request.Context(), userID)
	if errors.Is(err, errNotFound) {
		return AuthUser{}, http.StatusUnauthorized, errors.New("session user no longer exists")
	}
	if err != nil {
		return AuthUser{}, http.StatusInternalServerError, err
	}
	return user, http.StatusOK, nil
}

func (a *App) attachUser(c *gin.Context, user AuthUser) {
	c.Set(authUserKey, user)
	c.Request = c.Request.WithContext(logging.ContextWithUserID(c.Request.Context(), user.ID))
}

// sessionUser resolves and attaches the session user for handlers that answer
// unauthenticated callers themselves. The status tells a missing session
// (401) apart from a store failure (500).
func (a *App) sessionUser(c *gin.Context) (AuthUser, int, error) {
	if user, ok := authUserFromContext(c); ok {
		return user, http.StatusOK, nil
	}
	user, status, err := a.resolveSession(c)
	if err != nil {
		return AuthUser{}, status, err
	}
	a.attachUser(c, user)
	return user, http.StatusOK, nil
}

// optionalUser resolves the session without failing the request, for pages
// that only show who is signed in.
func (a *App) optionalUser(c *gin.Context) (AuthUser, bool) {
	user, _, err := a.sessionUser(c)
	return user, err == nil
}

func (a *App) pageAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, status, err := a.resolveSession(c)
		if err != nil {
			if status == http.StatusInternalServerError {
				a.logDBError(c.Request.Context(), "load_session_user", err)
				a.renderError(c, http.StatusInternalServerError, "Something went wrong loading your account.")
				return
			}
			if !errors.Is(err, errNoSession) {
				a.clearSessionCookie(c)
			}
			c.Redirect(http.StatusSeeOther, "/login")
			c.Abort()
			return
		}
		a.attachUser(c, user)
		c.Next()
	}
}

func (a *App) apiAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, status, err := a.resolveSession(c)
		if err != nil {
			if status == http.StatusInternalServerError {
				a.logDBError(c.Request.Context(), "load_session_user", err)
				writeError(c, status, "Database error")
				return
			}
			writeError(c, http.StatusUnauthorized, "Unauthorized")
			return
		}
		a.attachUser(c, user)
		c.Next()
	}
}
