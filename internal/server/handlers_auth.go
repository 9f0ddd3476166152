package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"homesense/dashboard/internal/logging"
)

const (
	loginErrorMissingFields      = "missing_fields"
	loginErrorInvalidCredentials = "invalid_credentials"
	duplicateEmailMessage        = "An account with this email already exists."
)

var loginErrorMessages = map[string]string{
	loginErrorMissingFields:      "Please enter your email and password.",
	loginErrorInvalidCredentials: "Invalid email or password.",
}

func (a *App) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBind(&req); err != nil {
		a.renderSignupError(c, req, "Invalid signup form")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if msg := validateRequest(req); msg != "" {
		a.renderSignupError(c, req, msg)
		return
	}

	ctx := c.Request.Context()
	exists, err := a.emailRegistered(ctx, req.Email)
	if err != nil {
		a.logDBError(ctx, "check_email", err)
		a.renderError(c, http.StatusInternalServerError, "We could not create your account right now.")
		return
	}
	if exists {
		a.renderSignupError(c, req, duplicateEmailMessage)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		a.renderSignupError(c, req, "password must be at most 72 bytes")
		return
	}
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("hash password")
		a.renderError(c, http.StatusInternalServerError, "We could not create your account right now.")
		return
	}

	userID := uuid.NewString()
	if err := a.insertUser(ctx, userID, req.Name, req.Email, string(hash)); err != nil {
		// lost the race against a concurrent signup for the same email
		if isUniqueViolation(err) {
			a.renderSignupError(c, req, duplicateEmailMessage)
			return
		}
		a.logDBError(ctx, "insert_user", err)
		a.renderError(c, http.StatusInternalServerError, "We could not create your account right now.")
		return
	}

	logging.Ctx(ctx).Info().Str("user_id", userID).Msg("user signed up")
	c.Redirect(http.StatusSeeOther, "/login?registered=1")
}

func (a *App) renderSignupError(c *gin.Context, req signupRequest, message string) {
	a.renderPage(c, http.StatusBadRequest, "signup", pageData{
		Title: "Sign up",
		Error: message,
		Form:  map[string]string{"name": req.Name, "email": req.Email},
	})
}

// login never sets a cookie unless the password matched.
func (a *App) login(c *gin.Context) {
	var req loginRequest
	_ = c.ShouldBind(&req)
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		redirectLoginError(c, loginErrorMissingFields)
		return
	}

	ctx := c.Request.Context()
	creds, err := a.loadCredentialsByEmail(ctx, email)
	if errors.Is(err, errNotFound) {
		redirectLoginError(c, loginErrorInvalidCredentials)
		return
	}
	if err != nil {
		a.logDBError(ctx, "load_credentials", err)
		a.renderError(c, http.StatusInternalServerError, "We could not log you in right now.")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(req.Password)); err != nil {
		logging.Ctx(ctx).Info().Str("user_id", creds.ID).Msg("login rejected")
		redirectLoginError(c, loginErrorInvalidCredentials)
		return
	}

	token, err := a.issueSessionToken(creds.AuthUser)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("issue session token")
		a.renderError(c, http.StatusInternalServerError, "We could not log you in right now.")
		return
	}
	a.setSessionCookie(c, token)
	c.Redirect(http.StatusSeeOther, "/dashboard")
}

func redirectLoginError(c *gin.Context, code string) {
	c.Redirect(http.StatusSeeOther, "/login?error="+url.QueryEscape(code))
}

func (a *App) logout(c *gin.Context) {
	a.clearSessionCookie(c)
	c.Redirect(http.StatusSeeOther, "/login")
}

func (a *App) loginPage(c *gin.Context) {
	data := pageData{Title: "Log in"}
	if code := c.Query("error"); code != "" {
		data.Error = loginErrorMessages[code]
		if data.Error == "" {
			data.Error = "Login failed."
		}
	}
	if c.Query("registered") == "1" {
		data.Notice = "Account created. You can log in now."
	}
	a.renderPage(c, http.StatusOK, "login", data)
}

func (a *App) signupPage(c *gin.Context) {
	a.renderPage(c, http.StatusOK, "signup", pageData{Title: "Sign up"})
}
