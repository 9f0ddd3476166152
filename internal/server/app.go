package server

import (
	"context"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"homesense/dashboard/internal/config"
	"homesense/dashboard/internal/logging"
	"homesense/dashboard/internal/metrics"
)

const (
	authUserKey     = "authUser"
	requestIDHeader = "X-Request-ID"
)

type App struct {
	cfg         config.Config
	db          *pgxpool.Pool
	ai          AIClient
	chatHistory *chatHistoryStore
	limiter     *userRateLimiter
	pages       *template.Template
	now         func() time.Time
}

type AuthUser struct {
	ID    string
	Name  string
	Email string
}

func New(cfg config.Config, db *pgxpool.Pool) *App {
	return &App{
		cfg:         cfg,
		db:          db,
		ai:          NewAIClient(cfg),
		chatHistory: newChatHistoryStore(cfg.ChatHistoryCap, cfg.ChatHistoryTTL, cfg.ChatHistoryTurns),
		limiter:     newUserRateLimiter(cfg.AIRateLimitPerMin, time.Minute),
		pages:       mustParsePages(),
		now:         time.Now,
	}
}

// WithAIClient swaps the completion client, mainly for tests.
func (a *App) WithAIClient(client AIClient) *App {
	a.ai = client
	return a
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(a.requestContext(), gin.Recovery(), a.recordMetrics())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{"Content-Length", requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.SetHTMLTemplate(a.pages)

	router.GET("/health", a.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/", a.staticPage("index", "Home"))
	router.GET("/features", a.staticPage("features", "Features"))
	router.GET("/about", a.staticPage("about", "About"))
	router.GET("/contact", a.contactPage)
	router.GET("/chat", a.staticPage("chat", "Assistant"))
	router.GET("/login", a.loginPage)
	router.GET("/signup", a.signupPage)

	router.POST("/signup", a.signup)
	router.POST("/login", a.login)
	router.GET("/logout", a.logout)
	router.POST("/logout", a.logout)
	router.POST("/contact", a.submitContact)
	router.POST("/ask-chatgpt", a.askAssistant)
	router.POST("/clear-history", a.clearHistory)

	pages := router.Group("/")
	pages.Use(a.pageAuth())
	pages.GET("/dashboard", a.dashboard)
	pages.GET("/rooms-data", a.roomsData)
	pages.GET("/notifications", a.notificationsPage)

	api := router.Group("/")
	api.Use(a.apiAuth())
	api.POST("/notifications/generate", a.rateLimit("notifications_generate"), a.generateNotifications)
	api.GET("/notifications/top", a.rateLimit("notifications_top"), a.topNotifications)
	api.DELETE("/notifications/delete", a.deleteNotification)
	api.POST("/notifications/favorite", a.favoriteNotification)

	legacy := api
	if a.cfg.DemoMode {
		logging.Warn().Msg("DEMO_MODE is on; /rooms and /readings are served without authentication")
		legacy = router.Group("/")
	}
	legacy.GET("/rooms", a.legacyRooms)
	legacy.GET("/readings", a.legacyReadings)
	legacy.GET("/readings/:roomId", a.legacyReadings)

	router.NoRoute(a.notFound)
	return router
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "homesense-dashboard",
	})
}

func (a *App) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" || len(requestID) > 64 {
			requestID = logging.GenerateRequestID()
		}
		c.Request = c.Request.WithContext(logging.ContextWithRequestID(c.Request.Context(), requestID))
		c.Header(requestIDHeader, requestID)

		started := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logging.Ctx(c.Request.Context()).Info()
		if status >= http.StatusInternalServerError {
			event = logging.Ctx(c.Request.Context()).Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(started)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

func (a *App) recordMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		metrics.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(started))
	}
}

func (a *App) notFound(c *gin.Context) {
	if wantsJSON(c) {
		writeError(c, http.StatusNotFound, "Not found")
		return
	}
	a.renderError(c, http.StatusNotFound, "The page you are looking for does not exist.")
}

func wantsJSON(c *gin.Context) bool {
	if strings.Contains(c.GetHeader("Accept"), "application/json") {
		return true
	}
	return strings.HasPrefix(c.ContentType(), "application/json")
}

func authUserFromContext(c *gin.Context) (AuthUser, bool) {
	raw, ok := c.Get(authUserKey)
	if !ok {
		return AuthUser{}, false
	}
	user, ok := raw.(AuthUser)
	return user, ok
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

// logDBError records a failed data-store call. The client only ever sees a
// generic message.
func (a *App) logDBError(ctx context.Context, operation string, err error) {
	metrics.RecordDBError(operation)
	logging.Ctx(ctx).Error().Err(err).Str("operation", operation).Msg("database error")
}
