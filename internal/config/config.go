package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv            string
	AppName           string
	AppPort           string
	DatabaseURL       string
	SessionSecret     string
	SessionTTL        time.Duration
	CookieSecure      bool
	DemoMode          bool
	CORSAllowOrigins  []string
	LogLevel          string
	LogFormat         string
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	AIReasoningEffort string
	AIAdviceMaxTokens int
	AITimeoutSeconds  int
	AIRateLimitPerMin int
	ChatHistoryCap    int
	ChatHistoryTTL    time.Duration
	ChatHistoryTurns  int
}

func Load() Config {
	_ = godotenv.Load(".env")

	appEnv := getEnv("APP_ENV", "local")
	return Config{
		AppEnv:        appEnv,
		AppName:       getEnv("APP_NAME", "HomeSense Dashboard"),
		AppPort:       getEnv("APP_PORT", getEnv("PORT", "3000")),
		DatabaseURL:   getEnv("DATABASE_URL", BuildDatabaseURL(databaseParamsFromEnv())),
		SessionSecret: getEnv("SESSION_SECRET", ""),
		SessionTTL:    time.Duration(getEnvInt("SESSION_TTL_HOURS", 24)) * time.Hour,
		CookieSecure:  getEnvBool("COOKIE_SECURE", strings.EqualFold(appEnv, "production")),
		DemoMode:      getEnvBool("DEMO_MODE", false),
		CORSAllowOrigins: getEnvCSV(
			"CORS_ALLOW_ORIGINS",
			[]string{"http://localhost:3000", "http://127.0.0.1:3000"},
		),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", defaultLogFormat(appEnv)),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AIReasoningEffort: getEnv("AI_REASONING_EFFORT", ""),
		AIAdviceMaxTokens: getEnvInt("AI_ADVICE_MAX_OUTPUT_TOKENS", 700),
		AITimeoutSeconds:  getEnvInt("AI_TIMEOUT_SECONDS", 30),
		AIRateLimitPerMin: getEnvInt("AI_RATE_LIMIT_PER_MINUTE", 10),
		ChatHistoryCap:    getEnvInt("CHAT_HISTORY_CAPACITY", 1000),
		ChatHistoryTTL:    time.Duration(getEnvInt("CHAT_HISTORY_TTL_MINUTES", 30)) * time.Minute,
		ChatHistoryTurns:  getEnvInt("CHAT_HISTORY_TURNS", 10),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL or DB_HOST/DB_USER/DB_NAME is required")
	}
	secret := strings.TrimSpace(c.SessionSecret)
	if secret == "" {
		return errors.New("SESSION_SECRET is required")
	}
	if secret == "change-me-in-production" || secret == "your-secret-key" {
		return errors.New("SESSION_SECRET must not use insecure default value")
	}
	if len(secret) < 16 {
		return errors.New("SESSION_SECRET is too short; use at least 16 characters")
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL_HOURS must be positive")
	}
	if c.AIAdviceMaxTokens <= 0 || c.AIAdviceMaxTokens > 700 {
		return fmt.Errorf("AI_ADVICE_MAX_OUTPUT_TOKENS must be between 1 and 700, got %d", c.AIAdviceMaxTokens)
	}
	return nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "production")
}

// DatabaseParams are the split connection settings used when DATABASE_URL is absent.
type DatabaseParams struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func databaseParamsFromEnv() DatabaseParams {
	return DatabaseParams{
		Host:     getEnv("DB_HOST", ""),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", ""),
		Password: getEnv("DB_PASSWORD", getEnv("DB_PASS", "")),
		Name:     getEnv("DB_NAME", ""),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
}

// BuildDatabaseURL assembles a postgres URL; it returns "" when host, user or name is missing.
func BuildDatabaseURL(p DatabaseParams) string {
	if strings.TrimSpace(p.Host) == "" || strings.TrimSpace(p.User) == "" || strings.TrimSpace(p.Name) == "" {
		return ""
	}
	port := strings.TrimSpace(p.Port)
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   strings.TrimSpace(p.Host) + ":" + port,
		Path:   "/" + strings.TrimSpace(p.Name),
	}
	if p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	} else {
		u.User = url.User(p.User)
	}
	if mode := strings.TrimSpace(p.SSLMode); mode != "" {
		u.RawQuery = url.Values{"sslmode": []string{mode}}.Encode()
	}
	return u.String()
}

func defaultLogFormat(appEnv string) string {
	if strings.EqualFold(appEnv, "production") {
		return "json"
	}
	return "console"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvCSV(key string, fallback []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, item := range parts {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}
