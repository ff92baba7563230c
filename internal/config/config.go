package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// 訪問者の永続化先
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend
	BackendURL      string
	GatewayTimeout  time.Duration
	GatewaySafeDial bool

	// Server
	ServerPort string
	BaseURL    string
	// TenantHost はテナントURL {tenant}.{host} のホスト部分。
	TenantHost string

	// Routes
	DashboardPath string
	LoginPath     string

	// Visitor
	VisitorMaxAge      int // 秒
	VisitorStore       string
	VisitorIdleTimeout time.Duration
	SweepInterval      time.Duration
	DatabaseURL        string
	RedisURL           string

	// Session core
	GuardWait            time.Duration
	AvailabilityDebounce time.Duration
	AvailabilityRate     float64 // req/sec/visitor

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitAuth    int

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.BackendURL = os.Getenv("BACKEND_URL")
	if cfg.BackendURL == "" {
		missing = append(missing, "BACKEND_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("BASE_URL must be an absolute URL: %q", cfg.BaseURL)
	}

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.TenantHost = getEnvString("TENANT_HOST", base.Host)
	cfg.DashboardPath = getEnvString("DASHBOARD_PATH", "/dashboard")
	cfg.LoginPath = getEnvString("LOGIN_PATH", "/login")
	cfg.VisitorMaxAge = getEnvInt("VISITOR_MAX_AGE", 86400)
	cfg.VisitorStore = strings.ToLower(getEnvString("VISITOR_STORE", StoreMemory))
	cfg.VisitorIdleTimeout = getEnvDuration("VISITOR_IDLE_TIMEOUT", 30*time.Minute)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 5*time.Minute)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.GatewayTimeout = getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second)
	cfg.GatewaySafeDial = getEnvBool("GATEWAY_SAFE_DIAL", false)
	cfg.GuardWait = getEnvDuration("GUARD_WAIT", 2*time.Second)
	cfg.AvailabilityDebounce = getEnvDuration("AVAILABILITY_DEBOUNCE", 300*time.Millisecond)
	cfg.AvailabilityRate = getEnvFloat("AVAILABILITY_RATE", 5)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.CookieSecure = base.Scheme == "https"
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は値の組み合わせを検証する。
func (c *Config) validate() error {
	switch c.VisitorStore {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when VISITOR_STORE=%s", StorePostgres)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when VISITOR_STORE=%s", StoreRedis)
		}
	default:
		return fmt.Errorf("VISITOR_STORE must be one of memory, postgres, redis: %q", c.VisitorStore)
	}

	for name, p := range map[string]string{"DASHBOARD_PATH": c.DashboardPath, "LOGIN_PATH": c.LoginPath} {
		if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
			return fmt.Errorf("%s must be a local absolute path: %q", name, p)
		}
	}
	if c.DashboardPath == c.LoginPath {
		return fmt.Errorf("DASHBOARD_PATH and LOGIN_PATH must differ")
	}
	if c.AvailabilityRate <= 0 {
		return fmt.Errorf("AVAILABILITY_RATE must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.RateLimitGeneral <= 0 || c.RateLimitAuth <= 0 {
		return fmt.Errorf("RATE_LIMIT_GENERAL and RATE_LIMIT_AUTH must be positive")
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
