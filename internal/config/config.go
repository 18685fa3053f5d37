package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName           = "OrderKerVerify"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultSessionID         = "default"
	defaultCodeTTL           = 10 * time.Minute
	defaultResolveTimeout    = 15 * time.Second
	defaultLIDResolveTimeout = 10 * time.Second
	defaultReconnectDelay    = 5 * time.Second
	defaultAccessTokenTTL    = 15 * time.Minute
	defaultRefreshTokenTTL   = 720 * time.Hour
)

// Config captures application runtime configuration loaded from
// environment variables.
type Config struct {
	AppName  string
	AppEnv   string
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	JWTSecret       string
	RefreshSecret   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// SessionID names the persisted protocol session this process owns.
	SessionID string
	// CodeTTL is the validity window of issued verification codes.
	CodeTTL time.Duration
	// ResolveTimeout bounds phone-to-identity directory lookups.
	ResolveTimeout time.Duration
	// LIDResolveTimeout bounds phone-identity-to-LID lookups.
	LIDResolveTimeout time.Duration
	// ReconnectDelay is the base delay between reconnect attempts.
	ReconnectDelay time.Duration
	// TestBypassCode, when set, is accepted as a master verification
	// code. Load refuses it outside development environments.
	TestBypassCode string

	ShutdownPeriod time.Duration
}

// Load reads configuration values from the environment and populates a
// Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:           getEnv("APP_NAME", defaultAppName),
		AppEnv:            getEnv("APP_ENV", defaultAppEnv),
		Port:              getEnv("PORT", defaultPort),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		RefreshSecret:     os.Getenv("REFRESH_SECRET"),
		AccessTokenTTL:    defaultAccessTokenTTL,
		RefreshTokenTTL:   defaultRefreshTokenTTL,
		SessionID:         getEnv("WA_SESSION_ID", defaultSessionID),
		CodeTTL:           defaultCodeTTL,
		ResolveTimeout:    defaultResolveTimeout,
		LIDResolveTimeout: defaultLIDResolveTimeout,
		ReconnectDelay:    defaultReconnectDelay,
		TestBypassCode:    os.Getenv("VERIFY_TEST_CODE"),
		ShutdownPeriod:    defaultShutdownDelay,
	}

	var err error
	if cfg.CodeTTL, err = durationEnv("VERIFY_CODE_TTL", cfg.CodeTTL); err != nil {
		return Config{}, err
	}
	if cfg.ResolveTimeout, err = durationEnv("RESOLVE_TIMEOUT", cfg.ResolveTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LIDResolveTimeout, err = durationEnv("LID_RESOLVE_TIMEOUT", cfg.LIDResolveTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectDelay, err = durationEnv("RECONNECT_BASE_DELAY", cfg.ReconnectDelay); err != nil {
		return Config{}, err
	}
	if cfg.AccessTokenTTL, err = durationEnv("ACCESS_TOKEN_TTL", cfg.AccessTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenTTL, err = durationEnv("REFRESH_TOKEN_TTL", cfg.RefreshTokenTTL); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("SHUTDOWN_TIMEOUT_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SHUTDOWN_TIMEOUT_SECONDS: %w", err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET must be set")
	}
	if cfg.RefreshSecret == "" {
		cfg.RefreshSecret = cfg.JWTSecret
	}

	if cfg.TestBypassCode != "" && !cfg.IsDev() {
		return Config{}, fmt.Errorf("VERIFY_TEST_CODE must not be set when APP_ENV=%s", cfg.AppEnv)
	}

	return cfg, nil
}

// IsDev reports whether the app runs in a development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
