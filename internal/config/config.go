package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// Store configuration
	DatabasePath  string `toml:"database_path"`
	StoreMaxPages int    `toml:"store_max_pages"`

	// OSM API configuration
	OSMBaseURL       string        `toml:"osm_base_url"`
	OSMClientID      string        `toml:"osm_client_id"`
	OAuthRedirectURI string        `toml:"oauth_redirect_uri"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
	RetryAttempts    int           `toml:"retry_attempts"`
	RetryBaseDelay   time.Duration `toml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `toml:"retry_max_delay"`

	// Authentication
	DefaultTokenTTL  time.Duration `toml:"default_token_ttl"`
	ValidationWindow time.Duration `toml:"validation_window"`
	ExpiryTick       time.Duration `toml:"expiry_tick"`

	// Sync configuration
	AttendanceLookbackDays int    `toml:"attendance_lookback_days"`
	SectionMoversRecord    string `toml:"section_movers_record"`
	// AutoSyncInterval re-runs a full sync while authenticated; zero disables it
	AutoSyncInterval time.Duration `toml:"auto_sync_interval"`

	// Cross-process token change broadcast; empty keeps changes in-process
	RedisURL string `toml:"redis_url"`

	// Metrics configuration
	MetricsEnabled bool   `toml:"metrics_enabled"`
	MetricsHost    string `toml:"metrics_host"`
	MetricsPort    int    `toml:"metrics_port"`

	// Platform hints
	Platform      string `toml:"platform"`
	ViewportWidth int    `toml:"viewport_width"`

	// Logging configuration
	LogLevel string `toml:"log_level"`
}

// Default returns a Config populated with every default value
func Default() *Config {
	return &Config{
		Host:                   "localhost",
		Port:                   4102,
		DatabasePath:           "./osmcache.db",
		OSMBaseURL:             "https://www.onlinescoutmanager.co.uk",
		RequestTimeout:         20 * time.Second,
		RetryAttempts:          3,
		RetryBaseDelay:         500 * time.Millisecond,
		RetryMaxDelay:          4 * time.Second,
		DefaultTokenTTL:        time.Hour,
		ValidationWindow:       60 * time.Second,
		ExpiryTick:             time.Second,
		AttendanceLookbackDays: 30,
		SectionMoversRecord:    "Section Movers",
		MetricsHost:            "localhost",
		MetricsPort:            9102,
		Platform:               "browser",
		ViewportWidth:          1024,
		LogLevel:               "info",
	}
}

// Load reads configuration from an optional TOML file named by OSMCACHE_CONFIG
// and then from environment variables, which take precedence.
// It fails fast if required variables are missing
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("OSMCACHE_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	cfg.Host = getEnv("HOST", cfg.Host)
	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)
	cfg.StoreMaxPages = getEnvInt("STORE_MAX_PAGES", cfg.StoreMaxPages)
	cfg.OSMBaseURL = getEnv("OSM_BASE_URL", cfg.OSMBaseURL)
	cfg.OSMClientID = getEnv("OSM_CLIENT_ID", cfg.OSMClientID)
	cfg.OAuthRedirectURI = getEnv("OAUTH_REDIRECT_URI", cfg.OAuthRedirectURI)
	cfg.RequestTimeout = getEnvDuration("OSM_REQUEST_TIMEOUT_SECONDS", time.Second, cfg.RequestTimeout)
	cfg.RetryAttempts = getEnvInt("OSM_RETRY_ATTEMPTS", cfg.RetryAttempts)
	cfg.RetryBaseDelay = getEnvDuration("OSM_RETRY_BASE_MS", time.Millisecond, cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = getEnvDuration("OSM_RETRY_MAX_MS", time.Millisecond, cfg.RetryMaxDelay)
	cfg.DefaultTokenTTL = getEnvDuration("DEFAULT_TOKEN_TTL_SECONDS", time.Second, cfg.DefaultTokenTTL)
	cfg.ValidationWindow = getEnvDuration("VALIDATION_WINDOW_SECONDS", time.Second, cfg.ValidationWindow)
	cfg.ExpiryTick = getEnvDuration("EXPIRY_TICK_MS", time.Millisecond, cfg.ExpiryTick)
	cfg.AttendanceLookbackDays = getEnvInt("ATTENDANCE_LOOKBACK_DAYS", cfg.AttendanceLookbackDays)
	cfg.SectionMoversRecord = getEnv("SECTION_MOVERS_RECORD", cfg.SectionMoversRecord)
	cfg.AutoSyncInterval = getEnvDuration("AUTO_SYNC_INTERVAL_SECONDS", time.Second, cfg.AutoSyncInterval)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsHost = getEnv("METRICS_HOST", cfg.MetricsHost)
	cfg.MetricsPort = getEnvInt("METRICS_PORT", cfg.MetricsPort)
	cfg.Platform = getEnv("OSMCACHE_PLATFORM", cfg.Platform)
	cfg.ViewportWidth = getEnvInt("VIEWPORT_WIDTH", cfg.ViewportWidth)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if cfg.OAuthRedirectURI == "" {
		cfg.OAuthRedirectURI = fmt.Sprintf("http://%s:%d/oauth-callback", cfg.Host, cfg.Port)
	}

	// Required values
	var missingVars []string

	if cfg.OSMClientID == "" {
		missingVars = append(missingVars, "OSM_CLIENT_ID")
	}

	if len(missingVars) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks ranges that would otherwise surface as confusing runtime errors
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	if c.StoreMaxPages < 0 {
		return fmt.Errorf("STORE_MAX_PAGES must not be negative")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry max delay %s is below base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.ExpiryTick <= 0 {
		return fmt.Errorf("expiry tick must be positive")
	}
	if c.AutoSyncInterval < 0 {
		return fmt.Errorf("auto sync interval must not be negative")
	}
	if c.DefaultTokenTTL <= 0 {
		return fmt.Errorf("default token ttl must be positive")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvDuration reads an integer count of unit from the environment
func getEnvDuration(key string, unit time.Duration, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil || value < 0 {
		return defaultValue
	}

	return time.Duration(value) * unit
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
