package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigWithDefaults(t *testing.T) {
	// Set only required env vars
	setTestEnv(t, map[string]string{
		"OSM_CLIENT_ID": "test_client_id",
	})

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "localhost" {
		t.Errorf("Expected default host 'localhost', got %s", config.Host)
	}
	if config.Port != 4102 {
		t.Errorf("Expected default port 4102, got %d", config.Port)
	}
	if config.DatabasePath != "./osmcache.db" {
		t.Errorf("Expected default database path './osmcache.db', got %s", config.DatabasePath)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %s", config.LogLevel)
	}
	if config.RequestTimeout != 20*time.Second {
		t.Errorf("Expected default request timeout 20s, got %s", config.RequestTimeout)
	}
	if config.ValidationWindow != 60*time.Second {
		t.Errorf("Expected default validation window 60s, got %s", config.ValidationWindow)
	}
	if config.SectionMoversRecord != "Section Movers" {
		t.Errorf("Expected default flexi record name 'Section Movers', got %s", config.SectionMoversRecord)
	}
	if config.OAuthRedirectURI != "http://localhost:4102/oauth-callback" {
		t.Errorf("Expected derived redirect URI, got %s", config.OAuthRedirectURI)
	}
	if config.OSMClientID != "test_client_id" {
		t.Errorf("Expected OSM_CLIENT_ID 'test_client_id', got %s", config.OSMClientID)
	}
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	setTestEnv(t, map[string]string{
		"HOST":                      "0.0.0.0",
		"PORT":                      "8080",
		"DATABASE_PATH":             "/tmp/test.db",
		"OSM_CLIENT_ID":             "custom_client_id",
		"LOG_LEVEL":                 "debug",
		"OSM_RETRY_BASE_MS":         "100",
		"OSM_RETRY_MAX_MS":          "800",
		"VALIDATION_WINDOW_SECONDS": "30",
		"METRICS_ENABLED":           "true",
		"REDIS_URL":                 "redis://localhost:6379/0",
	})

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "0.0.0.0" {
		t.Errorf("Expected host '0.0.0.0', got %s", config.Host)
	}
	if config.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", config.Port)
	}
	if config.DatabasePath != "/tmp/test.db" {
		t.Errorf("Expected database path '/tmp/test.db', got %s", config.DatabasePath)
	}
	if config.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got %s", config.LogLevel)
	}
	if config.RetryBaseDelay != 100*time.Millisecond {
		t.Errorf("Expected retry base 100ms, got %s", config.RetryBaseDelay)
	}
	if config.RetryMaxDelay != 800*time.Millisecond {
		t.Errorf("Expected retry max 800ms, got %s", config.RetryMaxDelay)
	}
	if config.ValidationWindow != 30*time.Second {
		t.Errorf("Expected validation window 30s, got %s", config.ValidationWindow)
	}
	if !config.MetricsEnabled {
		t.Error("Expected metrics to be enabled")
	}
	if config.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("Expected redis URL from env, got %s", config.RedisURL)
	}
	if config.OAuthRedirectURI != "http://0.0.0.0:8080/oauth-callback" {
		t.Errorf("Expected redirect URI to follow host and port, got %s", config.OAuthRedirectURI)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "osmcache.toml")

	content := `# Test config file
host = "192.168.1.1"
port = 9000
database_path = "/custom/path/cache.db"
osm_client_id = "file_client_id"
log_level = "warn"
section_movers_record = "Moving Up"
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create config file: %v", err)
	}

	setTestEnv(t, map[string]string{
		"OSMCACHE_CONFIG": configFile,
	})

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "192.168.1.1" {
		t.Errorf("Expected host '192.168.1.1' from file, got %s", config.Host)
	}
	if config.Port != 9000 {
		t.Errorf("Expected port 9000 from file, got %d", config.Port)
	}
	if config.LogLevel != "warn" {
		t.Errorf("Expected log level 'warn' from file, got %s", config.LogLevel)
	}
	if config.SectionMoversRecord != "Moving Up" {
		t.Errorf("Expected record name 'Moving Up' from file, got %s", config.SectionMoversRecord)
	}
	if config.OSMClientID != "file_client_id" {
		t.Errorf("Expected client ID 'file_client_id' from file, got %s", config.OSMClientID)
	}
}

func TestEnvVarsPrecedenceOverConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "osmcache.toml")

	content := `host = "from_file"
port = 9000
osm_client_id = "file_client_id"
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create config file: %v", err)
	}

	setTestEnv(t, map[string]string{
		"OSMCACHE_CONFIG": configFile,
		"HOST":            "from_env_var",
		"OSM_CLIENT_ID":   "env_client_id",
	})

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "from_env_var" {
		t.Errorf("Expected host 'from_env_var' from env var, got %s", config.Host)
	}
	if config.OSMClientID != "env_client_id" {
		t.Errorf("Expected client ID 'env_client_id' from env var, got %s", config.OSMClientID)
	}
	if config.Port != 9000 {
		t.Errorf("Expected port 9000 from config file, got %d", config.Port)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	setTestEnv(t, map[string]string{
		"OSMCACHE_CONFIG": filepath.Join(t.TempDir(), "missing.toml"),
		"OSM_CLIENT_ID":   "test_client_id",
	})

	if _, err := Load(); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidationMissingClientID(t *testing.T) {
	setTestEnv(t, map[string]string{})

	_, err := Load()
	if err == nil {
		t.Fatal("Expected validation error for missing OSM_CLIENT_ID")
	}
	if !strings.Contains(err.Error(), "OSM_CLIENT_ID") {
		t.Errorf("Expected error to name OSM_CLIENT_ID, got: %v", err)
	}
}

func TestValidationInvalidPort(t *testing.T) {
	tests := []struct {
		port    string
		wantErr bool
	}{
		{"0", true},
		{"1", false},
		{"80", false},
		{"4102", false},
		{"65535", false},
		{"65536", true},
		{"99999", true},
	}

	for _, tt := range tests {
		t.Run("port_"+tt.port, func(t *testing.T) {
			setTestEnv(t, map[string]string{
				"PORT":          tt.port,
				"OSM_CLIENT_ID": "test_client_id",
			})

			_, err := Load()
			if tt.wantErr && err == nil {
				t.Errorf("Expected error for port %s, but got none", tt.port)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error for port %s, but got: %v", tt.port, err)
			}
		})
	}
}

func TestValidationInvalidLogLevel(t *testing.T) {
	setTestEnv(t, map[string]string{
		"LOG_LEVEL":     "invalid",
		"OSM_CLIENT_ID": "test_client_id",
	})

	_, err := Load()
	if err == nil {
		t.Fatal("Expected validation error for invalid LOG_LEVEL")
	}
	if err.Error() != "LOG_LEVEL must be one of: debug, info, warn, error" {
		t.Errorf("Unexpected error message: %v", err)
	}
}

func TestValidationRetryDelays(t *testing.T) {
	setTestEnv(t, map[string]string{
		"OSM_CLIENT_ID":     "test_client_id",
		"OSM_RETRY_BASE_MS": "2000",
		"OSM_RETRY_MAX_MS":  "1000",
	})

	if _, err := Load(); err == nil {
		t.Error("Expected error when max retry delay is below base delay")
	}
}

func TestValidationValidLogLevels(t *testing.T) {
	logLevels := []string{"debug", "info", "warn", "error"}

	for _, level := range logLevels {
		t.Run("log_level_"+level, func(t *testing.T) {
			setTestEnv(t, map[string]string{
				"LOG_LEVEL":     level,
				"OSM_CLIENT_ID": "test_client_id",
			})

			config, err := Load()
			if err != nil {
				t.Fatalf("Expected no error for log level %s, but got: %v", level, err)
			}
			if config.LogLevel != level {
				t.Errorf("Expected log level %s, got %s", level, config.LogLevel)
			}
		})
	}
}

// Helper function to set test environment variables and clean up after test
func setTestEnv(t *testing.T, vars map[string]string) {
	t.Helper()

	clearTestEnv(t)

	for key, value := range vars {
		t.Setenv(key, value)
	}
}

// Helper function to clear all config-related environment variables
func clearTestEnv(t *testing.T) {
	t.Helper()

	envVars := []string{
		"OSMCACHE_CONFIG", "HOST", "PORT", "DATABASE_PATH", "STORE_MAX_PAGES",
		"OSM_BASE_URL", "OSM_CLIENT_ID", "OAUTH_REDIRECT_URI",
		"OSM_REQUEST_TIMEOUT_SECONDS", "OSM_RETRY_ATTEMPTS", "OSM_RETRY_BASE_MS", "OSM_RETRY_MAX_MS",
		"DEFAULT_TOKEN_TTL_SECONDS", "VALIDATION_WINDOW_SECONDS", "EXPIRY_TICK_MS",
		"ATTENDANCE_LOOKBACK_DAYS", "SECTION_MOVERS_RECORD", "REDIS_URL",
		"METRICS_ENABLED", "METRICS_HOST", "METRICS_PORT",
		"OSMCACHE_PLATFORM", "VIEWPORT_WIDTH", "LOG_LEVEL",
	}

	for _, key := range envVars {
		// Setenv registers restoration of the previous value; Unsetenv then clears it.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}
