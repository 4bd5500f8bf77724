// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.polly/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Storage: PostgreSQL connection and pool sizing (see storage.go)
//   - MCP: tool server URL, connection timeout, retry policy
//   - Retry: database retry executor policy
//   - API: HTTP server address, CORS, rate limiting
//   - Telemetry: optional OTLP trace export
//
// Security: sensitive data (the Postgres password) is masked in MarshalJSON/String.
// Validation: range checks in validation.go with sentinel errors for errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidPoolSize indicates the pool min/max sizing is inconsistent.
	ErrInvalidPoolSize = errors.New("invalid pool size")

	// ErrInvalidMCPServerURL indicates the MCP server URL is invalid.
	ErrInvalidMCPServerURL = errors.New("invalid MCP server URL")

	// ErrInvalidRetryPolicy indicates a retry policy value is out of range.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// PoolConfig holds PostgreSQL connection pool sizing and timeouts.
type PoolConfig struct {
	MinConns        int32 `mapstructure:"min_conns" json:"min_conns"`
	MaxConns        int32 `mapstructure:"max_conns" json:"max_conns"`
	ConnectTimeout  int   `mapstructure:"connect_timeout_seconds" json:"connect_timeout_seconds"`
	AcquireTimeout  int   `mapstructure:"acquire_timeout_seconds" json:"acquire_timeout_seconds"`
	MaxConnLifetime int   `mapstructure:"max_conn_lifetime_minutes" json:"max_conn_lifetime_minutes"`
	MaxConnIdleTime int   `mapstructure:"max_conn_idle_minutes" json:"max_conn_idle_minutes"`
}

// MCPConfig holds configuration for the remote insurance tool server.
//
// RetryBaseDelay and the database retry executor base (RetryConfig.BaseDelay)
// are deliberately independent knobs: transport reconnects and pool retries
// use the same doubling strategy but different bases.
type MCPConfig struct {
	ServerURL      string `mapstructure:"server_url" json:"server_url"`
	ConnectTimeout int    `mapstructure:"connection_timeout_seconds" json:"connection_timeout_seconds"`
	RetryAttempts  int    `mapstructure:"retry_attempts" json:"retry_attempts"`
	RetryBaseMs    int    `mapstructure:"retry_base_ms" json:"retry_base_ms"`
}

// RetryConfig holds the database retry executor policy.
type RetryConfig struct {
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`
	BaseMs     int `mapstructure:"base_ms" json:"base_ms"`
}

// APIConfig holds the HTTP server settings.
type APIConfig struct {
	Addr        string   `mapstructure:"addr" json:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	RatePerSec  float64  `mapstructure:"rate_per_sec" json:"rate_per_sec"`
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`
}

// TelemetryConfig holds optional OTLP trace export settings.
// Tracing is disabled when Endpoint is empty.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// Storage configuration (see storage.go for DSN helpers)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	Pool      PoolConfig      `mapstructure:"pool" json:"pool"`
	MCP       MCPConfig       `mapstructure:"mcp" json:"mcp"`
	Retry     RetryConfig     `mapstructure:"retry" json:"retry"`
	API       APIConfig       `mapstructure:"api" json:"api"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry"`

	// Insurance product code families: family name -> code kind -> product code.
	// Used by the inquiry service to detect product mentions in user messages.
	ProductCodes map[string]map[string]string `mapstructure:"product_codes" json:"product_codes"`

	// MaxHistoryMessages caps how many history messages are pulled into context.
	MaxHistoryMessages int `mapstructure:"max_history_messages" json:"max_history_messages"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".polly")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, if set, overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// PostgreSQL defaults (matching local dev setup)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "polly")
	viper.SetDefault("postgres_password", "polly_dev_password")
	viper.SetDefault("postgres_db_name", "polly")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Pool defaults
	viper.SetDefault("pool.min_conns", 2)
	viper.SetDefault("pool.max_conns", 10)
	viper.SetDefault("pool.connect_timeout_seconds", 30)
	viper.SetDefault("pool.acquire_timeout_seconds", 10)
	viper.SetDefault("pool.max_conn_lifetime_minutes", 30)
	viper.SetDefault("pool.max_conn_idle_minutes", 5)

	// MCP defaults
	viper.SetDefault("mcp.server_url", "http://localhost:8081")
	viper.SetDefault("mcp.connection_timeout_seconds", 30)
	viper.SetDefault("mcp.retry_attempts", 3)
	viper.SetDefault("mcp.retry_base_ms", 1000)

	// Database retry executor defaults
	viper.SetDefault("retry.max_retries", 3)
	viper.SetDefault("retry.base_ms", 250)

	// API defaults
	viper.SetDefault("api.addr", "127.0.0.1:8080")
	viper.SetDefault("api.cors_origins", []string{"http://localhost:4200"})
	viper.SetDefault("api.rate_per_sec", 10.0)
	viper.SetDefault("api.rate_burst", 20)

	// Telemetry defaults (tracing disabled until endpoint is set)
	viper.SetDefault("telemetry.endpoint", "")
	viper.SetDefault("telemetry.service_name", "polly")
	viper.SetDefault("telemetry.environment", "dev")

	viper.SetDefault("max_history_messages", 10)
}

// bindEnvVariables binds environment variable overrides explicitly.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a runtime error
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("postgres_password", "POLLY_POSTGRES_PASSWORD")
	mustBind("mcp.server_url", "POLLY_MCP_SERVER_URL")
	mustBind("api.addr", "POLLY_API_ADDR")
	mustBind("api.cors_origins", "POLLY_CORS_ORIGINS")
	mustBind("telemetry.endpoint", "POLLY_OTLP_ENDPOINT")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid accidental substring matches against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 characters or fewer are fully masked; longer secrets keep the
// first and last 2 characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// ConnectTimeoutDuration returns the pool connect timeout as a duration.
func (p PoolConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(p.ConnectTimeout) * time.Second
}

// AcquireTimeoutDuration returns the pool acquire deadline as a duration.
func (p PoolConfig) AcquireTimeoutDuration() time.Duration {
	return time.Duration(p.AcquireTimeout) * time.Second
}

// ConnectTimeoutDuration returns the MCP handshake timeout as a duration.
func (m MCPConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(m.ConnectTimeout) * time.Second
}

// RetryBaseDelay returns the MCP reconnect backoff base as a duration.
func (m MCPConfig) RetryBaseDelay() time.Duration {
	return time.Duration(m.RetryBaseMs) * time.Millisecond
}

// BaseDelay returns the database retry backoff base as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseMs) * time.Millisecond
}
