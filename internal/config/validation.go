package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// PostgreSQL connection
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "polly_dev_password" {
		slog.Warn("using default development password for PostgreSQL",
			"warning", "change postgres_password for production deployments")
	}

	// Modern SSL modes only; allow/prefer are deprecated (MITM vulnerable)
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	// Pool sizing
	if c.Pool.MinConns < 0 {
		return fmt.Errorf("%w: min_conns must be >= 0, got %d", ErrInvalidPoolSize, c.Pool.MinConns)
	}
	if c.Pool.MaxConns < 1 {
		return fmt.Errorf("%w: max_conns must be >= 1, got %d", ErrInvalidPoolSize, c.Pool.MaxConns)
	}
	if c.Pool.MinConns > c.Pool.MaxConns {
		return fmt.Errorf("%w: min_conns %d exceeds max_conns %d",
			ErrInvalidPoolSize, c.Pool.MinConns, c.Pool.MaxConns)
	}

	// MCP server
	u, err := url.Parse(c.MCP.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidMCPServerURL, c.MCP.ServerURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q is not supported", ErrInvalidMCPServerURL, u.Scheme)
	}
	if c.MCP.RetryAttempts < 1 {
		return fmt.Errorf("%w: mcp.retry_attempts must be >= 1, got %d", ErrInvalidRetryPolicy, c.MCP.RetryAttempts)
	}
	if c.MCP.RetryBaseMs < 0 {
		return fmt.Errorf("%w: mcp.retry_base_ms must be >= 0, got %d", ErrInvalidRetryPolicy, c.MCP.RetryBaseMs)
	}

	// Database retry executor
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: retry.max_retries must be >= 0, got %d", ErrInvalidRetryPolicy, c.Retry.MaxRetries)
	}
	if c.Retry.BaseMs < 0 {
		return fmt.Errorf("%w: retry.base_ms must be >= 0, got %d", ErrInvalidRetryPolicy, c.Retry.BaseMs)
	}

	return nil
}
