package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harveyng/polly/api"
	"github.com/harveyng/polly/db"
	"github.com/harveyng/polly/internal/config"
	"github.com/harveyng/polly/internal/insurance"
	"github.com/harveyng/polly/internal/mcpclient"
	"github.com/harveyng/polly/internal/postgres"
	"github.com/harveyng/polly/internal/store"
)

// mcpConnectTimeout bounds the opportunistic tool-server connect at startup.
// The session reconnects lazily on first use if this attempt fails.
const mcpConnectTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe initializes and starts the HTTP API server.
//
// Startup order matters: migrations before the pool opens with FailFast
// (an unreachable database is fatal), and the tool session connects last
// and opportunistically (an unreachable tool server only degrades service).
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := initLogger()
	logger.Info("starting polly", "version", AppVersion, "config", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing := setupTracing(ctx, cfg.Telemetry, logger)
	defer shutdownTracing()

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	pool, err := postgres.Open(ctx, postgres.Config{
		DSN:             cfg.PostgresConnectionString(),
		MinConns:        cfg.Pool.MinConns,
		MaxConns:        cfg.Pool.MaxConns,
		ConnectTimeout:  cfg.Pool.ConnectTimeoutDuration(),
		AcquireTimeout:  cfg.Pool.AcquireTimeoutDuration(),
		MaxConnLifetime: time.Duration(cfg.Pool.MaxConnLifetime) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.Pool.MaxConnIdleTime) * time.Minute,
		InitRetry: postgres.RetryConfig{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay(),
		},
		FailFast: true,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	session := mcpclient.New(mcpclient.Config{
		Name:           "polly",
		Version:        AppVersion,
		ServerURL:      cfg.MCP.ServerURL,
		ConnectTimeout: cfg.MCP.ConnectTimeoutDuration(),
		RetryAttempts:  cfg.MCP.RetryAttempts,
		RetryBaseDelay: cfg.MCP.RetryBaseDelay(),
	}, logger)
	defer func() {
		if err := session.Disconnect(); err != nil {
			logger.Warn("closing tool session", "error", err)
		}
	}()

	// Opportunistic connect so the catalog is warm before the first request.
	// Failure is not fatal: the session retries on first use.
	connectCtx, connectCancel := context.WithTimeout(ctx, mcpConnectTimeout)
	if err := session.Connect(connectCtx); err != nil {
		logger.Warn("tool server unreachable at startup, will retry on demand",
			"server_url", cfg.MCP.ServerURL, "error", err)
	} else {
		logger.Info("tool server connected", "tools", session.Tools())
	}
	connectCancel()

	retryCfg := postgres.RetryConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay(),
	}
	history := store.NewHistory(pool, retryCfg, logger)
	documents := store.NewDocuments(pool, retryCfg, logger)
	customers := store.NewCustomers(pool, retryCfg, logger)

	client := insurance.NewClient(session, logger)
	service := insurance.NewService(client, history, customers, nil, insurance.ServiceConfig{
		ProductCodes:       cfg.ProductCodes,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
	}, logger)

	server := api.NewServer(api.Config{
		Addr:       cfg.API.Addr,
		RatePerSec: cfg.API.RatePerSec,
		RateBurst:  cfg.API.RateBurst,
	}, pool, session, service, client, history, documents, logger)

	return server.Run(ctx)
}
