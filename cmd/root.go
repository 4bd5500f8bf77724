// Package cmd contains the polly CLI. Following the pattern used by
// kubectl, hugo, and other standard Go CLI tools, all application logic
// lives here and main.go stays a minimal entry point.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/harveyng/polly/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "polly",
	Short: "Polly - insurance chatbot backend",
	Long: `Polly serves insurance inquiries over HTTP, backed by PostgreSQL for
chat history and a remote MCP tool server for product documents.

Run 'polly serve' to start the API server.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// initLogger builds the process logger.
//
// Log level is controlled by the DEBUG environment variable:
//   - DEBUG set (any value): debug level logging
//   - DEBUG not set: info level logging
//
// Output goes to stderr so stdout stays available for command output.
func initLogger() log.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	return log.New(cfg)
}
