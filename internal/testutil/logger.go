package testutil

import (
	"log/slog"
)

// DiscardLogger returns a slog.Logger that drops all output, keeping test
// runs quiet. log.Logger is a type alias for *slog.Logger, so the result can
// be passed anywhere a log.Logger is expected; prefer log.NewNop() inside
// packages that already import internal/log.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
