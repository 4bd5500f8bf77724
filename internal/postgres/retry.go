package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/harveyng/polly/internal/log"
)

// RetryConfig governs the retry executor.
type RetryConfig struct {
	// MaxRetries is the total number of attempts. Zero or negative means a
	// single attempt with no retries.
	MaxRetries int

	// BaseDelay is the wait after the first failed attempt; it doubles after
	// each subsequent failure (base, 2*base, 4*base, ...).
	BaseDelay time.Duration
}

// RetryExhaustedError reports that every attempt failed with a transient
// fault. Unwrap exposes the last attempt's error.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("postgres: retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// ExecuteWithRetry runs op, retrying transient faults with exponential
// backoff. Non-transient errors propagate immediately without a retry; a
// context cancellation during backoff propagates the context's error.
//
// After MaxRetries attempts all failing transiently, the caller receives a
// *RetryExhaustedError wrapping the final cause.
func ExecuteWithRetry[T any](ctx context.Context, cfg RetryConfig, logger log.Logger, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if logger == nil {
		logger = log.NewNop()
	}

	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}

		delay := cfg.BaseDelay * (1 << attempt)
		logger.Warn("transient database error, retrying",
			"attempt", attempt+1,
			"max_attempts", attempts,
			"delay", delay,
			"error", err)

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, &RetryExhaustedError{Attempts: attempts, Err: lastErr}
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsTransient reports whether err is a connection-level fault worth retrying.
//
// Transient: SQLSTATE class 08 (connection exception), server shutdown codes
// (57P01..57P03), dial/reset/refused network errors, timeouts. Everything
// else — auth failures, missing relations, constraint violations, syntax
// errors, context cancellation — is treated as structural and surfaces
// immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsConnectionException(pgErr.Code) {
			return true
		}
		switch pgErr.Code {
		case pgerrcode.AdminShutdown, pgerrcode.CrashShutdown, pgerrcode.CannotConnectNow:
			return true
		}
		return false
	}

	// pgx wraps dial-phase failures; a PgError inside (e.g. bad password)
	// was already classified above.
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
