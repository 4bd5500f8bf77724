package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/harveyng/polly/internal/log"
)

// transientErr fabricates a connection-class SQLSTATE failure.
func transientErr() error {
	return &pgconn.PgError{Code: "08006", Message: "connection failure"}
}

func TestExecuteWithRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := ExecuteWithRetry(context.Background(),
		RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond},
		log.NewNop(),
		func(ctx context.Context) (int, error) {
			calls++
			return 42, nil
		})
	if err != nil {
		t.Fatalf("ExecuteWithRetry() unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %d, want 42", result)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestExecuteWithRetry_RecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := ExecuteWithRetry(context.Background(),
		RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond},
		log.NewNop(),
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", transientErr()
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("ExecuteWithRetry() unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want ok", result)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
}

func TestExecuteWithRetry_NonTransientFailsImmediately(t *testing.T) {
	structural := &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}
	calls := 0
	_, err := ExecuteWithRetry(context.Background(),
		RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond},
		log.NewNop(),
		func(ctx context.Context) (int, error) {
			calls++
			return 0, structural
		})
	if !errors.Is(err, structural) {
		t.Fatalf("ExecuteWithRetry() error = %v, want %v", err, structural)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1 (no retry on structural fault)", calls)
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		t.Error("structural failure must not be reported as retry exhaustion")
	}
}

func TestExecuteWithRetry_Exhaustion(t *testing.T) {
	calls := 0
	_, err := ExecuteWithRetry(context.Background(),
		RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond},
		log.NewNop(),
		func(ctx context.Context) (int, error) {
			calls++
			return 0, transientErr()
		})

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("ExecuteWithRetry() error = %v, want *RetryExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "08006" {
		t.Errorf("exhaustion error does not wrap the final cause: %v", err)
	}
}

func TestExecuteWithRetry_BackoffDoubles(t *testing.T) {
	base := 20 * time.Millisecond
	var stamps []time.Time
	_, err := ExecuteWithRetry(context.Background(),
		RetryConfig{MaxRetries: 3, BaseDelay: base},
		log.NewNop(),
		func(ctx context.Context) (int, error) {
			stamps = append(stamps, time.Now())
			return 0, transientErr()
		})
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("ExecuteWithRetry() error = %v, want exhaustion", err)
	}
	if len(stamps) != 3 {
		t.Fatalf("op called %d times, want 3", len(stamps))
	}

	// First gap >= base, second gap >= 2*base.
	if gap := stamps[1].Sub(stamps[0]); gap < base {
		t.Errorf("first backoff %v, want >= %v", gap, base)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 2*base {
		t.Errorf("second backoff %v, want >= %v", gap, 2*base)
	}
}

func TestExecuteWithRetry_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := ExecuteWithRetry(ctx,
		RetryConfig{MaxRetries: 5, BaseDelay: time.Minute},
		log.NewNop(),
		func(ctx context.Context) (int, error) {
			calls++
			cancel()
			return 0, transientErr()
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ExecuteWithRetry() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestExecuteWithRetry_ZeroRetriesMeansSingleAttempt(t *testing.T) {
	calls := 0
	_, err := ExecuteWithRetry(context.Background(),
		RetryConfig{},
		log.NewNop(),
		func(ctx context.Context) (int, error) {
			calls++
			return 0, transientErr()
		})
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("ExecuteWithRetry() error = %v, want exhaustion", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection failure 08006", &pgconn.PgError{Code: "08006"}, true},
		{"connection does not exist 08003", &pgconn.PgError{Code: "08003"}, true},
		{"admin shutdown 57P01", &pgconn.PgError{Code: "57P01"}, true},
		{"cannot connect now 57P03", &pgconn.PgError{Code: "57P03"}, true},
		{"auth failure 28P01", &pgconn.PgError{Code: "28P01"}, false},
		{"invalid catalog 3D000", &pgconn.PgError{Code: "3D000"}, false},
		{"undefined table 42P01", &pgconn.PgError{Code: "42P01"}, false},
		{"unique violation 23505", &pgconn.PgError{Code: "23505"}, false},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"wrapped refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"connection reset", syscall.ECONNRESET, true},
		{"net op error", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"net timeout", net.Error(timeoutErr{}), true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
