// Package postgres owns the PostgreSQL connection pool shared by all polly
// components that persist state.
//
// The pool bounds concurrent access to backend connections: a connection is
// either idle (in the pool) or checked out by exactly one caller. Checkout is
// cooperative — Acquire blocks on pool availability and honors the caller's
// deadline. WithTransaction is the scoped-acquisition contract: it acquires,
// begins, commits or rolls back, and releases on every exit path, so callers
// can never leak a connection.
//
// Transient connection faults during startup are retried with exponential
// backoff (see retry.go); structural faults (bad credentials, missing
// database) fail immediately.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harveyng/polly/internal/log"
)

var (
	// ErrPoolClosed is returned by Acquire and WithTransaction after Close.
	ErrPoolClosed = errors.New("postgres: pool is closed")

	// ErrAcquireTimeout is returned when no connection becomes available
	// before the caller's deadline.
	ErrAcquireTimeout = errors.New("postgres: acquire timed out")

	// ErrPoolInit is returned when the pool cannot be established at startup.
	ErrPoolInit = errors.New("postgres: pool initialization failed")
)

// FatalError wraps a structural, non-retryable backend fault such as bad
// credentials or a missing database. It is never produced for transient
// network faults.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("postgres: fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Config holds pool construction parameters.
type Config struct {
	// DSN is the pgx connection string (key=value or URL form).
	DSN string

	MinConns        int32
	MaxConns        int32
	ConnectTimeout  time.Duration // per-connection dial timeout and startup ping deadline
	AcquireTimeout  time.Duration // default checkout deadline when the caller's ctx has none
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// InitRetry governs retries of the startup liveness probe for transient
	// faults. Structural faults are never retried.
	InitRetry RetryConfig

	// FailFast makes Open return an error when the backend is unreachable at
	// startup. When false the pool degrades: connections are established
	// lazily and the startup probe failure is only logged.
	FailFast bool
}

// Pool is a bounded set of live PostgreSQL connections.
//
// A Pool is created once per process with Open and closed exactly once with
// Close. It is safe for concurrent use by multiple goroutines.
type Pool struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger log.Logger
	closed atomic.Bool
}

// Open establishes a connection pool against cfg.DSN.
//
// At least MinConns connections are kept warm by the underlying pool. When
// cfg.FailFast is set, Open verifies backend reachability with a liveness
// probe, retrying transient faults per cfg.InitRetry; it returns an
// ErrPoolInit-wrapped error after exhaustion and a *FatalError immediately
// for structural faults.
func Open(ctx context.Context, cfg Config, logger log.Logger) (*Pool, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("parsing connection config: %w", err)}
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPoolInit, err)
	}

	p := &Pool{pool: pgPool, cfg: cfg, logger: logger}

	// Startup liveness probe. Transient faults (refused, reset, timeout) are
	// retried; structural faults (auth, missing database) abort immediately.
	probe := func(ctx context.Context) (struct{}, error) {
		pingCtx := ctx
		if cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
		}
		return struct{}{}, pgPool.Ping(pingCtx)
	}

	if _, err := ExecuteWithRetry(ctx, cfg.InitRetry, logger, probe); err != nil {
		// The caller abandoning startup is neither transient nor structural.
		if ctx.Err() != nil {
			pgPool.Close()
			return nil, fmt.Errorf("%w: %w", ErrPoolInit, err)
		}
		if !IsTransient(err) && !errorsIsRetryExhausted(err) {
			pgPool.Close()
			return nil, &FatalError{Err: err}
		}
		if cfg.FailFast {
			pgPool.Close()
			return nil, fmt.Errorf("%w: %w", ErrPoolInit, err)
		}
		logger.Warn("backend unreachable at startup, continuing with lazy connections",
			"error", err)
	}

	logger.Info("connection pool opened",
		"min_conns", poolCfg.MinConns,
		"max_conns", poolCfg.MaxConns)

	return p, nil
}

func errorsIsRetryExhausted(err error) bool {
	var exhausted *RetryExhaustedError
	return errors.As(err, &exhausted)
}

// Acquire checks out a connection from the pool, blocking cooperatively until
// one is idle or the pool can grow below MaxConns.
//
// If the caller's context carries no deadline, cfg.AcquireTimeout applies.
// On expiry the caller is unblocked with ErrAcquireTimeout; the pool is left
// consistent (no half-checked-out connection).
//
// The returned connection is borrowed, never owned: callers must Release it.
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		if p.closed.Load() {
			return nil, ErrPoolClosed
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, err)
		}
		return nil, fmt.Errorf("postgres: acquire: %w", err)
	}
	return conn, nil
}

// WithTransaction runs fn inside a transaction on a single pooled connection.
//
// The connection is acquired, the transaction begun, and fn executed; on
// normal return the transaction commits, on error or context cancellation it
// rolls back and the error propagates. The connection is released on every
// exit path.
func (p *Pool) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin transaction: %w", err)
	}
	// Rollback is a no-op after Commit; pgx returns ErrTxClosed which we drop.
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			p.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit transaction: %w", err)
	}
	return nil
}

// Transact runs fn inside a transaction and returns its result.
// Generic companion to Pool.WithTransaction for callers that produce a value.
func Transact[T any](ctx context.Context, p *Pool, fn func(tx pgx.Tx) (T, error)) (T, error) {
	var result T
	err := p.WithTransaction(ctx, func(tx pgx.Tx) error {
		var fnErr error
		result, fnErr = fn(tx)
		return fnErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// HealthCheck performs a trivial round-trip on a borrowed connection.
// It does not mutate pool state beyond a normal acquire/release.
func (p *Pool) HealthCheck(ctx context.Context) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres: health check: %w", err)
	}
	if one != 1 {
		return fmt.Errorf("postgres: health check: unexpected result %d", one)
	}
	return nil
}

// Close marks the pool closed and drains it. New Acquire calls fail
// immediately with ErrPoolClosed; Close waits for outstanding checkouts to be
// returned. Idempotent.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.logger.Info("closing connection pool",
		"acquired", p.pool.Stat().AcquiredConns(),
		"idle", p.pool.Stat().IdleConns())
	p.pool.Close()
}

// Stat reports a snapshot of pool usage. Exposed for health reporting and
// tests that assert the checkout bound.
func (p *Pool) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

// Ping verifies backend reachability on a pooled connection.
func (p *Pool) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	return p.pool.Ping(ctx)
}
