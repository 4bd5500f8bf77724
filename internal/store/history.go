package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/harveyng/polly/internal/log"
	"github.com/harveyng/polly/internal/postgres"
)

// Message is one question/answer exchange in a conversation thread.
type Message struct {
	ID        string
	ThreadID  string
	Question  string
	Answer    string
	CreatedAt time.Time
}

// History stores conversation exchanges keyed by thread.
type History struct {
	pool   *postgres.Pool
	retry  postgres.RetryConfig
	logger log.Logger
}

// NewHistory creates a History on the shared pool.
func NewHistory(pool *postgres.Pool, retry postgres.RetryConfig, logger log.Logger) *History {
	if logger == nil {
		logger = log.NewNop()
	}
	return &History{pool: pool, retry: retry, logger: logger}
}

// NewThreadID mints a fresh thread id and registers it on the user's thread
// list.
func (h *History) NewThreadID(ctx context.Context, userID int) (string, error) {
	threadID := uuid.NewString()

	err := h.pool.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE user_info SET threads = array_append(threads, $1) WHERE id = $2`,
			threadID, userID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("creating thread for user %d: %w", userID, err)
	}

	h.logger.Debug("created thread", "thread_id", threadID, "user_id", userID)
	return threadID, nil
}

// SaveExchange records one question/answer pair and attaches the thread to
// the user's thread list if it is not there yet. Both writes happen in one
// transaction, so a failure leaves neither.
func (h *History) SaveExchange(ctx context.Context, userID int, threadID, question, answer string) (string, error) {
	messageID, err := postgres.Transact(ctx, h.pool, func(tx pgx.Tx) (string, error) {
		var id string
		err := tx.QueryRow(ctx,
			`INSERT INTO message (thread_id, question, answer)
			 VALUES ($1, $2, $3)
			 RETURNING id::text`,
			threadID, question, answer).Scan(&id)
		if err != nil {
			return "", fmt.Errorf("inserting message: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE user_info
			 SET threads = CASE
			     WHEN $1 = ANY(threads) THEN threads
			     ELSE array_append(threads, $1)
			 END
			 WHERE id = $2`,
			threadID, userID)
		if err != nil {
			return "", fmt.Errorf("updating user threads: %w", err)
		}
		return id, nil
	})
	if err != nil {
		return "", fmt.Errorf("saving exchange for thread %s: %w", threadID, err)
	}

	h.logger.Debug("saved exchange",
		"message_id", messageID, "thread_id", threadID, "user_id", userID)
	return messageID, nil
}

// Recent returns the newest messages of a thread, most recent first.
// Idempotent, so transient faults are retried.
func (h *History) Recent(ctx context.Context, threadID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must be non-negative, got %d", offset)
	}

	return postgres.ExecuteWithRetry(ctx, h.retry, h.logger, func(ctx context.Context) ([]Message, error) {
		conn, err := h.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Release()

		rows, err := conn.Query(ctx,
			`SELECT id::text, thread_id, question, answer, created_at
			 FROM message
			 WHERE thread_id = $1
			 ORDER BY created_at DESC
			 LIMIT $2 OFFSET $3`,
			threadID, limit, offset)
		if err != nil {
			return nil, fmt.Errorf("querying history: %w", err)
		}
		return scanMessages(rows)
	})
}

// MessageByID returns one message, or ErrNotFound.
func (h *History) MessageByID(ctx context.Context, messageID string) (*Message, error) {
	return postgres.ExecuteWithRetry(ctx, h.retry, h.logger, func(ctx context.Context) (*Message, error) {
		conn, err := h.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Release()

		var m Message
		err = conn.QueryRow(ctx,
			`SELECT id::text, thread_id, question, answer, created_at
			 FROM message WHERE id = $1::uuid`,
			messageID).Scan(&m.ID, &m.ThreadID, &m.Question, &m.Answer, &m.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("querying message %s: %w", messageID, err)
		}
		return &m, nil
	})
}

// ThreadsForUser returns the user's thread ids, duplicates removed.
func (h *History) ThreadsForUser(ctx context.Context, userID int) ([]string, error) {
	return postgres.ExecuteWithRetry(ctx, h.retry, h.logger, func(ctx context.Context) ([]string, error) {
		conn, err := h.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Release()

		var threads []string
		err = conn.QueryRow(ctx,
			`SELECT threads FROM user_info WHERE id = $1`, userID).Scan(&threads)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("querying threads for user %d: %w", userID, err)
		}

		seen := make(map[string]struct{}, len(threads))
		unique := threads[:0]
		for _, id := range threads {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			unique = append(unique, id)
		}
		return unique, nil
	})
}

// DeleteMessage removes one message. Reports whether a row was deleted.
func (h *History) DeleteMessage(ctx context.Context, messageID string) (bool, error) {
	var deleted bool
	err := h.pool.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM message WHERE id = $1::uuid`, messageID)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deleting message %s: %w", messageID, err)
	}
	return deleted, nil
}

// DeleteThread removes every message in a thread and returns the count.
func (h *History) DeleteThread(ctx context.Context, threadID string) (int64, error) {
	var count int64
	err := h.pool.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM message WHERE thread_id = $1`, threadID)
		if err != nil {
			return err
		}
		count = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting thread %s: %w", threadID, err)
	}

	h.logger.Info("deleted thread history", "thread_id", threadID, "messages", count)
	return count, nil
}

// FormatHistory renders messages oldest-first as context for a response,
// one exchange per block.
func FormatHistory(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		fmt.Fprintf(&b, "[%s]\nQ: %s\nA: %s\n\n",
			m.CreatedAt.Format("2006-01-02 15:04"), m.Question, m.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Question, &m.Answer, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	return messages, nil
}
