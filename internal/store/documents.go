package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harveyng/polly/internal/log"
	"github.com/harveyng/polly/internal/postgres"
)

// Document is a full insurance product document.
type Document struct {
	ID        string
	Code      string
	Name      string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentInfo is the listing view of a document, without content.
type DocumentInfo struct {
	ID        string
	Code      string
	Name      string
	CreatedAt time.Time
}

// Documents stores insurance product documents keyed by product code.
type Documents struct {
	pool   *postgres.Pool
	retry  postgres.RetryConfig
	logger log.Logger
}

// NewDocuments creates a Documents store on the shared pool.
func NewDocuments(pool *postgres.Pool, retry postgres.RetryConfig, logger log.Logger) *Documents {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Documents{pool: pool, retry: retry, logger: logger}
}

// Upsert inserts a document or replaces name and content of an existing
// code. Idempotent, so callers may retry it freely.
func (d *Documents) Upsert(ctx context.Context, name, code, content string) (*Document, error) {
	doc, err := postgres.Transact(ctx, d.pool, func(tx pgx.Tx) (*Document, error) {
		var doc Document
		err := tx.QueryRow(ctx,
			`INSERT INTO document (name, code, content)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (code) DO UPDATE SET
			     name = EXCLUDED.name,
			     content = EXCLUDED.content,
			     updated_at = CURRENT_TIMESTAMP
			 RETURNING id::text, code, name, content, created_at, updated_at`,
			name, code, content).
			Scan(&doc.ID, &doc.Code, &doc.Name, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("upserting document %s: %w", code, err)
		}
		return &doc, nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug("upserted document", "code", code, "name", name)
	return doc, nil
}

// ByCode returns the full document for a product code, or ErrNotFound.
func (d *Documents) ByCode(ctx context.Context, code string) (*Document, error) {
	return postgres.ExecuteWithRetry(ctx, d.retry, d.logger, func(ctx context.Context) (*Document, error) {
		conn, err := d.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Release()

		var doc Document
		err = conn.QueryRow(ctx,
			`SELECT id::text, code, name, content, created_at, updated_at
			 FROM document WHERE code = $1`,
			code).Scan(&doc.ID, &doc.Code, &doc.Name, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("querying document %s: %w", code, err)
		}
		return &doc, nil
	})
}

// List returns document listings ordered by name.
func (d *Documents) List(ctx context.Context, limit, offset int) ([]DocumentInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	return postgres.ExecuteWithRetry(ctx, d.retry, d.logger, func(ctx context.Context) ([]DocumentInfo, error) {
		conn, err := d.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Release()

		rows, err := conn.Query(ctx,
			`SELECT id::text, code, name, created_at
			 FROM document
			 ORDER BY name
			 LIMIT $1 OFFSET $2`,
			limit, offset)
		if err != nil {
			return nil, fmt.Errorf("listing documents: %w", err)
		}
		return scanDocumentInfos(rows)
	})
}

// Search matches name or code case-insensitively.
func (d *Documents) Search(ctx context.Context, term string, limit int) ([]DocumentInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + term + "%"

	return postgres.ExecuteWithRetry(ctx, d.retry, d.logger, func(ctx context.Context) ([]DocumentInfo, error) {
		conn, err := d.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Release()

		rows, err := conn.Query(ctx,
			`SELECT id::text, code, name, created_at
			 FROM document
			 WHERE name ILIKE $1 OR code ILIKE $1
			 ORDER BY name
			 LIMIT $2`,
			pattern, limit)
		if err != nil {
			return nil, fmt.Errorf("searching documents: %w", err)
		}
		return scanDocumentInfos(rows)
	})
}

// UpdateContent replaces the content of an existing document. Reports
// whether a row matched.
func (d *Documents) UpdateContent(ctx context.Context, code, content string) (bool, error) {
	var updated bool
	err := d.pool.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE document
			 SET content = $2, updated_at = CURRENT_TIMESTAMP
			 WHERE code = $1`,
			code, content)
		if err != nil {
			return err
		}
		updated = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("updating document %s: %w", code, err)
	}
	return updated, nil
}

// Delete removes a document by code. Reports whether a row was deleted.
func (d *Documents) Delete(ctx context.Context, code string) (bool, error) {
	var deleted bool
	err := d.pool.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM document WHERE code = $1`, code)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deleting document %s: %w", code, err)
	}
	return deleted, nil
}

// Count returns the number of stored documents.
func (d *Documents) Count(ctx context.Context) (int64, error) {
	return postgres.ExecuteWithRetry(ctx, d.retry, d.logger, func(ctx context.Context) (int64, error) {
		conn, err := d.pool.Acquire(ctx)
		if err != nil {
			return 0, err
		}
		defer conn.Release()

		var count int64
		if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM document`).Scan(&count); err != nil {
			return 0, fmt.Errorf("counting documents: %w", err)
		}
		return count, nil
	})
}

func scanDocumentInfos(rows pgx.Rows) ([]DocumentInfo, error) {
	defer rows.Close()

	var infos []DocumentInfo
	for rows.Next() {
		var info DocumentInfo
		if err := rows.Scan(&info.ID, &info.Code, &info.Name, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading document rows: %w", err)
	}
	return infos, nil
}
