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

// Customer is a chat user profile. Persona carries free-form profile details
// that shape response tone.
type Customer struct {
	ID        int32
	Name      string
	Email     string
	Persona   map[string]any
	CreatedAt time.Time
}

// CustomerUpdate holds the fields Update changes; nil fields are untouched.
type CustomerUpdate struct {
	Name    *string
	Email   *string
	Persona map[string]any
}

// Customers stores customer profiles.
type Customers struct {
	pool   *postgres.Pool
	retry  postgres.RetryConfig
	logger log.Logger
}

// NewCustomers creates a Customers store on the shared pool.
func NewCustomers(pool *postgres.Pool, retry postgres.RetryConfig, logger log.Logger) *Customers {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Customers{pool: pool, retry: retry, logger: logger}
}

// Add inserts a customer and returns the generated id. The email must be
// unique.
func (c *Customers) Add(ctx context.Context, name, email string, persona map[string]any) (int32, error) {
	id, err := postgres.Transact(ctx, c.pool, func(tx pgx.Tx) (int32, error) {
		var id int32
		err := tx.QueryRow(ctx,
			`INSERT INTO customers (name, email, persona)
			 VALUES ($1, $2, $3)
			 RETURNING id`,
			name, email, persona).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("inserting customer: %w", err)
		}
		return id, nil
	})
	if err != nil {
		return 0, err
	}

	c.logger.Debug("added customer", "customer_id", id, "email", email)
	return id, nil
}

// Get returns a customer by id, or ErrNotFound.
func (c *Customers) Get(ctx context.Context, id int32) (*Customer, error) {
	return postgres.ExecuteWithRetry(ctx, c.retry, c.logger, func(ctx context.Context) (*Customer, error) {
		conn, err := c.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Release()

		var customer Customer
		err = conn.QueryRow(ctx,
			`SELECT id, name, email, persona, created_at
			 FROM customers WHERE id = $1`,
			id).Scan(&customer.ID, &customer.Name, &customer.Email, &customer.Persona, &customer.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("querying customer %d: %w", id, err)
		}
		return &customer, nil
	})
}

// Persona returns the customer's persona attributes, or ErrNotFound.
// Satisfies the inquiry service's persona lookup.
func (c *Customers) Persona(ctx context.Context, userID int32) (map[string]any, error) {
	customer, err := c.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return customer.Persona, nil
}

// Update applies the non-nil fields of upd. Reports whether a row matched.
func (c *Customers) Update(ctx context.Context, id int32, upd CustomerUpdate) (bool, error) {
	if upd.Name == nil && upd.Email == nil && upd.Persona == nil {
		return false, fmt.Errorf("update for customer %d has no fields", id)
	}

	var updated bool
	err := c.pool.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE customers SET
			     name = COALESCE($2, name),
			     email = COALESCE($3, email),
			     persona = COALESCE($4, persona)
			 WHERE id = $1`,
			id, upd.Name, upd.Email, upd.Persona)
		if err != nil {
			return err
		}
		updated = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("updating customer %d: %w", id, err)
	}
	return updated, nil
}

// Delete removes a customer. Reports whether a row was deleted.
func (c *Customers) Delete(ctx context.Context, id int32) (bool, error) {
	var deleted bool
	err := c.pool.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM customers WHERE id = $1`, id)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deleting customer %d: %w", id, err)
	}
	return deleted, nil
}
