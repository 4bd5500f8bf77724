// Package store persists polly's domain state: conversation history,
// insurance product documents, and customer profiles. All stores run on the
// shared postgres.Pool; writes are single transactions, idempotent reads go
// through the retry executor.
package store

import "errors"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")
