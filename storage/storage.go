// Package storage provides the key-value store backing the authorization
// code broker. Items may carry a time-to-live; expired items behave as if
// they were never stored. GetDel is the primitive that makes authorization
// codes single-use: fetch and removal happen as one atomic step, so two
// concurrent redemptions of the same code can never both observe it.
package storage

import (
	"context"
	"time"
)

// Store is the broker-facing storage interface.
type Store interface {
	// Get retrieves the item for key. Returns a nil item (and nil error)
	// if the key does not exist or has expired; errors are reserved for
	// backend failures.
	Get(ctx context.Context, key string) (*Item, error)

	// GetDel atomically retrieves and removes the item for key. Same
	// nil-item semantics as Get. A second GetDel for the same key always
	// observes nothing.
	GetDel(ctx context.Context, key string) (*Item, error)

	// Set stores data under key, replacing any existing item.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes the item for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Item is a stored piece of data with expiry metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item's deadline has passed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a Set operation.
type Option func(*Options)

// Options holds Set configuration.
type Options struct {
	TTL *time.Duration
}

// WithTTL sets a time-to-live for the stored data. A non-positive TTL
// stores an already-expired item, which is useful in tests.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}
