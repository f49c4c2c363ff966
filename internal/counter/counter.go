// Package counter provides the shared counter store used for send-rate
// accounting and short-lived event buffers. The store's Update primitive
// gives optimistic read-modify-write transactions over a key set, so
// concurrent granters never double-spend a window's headroom.
package counter

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrContention is returned when an Update keeps losing its optimistic
	// transaction past the retry budget.
	ErrContention = errors.New("counter: transaction contention")
	// ErrNotConnected is returned when the store's backend is unavailable.
	ErrNotConnected = errors.New("counter: not connected")
)

// Op is one write produced by an Update function. The value is set
// absolutely; TTL is applied when positive.
type Op struct {
	Value int64
	TTL   time.Duration
}

// UpdateFunc computes writes from a consistent snapshot of the watched keys.
// Missing keys appear in the view as zero. Returning an error aborts the
// transaction without writing.
type UpdateFunc func(view map[string]int64) (map[string]Op, error)

// Store is a transactional counter store.
type Store interface {
	// Get reads a counter. The second return is false when the key is absent.
	Get(ctx context.Context, key string) (int64, bool, error)

	// SetTTL sets or refreshes a key's expiry without touching its value.
	SetTTL(ctx context.Context, key string, ttl time.Duration) error

	// Update runs fn against a snapshot of keys and applies its writes
	// atomically. If any watched key changes concurrently the snapshot is
	// retaken and fn re-run, up to a bounded number of attempts.
	Update(ctx context.Context, keys []string, fn UpdateFunc) error

	// PushList appends a value to a list key, refreshing its TTL.
	PushList(ctx context.Context, key, value string, ttl time.Duration) error

	// DrainList atomically reads and deletes a list key, returning its
	// values in insertion order.
	DrainList(ctx context.Context, key string) ([]string, error)

	// Close releases backend connections.
	Close() error
}
