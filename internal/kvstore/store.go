// Package kvstore is the shared key-value store behind version counters,
// cached payloads and change notifications. Every process instance talks to
// the same backend, so nothing here may keep authoritative state in memory.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrNotInteger is returned by Incr when the stored value is not a decimal integer.
	ErrNotInteger = errors.New("kvstore: value is not an integer")
	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("kvstore: store closed")
)

// Store is the contract every backend implements.
type Store interface {
	// Get returns the value at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key. A ttl <= 0 means the key never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Incr atomically increments the integer at key and returns the new
	// value. An absent key counts from zero.
	Incr(ctx context.Context, key string) (int64, error)

	Publish(ctx context.Context, channel, message string) error
	// Subscribe returns once the subscription is active: any Publish that
	// starts after Subscribe returns is delivered.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// Subscription is one listener on one channel.
type Subscription interface {
	// Messages yields published payloads. It is closed after Close.
	Messages() <-chan string
	// Close unsubscribes. It is safe to call more than once.
	Close() error
}
