// Package vcache caches expensive reads under keys that embed the current
// version of the data they were computed from. Bumping the version makes
// every older entry unreachable; entries are never deleted, only left to
// expire.
package vcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/FairForge/learnhub/internal/kvstore"
	"github.com/FairForge/learnhub/internal/metrics"
	"github.com/FairForge/learnhub/internal/version"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache is the versioned read-through cache.
type Cache struct {
	registry *version.Registry
	store    kvstore.Store
	logger   *zap.Logger
	metrics  *metrics.Metrics
	codec    codec
	group    *singleflight.Group
}

// Option configures a Cache
type Option func(*Cache)

// WithMetrics records hits and misses on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithSingleflight collapses concurrent misses on the same key within this
// process into one loader call. Misses on different instances still load
// independently.
func WithSingleflight() Option {
	return func(c *Cache) {
		c.group = &singleflight.Group{}
	}
}

// WithCompression snappy-compresses encoded payloads larger than threshold
// bytes. A threshold <= 0 disables compression.
func WithCompression(threshold int) Option {
	return func(c *Cache) {
		c.codec.compressAbove = threshold
	}
}

// New creates a cache reading versions from registry and payloads from store.
func New(registry *version.Registry, store kvstore.Store, logger *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		registry: registry,
		store:    store,
		logger:   logger.Named("vcache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the store key of an entry.
func Key(prefix string, v int64, suffix string) string {
	return "cache:" + prefix + ":v" + strconv.FormatInt(v, 10) + ":" + suffix
}

// Loader computes a value on a cache miss.
type Loader[T any] func(ctx context.Context) (T, error)

// Wrap returns the cached value for (prefix, current version of versionName,
// keySuffix), calling loader and caching its result for ttl on a miss.
//
// The version is read before the lookup, so a bump that completed before
// the call always forces a reload. Loader errors are returned as-is and
// nothing is cached.
func Wrap[T any](ctx context.Context, c *Cache, prefix, versionName, keySuffix string, ttl time.Duration, loader Loader[T]) (T, error) {
	var zero T

	v, err := c.registry.Get(ctx, versionName)
	if err != nil {
		return zero, err
	}
	key := Key(prefix, v, keySuffix)

	var out T
	hit, err := c.lookup(ctx, key, &out)
	if err != nil {
		return zero, err
	}
	c.metrics.ObserveCacheLookup(prefix, hit)
	if hit {
		return out, nil
	}

	if c.group == nil {
		return load(ctx, c, key, ttl, loader)
	}

	// The load is shared, so it must not end with whichever caller started
	// it. Each caller still stops waiting when its own context is done.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return load(shared, c, key, ttl, loader)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Shared {
			c.logger.Debug("shared cache load", zap.String("key", key))
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func load[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, loader Loader[T]) (T, error) {
	var zero T

	value, err := loader(ctx)
	if err != nil {
		return zero, err
	}

	data, err := c.codec.encode(value)
	if err != nil {
		return zero, fmt.Errorf("vcache: encode %q: %w", key, err)
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		return zero, fmt.Errorf("vcache: store %q: %w", key, err)
	}
	return value, nil
}

// lookup decodes the entry at key into out. An undecodable entry counts as
// a miss and is overwritten by the next load.
func (c *Cache) lookup(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := c.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vcache: lookup %q: %w", key, err)
	}

	if err := c.codec.decode(data, out); err != nil {
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}
