// Package version keeps a monotonic counter per resource name in the shared
// store and announces every increment on the resource's channel.
package version

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/FairForge/learnhub/internal/kvstore"
	"github.com/FairForge/learnhub/internal/metrics"
	"go.uber.org/zap"
)

// Well-known resource names.
const (
	Courses = "courses"
)

// CourseName is the version name of one course's detail view.
func CourseName(courseID int64) string {
	return "course:" + strconv.FormatInt(courseID, 10)
}

// ModulesName is the version name of one course's module list.
func ModulesName(courseID int64) string {
	return "modules:" + strconv.FormatInt(courseID, 10)
}

// Key is the store key holding the counter for name.
func Key(name string) string {
	return "v:" + name
}

// Channel is the pub/sub channel bumps of name are published on.
func Channel(name string) string {
	return "ch:v:" + name
}

// Registry reads and bumps resource versions.
type Registry struct {
	store   kvstore.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates a registry on store. m may be nil.
func NewRegistry(store kvstore.Store, logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		store:   store,
		logger:  logger.Named("version"),
		metrics: m,
	}
}

// Get returns the current version of name, creating it at 1 on first
// access.
func (r *Registry) Get(ctx context.Context, name string) (int64, error) {
	raw, err := r.store.Get(ctx, Key(name))
	if err == nil {
		return parse(name, raw)
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return 0, fmt.Errorf("get version %q: %w", name, err)
	}

	// SETNX so a racing initializer or bump is never overwritten.
	created, err := r.store.SetNX(ctx, Key(name), []byte("1"), 0)
	if err != nil {
		return 0, fmt.Errorf("init version %q: %w", name, err)
	}
	if created {
		return 1, nil
	}

	raw, err = r.store.Get(ctx, Key(name))
	if err != nil {
		return 0, fmt.Errorf("get version %q: %w", name, err)
	}
	return parse(name, raw)
}

// Bump increments the version of name and publishes the new value before
// returning it. An absent name is initialized to 1 first, so its first bump
// yields 2.
func (r *Registry) Bump(ctx context.Context, name string) (int64, error) {
	if _, err := r.store.SetNX(ctx, Key(name), []byte("1"), 0); err != nil {
		return 0, fmt.Errorf("init version %q: %w", name, err)
	}

	v, err := r.store.Incr(ctx, Key(name))
	if err != nil {
		return 0, fmt.Errorf("bump version %q: %w", name, err)
	}

	if err := r.store.Publish(ctx, Channel(name), strconv.FormatInt(v, 10)); err != nil {
		return v, fmt.Errorf("publish version %q: %w", name, err)
	}

	r.metrics.IncBump(name)
	r.logger.Debug("version bumped", zap.String("resource", name), zap.Int64("version", v))
	return v, nil
}

// BumpAll bumps each name in order and stops at the first failure.
func (r *Registry) BumpAll(ctx context.Context, names ...string) error {
	for _, name := range names {
		if _, err := r.Bump(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe listens for bumps of name. Each message is a decimal version.
func (r *Registry) Subscribe(ctx context.Context, name string) (kvstore.Subscription, error) {
	sub, err := r.store.Subscribe(ctx, Channel(name))
	if err != nil {
		return nil, fmt.Errorf("subscribe version %q: %w", name, err)
	}
	return sub, nil
}

// ParseMessage decodes a bump notification.
func ParseMessage(msg string) (int64, error) {
	return strconv.ParseInt(msg, 10, 64)
}

func parse(name string, raw []byte) (int64, error) {
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("version %q: %w", name, kvstore.ErrNotInteger)
	}
	return v, nil
}
