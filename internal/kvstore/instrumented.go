package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/FairForge/learnhub/internal/metrics"
)

// Instrumented records the latency and result of every operation on the
// wrapped store.
type Instrumented struct {
	Store
	metrics *metrics.Metrics
}

// Instrument wraps s. A nil m returns s unchanged.
func Instrument(s Store, m *metrics.Metrics) Store {
	if m == nil {
		return s
	}
	return &Instrumented{Store: s, metrics: m}
}

// observe treats ErrNotFound as a successful round trip.
func (i *Instrumented) observe(op string, start time.Time, err error) {
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	i.metrics.ObserveStoreOp(op, time.Since(start), err)
}

func (i *Instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	v, err := i.Store.Get(ctx, key)
	i.observe("get", start, err)
	return v, err
}

func (i *Instrumented) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := i.Store.Set(ctx, key, value, ttl)
	i.observe("set", start, err)
	return err
}

func (i *Instrumented) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := i.Store.SetNX(ctx, key, value, ttl)
	i.observe("setnx", start, err)
	return ok, err
}

func (i *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.Store.Delete(ctx, key)
	i.observe("delete", start, err)
	return err
}

func (i *Instrumented) Incr(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := i.Store.Incr(ctx, key)
	i.observe("incr", start, err)
	return n, err
}

func (i *Instrumented) Publish(ctx context.Context, channel, message string) error {
	start := time.Now()
	err := i.Store.Publish(ctx, channel, message)
	i.observe("publish", start, err)
	return err
}

func (i *Instrumented) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	start := time.Now()
	sub, err := i.Store.Subscribe(ctx, channel)
	i.observe("subscribe", start, err)
	return sub, err
}
