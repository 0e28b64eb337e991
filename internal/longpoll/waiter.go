// Package longpoll blocks a request until a resource version moves past
// what the client has already seen, or a timeout elapses.
package longpoll

import (
	"context"
	"errors"
	"time"

	"github.com/FairForge/learnhub/internal/metrics"
	"github.com/FairForge/learnhub/internal/version"
	"go.uber.org/zap"
)

// DefaultTimeout stays under the ~30s idle limit of common load balancers.
const DefaultTimeout = 25 * time.Second

// ErrSubscriptionClosed is returned when the notification stream ends while
// a call is still waiting.
var ErrSubscriptionClosed = errors.New("longpoll: subscription closed")

// Waiter implements the long-poll wait.
type Waiter struct {
	registry *version.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
}

// Option configures a Waiter
type Option func(*Waiter)

// WithDefaultTimeout sets the timeout used when a call passes none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithMetrics records waiter gauges and outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Waiter) {
		w.metrics = m
	}
}

// NewWaiter creates a waiter on registry
func NewWaiter(registry *version.Registry, logger *zap.Logger, opts ...Option) *Waiter {
	w := &Waiter{
		registry: registry,
		logger:   logger.Named("longpoll"),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// DefaultTimeout returns the timeout applied when WaitSince gets none.
func (w *Waiter) DefaultTimeout() time.Duration {
	return w.timeout
}

// WaitSince returns the version of name as soon as it exceeds since. If
// that does not happen within timeout it returns the last version it read,
// which is <= since. A timeout <= 0 uses the default; a negative since is
// treated as 0.
//
// If ctx ends first, the last version read is returned with ctx.Err().
func (w *Waiter) WaitSince(ctx context.Context, name string, since int64, timeout time.Duration) (int64, error) {
	if since < 0 {
		since = 0
	}
	if timeout <= 0 {
		timeout = w.timeout
	}

	current, err := w.registry.Get(ctx, name)
	if err != nil {
		w.metrics.ObservePoll(name, metrics.OutcomeError)
		return 0, err
	}
	if current > since {
		w.metrics.ObservePoll(name, metrics.OutcomeFast)
		return current, nil
	}

	sub, err := w.registry.Subscribe(ctx, name)
	if err != nil {
		w.metrics.ObservePoll(name, metrics.OutcomeError)
		return current, err
	}
	defer func() { _ = sub.Close() }()

	// A bump between the first read and the subscription was published to
	// nobody; read again now that we are listening.
	current, err = w.registry.Get(ctx, name)
	if err != nil {
		w.metrics.ObservePoll(name, metrics.OutcomeError)
		return 0, err
	}
	if current > since {
		w.metrics.ObservePoll(name, metrics.OutcomeFast)
		return current, nil
	}

	w.metrics.WaiterStarted()
	defer w.metrics.WaiterFinished()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	messages := sub.Messages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				w.metrics.ObservePoll(name, metrics.OutcomeError)
				return current, ErrSubscriptionClosed
			}
			v, err := version.ParseMessage(msg)
			if err != nil {
				w.logger.Warn("ignoring malformed version notification",
					zap.String("resource", name), zap.String("message", msg))
				continue
			}
			if v > since {
				w.metrics.ObservePoll(name, metrics.OutcomeNotified)
				return v, nil
			}
		case <-timer.C:
			w.metrics.ObservePoll(name, metrics.OutcomeTimeout)
			return current, nil
		case <-ctx.Done():
			w.metrics.ObservePoll(name, metrics.OutcomeCanceled)
			return current, ctx.Err()
		}
	}
}
