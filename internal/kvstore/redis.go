package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is a Store backed by a Redis server. One PubSub connection
// per process feeds every local subscriber.
type RedisStore struct {
	client *redis.Client
	ps     *redis.PubSub
	hub    *hub
	logger *zap.Logger

	subMu     sync.Mutex
	pendingMu sync.Mutex
	pending   map[string][]chan struct{}

	dispatchOnce sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
	closeMu      sync.Mutex
	closed       bool
}

// NewRedisStore connects to the server at url (redis://host:port/db).
func NewRedisStore(ctx context.Context, url string, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	// Never give up on a command waiting for a pooled connection before
	// its context does.
	opts.ContextTimeoutEnabled = true

	s := NewRedisStoreFromClient(redis.NewClient(opts), logger)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info("connected to redis", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, logger *zap.Logger) *RedisStore {
	s := &RedisStore{
		client:  client,
		ps:      client.Subscribe(context.Background()),
		hub:     newHub(),
		logger:  logger,
		pending: make(map[string][]chan struct{}),
		done:    make(chan struct{}),
	}
	s.hub.onEmpty = s.unsubscribe
	return s
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return s.wrap("set", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, s.wrap("setnx", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return s.wrap("del", key, err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		if strings.Contains(err.Error(), "not an integer") {
			return 0, fmt.Errorf("incr %q: %w", key, ErrNotInteger)
		}
		return 0, s.wrap("incr", key, err)
	}
	return n, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return s.wrap("publish", channel, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	// Serialize with unsubscribe so a subscriber never returns before the
	// server has confirmed its channel.
	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub, first, err := s.hub.subscribe(channel)
	if err != nil {
		return nil, err
	}
	if !first {
		return sub, nil
	}

	s.dispatchOnce.Do(s.startDispatch)
	confirmed := s.expectConfirmation(channel)
	if err := s.ps.Subscribe(ctx, channel); err != nil {
		s.abandonConfirmation(channel, confirmed)
		sub.discard()
		s.dropChannel(channel)
		return nil, s.wrap("subscribe", channel, err)
	}

	select {
	case <-confirmed:
		return sub, nil
	case <-s.done:
		sub.discard()
		return nil, ErrClosed
	case <-ctx.Done():
		sub.discard()
		s.dropChannel(channel)
		return nil, s.wrap("subscribe", channel, ctx.Err())
	}
}

// expectConfirmation queues a signal for the next subscribe reply on
// channel. Replies arrive in the order the commands were sent, so a reply
// left over from an abandoned attempt only releases that attempt's slot.
func (s *RedisStore) expectConfirmation(channel string) <-chan struct{} {
	ch := make(chan struct{})
	s.pendingMu.Lock()
	s.pending[channel] = append(s.pending[channel], ch)
	s.pendingMu.Unlock()
	return ch
}

// abandonConfirmation removes a slot whose SUBSCRIBE was never sent.
func (s *RedisStore) abandonConfirmation(channel string, confirmed <-chan struct{}) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	queue := s.pending[channel]
	for i, ch := range queue {
		if ch == confirmed {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(s.pending, channel)
		return
	}
	s.pending[channel] = queue
}

func (s *RedisStore) confirm(channel string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	queue := s.pending[channel]
	if len(queue) == 0 {
		// Resubscribed after a reconnect.
		return
	}
	close(queue[0])
	if len(queue) == 1 {
		delete(s.pending, channel)
		return
	}
	s.pending[channel] = queue[1:]
}

func (s *RedisStore) unsubscribe(channel string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.dropChannel(channel)
}

// dropChannel unsubscribes the shared connection from channel unless a
// local subscriber still needs it. Callers hold subMu.
func (s *RedisStore) dropChannel(channel string) {
	if s.hub.count(channel) > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ps.Unsubscribe(ctx, channel); err != nil && !errors.Is(err, redis.ErrClosed) {
		s.logger.Warn("unsubscribe failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (s *RedisStore) startDispatch() {
	in := s.ps.ChannelWithSubscriptions(redis.WithChannelSize(subscriptionBuffer * 8))
	s.wg.Add(1)
	go s.dispatch(in)
}

func (s *RedisStore) dispatch(in <-chan interface{}) {
	defer s.wg.Done()
	for m := range in {
		switch m := m.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				s.confirm(m.Channel)
			}
		case *redis.Message:
			s.hub.publish(m.Channel, m.Payload)
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kvstore: redis ping: %w", err)
	}
	return nil
}

// Close drops every subscriber, then closes the PubSub connection and the
// client.
func (s *RedisStore) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.closeMu.Unlock()

	s.hub.close()
	psErr := s.ps.Close()
	s.wg.Wait()

	if err := s.client.Close(); err != nil {
		return err
	}
	if psErr != nil && !errors.Is(psErr, redis.ErrClosed) {
		return psErr
	}
	return nil
}

func (s *RedisStore) wrap(op, key string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("kvstore: redis %s %q: %w", op, key, err)
}
