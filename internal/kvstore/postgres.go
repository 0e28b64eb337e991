package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FairForge/learnhub/internal/database"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// listener is the part of *pq.Listener the store depends on.
type listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// PostgresStore is a Store on a PostgreSQL table, with LISTEN/NOTIFY for
// pub/sub. One LISTEN connection per process feeds every local subscriber.
type PostgresStore struct {
	db       *sql.DB
	listener listener
	hub      *hub
	logger   *zap.Logger

	listenMu sync.Mutex
	done     chan struct{}
	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
}

// PostgresConfig configures NewPostgresStore.
type PostgresConfig struct {
	DSN           string
	SweepInterval time.Duration
}

// NewPostgresStore opens the database, creates the table if needed and
// starts the notification listener.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	db, err := database.Open(ctx, database.Config{DSN: cfg.DSN})
	if err != nil {
		return nil, fmt.Errorf("kvstore: %w", err)
	}

	l := pq.NewListener(cfg.DSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("postgres listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})

	s := newPostgresStore(db, l, logger)
	if err := s.CreateTables(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if cfg.SweepInterval > 0 {
		s.startSweeper(cfg.SweepInterval)
	}
	return s, nil
}

func newPostgresStore(db *sql.DB, l listener, logger *zap.Logger) *PostgresStore {
	s := &PostgresStore{
		db:       db,
		listener: l,
		hub:      newHub(),
		logger:   logger,
		done:     make(chan struct{}),
	}
	s.hub.onEmpty = s.unlisten

	s.wg.Add(1)
	go s.dispatch()
	return s
}

// CreateTables creates the backing table
func (s *PostgresStore) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS kv_entries (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS kv_entries_expires_at ON kv_entries (expires_at)`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func expiresAt(ttl time.Duration) interface{} {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl).UTC()
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`

	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`

	if _, err := s.db.ExecContext(ctx, query, key, value, expiresAt(ttl)); err != nil {
		return s.wrap("set", key, err)
	}
	return nil
}

func (s *PostgresStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// An expired row counts as absent.
	query := `INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= NOW()`

	res, err := s.db.ExecContext(ctx, query, key, value, expiresAt(ttl))
	if err != nil {
		return false, s.wrap("setnx", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrap("setnx", key, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return s.wrap("delete", key, err)
	}
	return nil
}

func (s *PostgresStore) Incr(ctx context.Context, key string) (int64, error) {
	query := `INSERT INTO kv_entries (key, value) VALUES ($1, '1')
		ON CONFLICT (key) DO UPDATE SET value =
			convert_to((convert_from(kv_entries.value, 'UTF8')::BIGINT + 1)::TEXT, 'UTF8')
		RETURNING convert_from(value, 'UTF8')::BIGINT`

	var n int64
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&n); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return 0, fmt.Errorf("incr %q: %w", key, ErrNotInteger)
		}
		return 0, s.wrap("incr", key, err)
	}
	return n, nil
}

func (s *PostgresStore) Publish(ctx context.Context, channel, message string) error {
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, message); err != nil {
		return s.wrap("publish", channel, err)
	}
	return nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	// Serialize with unlisten so a subscriber never returns before its
	// channel is LISTENed.
	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	sub, first, err := s.hub.subscribe(channel)
	if err != nil {
		return nil, err
	}
	if first {
		if err := s.listener.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			sub.discard()
			return nil, s.wrap("listen", channel, err)
		}
	}
	return sub, nil
}

func (s *PostgresStore) unlisten(channel string) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	if s.hub.count(channel) > 0 {
		return
	}
	if err := s.listener.Unlisten(channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		s.logger.Warn("unlisten failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (s *PostgresStore) dispatch() {
	defer s.wg.Done()
	notifications := s.listener.NotificationChannel()
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return
			}
			// nil marks a reconnect; anything published meanwhile is lost
			// and waiters fall back to their timeout.
			if n == nil {
				s.logger.Warn("postgres listener reconnected")
				continue
			}
			s.hub.publish(n.Channel, n.Extra)
		case <-s.done:
			return
		}
	}
}

// Sweep deletes expired rows and returns how many it removed.
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, s.wrap("sweep", "", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) startSweeper(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				n, err := s.Sweep(ctx)
				cancel()
				if err != nil {
					s.logger.Warn("sweep expired entries", zap.Error(err))
				} else if n > 0 {
					s.logger.Debug("swept expired entries", zap.Int64("count", n))
				}
			case <-s.done:
				return
			}
		}
	}()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("kvstore: postgres ping: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	close(s.done)
	s.wg.Wait()
	s.hub.close()

	var errs []string
	if err := s.listener.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("kvstore: close postgres: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s *PostgresStore) wrap(op, key string, err error) error {
	if errors.Is(err, sql.ErrConnDone) {
		return ErrClosed
	}
	return fmt.Errorf("kvstore: postgres %s %q: %w", op, key, err)
}
