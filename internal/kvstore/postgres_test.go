package kvstore

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeListener struct {
	mu        sync.Mutex
	listens   []string
	unlistens []string
	listenErr error
	ch        chan *pq.Notification
}

func newFakeListener() *fakeListener {
	return &fakeListener{ch: make(chan *pq.Notification, 8)}
}

func (f *fakeListener) Listen(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return f.listenErr
	}
	f.listens = append(f.listens, channel)
	return nil
}

func (f *fakeListener) Unlisten(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlistens = append(f.unlistens, channel)
	return nil
}

func (f *fakeListener) NotificationChannel() <-chan *pq.Notification {
	return f.ch
}

func (f *fakeListener) Close() error {
	return nil
}

func (f *fakeListener) calls() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.listens...), append([]string(nil), f.unlistens...)
}

func newPostgresTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, *fakeListener) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	l := newFakeListener()
	s := newPostgresStore(db, l, zap.NewNop())
	t.Cleanup(func() {
		mock.ExpectClose()
		_ = s.Close()
	})
	return s, mock, l
}

func TestPostgresStore_Get(t *testing.T) {
	ctx := context.Background()
	s, mock, _ := newPostgresTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries")).
		WithArgs("v:courses").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("3")))

	v, err := s.Get(ctx, "v:courses")
	require.NoError(t, err)
	assert.Equal(t, "3", string(v))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetAndSetNX(t *testing.T) {
	ctx := context.Background()
	s, mock, _ := newPostgresTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv_entries (key, value, expires_at)")).
		WithArgs("cache:k", []byte("payload"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Set(ctx, "cache:k", []byte("payload"), time.Minute))

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (key) DO UPDATE")).
		WithArgs("v:courses", []byte("1"), nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err := s.SetNX(ctx, "v:courses", []byte("1"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Incr(t *testing.T) {
	ctx := context.Background()
	s, mock, _ := newPostgresTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("RETURNING convert_from(value, 'UTF8')::BIGINT")).
		WithArgs("v:courses").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(5)))

	n, err := s.Incr(ctx, "v:courses")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	mock.ExpectQuery(regexp.QuoteMeta("RETURNING")).
		WithArgs("bad").
		WillReturnError(&pq.Error{Code: "22P02", Message: "invalid input syntax for type bigint"})

	_, err = s.Incr(ctx, "bad")
	assert.ErrorIs(t, err, ErrNotInteger)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PublishUsesNotify(t *testing.T) {
	ctx := context.Background()
	s, mock, _ := newPostgresTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify($1, $2)")).
		WithArgs("ch:v:courses", "4").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Publish(ctx, "ch:v:courses", "4"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StoreErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	s, mock, _ := newPostgresTestStore(t)

	boom := errors.New("connection refused")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries")).
		WithArgs("k").
		WillReturnError(boom)

	_, err := s.Get(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ListenRefCounting(t *testing.T) {
	ctx := context.Background()
	s, _, l := newPostgresTestStore(t)

	a, err := s.Subscribe(ctx, "ch:v:modules:1")
	require.NoError(t, err)
	b, err := s.Subscribe(ctx, "ch:v:modules:1")
	require.NoError(t, err)

	listens, _ := l.calls()
	assert.Equal(t, []string{"ch:v:modules:1"}, listens)

	require.NoError(t, a.Close())
	_, unlistens := l.calls()
	assert.Empty(t, unlistens)

	require.NoError(t, b.Close())
	_, unlistens = l.calls()
	assert.Equal(t, []string{"ch:v:modules:1"}, unlistens)
}

func TestPostgresStore_NotificationsFanOut(t *testing.T) {
	ctx := context.Background()
	s, _, l := newPostgresTestStore(t)

	a, err := s.Subscribe(ctx, "ch:v:courses")
	require.NoError(t, err)
	defer a.Close()
	b, err := s.Subscribe(ctx, "ch:v:courses")
	require.NoError(t, err)
	defer b.Close()

	l.ch <- nil // reconnect marker is ignored
	l.ch <- &pq.Notification{Channel: "ch:v:courses", Extra: "9"}

	for _, sub := range []Subscription{a, b} {
		select {
		case msg := <-sub.Messages():
			assert.Equal(t, "9", msg)
		case <-time.After(2 * time.Second):
			t.Fatal("notification not delivered")
		}
	}
}

func TestPostgresStore_ListenFailure(t *testing.T) {
	ctx := context.Background()
	s, _, l := newPostgresTestStore(t)
	l.listenErr = errors.New("listener down")

	_, err := s.Subscribe(ctx, "ch:v:courses")
	require.Error(t, err)
	assert.Equal(t, 0, s.hub.count("ch:v:courses"))

	_, unlistens := l.calls()
	assert.Empty(t, unlistens)
}

func TestPostgresStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s, mock, _ := newPostgresTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM kv_entries WHERE expires_at IS NOT NULL")).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}
