package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/FairForge/learnhub/internal/config"
	"github.com/FairForge/learnhub/internal/version"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalResource(t *testing.T) {
	tests := []struct {
		raw   string
		want  string
		valid bool
	}{
		{"courses", "courses", true},
		{"course:12", "course:12", true},
		{"course:007", "course:7", true},
		{"modules:3", "modules:3", true},
		{"modules:", "", false},
		{"course:-1", "", false},
		{"users", "", false},
		{"courses:list", "", false},
		{"course:1234567890123456789", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := canonicalResource(tt.raw)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSince(t *testing.T) {
	assert.Equal(t, int64(0), parseSince(""))
	assert.Equal(t, int64(0), parseSince("abc"))
	assert.Equal(t, int64(0), parseSince("-4"))
	assert.Equal(t, int64(17), parseSince("17"))
}

func TestPeekVersion(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	t.Run("named courses route", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/poll/version/courses", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var data versionResponse
		resp := decodeData(t, rec, &data)
		assert.Equal(t, "success", resp.Status)
		assert.Equal(t, "", resp.Message)
		assert.Equal(t, int64(1), data.Version)
	})

	t.Run("named modules route", func(t *testing.T) {
		_, err := ts.registry.Bump(ctx, version.ModulesName(4))
		require.NoError(t, err)

		rec := ts.do(t, "GET", "/api/poll/version/course/4/modules", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var data versionResponse
		decodeData(t, rec, &data)
		assert.Equal(t, int64(2), data.Version)
	})

	t.Run("generic route is canonicalized", func(t *testing.T) {
		_, err := ts.registry.Bump(ctx, version.CourseName(7))
		require.NoError(t, err)

		rec := ts.do(t, "GET", "/api/poll/version/course:007", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var data versionResponse
		decodeData(t, rec, &data)
		assert.Equal(t, int64(2), data.Version)
	})

	t.Run("unknown resource does not create a counter", func(t *testing.T) {
		before := ts.store.Len()
		rec := ts.do(t, "GET", "/api/poll/version/users", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "error", decode(t, rec).Status)
		assert.Equal(t, before, ts.store.Len())
	})

	t.Run("store unavailable", func(t *testing.T) {
		broken := newTestServer(t)
		require.NoError(t, broken.store.Close())

		rec := broken.do(t, "GET", "/api/poll/version/courses", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestWaitVersion_FastPath(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Poll.Timeout = 10 * time.Second })

	start := time.Now()
	rec := ts.do(t, "GET", "/api/poll/courses?since=0", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var data pollResponse
	decodeData(t, rec, &data)
	assert.Equal(t, pollResponse{Version: 1, Changed: true}, data)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitVersion_MalformedSinceIsZero(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Poll.Timeout = 10 * time.Second })

	rec := ts.do(t, "GET", "/api/poll/courses?since=banana", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var data pollResponse
	decodeData(t, rec, &data)
	assert.True(t, data.Changed)
	assert.Equal(t, int64(1), data.Version)
}

func TestWaitVersion_Unchanged(t *testing.T) {
	ts := newTestServer(t)

	start := time.Now()
	rec := ts.do(t, "GET", "/api/poll/courses?since=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var data pollResponse
	decodeData(t, rec, &data)
	assert.Equal(t, pollResponse{Version: 1, Changed: false}, data)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, 0, ts.store.TotalSubscribers())
}

func TestWaitVersion_ReleasedByBump(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Poll.Timeout = 10 * time.Second })

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- ts.do(t, "GET", "/api/poll/course/3/modules?since=1", "")
	}()
	ts.waitForSubscribers(t, version.ModulesName(3), 1)

	_, err := ts.registry.Bump(context.Background(), version.ModulesName(3))
	require.NoError(t, err)

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		var data pollResponse
		decodeData(t, rec, &data)
		assert.Equal(t, pollResponse{Version: 2, Changed: true}, data)
	case <-time.After(5 * time.Second):
		t.Fatal("long-poll not released")
	}
}

func TestWaitVersion_GenericRoute(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Poll.Timeout = 10 * time.Second })

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- ts.do(t, "GET", "/api/poll/course:5?since=1", "")
	}()
	ts.waitForSubscribers(t, version.CourseName(5), 1)

	_, err := ts.registry.Bump(context.Background(), version.CourseName(5))
	require.NoError(t, err)

	select {
	case rec := <-done:
		var data pollResponse
		decodeData(t, rec, &data)
		assert.True(t, data.Changed)
	case <-time.After(5 * time.Second):
		t.Fatal("long-poll not released")
	}

	rec := ts.do(t, "GET", "/api/poll/secrets?since=1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWaitVersion_ClientDisconnect(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Poll.Timeout = 10 * time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/poll/courses?since=1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		ts.server.Handler().ServeHTTP(rec, req)
		close(done)
	}()
	ts.waitForSubscribers(t, version.Courses, 1)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 0, ts.store.TotalSubscribers())
}

func TestWaitVersion_StoreUnavailable(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Close())

	rec := ts.do(t, "GET", "/api/poll/courses?since=0", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "error", decode(t, rec).Status)
}

func TestPoll_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Poll.RateLimit = 0.001
		c.Poll.Burst = 2
	})

	for i := 0; i < 2; i++ {
		rec := ts.do(t, "GET", "/api/poll/version/courses", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(t, "GET", "/api/poll/version/courses", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.RateLimitHits))

	// Other clients and non-poll routes are unaffected.
	req := httptest.NewRequest("GET", "/api/poll/version/courses", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	other := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)

	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/health", "").Code)
}

// Client A peeks the courses version, an admin creates a course, and A's
// pending long-poll resolves with the new version well before the timeout.
func TestScenario_CreateCourseReleasesLongPoll(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Poll.Timeout = 10 * time.Second })

	var peek versionResponse
	decodeData(t, ts.do(t, "GET", "/api/poll/version/courses", ""), &peek)
	require.Equal(t, int64(1), peek.Version)

	done := make(chan *httptest.ResponseRecorder, 1)
	start := time.Now()
	go func() {
		done <- ts.do(t, "GET", "/api/poll/courses?since=1", "")
	}()
	ts.waitForSubscribers(t, version.Courses, 1)

	rec := ts.do(t, "POST", "/api/courses", `{"title":"Go Basics","description":"Learn Go from scratch","instructor":"Rob","price":0}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	select {
	case rec := <-done:
		var data pollResponse
		decodeData(t, rec, &data)
		assert.Equal(t, pollResponse{Version: 2, Changed: true}, data)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("long-poll not released by course creation")
	}
}
