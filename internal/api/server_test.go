package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FairForge/learnhub/internal/catalog"
	"github.com/FairForge/learnhub/internal/config"
	"github.com/FairForge/learnhub/internal/kvstore"
	"github.com/FairForge/learnhub/internal/longpoll"
	"github.com/FairForge/learnhub/internal/metrics"
	"github.com/FairForge/learnhub/internal/vcache"
	"github.com/FairForge/learnhub/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	store    *kvstore.MemoryStore
	registry *version.Registry
	metrics  *metrics.Metrics
	server   *Server
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Poll.Timeout = 150 * time.Millisecond
	cfg.Poll.RateLimit = 0
	for _, fn := range mutate {
		fn(cfg)
	}

	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	logger := zap.NewNop()
	m := metrics.New()

	registry := version.NewRegistry(store, logger, m)
	waiter := longpoll.NewWaiter(registry, logger, longpoll.WithMetrics(m), longpoll.WithDefaultTimeout(cfg.Poll.Timeout))
	cache := vcache.New(registry, store, logger, vcache.WithMetrics(m))
	svc := catalog.NewService(catalog.NewMemoryRepository(), registry, cache, logger)

	return &testServer{
		store:    store,
		registry: registry,
		metrics:  m,
		server: NewServer(cfg, logger, Deps{
			Store:    store,
			Registry: registry,
			Waiter:   waiter,
			Catalog:  svc,
			Metrics:  m,
		}),
	}
}

func (ts *testServer) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

// waitForSubscribers blocks until n long-polls are parked on name.
func (ts *testServer) waitForSubscribers(t *testing.T, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ts.store.Subscribers(version.Channel(name)) == n
	}, 2*time.Second, time.Millisecond)
}

type apiResponse struct {
	Status     string              `json:"status"`
	Message    string              `json:"message"`
	Data       json.RawMessage     `json:"data"`
	Pagination *catalog.Pagination `json:"pagination"`
	Path       string              `json:"path"`
	Timestamp  string              `json:"timestamp"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) apiResponse {
	t.Helper()
	resp := decode(t, rec)
	require.NoError(t, json.Unmarshal(resp.Data, out))
	return resp
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestServer_Ready(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, ts.store.Close())
	rec = ts.do(t, "GET", "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_VersionAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), Version)

	ts.do(t, "GET", "/api/poll/version/courses", "")

	rec = ts.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "learnhub_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/api/poll/version/courses"`)
}

func TestServer_NotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/nope?x=1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	resp := decode(t, rec)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "/nope?x=1", resp.Path)
	assert.Equal(t, "null", string(resp.Data))
	_, err := time.Parse(time.RFC3339Nano, resp.Timestamp)
	assert.NoError(t, err)
}

func TestServer_Shutdown(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, ts.server.Shutdown(ctx))
}

func TestServer_ShutdownReleasesLongPolls(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Poll.Timeout = 30 * time.Second })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- ts.server.Serve(l) }()

	type pollResult struct {
		code int
		body []byte
		err  error
	}
	polled := make(chan pollResult, 1)
	go func() {
		resp, err := http.Get("http://" + l.Addr().String() + "/api/poll/courses?since=1")
		if err != nil {
			polled <- pollResult{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		polled <- pollResult{code: resp.StatusCode, body: body, err: err}
	}()
	ts.waitForSubscribers(t, version.Courses, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, ts.server.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case r := <-polled:
		require.NoError(t, r.err)
		require.Equal(t, http.StatusOK, r.code, string(r.body))
		var resp apiResponse
		require.NoError(t, json.Unmarshal(r.body, &resp))
		var poll pollResponse
		require.NoError(t, json.Unmarshal(resp.Data, &poll))
		assert.Equal(t, pollResponse{Version: 1, Changed: false}, poll)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll not released by shutdown")
	}

	assert.True(t, errors.Is(<-served, http.ErrServerClosed))
	assert.Equal(t, 0, ts.store.TotalSubscribers())
}

func TestServer_CatalogMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "PATCH", "/api/courses", `{"title":"x"}`)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "error", decode(t, rec).Status)

	rec = ts.do(t, "GET", "/api/courses/1/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "error", decode(t, rec).Status)
}
