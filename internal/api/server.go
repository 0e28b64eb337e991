package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/FairForge/learnhub/internal/catalog"
	"github.com/FairForge/learnhub/internal/config"
	"github.com/FairForge/learnhub/internal/kvstore"
	"github.com/FairForge/learnhub/internal/longpoll"
	"github.com/FairForge/learnhub/internal/metrics"
	"github.com/FairForge/learnhub/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Version is reported by /version and /health.
const Version = "0.1.0"

// Deps are the collaborators the server routes to.
type Deps struct {
	Store    kvstore.Store
	Registry *version.Registry
	Waiter   *longpoll.Waiter
	Catalog  *catalog.Service
	Metrics  *metrics.Metrics
}

type Server struct {
	config     *config.Config
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	store      kvstore.Store
	registry   *version.Registry
	waiter     *longpoll.Waiter
	catalog    *CatalogHandler
	metrics    *metrics.Metrics
	limiter    *RateLimiter

	// baseCtx parents every request context and is cancelled by Shutdown,
	// which releases parked long polls.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	startTime time.Time
}

func NewServer(cfg *config.Config, logger *zap.Logger, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	s := &Server{
		config:    cfg,
		logger:    logger.Named("api"),
		router:    mux.NewRouter(),
		store:     deps.Store,
		registry:  deps.Registry,
		waiter:    deps.Waiter,
		metrics:   deps.Metrics,
		limiter:   NewRateLimiter(cfg.Poll.RateLimit, cfg.Poll.Burst),
		startTime: time.Now(),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	if deps.Catalog != nil {
		s.catalog = NewCatalogHandler(deps.Catalog, s.logger)
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.baseCtx },
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/version", s.handleVersion).Methods("GET")

	// Poll routes. Named forms are registered before the generic ones.
	poll := s.router.PathPrefix("/api/poll").Subrouter()
	poll.Use(mux.MiddlewareFunc(RateLimitMiddleware(s.limiter, s.metrics, s.logger)))
	poll.HandleFunc("/version/courses", s.handlePeekVersion).Methods("GET")
	poll.HandleFunc("/version/course/{courseID:[0-9]+}/modules", s.handlePeekVersion).Methods("GET")
	poll.HandleFunc("/version/{resource}", s.handlePeekVersion).Methods("GET")
	poll.HandleFunc("/courses", s.handleWaitVersion).Methods("GET")
	poll.HandleFunc("/course/{courseID:[0-9]+}/modules", s.handleWaitVersion).Methods("GET")
	poll.HandleFunc("/{resource}", s.handleWaitVersion).Methods("GET")

	if s.catalog != nil {
		r := chi.NewRouter()
		r.NotFound(s.handleNotFound)
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			respondError(s.logger, w, r, http.StatusMethodNotAllowed, "Method not allowed")
		})
		s.catalog.RegisterRoutes(r)
		s.router.PathPrefix("/api/courses").Handler(r)
		s.router.PathPrefix("/api/modules").Handler(r)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondError(s.logger, w, r, http.StatusNotFound, "Not found")
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.startTime).Seconds(),
	})
}

// handleReady reports whether the shared store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(s.logger, w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]interface{}{
		"ready":     true,
		"memory_mb": getMemoryUsageMB(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{
		"version": Version,
		"go":      runtime.Version(),
	})
}

func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.Int("port", s.config.Server.Port))
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Starting server", zap.String("addr", l.Addr().String()))
	return s.httpServer.Serve(l)
}

// Shutdown answers parked long polls with their current version, then waits
// for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	return s.httpServer.Shutdown(ctx)
}

func getMemoryUsageMB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc / 1024 / 1024
}
