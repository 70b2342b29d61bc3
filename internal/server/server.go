package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/metrics"
	"github.com/lazypower/engram/internal/store"
)

// Server is the engram HTTP API server.
type Server struct {
	db       *store.DB
	engine   *engine.Engine
	router   chi.Router
	version  string
	started  time.Time
	logger   *zap.Logger
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records HTTP metrics on c and serves g at /metrics.
func WithMetrics(c *metrics.Collector, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = c
		s.gatherer = g
	}
}

// New creates a new Server over the given database and engine.
func New(db *store.DB, eng *engine.Engine, version string, opts ...Option) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		version: version,
		started: time.Now(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "http"))
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/scopes/{scope}", func(r chi.Router) {
			r.Post("/memories", s.handleCreateMemory)
			r.Get("/memories", s.handleListMemories)
			r.Get("/memories/{id}", s.handleGetMemory)
			r.Patch("/memories/{id}", s.handleUpdateMemory)
			r.Delete("/memories/{id}", s.handleDeleteMemory)

			r.Get("/memories/{id}/related", s.handleRelated)
			r.Get("/memories/{id}/edges", s.handleEdges)
			r.Post("/memories/{id}/access", s.handleRecordAccess)
			r.Get("/memories/{id}/access", s.handleListAccess)
			r.Post("/memories/{id}/importance", s.handleRecompute)

			r.Post("/search", s.handleSearch)
			r.Get("/context", s.handleGetContext)

			r.Post("/relationships", s.handleConnect)
			r.Delete("/relationships/{id}", s.handleDisconnect)

			r.Post("/access/{accessID}/outcome", s.handleRecordOutcome)
		})

		r.Post("/sweep", s.handleSweep)
	})

	s.router = r
}

// requestLogger logs each request once it completes and records its metrics
// under the matched route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		d := time.Since(start)
		s.metrics.RecordHTTP(r.Method, route, status, d)

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", d),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.db.PingContext(ctx) == nil
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	}
	if v, err := s.db.SchemaVersion(); err == nil {
		body["schema_version"] = v
	}
	if counts, err := s.db.CountByState(ctx); err == nil {
		body["memories"] = counts
	}
	if vecs, err := s.db.CountVectors(ctx); err == nil {
		body["vectors"] = vecs
	}
	body["relationships"] = s.engine.Graph().Len()

	status := http.StatusOK
	if !dbOK {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
