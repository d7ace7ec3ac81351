package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/config"
	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/metrics"
	"github.com/JakeFAU/source-crawler/internal/sources"
)

const (
	requestTimeout = 60 * time.Second
	enqueueTimeout = 5 * time.Second
)

// AttemptRunner starts attempts and finalizes the ones that cannot be queued.
type AttemptRunner interface {
	StartAttempt(ctx context.Context, sourceID, username string) (string, error)
	Abandon(ctx context.Context, item crawler.QueueItem, reason string)
}

// Enqueuer hands attempts to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// ReadinessCheck reports whether downstream dependencies are reachable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the source service and attempt pipeline.
type Server struct {
	router  chi.Router
	sources *sources.Service
	runner  AttemptRunner
	queue   Enqueuer
	ready   ReadinessCheck
	clock   crawler.Clock
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(
	sourceSvc *sources.Service,
	runner AttemptRunner,
	queue Enqueuer,
	ready ReadinessCheck,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.UserHeader == "" {
		cfg.Auth.UserHeader = "X-User"
	}
	s := &Server{
		sources: sourceSvc,
		runner:  runner,
		queue:   queue,
		ready:   ready,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(identityMiddleware(cfg.Auth.UserHeader))

		r.Route("/sources", func(r chi.Router) {
			r.Post("/", s.createSource)
			r.Get("/", s.listMySources)
			r.Get("/public", s.listPublicSources)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Patch("/", s.updateSource)
				r.Delete("/", s.deleteSource)
				r.Put("/enabled", s.setEnabled)
				r.Put("/public", s.setPublic)
				r.Post("/run", s.runSource)
				r.Get("/attempts", s.listAttempts)
			})
		})
		r.Route("/attempts/{attempt_id}", func(r chi.Router) {
			r.Get("/", s.getAttempt)
			r.Get("/items", s.listItems)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			requestLogger(r, s.logger).Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
