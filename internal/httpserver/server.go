package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/npcloud/internal/config"
)

// Server holds the HTTP server dependencies for the registration API.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // unauthenticated /v1/instances sub-router; signature verification is per-handler
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics endpoints.
// Domain handlers should be mounted on APIRouter after calling NewServer.
// jwksHandler serves the published JWKS document; signatureVerify wraps every
// route under /v1/instances with detached-signature authentication.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, jwksHandler http.HandlerFunc, signatureVerify func(http.Handler) http.Handler) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(Recoverer(logger))
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/", s.handleRoot)
	s.Router.Get("/v1/health", s.handleHealth)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	if jwksHandler != nil {
		s.Router.Get("/.well-known/jwks.json", jwksHandler)
	}

	s.Router.Route("/v1/instances", func(r chi.Router) {
		if signatureVerify != nil {
			r.Use(signatureVerify)
		}
		s.APIRouter = r
	})

	s.Router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		RespondError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"service": "npcloud"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("health check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("health check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
