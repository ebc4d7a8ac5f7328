// Package api is the worker's HTTP surface: health probes, Prometheus
// metrics, tracking endpoints and the /api control plane for campaigns,
// automations and suppressions.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Mounter registers a group of routes.
type Mounter interface {
	Mount(r chi.Router)
}

// Routes collects the handler groups. Nil groups are skipped.
type Routes struct {
	Health   *HealthChecker
	Metrics  http.Handler
	Tracking Mounter
	// API groups are mounted under /api behind the organization header.
	API []Mounter
}

// NewRouter builds the chi router with middleware and CORS.
func NewRouter(cfg config.ServerConfig, routes Routes) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", OrgHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if routes.Health != nil {
		r.Get("/healthz", routes.Health.HandleLiveness)
		r.Get("/readyz", routes.Health.HandleReadiness)
	}
	if routes.Metrics != nil {
		r.Handle("/metrics", routes.Metrics)
	}
	if routes.Tracking != nil {
		routes.Tracking.Mount(r)
	}
	if len(routes.API) > 0 {
		r.Route("/api", func(r chi.Router) {
			r.Use(requireOrg)
			for _, m := range routes.API {
				m.Mount(r)
			}
		})
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Server wraps http.Server with the worker's timeouts.
type Server struct {
	server *http.Server
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{server: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}}
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// returned after Shutdown.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
