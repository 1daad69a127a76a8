package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/detection"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Options carries everything NewServer wires into the router.
type Options struct {
	Server  domain.ServerConfig
	Metrics domain.MetricsConfig
	Service *detection.Service
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Version string
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	handler := NewHandler(opts.Service, opts.Repo, opts.Cache, opts.Bus, opts.Version)
	router := chi.NewRouter()

	router.Use(CORS(opts.Server.AllowedOrigins))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// No tenant required
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if opts.Metrics.Enabled {
		path := opts.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, promhttp.Handler())
	}

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/affiliates", handler.CreateAffiliate)
		r.Post("/clients", handler.CreateClient)
		r.Post("/trades", handler.CreateTrade)
		r.Post("/tracking", handler.CreateTrackingRecord)

		r.Post("/detect", handler.Detect)
		r.Get("/graph", handler.GetGraph)

		r.Get("/rings", handler.ListRings)
		r.Get("/rings/{id}", handler.GetRing)
		r.Patch("/rings/{id}/status", handler.UpdateRingStatus)

		r.Post("/analyze/{kind}", handler.Analyze)
		r.Post("/correlations", handler.Correlate)
		r.Get("/accounts/{id}/velocity", handler.GetVelocity)

		r.Get("/qualifier", handler.GetQualifier)
		r.Put("/qualifier", handler.SetQualifier)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  opts.Server,
	}
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
