package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"judge-sandbox/internal/config"
	"judge-sandbox/internal/monitor"
)

// Server is the main HTTP server for the sandbox API.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	cfg        *config.Config
}

// NewServer creates and configures the HTTP server with all routes and middleware.
// exec may be nil, in which case execution routes answer 503.
func NewServer(cfg *config.Config, exec Executor, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(exec, metrics)

	r := chi.NewRouter()

	// Outermost first.
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(SecurityHeadersMiddleware)
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
	r.Use(MetricsMiddleware(metrics))

	r.Get("/health", handlers.HandleHealth)
	r.Get("/healthz", handlers.HandleHealth)
	if cfg.Metrics.Enabled && metrics != nil {
		r.Method(http.MethodGet, cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(MaxBodyMiddleware(cfg.Server.MaxRequestBody))
		r.Use(RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst))
		r.Post("/execute", handlers.HandleExecute)
		r.Get("/languages", handlers.HandleLanguages)
	})

	return &Server{
		router: r,
		cfg:    cfg,
		httpServer: &http.Server{
			Addr:              cfg.Address(),
			Handler:           r,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for requests. Uses TLS if configured.
// It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	var err error
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		err = s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Msg("starting HTTP server")
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
