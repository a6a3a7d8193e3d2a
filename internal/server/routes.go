package server

import (
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pulsegate/pulsegate/internal/core/engine"
	"github.com/pulsegate/pulsegate/internal/observability"
	"github.com/pulsegate/pulsegate/internal/server/handlers"
	servermw "github.com/pulsegate/pulsegate/internal/server/middleware"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)

	// Prometheus scrape, proxied from the exporter port
	s.router.Get("/metrics", MetricsHandler)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(servermw.ResolveIdentifier(servermw.IdentifierResolver{Verifier: s.deps.Verifier}))

		if s.deps.Limiter != nil {
			limits := &handlers.RateLimitHandler{Limiter: s.deps.Limiter}
			r.Post("/rate-limit/check", limits.Check)
		}

		if s.deps.Sessions != nil {
			sessions := &handlers.SessionHandler{Manager: s.deps.Sessions, Verifier: s.deps.Verifier}
			r.Route("/sessions", func(r chi.Router) {
				if s.deps.Limiter != nil {
					r.With(servermw.RateLimit(s.deps.Limiter, engine.OperationSessionStart)).Post("/", sessions.Open)
				} else {
					r.Post("/", sessions.Open)
				}
				r.Get("/{id}", sessions.Status)
				r.Delete("/{id}", sessions.Close)
				r.Post("/{id}/activity", sessions.Activity)
				r.Post("/{id}/logout", sessions.Logout)
			})
		}
	})

	s.registerAdminEndpoint()
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	logger := observability.ServerLogger

	if s.cfg.AdminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (server.admin_token not set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.cfg.AdminToken,
		RateLimit: 10,  // 10 requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // use default global manager
	})

	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
