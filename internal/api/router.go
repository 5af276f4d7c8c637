package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iotflow/iotflow-core/internal/auth"
	"github.com/iotflow/iotflow-core/internal/liveness"
)

// buildRouter creates the HTTP router with all routes and middleware.
//
// The chain order is fixed: security headers, request ID, logging,
// recovery, CORS, body cap, then per-group deadline and sanitisation,
// then per-route rate limiting, then auth. Rate limiting sits before
// auth so credential probing spends limiter budget, not store lookups.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeadersMiddleware)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Live telemetry stream. Mounted outside the per-request
		// deadline; a deadline on a held-open socket would sever it.
		// Auth happens in the handler, before the upgrade.
		r.Get("/telemetry/{id}/stream", s.handleTelemetryStream)

		r.Group(func(r chi.Router) {
			r.Use(s.timeoutMiddleware)
			r.Use(s.sanitizeMiddleware)

			// Health check (no auth required)
			r.Get("/health", s.handleHealth)

			// Device self-service surface
			r.Route("/devices", func(r chi.Router) {
				r.With(s.rateLimitMiddleware(liveness.LimitRegistration)).
					Post("/register", s.handleRegister)

				r.With(
					s.rateLimitMiddleware(liveness.LimitHeartbeat),
					s.deviceAuthMiddleware(auth.ScopeHeartbeat),
				).Post("/heartbeat", s.handleHeartbeat)

				r.With(
					s.rateLimitMiddleware(liveness.LimitTelemetry),
					s.deviceAuthMiddleware(auth.ScopeTelemetry),
				).Post("/telemetry", s.handleSubmitTelemetry)

				r.Group(func(r chi.Router) {
					r.Use(s.rateLimitMiddleware(liveness.LimitDefault))

					r.With(s.deviceAuthMiddleware(auth.ScopeRead)).
						Get("/status", s.handleOwnStatus)
					r.With(s.deviceAuthMiddleware(auth.ScopeRead)).
						Get("/config", s.handleGetConfig)
					r.With(s.deviceAuthMiddleware(auth.ScopeConfigWrite)).
						Put("/config", s.handleUpdateConfig)
					r.With(s.deviceAuthMiddleware(auth.ScopeCredentials)).
						Get("/mqtt-credentials", s.handleMQTTCredentials)

					// Admin view of any device's liveness
					r.With(s.adminAuthMiddleware).
						Get("/{id}/status", s.handleDeviceStatus)
				})
			})

			// Telemetry read-back
			r.Route("/telemetry", func(r chi.Router) {
				r.Use(s.rateLimitMiddleware(liveness.LimitDefault))
				r.Use(s.deviceAuthMiddleware(auth.ScopeRead))

				r.Get("/{id}", s.handleQueryRange)
				r.Get("/{id}/latest", s.handleQueryLatest)
				r.Get("/{id}/aggregated", s.handleQueryAggregate)
			})

			// Admin surface
			r.Route("/admin", func(r chi.Router) {
				r.Use(s.rateLimitMiddleware(liveness.LimitDefault))

				// Token minting accepts only the raw secret; a minted
				// token must not mint further tokens.
				r.Post("/token", s.handleAdminToken)

				r.Group(func(r chi.Router) {
					r.Use(s.adminAuthMiddleware)

					r.Get("/devices", s.handleAdminListDevices)
					r.Route("/devices/{id}", func(r chi.Router) {
						r.Get("/", s.handleAdminGetDevice)
						r.Put("/", s.handleAdminUpdateDevice)
						r.Delete("/", s.handleAdminDeleteDevice)
						r.Patch("/status", s.handleAdminSetStatus)
						r.Post("/rotate-key", s.handleAdminRotateKey)
					})

					r.Get("/stats", s.handleAdminStats)
					r.Get("/cache/stats", s.handleCacheStats)
					r.Post("/cache/flush", s.handleCacheFlush)
				})
			})

			// System surface
			r.With(s.adminAuthMiddleware).Get("/system/metrics", s.handleMetrics)
		})
	})

	return r
}
