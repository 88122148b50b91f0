package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/nerrad567/jukebox-core/internal/auth"
)

// healthCheckTimeout bounds each dependency probe in /api/v1/health.
const healthCheckTimeout = 3 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)

	// Bus routes authenticate on their own: devices with register, admins
	// with a ticket.
	r.Get(s.devicePath(), s.bus.ServeDevice)
	r.Get(s.adminPath(), s.bus.ServeAdmin)

	// Device downloads (range requests, no body limit on responses)
	if s.content != nil {
		r.Method(http.MethodGet, "/content/{id}", s.content)
		r.Method(http.MethodHead, "/content/{id}", s.content)
	}

	// Prometheus exposition
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.bodySizeLimitMiddleware)
		if s.secCfg.RateLimit.Enabled && s.secCfg.RateLimit.RequestsPerMinute > 0 {
			r.Use(httprate.Limit(
				s.secCfg.RateLimit.RequestsPerMinute,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				}),
			))
		}

		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// System metrics (no auth required for basic monitoring)
		r.Get("/metrics", s.handleMetrics)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleAuthMe)
			r.With(s.requirePermission(auth.PermAdminChannel)).Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/emergency", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermEmergencyRead)).Get("/", s.handleEmergencyStatus)
				r.With(s.requirePermission(auth.PermEmergencyControl)).Post("/activate", s.handleEmergencyActivate)
				r.With(s.requirePermission(auth.PermEmergencyControl)).Post("/deactivate", s.handleEmergencyDeactivate)
			})

			r.Route("/devices", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/stats", s.handleDeviceStats)

				r.Route("/{token}", func(r chi.Router) {
					r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(s.requirePermission(auth.PermDeviceRead)).Get("/history", s.handleDeviceHistory)
					r.With(s.requirePermission(auth.PermDeviceOperate)).Post("/command", s.handleDeviceCommand)
					r.With(s.requirePermission(auth.PermContentOffer)).Post("/content", s.handleOfferContent)
				})
			})

			r.With(s.requirePermission(auth.PermContentDelete)).Delete("/entities/{type}/{id}", s.handleDeleteEntity)

			r.With(s.requirePermission(auth.PermNotificationRead)).Get("/notifications", s.handleListNotifications)

			r.With(s.requirePermission(auth.PermDeviceRead)).Get("/connections", s.handleListConnections)
		})
	})

	return r
}

func (s *Server) devicePath() string {
	if s.wsCfg.DevicePath != "" {
		return s.wsCfg.DevicePath
	}
	return "/ws/device"
}

func (s *Server) adminPath() string {
	if s.wsCfg.AdminPath != "" {
		return s.wsCfg.AdminPath
	}
	return "/admin"
}

// healthStatus is one dependency line of the health response.
type healthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealth runs every dependency probe and reports the aggregate.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	checks := make(map[string]healthStatus, len(s.checks))

	for _, hc := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := hc.Check(ctx)
		cancel()

		if err == nil {
			checks[hc.Name] = healthStatus{Status: "ok"}
			continue
		}
		checks[hc.Name] = healthStatus{Status: "error", Error: err.Error()}
		if hc.Required {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else if status == "ok" {
			status = "degraded"
		}
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"version":   s.version,
		"emergency": s.emergency.IsActive(),
		"checks":    checks,
	})
}
