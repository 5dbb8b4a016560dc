package routes

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/imbrick/attributes-login-access/internal/auth"
	"github.com/imbrick/attributes-login-access/internal/handlers"
	middlewareCustom "github.com/imbrick/attributes-login-access/internal/middleware"
	pkghttp "github.com/imbrick/attributes-login-access/pkg/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker reports whether backing storage is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies groups everything the router needs
type Dependencies struct {
	AuthHandler  *handlers.AuthHandler
	AdminHandler *handlers.AdminHandler
	TokenManager *auth.TokenManager
	RateLimit    middlewareCustom.RateLimitConfig
	Health       HealthChecker // nil when running without a database
	Logger       *slog.Logger
}

// NewRouter builds the HTTP handler with the standard middleware stack
func NewRouter(deps Dependencies) chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecureLogger(deps.Logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	RegisterRoutes(router, deps)
	return router
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Dependencies) {
	router.Get("/health", healthHandler(deps.Health))
	router.Handle("/metrics", promhttp.Handler())

	// Login front end
	router.Group(func(r chi.Router) {
		r.Use(middlewareCustom.RateLimitByIP(deps.RateLimit))

		r.Post("/auth/login", deps.AuthHandler.Login)
		r.Post("/auth/guard", deps.AuthHandler.Guard)

		// Outcome reports come from trusted front ends only
		r.With(
			auth.AuthMiddleware(deps.TokenManager),
			auth.RequireRole(auth.RoleService, auth.RoleAdmin),
		).Post("/auth/outcome", deps.AuthHandler.Outcome)
	})

	// Operator routes
	router.Route("/admin", func(r chi.Router) {
		r.Use(auth.AuthMiddleware(deps.TokenManager))
		r.Use(auth.RequireRole(auth.RoleAdmin))

		r.Get("/attempts", deps.AdminHandler.ListAttempts)
		r.Get("/lockouts", deps.AdminHandler.ListLockouts)
		r.Get("/blocked-ips", deps.AdminHandler.ListBlockedIPs)
		r.Post("/unlock", deps.AdminHandler.Unlock)
		r.Get("/statistics", deps.AdminHandler.GetStatistics)
		r.Get("/events", deps.AdminHandler.ListEvents)
		r.Post("/sweep", deps.AdminHandler.Sweep)

		r.Put("/ip/whitelist/{ip}", deps.AdminHandler.AddToWhitelist)
		r.Delete("/ip/whitelist/{ip}", deps.AdminHandler.RemoveFromWhitelist)
		r.Put("/ip/blacklist/{ip}", deps.AdminHandler.AddToBlacklist)
		r.Delete("/ip/blacklist/{ip}", deps.AdminHandler.RemoveFromBlacklist)
		r.Delete("/ip/blocks/{ip}", deps.AdminHandler.ClearIPBlock)
	})
}

func healthHandler(health HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health == nil {
			pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "storage": "memory"})
			return
		}

		if err := health.HealthCheck(r.Context()); err != nil {
			pkghttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "down"})
			return
		}

		pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "up"})
	}
}
