package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"admin-serverless/internal/auth"
	"admin-serverless/internal/maintenance"
	"admin-serverless/internal/observability"
)

type routes struct {
	auth     *auth.Handler
	sessions *auth.Service
	cleanup  *maintenance.CleanupHandler
	limiter  auth.RateLimiter
	health   http.HandlerFunc
	logger   *observability.Logger
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler { return observability.RecoverMiddleware(rt.logger, next) })
	r.Use(func(next http.Handler) http.Handler { return observability.RequestLoggingMiddleware(rt.logger, next) })

	r.Get("/health", rt.health)
	r.Get("/internal/maintenance/cleanup", rt.cleanup.Handle)
	r.Post("/internal/maintenance/cleanup", rt.cleanup.Handle)

	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.RateLimitMiddleware(rt.limiter, rt.logger))
			r.Post("/login", rt.auth.Login)
			r.Post("/mfa/verify", rt.auth.VerifyMFA)
			r.Post("/password/reset-request", rt.auth.RequestPasswordReset)
			r.Post("/password/reset", rt.auth.CompletePasswordReset)
			r.Post("/oauth/google", rt.auth.FederateGoogle)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(rt.sessions))
			r.Get("/me", rt.auth.Me)
			r.Post("/mfa/enroll", rt.auth.BeginMFAEnrollment)
			r.Post("/mfa/confirm", rt.auth.ConfirmMFAEnrollment)
			r.Post("/mfa/disable", rt.auth.DisableMFA)
		})
	})

	return r
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
