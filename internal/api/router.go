package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/metrics"
	"github.com/lalithlochan/koperasi/internal/redis"
)

// HealthCheck reports one dependency.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	Handler  *Handler
	Verifier TokenVerifier
	Logger   *zap.Logger

	Limiter *redis.RateLimiter
	Limit   int

	// Checks are run by GET /health. Any failure answers 503.
	Checks map[string]HealthCheck
	// Status adds informational fields, such as breaker state, to /health.
	Status func() map[string]any
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireAuth(cfg.Verifier, logger))
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Limit, logger, UserKeyFunc))

		r.Post("/notifications", cfg.Handler.SendNotification)
		r.Get("/notifications", cfg.Handler.ListNotifications)
		r.Get("/notifications/{id}", cfg.Handler.GetNotification)
	})

	r.Get("/health", healthHandler(cfg.Checks, cfg.Status))
	r.Handle("/metrics", metrics.Handler())
	return r
}

func healthHandler(checks map[string]HealthCheck, status func() map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		code := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		body := map[string]any{"status": "ok", "checks": results}
		if code != http.StatusOK {
			body["status"] = "degraded"
		}
		if status != nil {
			for k, v := range status() {
				body[k] = v
			}
		}
		writeJSON(w, code, body)
	}
}
