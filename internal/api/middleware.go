package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/dataclient"
	"github.com/lalithlochan/koperasi/internal/metrics"
	"github.com/lalithlochan/koperasi/internal/postgrest"
	"github.com/lalithlochan/koperasi/internal/redis"
)

// TokenVerifier is satisfied by *dataclient.ServerClient.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, bearer string) (*postgrest.User, error)
}

type ctxKey int

const (
	userKey ctxKey = iota
	bearerKey
)

// RequireAuth rejects requests without a valid bearer token and stores the
// verified user for handlers.
func RequireAuth(verifier TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeProblem(w, http.StatusUnauthorized, dataclient.CodeUnauthorized, "Missing bearer token", "")
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

			user, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				ce := dataclient.FormatError(err)
				status := http.StatusUnauthorized
				if ce.Code == dataclient.CodeNetwork {
					status = http.StatusBadGateway
				}
				logger.Debug("token rejected", zap.String("code", ce.Code))
				writeProblem(w, status, ce.Code, "Invalid bearer token", ce.Message)
				return
			}

			ctx := context.WithValue(r.Context(), userKey, user)
			ctx = context.WithValue(ctx, bearerKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the user set by RequireAuth, or nil.
func UserFromContext(ctx context.Context) *postgrest.User {
	u, _ := ctx.Value(userKey).(*postgrest.User)
	return u
}

func BearerFromContext(ctx context.Context) string {
	s, _ := ctx.Value(bearerKey).(string)
	return s
}

// RateLimitMiddleware enforces limiter per key. keyFunc returning "" skips
// the check; a Redis error lets the request through.
func RateLimitMiddleware(limiter *redis.RateLimiter, limit int, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection("api")
				w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(result.ResetAt).Seconds())))
				writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please retry after the specified time.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserKeyFunc limits per verified user and falls back to the client IP.
func UserKeyFunc(r *http.Request) string {
	if u := UserFromContext(r.Context()); u != nil {
		return "user:" + u.ID
	}
	return IPKeyFunc(r)
}

func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}
