package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/api"
	"github.com/lalithlochan/koperasi/internal/audit"
	"github.com/lalithlochan/koperasi/internal/circuitbreaker"
	"github.com/lalithlochan/koperasi/internal/config"
	"github.com/lalithlochan/koperasi/internal/dataclient"
	"github.com/lalithlochan/koperasi/internal/db"
	"github.com/lalithlochan/koperasi/internal/notify"
	"github.com/lalithlochan/koperasi/internal/observ"
	"github.com/lalithlochan/koperasi/internal/redis"
	"github.com/lalithlochan/koperasi/internal/sns"
	"github.com/lalithlochan/koperasi/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting koperasi gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("provider", cfg.NotifyProvider),
		zap.String("log_store", cfg.NotifyLogStore),
	)

	ctx := context.Background()
	dcfg := dataclient.Config{
		URL:            cfg.SupabaseURL,
		AnonKey:        cfg.SupabaseAnonKey,
		ServiceRoleKey: cfg.SupabaseServiceRoleKey,
		JWTSecret:      cfg.SupabaseJWTSecret,
		Schema:         cfg.SupabaseSchema,
		HealthTable:    cfg.HealthTable,
		Timeout:        cfg.SupabaseTimeout,
	}

	server, err := dataclient.NewServerClient(dcfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server data client: %w", err)
	}

	checks := map[string]api.HealthCheck{
		"supabase": func(ctx context.Context) error {
			if !server.HealthCheck(ctx) {
				return errors.New("health table unreachable")
			}
			return nil
		},
	}

	// Redis backs idempotency and rate limiting. The API still serves
	// without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var (
		idempotency *redis.IdempotencyService
		apiLimiter  *redis.RateLimiter
		otpLimiter  *redis.RateLimiter
	)
	if redisClient != nil {
		defer redisClient.Close()
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		apiLimiter = redis.NewRateLimiter(redisClient, logger, "ratelimit:api", redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
		otpLimiter = redis.NewRateLimiter(redisClient, logger, "ratelimit:otp", redis.RateLimitConfig{
			Limit:  cfg.OTPLimit,
			Window: cfg.OTPWindow,
		})
		checks["redis"] = redisClient.Ping
	}

	admin, err := newAdmin(ctx, cfg, dcfg, logger)
	if err != nil {
		return err
	}

	logs, closeLogs, err := newLogStore(ctx, cfg, admin, logger)
	if err != nil {
		return err
	}
	defer closeLogs()
	if pinger, ok := logs.(interface{ Health(context.Context) error }); ok {
		checks["postgres"] = pinger.Health
	}

	relay, err := newRelay(ctx, cfg, logger)
	if err != nil {
		return err
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            relay.Name(),
		MaxFailures:     cfg.BreakerMaxFailures,
		RecoveryTimeout: cfg.BreakerRecoveryTimeout,
	}, logger)

	gateway := notify.New(circuitbreaker.NewProtectedRelay(relay, breaker, logger), logs, notify.Config{
		MaxRetries:  cfg.NotifyMaxRetries,
		RetryDelay:  cfg.NotifyRetryDelay,
		CountryCode: cfg.NotifyCountryCode,
	}, logger)

	opts := []api.Option{
		api.WithLogTable(cfg.NotifyLogTable),
		api.WithCountryCode(cfg.NotifyCountryCode),
	}
	if reader, ok := logs.(api.LogReader); ok {
		opts = append(opts, api.WithLogReader(reader))
	}
	if idempotency != nil {
		opts = append(opts, api.WithIdempotency(idempotency))
	}
	if otpLimiter != nil {
		opts = append(opts, api.WithOTPLimiter(otpLimiter))
	}

	router := api.NewRouter(api.RouterConfig{
		Handler:  api.NewHandler(logger, gateway, server, opts...),
		Verifier: server,
		Logger:   logger,
		Limiter:  apiLimiter,
		Limit:    cfg.RateLimit,
		Checks:   checks,
		Status: func() map[string]any {
			return map[string]any{"breaker": breaker.Stats()}
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// In-flight sends can sit in retry backoff for several seconds.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
	}
	return nil
}

func newAdmin(ctx context.Context, cfg *config.Config, dcfg dataclient.Config, logger *zap.Logger) (*dataclient.AdminClient, error) {
	sink, err := newAuditSink(ctx, cfg, dcfg, logger)
	if err != nil {
		return nil, err
	}
	admin, err := dataclient.NewAdminClient(dcfg, logger,
		dataclient.WithAuditSink(sink),
		dataclient.WithActor(cfg.AuditActor),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin data client: %w", err)
	}
	return admin, nil
}

// newAuditSink always logs and adds the configured durable sink. Audit rows
// are written by a separate, unaudited admin client.
func newAuditSink(ctx context.Context, cfg *config.Config, dcfg dataclient.Config, logger *zap.Logger) (audit.Sink, error) {
	logSink := audit.NewLogSink(logger)
	switch cfg.AuditSink {
	case "sqs":
		producer, err := sqs.NewProducer(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit queue producer: %w", err)
		}
		return audit.MultiSink{logSink, audit.NewQueueSink(producer)}, nil
	case "table":
		writer, err := dataclient.NewAdminClient(dcfg, logger.Named("audit"))
		if err != nil {
			return nil, fmt.Errorf("failed to create audit writer: %w", err)
		}
		return audit.MultiSink{logSink, audit.NewTableSink(writer, cfg.AuditTable)}, nil
	}
	return logSink, nil
}

// newLogStore returns the notification log store and its cleanup.
func newLogStore(ctx context.Context, cfg *config.Config, admin *dataclient.AdminClient, logger *zap.Logger) (notify.LogStore, func(), error) {
	if cfg.NotifyLogStore != "postgres" {
		return notify.NewTableLogStore(admin, cfg.NotifyLogTable), func() {}, nil
	}
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &pgLogStore{Repository: db.NewRepository(database.Pool(), logger), db: database}, database.Close, nil
}

type pgLogStore struct {
	*db.Repository
	db *db.DB
}

func (s *pgLogStore) Health(ctx context.Context) error { return s.db.Health(ctx) }

func newRelay(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Relay, error) {
	if cfg.NotifyProvider == "sns" {
		relay, err := sns.NewSMSRelay(ctx, sns.Config{
			Region:   cfg.SNSRegion,
			Endpoint: cfg.SNSEndpoint,
			SenderID: cfg.SNSSenderID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sns relay: %w", err)
		}
		return relay, nil
	}
	if cfg.FonnteToken == "" {
		logger.Warn("FONNTE_TOKEN is empty, deliveries will be rejected")
	}
	return notify.NewFonnteRelay(notify.FonnteConfig{
		URL:           cfg.FonnteURL,
		Token:         cfg.FonnteToken,
		RatePerSecond: cfg.FonnteRate,
		Burst:         1,
	}, logger), nil
}
