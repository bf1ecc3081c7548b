// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Supabase project
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseServiceRoleKey string
	SupabaseJWTSecret      string
	SupabaseSchema         string
	SupabaseTimeout        time.Duration
	HealthTable            string

	// Notification gateway
	NotifyProvider    string // "fonnte" or "sns"
	NotifyLogStore    string // "table" or "postgres"
	NotifyLogTable    string
	NotifyCountryCode string
	NotifyMaxRetries  int
	NotifyRetryDelay  time.Duration

	FonnteURL   string
	FonnteToken string
	FonnteRate  float64

	// Relay breaker
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration

	// Database, used when NotifyLogStore is "postgres"
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// API limits
	RateLimit       int
	RateLimitWindow time.Duration
	OTPLimit        int
	OTPWindow       time.Duration

	// Audit: "log", "table" or "sqs"
	AuditSink   string
	AuditActor  string
	AuditTable  string
	SQSRegion   string
	SQSQueueURL string
	AWSRegion   string
	SNSRegion   string
	SNSEndpoint string
	SNSSenderID string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present; real
// environment variables take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv is Load without the .env file.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		SupabaseSchema:  "public",
		SupabaseTimeout: 10 * time.Second,
		HealthTable:     "koperasi",

		NotifyProvider:    "fonnte",
		NotifyLogStore:    "table",
		NotifyLogTable:    "notification_logs",
		NotifyCountryCode: "62",
		NotifyMaxRetries:  3,
		NotifyRetryDelay:  2 * time.Second,

		FonnteURL:  "https://api.fonnte.com/send",
		FonnteRate: 5,

		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 30 * time.Second,

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "koperasi",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		RateLimit:       120,
		RateLimitWindow: time.Minute,
		OTPLimit:        3,
		OTPWindow:       10 * time.Minute,

		AuditSink:  "log",
		AuditActor: "service-role",
		AuditTable: "audit_logs",
		AWSRegion:  "ap-southeast-1",
	}

	var err error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = d
		}
	}

	num("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)

	str("SUPABASE_URL", &cfg.SupabaseURL)
	str("SUPABASE_ANON_KEY", &cfg.SupabaseAnonKey)
	str("SUPABASE_SERVICE_ROLE_KEY", &cfg.SupabaseServiceRoleKey)
	str("SUPABASE_JWT_SECRET", &cfg.SupabaseJWTSecret)
	str("SUPABASE_SCHEMA", &cfg.SupabaseSchema)
	dur("SUPABASE_TIMEOUT", &cfg.SupabaseTimeout)
	str("SUPABASE_HEALTH_TABLE", &cfg.HealthTable)

	str("NOTIFY_PROVIDER", &cfg.NotifyProvider)
	str("NOTIFY_LOG_STORE", &cfg.NotifyLogStore)
	str("NOTIFY_LOG_TABLE", &cfg.NotifyLogTable)
	str("NOTIFY_COUNTRY_CODE", &cfg.NotifyCountryCode)
	num("NOTIFY_MAX_RETRIES", &cfg.NotifyMaxRetries)
	dur("NOTIFY_RETRY_DELAY", &cfg.NotifyRetryDelay)

	str("FONNTE_API_URL", &cfg.FonnteURL)
	str("FONNTE_TOKEN", &cfg.FonnteToken)
	if v := os.Getenv("FONNTE_RATE"); v != "" && err == nil {
		r, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return nil, fmt.Errorf("invalid FONNTE_RATE: %w", perr)
		}
		cfg.FonnteRate = r
	}

	num("BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures)
	dur("BREAKER_RECOVERY_TIMEOUT", &cfg.BreakerRecoveryTimeout)

	str("DB_HOST", &cfg.DBHost)
	num("DB_PORT", &cfg.DBPort)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)

	str("REDIS_HOST", &cfg.RedisHost)
	num("REDIS_PORT", &cfg.RedisPort)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)

	num("RATE_LIMIT", &cfg.RateLimit)
	dur("RATE_LIMIT_WINDOW", &cfg.RateLimitWindow)
	num("OTP_LIMIT", &cfg.OTPLimit)
	dur("OTP_WINDOW", &cfg.OTPWindow)

	str("AUDIT_SINK", &cfg.AuditSink)
	str("AUDIT_ACTOR", &cfg.AuditActor)
	str("AUDIT_TABLE", &cfg.AuditTable)
	str("AWS_REGION", &cfg.AWSRegion)
	str("SQS_QUEUE_URL", &cfg.SQSQueueURL)
	str("SNS_ENDPOINT", &cfg.SNSEndpoint)
	str("SNS_SENDER_ID", &cfg.SNSSenderID)

	// Regions fall back to AWS_REGION
	cfg.SQSRegion = cfg.AWSRegion
	str("SQS_REGION", &cfg.SQSRegion)
	cfg.SNSRegion = cfg.AWSRegion
	str("SNS_REGION", &cfg.SNSRegion)

	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the combinations Load cannot default.
func (c *Config) Validate() error {
	switch c.NotifyProvider {
	case "fonnte", "sns":
	default:
		return fmt.Errorf("invalid NOTIFY_PROVIDER %q", c.NotifyProvider)
	}
	switch c.NotifyLogStore {
	case "table", "postgres":
	default:
		return fmt.Errorf("invalid NOTIFY_LOG_STORE %q", c.NotifyLogStore)
	}
	switch c.AuditSink {
	case "log", "table":
	case "sqs":
		if c.SQSQueueURL == "" {
			return fmt.Errorf("AUDIT_SINK=sqs requires SQS_QUEUE_URL")
		}
	default:
		return fmt.Errorf("invalid AUDIT_SINK %q", c.AuditSink)
	}
	if c.NotifyMaxRetries < 0 {
		return fmt.Errorf("NOTIFY_MAX_RETRIES must not be negative")
	}
	return nil
}
