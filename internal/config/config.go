package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted in STORAGE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds hub configuration populated from environment variables.
type Config struct {
	// Core
	Port      int
	ServerEnv string // "development" or "production"

	// Storage
	StorageBackend      string // memory, redis or postgres
	ExternalStoreURL    string
	ExternalStoreAppID  string
	ExternalStoreAPIKey string
	PostgresMaxConns    int
	PostgresMinConns    int

	// Inbox
	MessageTTL          time.Duration // default envelope TTL
	DefaultLease        time.Duration
	MaxLease            time.Duration
	MaxDeliveryAttempts int
	Retention           time.Duration // terminal rows are deleted after this

	// Agents
	HeartbeatTimeout         time.Duration
	RotateGrace              time.Duration
	AllowUnregisteredSenders bool

	// Groups
	GroupFanoutAsyncThreshold int

	// Webhooks
	WebhookMaxAttempts int
	WebhookTimeout     time.Duration

	// Sweeper
	CleanupInterval time.Duration

	// Rate limiting
	RateLimitRequests      int
	RateLimitWindowSeconds int

	// CORS
	CORSOrigin string
}

// Load reads configuration from environment variables. It returns an error if
// any variable is set but cannot be parsed, or if the combination is invalid.
// All parse failures are reported at once.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Port:      p.int("PORT", 8080),
		ServerEnv: envStr("SERVER_ENV", "production"),

		StorageBackend:      strings.ToLower(envStr("STORAGE_BACKEND", BackendMemory)),
		ExternalStoreURL:    envStr("EXTERNAL_STORE_URL", ""),
		ExternalStoreAppID:  envStr("EXTERNAL_STORE_APP_ID", ""),
		ExternalStoreAPIKey: envStr("EXTERNAL_STORE_API_KEY", ""),
		PostgresMaxConns:    p.int("POSTGRES_MAX_CONNS", 25),
		PostgresMinConns:    p.int("POSTGRES_MIN_CONNS", 5),

		MessageTTL:          p.seconds("MESSAGE_TTL_SEC", 86400),
		DefaultLease:        p.seconds("DEFAULT_LEASE_SEC", 30),
		MaxLease:            p.seconds("MAX_LEASE_SEC", 300),
		MaxDeliveryAttempts: p.int("MAX_DELIVERY_ATTEMPTS", 10),
		Retention:           p.seconds("RETENTION_SEC", 3600),

		HeartbeatTimeout:         p.seconds("HEARTBEAT_TIMEOUT_SEC", 180),
		RotateGrace:              p.seconds("KEY_ROTATE_GRACE_SEC", 60),
		AllowUnregisteredSenders: p.bool("ALLOW_UNREGISTERED_SENDERS", false),

		GroupFanoutAsyncThreshold: p.int("GROUP_FANOUT_ASYNC_THRESHOLD", 50),

		WebhookMaxAttempts: p.int("WEBHOOK_MAX_ATTEMPTS", 8),
		WebhookTimeout:     p.seconds("WEBHOOK_TIMEOUT_SEC", 30),

		CleanupInterval: p.millis("CLEANUP_INTERVAL_MS", 60000),

		RateLimitRequests:      p.int("RATE_LIMIT_REQUESTS", 300),
		RateLimitWindowSeconds: p.int("RATE_LIMIT_WINDOW_SECONDS", 60),

		CORSOrigin: envStr("CORS_ORIGIN", "*"),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

func (c *Config) validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535"))
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendRedis, BackendPostgres:
		if c.ExternalStoreURL == "" {
			errs = append(errs, fmt.Errorf("EXTERNAL_STORE_URL is required when STORAGE_BACKEND is %q", c.StorageBackend))
		} else if _, err := url.Parse(c.ExternalStoreURL); err != nil {
			errs = append(errs, fmt.Errorf("EXTERNAL_STORE_URL is not a valid URL: %v", err))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be one of %q, %q, %q", BackendMemory, BackendRedis, BackendPostgres))
	}

	if c.MessageTTL < time.Second || c.MessageTTL > 7*24*time.Hour {
		errs = append(errs, fmt.Errorf("MESSAGE_TTL_SEC must be between 1 second and 7 days"))
	}
	if c.DefaultLease < time.Second {
		errs = append(errs, fmt.Errorf("DEFAULT_LEASE_SEC must be at least 1"))
	}
	if c.MaxLease < c.DefaultLease {
		errs = append(errs, fmt.Errorf("MAX_LEASE_SEC (%s) must not be below DEFAULT_LEASE_SEC (%s)", c.MaxLease, c.DefaultLease))
	}
	if c.MaxDeliveryAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_DELIVERY_ATTEMPTS must be at least 1"))
	}
	if c.Retention < time.Minute {
		errs = append(errs, fmt.Errorf("RETENTION_SEC must be at least 60"))
	}

	if c.HeartbeatTimeout < time.Second {
		errs = append(errs, fmt.Errorf("HEARTBEAT_TIMEOUT_SEC must be at least 1"))
	}
	if c.RotateGrace < 0 {
		errs = append(errs, fmt.Errorf("KEY_ROTATE_GRACE_SEC must not be negative"))
	}

	if c.GroupFanoutAsyncThreshold < 1 {
		errs = append(errs, fmt.Errorf("GROUP_FANOUT_ASYNC_THRESHOLD must be at least 1"))
	}

	if c.WebhookMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1"))
	}
	if c.WebhookTimeout < time.Second {
		errs = append(errs, fmt.Errorf("WEBHOOK_TIMEOUT_SEC must be at least 1"))
	}

	if c.CleanupInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("CLEANUP_INTERVAL_MS must be at least 100"))
	}

	if c.RateLimitRequests < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be at least 1"))
	}
	if c.RateLimitWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be at least 1"))
	}

	if c.PostgresMaxConns < 1 {
		errs = append(errs, fmt.Errorf("POSTGRES_MAX_CONNS must be at least 1"))
	}
	if c.PostgresMinConns < 0 {
		errs = append(errs, fmt.Errorf("POSTGRES_MIN_CONNS must not be negative"))
	}
	if c.PostgresMinConns > c.PostgresMaxConns {
		errs = append(errs, fmt.Errorf("POSTGRES_MIN_CONNS (%d) must not exceed POSTGRES_MAX_CONNS (%d)", c.PostgresMinConns, c.PostgresMaxConns))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

// seconds parses an integer number of seconds into a time.Duration.
func (p *parser) seconds(key string, fallback int) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Second
}

// millis parses an integer number of milliseconds into a time.Duration.
func (p *parser) millis(key string, fallback int) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Millisecond
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
