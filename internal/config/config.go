// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ashureev/chatrelay/internal/logging"
	"github.com/ashureev/chatrelay/internal/telemetry"
	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DBPath      string `env:"DB_PATH" envDefault:"./data/chatrelay.db"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	// EventsAllowedOrigin is the browser origin allowed to open the event
	// stream outside development. Empty admits only non-browser clients.
	EventsAllowedOrigin string `env:"EVENTS_ALLOWED_ORIGIN"`

	Queue     QueueConfig      `envPrefix:"QUEUE_"`
	Session   SessionConfig    `envPrefix:"SESSION_"`
	Worker    WorkerConfig     `envPrefix:"WORKER_"`
	Reply     ReplyConfig      `envPrefix:"REPLY_"`
	Providers ProviderConfig   `envPrefix:"CONFIG_"`
	Telemetry telemetry.Config `envPrefix:"OTEL_"`
	Log       logging.Config   `envPrefix:"LOG_"`
}

// QueueConfig tunes the durable message queue and merger.
type QueueConfig struct {
	MaxRetryCount  int           `env:"MAX_RETRY_COUNT" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"30s"`
	LeaseTTL       time.Duration `env:"LEASE_TTL" envDefault:"5m"`
	MergeThreshold int           `env:"MERGE_THRESHOLD" envDefault:"500"`
	MergeWindow    time.Duration `env:"MERGE_WINDOW" envDefault:"2s"`
}

// SessionConfig tunes session history and idle cleanup.
type SessionConfig struct {
	MaxHistoryCount int           `env:"MAX_HISTORY_COUNT" envDefault:"100"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"30m"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m"`
	EnableCache     bool          `env:"ENABLE_CACHE" envDefault:"true"`
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"10m"`
}

// WorkerConfig tunes the delivery worker.
type WorkerConfig struct {
	Concurrency  int           `env:"CONCURRENCY" envDefault:"5"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	ErrorDelay   time.Duration `env:"ERROR_DELAY" envDefault:"5s"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"10"`
}

// ReplyConfig selects the reply backend. An empty Address uses the static
// template.
type ReplyConfig struct {
	Address        string        `env:"ADDR"`
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"60s"`
	HistoryLimit   int           `env:"HISTORY_LIMIT" envDefault:"20"`
	StaticTemplate string        `env:"STATIC_TEMPLATE" envDefault:"Received: {content}"`
}

// ProviderConfig controls stored provider config handling.
type ProviderConfig struct {
	EncryptionKey  string        `env:"ENCRYPTION_KEY"`
	ReloadInterval time.Duration `env:"RELOAD_INTERVAL" envDefault:"30s"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse reads configuration from environment variables without
// validating it, for callers that apply overrides first.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if c.Queue.MaxRetryCount < 1 {
		errs = append(errs, errors.New("QUEUE_MAX_RETRY_COUNT must be >= 1"))
	}
	if c.Queue.LeaseTTL <= 0 {
		errs = append(errs, errors.New("QUEUE_LEASE_TTL must be > 0"))
	}
	if c.Queue.MergeThreshold < 0 || c.Queue.MergeWindow < 0 {
		errs = append(errs, errors.New("QUEUE_MERGE_THRESHOLD and QUEUE_MERGE_WINDOW must be >= 0"))
	}
	if c.Session.MaxHistoryCount <= 0 {
		errs = append(errs, errors.New("SESSION_MAX_HISTORY_COUNT must be > 0"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be > 0"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("WORKER_BATCH_SIZE must be > 0"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("WORKER_POLL_INTERVAL must be > 0"))
	}
	if c.EventsAllowedOrigin != "" {
		u, err := url.Parse(c.EventsAllowedOrigin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || (u.Path != "" && u.Path != "/") {
			errs = append(errs, errors.New("EVENTS_ALLOWED_ORIGIN must be an http(s) origin such as https://ops.example.com"))
		}
	}
	if c.Providers.EncryptionKey == "" && !c.IsDevelopment() {
		errs = append(errs, errors.New("CONFIG_ENCRYPTION_KEY is required outside development"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether APP_ENV is development.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "" || c.Environment == "development"
}

// DevEncryptionKey is used for stored credentials when no key is configured
// in development.
const DevEncryptionKey = "chatrelay-development-key"

// EncryptionKey returns the configured key or the development fallback.
func (c *Config) EncryptionKey() string {
	if c.Providers.EncryptionKey != "" {
		return c.Providers.EncryptionKey
	}
	return DevEncryptionKey
}
