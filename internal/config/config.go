// Package config handles loading and validation of leakd.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// Environment variables that override file values
const (
	EnvPostgresDSN = "LEAKGUARD_POSTGRES_DSN"
	EnvRedisAddr   = "LEAKGUARD_REDIS_ADDR"
	EnvListenAddr  = "LEAKGUARD_LISTEN_ADDR"
	EnvFirestore   = "LEAKGUARD_FIRESTORE_PROJECT"
)

// Config is the top-level leakd configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`

	// Firestore is used for the scan limiter when Redis is not configured
	Firestore FirestoreConfig `yaml:"firestore"`

	Scan     ScanConfig     `yaml:"scan"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Delivery DeliveryConfig `yaml:"delivery"`

	// APIKeys maps a bearer key to the account it may act on, or "*" for all
	APIKeys map[string]string `yaml:"api_keys"`
	Logging LoggingConfig     `yaml:"logging"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Policy  leak.Policy       `yaml:"policy"`

	// Accounts are upserted into storage at startup
	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig declares a connected account
type AccountConfig struct {
	ID                   string `yaml:"id"`
	WebhookToken         string `yaml:"webhook_token"`
	WebhookSecret        string `yaml:"webhook_secret"`
	EmailReportsDisabled bool   `yaml:"email_reports_disabled"`
	LiveModeOnly         bool   `yaml:"live_mode_only"`
}

// Account converts the entry to the engine's account type
func (a AccountConfig) Account() *leak.Account {
	return &leak.Account{
		ID:                   a.ID,
		WebhookToken:         a.WebhookToken,
		WebhookSecret:        a.WebhookSecret,
		EmailReportsDisabled: a.EmailReportsDisabled,
		LiveModeOnly:         a.LiveModeOnly,
	}
}

// ServerConfig defines the HTTP listener
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PostgresConfig defines the system-of-record connection. An empty DSN selects
// the in-memory store.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	Retention       time.Duration `yaml:"retention"`
	// AccountCacheTTL keeps accounts in process for webhook routing. Zero disables the cache.
	AccountCacheTTL time.Duration `yaml:"account_cache_ttl"`
}

// RedisConfig defines the shared scan limiter. An empty Addr keeps the limiter in process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FirestoreConfig selects a Firestore project for the shared scan limiter
type FirestoreConfig struct {
	ProjectID  string `yaml:"project_id"`
	Collection string `yaml:"collection"`
}

// ScanConfig bounds the manual scan trigger per account
type ScanConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// WebhookConfig bounds inbound webhooks
type WebhookConfig struct {
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	Tolerance         time.Duration `yaml:"tolerance"`
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
}

// DeliveryConfig tunes the email delivery circuit breaker
type DeliveryConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
}

// LoggingConfig selects the log level and output format
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// Default returns the configuration used when a field is not set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			Retention:       400 * 24 * time.Hour,
			AccountCacheTTL: time.Minute,
		},
		Scan: ScanConfig{Limit: 5, Window: time.Hour},
		Webhook: WebhookConfig{
			MaxBodyBytes:    256 * 1024,
			Tolerance:       5 * time.Minute,
			RateLimitWindow: time.Minute,
		},
		Delivery: DeliveryConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			SendTimeout:      10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "leakguard", Path: "/metrics"},
		Policy:  leak.DefaultPolicy(),
	}
}

// Load reads path, applies environment overrides and validates the result.
// An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvPostgresDSN); ok {
		c.Postgres.DSN = v
	}
	if v, ok := lookup(EnvRedisAddr); ok {
		c.Redis.Addr = v
	}
	if v, ok := lookup(EnvFirestore); ok {
		c.Firestore.ProjectID = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.Server.Addr = v
	}
}

// Validate returns every problem found, joined
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server.addr is required"))
	}
	if c.Scan.Limit <= 0 {
		errs = append(errs, fmt.Errorf("scan.limit must be positive"))
	}
	if c.Scan.Window <= 0 {
		errs = append(errs, fmt.Errorf("scan.window must be positive"))
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("webhook.max_body_bytes must be positive"))
	}
	if c.Webhook.RateLimitRequests < 0 {
		errs = append(errs, fmt.Errorf("webhook.rate_limit_requests must not be negative"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not json or console", c.Logging.Format))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /"))
	}
	for key, owner := range c.APIKeys {
		if len(key) < 16 {
			errs = append(errs, fmt.Errorf("api key for %q is shorter than 16 characters", owner))
		}
		if owner == "" {
			errs = append(errs, fmt.Errorf("api key has no account"))
		}
	}
	tokens := make(map[string]string, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" || a.WebhookToken == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: id and webhook_token are required", i))
			continue
		}
		if other, ok := tokens[a.WebhookToken]; ok {
			errs = append(errs, fmt.Errorf("accounts[%d]: webhook_token already used by %q", i, other))
		}
		tokens[a.WebhookToken] = a.ID
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	return errors.Join(errs...)
}
