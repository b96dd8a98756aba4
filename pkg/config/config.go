// Package config assembles the trigger pipeline's typed configuration from a
// YAML file, a .env file, and environment variables, in that precedence order.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host                string   `json:"host" env:"SERVER_HOST"`
	Port                int      `json:"port" env:"SERVER_PORT"`
	CORSAllowedOrigins  []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" env:"SERVER_CORS_ALLOWED_ORIGINS"`
	BodyLimitBytes      int64    `json:"body_limit_bytes" yaml:"body_limit_bytes" env:"SERVER_BODY_LIMIT_BYTES"`
	RequestTimeoutSecs  int      `json:"request_timeout_secs" yaml:"request_timeout_secs" env:"SERVER_REQUEST_TIMEOUT_SECS"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
	NotifyChannel   string `json:"notify_channel" yaml:"notify_channel" env:"DATABASE_NOTIFY_CHANNEL"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// StateCacheConfig controls the write-through state cache fronting the
// trigger state store (spec §4.5).
type StateCacheConfig struct {
	Enabled  bool   `json:"enabled" env:"STATE_CACHE_ENABLED"`
	TTLSecs  int    `json:"ttl_secs" env:"STATE_CACHE_TTL_SECS"`
	RedisURL string `json:"redis_url" env:"STATE_CACHE_REDIS_URL"`
}

// RateLimiterConfig controls the sliding-window rate limiter (spec §4.9).
type RateLimiterConfig struct {
	Mode           string `json:"mode" env:"RATE_LIMIT_MODE"`
	WindowSeconds  int    `json:"window_seconds" env:"RATE_LIMIT_WINDOW_SECONDS"`
	Tier0Cost      int    `json:"tier0_cost" env:"RATE_LIMIT_TIER0_COST"`
	Tier1Cost      int    `json:"tier1_cost" env:"RATE_LIMIT_TIER1_COST"`
	Tier2Cost      int    `json:"tier2_cost" env:"RATE_LIMIT_TIER2_COST"`
	Tier3Cost      int    `json:"tier3_cost" env:"RATE_LIMIT_TIER3_COST"`
	LimitAnonymous int    `json:"limit_anonymous" env:"RATE_LIMIT_ANONYMOUS"`
	LimitFree      int    `json:"limit_free" env:"RATE_LIMIT_FREE"`
	LimitStarter   int    `json:"limit_starter" env:"RATE_LIMIT_STARTER"`
	LimitPro       int    `json:"limit_pro" env:"RATE_LIMIT_PRO"`
	LimitEnterprise int   `json:"limit_enterprise" env:"RATE_LIMIT_ENTERPRISE"`
	MonitoringToken string `json:"monitoring_token" env:"RATE_LIMIT_MONITORING_TOKEN"`
	RedisURL       string `json:"redis_url" env:"RATE_LIMIT_REDIS_URL"`
	JWTSecret      string `json:"jwt_secret" yaml:"jwt_secret" env:"RATE_LIMIT_JWT_SECRET"`
}

// CircuitBreakerConfig controls the default per-trigger circuit breaker
// parameters (spec §4.6); triggers may override these via their own
// circuit_breaker_config column.
type CircuitBreakerConfig struct {
	FailureThreshold    int `json:"failure_threshold" env:"CIRCUIT_BREAKER_DEFAULT_FAILURE_THRESHOLD"`
	RecoveryTimeoutSecs int `json:"recovery_timeout_secs" env:"CIRCUIT_BREAKER_DEFAULT_RECOVERY_TIMEOUT"`
	HalfOpenMaxCalls    int `json:"half_open_max_calls" env:"CIRCUIT_BREAKER_DEFAULT_HALF_OPEN_MAX_CALLS"`
}

// WorkerPoolConfig controls per-action-type worker pool sizes (spec §4.8).
type WorkerPoolConfig struct {
	MessagingSize     int    `json:"messaging_size" env:"WORKER_POOL_MESSAGING_SIZE"`
	WebhookSize       int    `json:"webhook_size" env:"WORKER_POOL_WEBHOOK_SIZE"`
	AgentSize         int    `json:"agent_size" env:"WORKER_POOL_AGENT_SIZE"`
	MessagingGateway  string `json:"messaging_gateway" yaml:"messaging_gateway" env:"WORKER_MESSAGING_GATEWAY_URL"`
}

// ProcessorConfig controls the event processor orchestrator (spec §4.10).
type ProcessorConfig struct {
	EvaluationConcurrency int `json:"evaluation_concurrency" env:"PROCESSOR_EVALUATION_CONCURRENCY"`
	EvaluationTimeoutMS   int `json:"evaluation_timeout_ms" env:"PROCESSOR_EVALUATION_TIMEOUT_MS"`
	ShutdownDrainSecs     int `json:"shutdown_drain_secs" env:"PROCESSOR_SHUTDOWN_DRAIN_SECS"`
}

// SecurityConfig controls request-gating security parameters.
type SecurityConfig struct {
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies" env:"TRUSTED_PROXIES"`
}

// HousekeepingConfig controls the periodic dead-letter retention sweep and
// checkpoint backlog scan (spec §9 "Supplemented features").
type HousekeepingConfig struct {
	Enabled                bool   `json:"enabled" env:"HOUSEKEEPING_ENABLED"`
	DeadLetterSweepCron    string `json:"dead_letter_sweep_cron" yaml:"dead_letter_sweep_cron" env:"HOUSEKEEPING_DEAD_LETTER_SWEEP_CRON"`
	DeadLetterRetention    int    `json:"dead_letter_retention_hours" yaml:"dead_letter_retention_hours" env:"HOUSEKEEPING_DEAD_LETTER_RETENTION_HOURS"`
	BacklogScanCron        string `json:"backlog_scan_cron" yaml:"backlog_scan_cron" env:"HOUSEKEEPING_BACKLOG_SCAN_CRON"`
	BacklogWarnThreshold   int    `json:"backlog_warn_threshold" yaml:"backlog_warn_threshold" env:"HOUSEKEEPING_BACKLOG_WARN_THRESHOLD"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server         ServerConfig         `json:"server"`
	Database       DatabaseConfig       `json:"database"`
	Logging        LoggingConfig        `json:"logging"`
	StateCache     StateCacheConfig     `json:"state_cache"`
	RateLimiter    RateLimiterConfig    `json:"rate_limiter"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	WorkerPool     WorkerPoolConfig     `json:"worker_pool"`
	Processor      ProcessorConfig      `json:"processor"`
	Security       SecurityConfig       `json:"security"`
	Housekeeping   HousekeepingConfig   `json:"housekeeping"`
}

// New returns a configuration populated with defaults matching spec §6.7 and
// §4's documented component defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			CORSAllowedOrigins: []string{"*"},
			BodyLimitBytes:     8 << 20,
			RequestTimeoutSecs: 30,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
			NotifyChannel:   "new_event",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		StateCache: StateCacheConfig{
			Enabled: true,
			TTLSecs: 300,
		},
		RateLimiter: RateLimiterConfig{
			Mode:            "enforcing",
			WindowSeconds:   3600,
			Tier0Cost:       1,
			Tier1Cost:       2,
			Tier2Cost:       5,
			Tier3Cost:       10,
			LimitAnonymous:  10,
			LimitFree:       50,
			LimitStarter:    100,
			LimitPro:        500,
			LimitEnterprise: 2000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    10,
			RecoveryTimeoutSecs: 3600,
			HalfOpenMaxCalls:    1,
		},
		WorkerPool: WorkerPoolConfig{
			MessagingSize:    4,
			WebhookSize:      16,
			AgentSize:        8,
			MessagingGateway: "https://api.telegram.org",
		},
		Processor: ProcessorConfig{
			EvaluationConcurrency: 32,
			EvaluationTimeoutMS:   5000,
			ShutdownDrainSecs:     30,
		},
		Housekeeping: HousekeepingConfig{
			Enabled:              true,
			DeadLetterSweepCron:  "@every 15m",
			DeadLetterRetention:  168,
			BacklogScanCron:      "@every 1m",
			BacklogWarnThreshold: 1000,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// MigrationURL builds the postgres:// URL golang-migrate's postgres driver
// expects. DSN (set directly or via DATABASE_URL) takes precedence since it
// is already in URL form; otherwise one is assembled from the host fields.
func (c DatabaseConfig) MigrationURL() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN to
// reduce setup friction against managed Postgres providers.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.RateLimiter.Mode == "" {
		c.RateLimiter.Mode = "enforcing"
	}
}
