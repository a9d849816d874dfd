// Package config loads the platform's configuration from an optional YAML
// file and environment variables, in that order, with DATABASE_URL always
// taking precedence over a file-provided DSN.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence. DSN is normally supplied via
// DATABASE_URL; the discrete fields exist for file-based/local overrides.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString returns the DSN as-is; postgres accepts both key=value
// and URL-form DSNs via lib/pq.
func (c DatabaseConfig) ConnectionString() string {
	return c.DSN
}

// CacheConfig selects and tunes the cache backend (C1).
type CacheConfig struct {
	Backend  string `json:"backend" env:"CACHE_BACKEND"`
	RedisURL string `json:"redis_url" env:"REDIS_URL"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// AuthConfig controls JWT issuance/verification for the identity services (C7).
type AuthConfig struct {
	JWTSecret     string `json:"jwt_secret" env:"JWT_SECRET"`
	JWTExpiration int    `json:"jwt_expiration" env:"JWT_EXPIRATION"`
}

// LicenseConfig holds the keypair used to sign/verify license tokens.
type LicenseConfig struct {
	PrivateKey string `json:"private_key" env:"LICENSE_PRIVATE_KEY"`
	PublicKey  string `json:"public_key" env:"LICENSE_PUBLIC_KEY"`
}

// SchedulerConfig tunes the run-lifecycle reconciliation loop (C11).
type SchedulerConfig struct {
	ReconcileIntervalSecs int `json:"reconcile_interval_secs" env:"JOB_QUEUE_UPDATE_INTERVAL_SECS"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Cache     CacheConfig     `json:"cache"`
	Logging   LoggingConfig   `json:"logging"`
	Auth      AuthConfig      `json:"auth"`
	License   LicenseConfig   `json:"license"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Auth: AuthConfig{
			JWTExpiration: 86400,
		},
		Scheduler: SchedulerConfig{
			ReconcileIntervalSecs: 30,
		},
	}
}

// Load loads configuration from an optional file and environment variables.
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
		// envdecode errors when no tagged fields are present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting every var.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	applyJobQueueIntervalOverride(cfg)
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
	return yaml.Unmarshal(data, cfg)
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

// applyDatabaseURLOverride mirrors cmd/appserver: DATABASE_URL always
// overrides any file-based DSN, since it's the one var every deployment
// target (compose, k8s secret, local .env) is guaranteed to set.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

// applyJobQueueIntervalOverride lets JOB_QUEUE_UPDATE_INTERVAL_SECS override
// a zero/unset file value even when envdecode's "nothing changed" short
// circuit would otherwise leave the file value alone.
func applyJobQueueIntervalOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	raw := strings.TrimSpace(os.Getenv("JOB_QUEUE_UPDATE_INTERVAL_SECS"))
	if raw == "" {
		return
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		cfg.Scheduler.ReconcileIntervalSecs = secs
	}
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Auth.JWTExpiration <= 0 {
		c.Auth.JWTExpiration = 86400
	}
	if c.Scheduler.ReconcileIntervalSecs <= 0 {
		c.Scheduler.ReconcileIntervalSecs = 30
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
}
