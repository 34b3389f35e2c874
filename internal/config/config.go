// Package config loads the license server configuration from code defaults,
// an optional YAML file, a .env file and HWLICENSE_* environment variables,
// in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/CloudNativeWorks/cnw-hwid-license/hwlicense"
	"github.com/CloudNativeWorks/cnw-hwid-license/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. HWLICENSE_LICENSE_SECRET_KEY.
// Keys come from split_words field names rather than envconfig tags so that
// unprefixed variables such as PATH are never consulted.
const EnvPrefix = "HWLICENSE"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config holds all server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" split_words:"true"`
	License LicenseConfig `yaml:"license" split_words:"true"`
	Storage StorageConfig `yaml:"storage" split_words:"true"`
	Redis   RedisConfig   `yaml:"redis" split_words:"true"`
	Logging LoggingConfig `yaml:"logging" split_words:"true"`
	Metrics MetricsConfig `yaml:"metrics" split_words:"true"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Addr            string          `yaml:"addr" split_words:"true"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" split_words:"true"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" split_words:"true"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" split_words:"true"`
}

// RateLimitConfig contains per-client rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" split_words:"true"`
	RPS     float64 `yaml:"rps" split_words:"true"`
	Burst   int     `yaml:"burst" split_words:"true"`
}

// LicenseConfig contains the codec secret and validation settings.
type LicenseConfig struct {
	SecretKey              string        `yaml:"secret_key" split_words:"true"`
	OfflineGracePeriodDays int           `yaml:"offline_grace_period_days" split_words:"true"`
	LegacyArtifacts        bool          `yaml:"legacy_artifacts" split_words:"true"`
	StorageTimeout         time.Duration `yaml:"storage_timeout" split_words:"true"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver        string `yaml:"driver" split_words:"true"`
	DataDir       string `yaml:"data_dir" split_words:"true"`
	PostgresURL   string `yaml:"postgres_url" split_words:"true"`
	MongoURL      string `yaml:"mongo_url" split_words:"true"`
	MongoDatabase string `yaml:"mongo_database" split_words:"true"`
	Prefix        string `yaml:"prefix" split_words:"true"`
}

// RedisConfig enables the distributed hardware-ID lock when URL is set.
type RedisConfig struct {
	URL     string        `yaml:"url" split_words:"true"`
	LockTTL time.Duration `yaml:"lock_ttl" split_words:"true"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Path    string `yaml:"path" split_words:"true"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		License: LicenseConfig{
			OfflineGracePeriodDays: hwlicense.DefaultGracePeriodDays,
			LegacyArtifacts:        true,
			StorageTimeout:         5 * time.Second,
		},
		Storage: StorageConfig{
			Driver:        DriverSQLite,
			DataDir:       "data",
			MongoDatabase: "hwlicense",
			Prefix:        "hwlicense_",
		},
		Redis: RedisConfig{
			LockTTL: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips it, a missing file is an error. A .env file in the working
// directory is loaded if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	// Best-effort .env loading; variables already set in the environment win.
	_ = godotenv.Load()

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// Validate checks the configuration. A missing or short secret is fatal.
func (c *Config) Validate() error {
	if err := hwlicense.CheckSecret(c.License.SecretKey); err != nil {
		return fmt.Errorf("%s_LICENSE_SECRET_KEY: %w", EnvPrefix, err)
	}
	if c.License.StorageTimeout <= 0 {
		return fmt.Errorf("license.storage_timeout must be positive, got %s", c.License.StorageTimeout)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.DataDir) == "" {
			return errors.New("storage.data_dir is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.postgres_url is required for the postgres driver")
		}
	case DriverMongo:
		if c.Storage.MongoURL == "" {
			return errors.New("storage.mongo_url is required for the mongo driver")
		}
		if c.Storage.MongoDatabase == "" {
			return errors.New("storage.mongo_database is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q: must be one of %s, %s, %s, %s",
			c.Storage.Driver, DriverMemory, DriverSQLite, DriverPostgres, DriverMongo)
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if rl := c.Server.RateLimit; rl.Enabled && (rl.RPS <= 0 || rl.Burst < 1) {
		return fmt.Errorf("server.rate_limit needs rps > 0 and burst >= 1, got rps=%v burst=%d", rl.RPS, rl.Burst)
	}
	if c.Redis.URL != "" && c.Redis.LockTTL <= 0 {
		return fmt.Errorf("redis.lock_ttl must be positive, got %s", c.Redis.LockTTL)
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	return nil
}
