package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store and catalog backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Store   StoreConfig   `yaml:"store"`
	Poll    PollConfig    `yaml:"poll"`
	Cache   CacheConfig   `yaml:"cache"`
	Catalog CatalogConfig `yaml:"catalog"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" default:"8000"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"60s"` // must outlast a long-poll
	IdleTimeout     time.Duration `yaml:"idle_timeout" default:"120s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"30s"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"json"` // json or console
}

type StoreConfig struct {
	Backend       string        `yaml:"backend" default:"memory"`
	RedisURL      string        `yaml:"redis_url"`
	DatabaseURL   string        `yaml:"database_url"`
	SweepInterval time.Duration `yaml:"sweep_interval" default:"5m"` // postgres only
}

type PollConfig struct {
	Timeout   time.Duration `yaml:"timeout" default:"25s"`
	RateLimit float64       `yaml:"rate_limit" default:"5"` // requests per second per client IP
	Burst     int           `yaml:"burst" default:"10"`
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl" default:"60s"`
	Singleflight  bool          `yaml:"singleflight" default:"false"`
	CompressAbove int           `yaml:"compress_above" default:"0"` // bytes; 0 disables
}

type CatalogConfig struct {
	Backend string `yaml:"backend" default:"memory"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend:       BackendMemory,
			SweepInterval: 5 * time.Minute,
		},
		Poll: PollConfig{
			Timeout:   25 * time.Second,
			RateLimit: 5,
			Burst:     10,
		},
		Cache: CacheConfig{
			TTL: 60 * time.Second,
		},
		Catalog: CatalogConfig{
			Backend: BackendMemory,
		},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Poll.Timeout <= 0 {
		errs = append(errs, errors.New("poll.timeout must be positive"))
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Poll.Timeout {
		errs = append(errs, fmt.Errorf("server.write_timeout %s must exceed poll.timeout %s",
			c.Server.WriteTimeout, c.Poll.Timeout))
	}
	if c.Poll.RateLimit < 0 || c.Poll.Burst < 0 {
		errs = append(errs, errors.New("poll.rate_limit and poll.burst must not be negative"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, redis, postgres", c.Store.Backend))
	}

	switch c.Catalog.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for the postgres catalog"))
		}
	default:
		errs = append(errs, fmt.Errorf("catalog.backend %q is not one of memory, postgres", c.Catalog.Backend))
	}

	return errors.Join(errs...)
}
