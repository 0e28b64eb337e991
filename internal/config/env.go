package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv loads configuration from environment variables. Unparseable
// values are ignored.
func LoadFromEnv(cfg *Config) {
	for _, key := range []string{"PORT", "LEARNHUB_PORT"} {
		if port := os.Getenv(key); port != "" {
			if p, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = p
			}
		}
	}

	if logLevel := os.Getenv("LEARNHUB_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if format := os.Getenv("LEARNHUB_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	// Shared store
	if backend := os.Getenv("LEARNHUB_STORE"); backend != "" {
		cfg.Store.Backend = backend
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Store.RedisURL = url
		if os.Getenv("LEARNHUB_STORE") == "" {
			cfg.Store.Backend = BackendRedis
		}
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Store.DatabaseURL = url
	}

	if d, ok := envDuration("LEARNHUB_POLL_TIMEOUT"); ok {
		cfg.Poll.Timeout = d
	}
	if d, ok := envDuration("LEARNHUB_CACHE_TTL"); ok {
		cfg.Cache.TTL = d
	}

	if catalog := os.Getenv("LEARNHUB_CATALOG"); catalog != "" {
		cfg.Catalog.Backend = catalog
	}
}

// envDuration accepts a Go duration ("25s") or a bare number of seconds.
func envDuration(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, true
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
