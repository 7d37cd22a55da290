// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds the server settings read from the environment.
type Config struct {
	HTTPAddr           string
	Store              string
	DatabaseURL        string
	RedisAddr          string
	RedisLockExpiry    time.Duration
	IdempotencyEnabled bool
	LogLevel           string
	ShutdownTimeout    time.Duration
}

// Load reads the configuration. Unset variables take their defaults.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	var errs []error
	duration := func(key, fallback string) time.Duration {
		raw := get(key, fallback)
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		}
		return d
	}

	cfg := Config{
		HTTPAddr:        get("HTTP_ADDR", ":8080"),
		Store:           strings.ToLower(get("STORE", StoreMemory)),
		DatabaseURL:     get("DB_URL", ""),
		RedisAddr:       get("REDIS_ADDR", ""),
		RedisLockExpiry: duration("REDIS_LOCK_EXPIRY", "10s"),
		LogLevel:        get("LOG_LEVEL", "info"),
		ShutdownTimeout: duration("SHUTDOWN_TIMEOUT", "10s"),
	}

	raw := get("IDEMPOTENCY_ENABLED", "false")
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_ENABLED: invalid boolean %q", raw))
	}
	cfg.IdempotencyEnabled = enabled

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DB_URL is required with STORE=postgres"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required with STORE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE: unknown backend %q", c.Store))
	}

	if c.IdempotencyEnabled && c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required with IDEMPOTENCY_ENABLED=true"))
	}
	return errs
}
