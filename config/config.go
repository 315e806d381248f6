/*
config.go - Server configuration

PURPOSE:
  Collects everything cmd/server needs to wire the engine: listen port,
  storage backend, optional Redis cache, fare rate and timeouts.

SOURCES (highest wins):
  1. Command-line flags
  2. SHUTTLE_* environment variables
  3. Built-in defaults

FLAGS:
  -port             HTTP server port (SHUTTLE_PORT, default 8080)
  -driver           sqlite | postgres | memory (SHUTTLE_DRIVER, default sqlite)
  -db               SQLite path or Postgres DSN (SHUTTLE_DB, default shuttle.db)
  -redis            Redis address, empty disables the cache (SHUTTLE_REDIS_ADDR)
  -per-segment      Points charged per stop segment (SHUTTLE_PER_SEGMENT, default 10)
  -storage-timeout  Deadline for one storage unit of work (SHUTTLE_STORAGE_TIMEOUT, default 5s)
  -cache-ttl        Lifetime of a cached booking list (SHUTTLE_CACHE_TTL, default 10m)
  -audit-interval   Wallet audit period, 0 disables (SHUTTLE_AUDIT_INTERVAL, default 15m)
  -log-level        debug | info | warn | error (SHUTTLE_LOG_LEVEL, default info)
  -seed             Load demo shuttles and riders at startup (SHUTTLE_SEED)

SEE ALSO:
  - cmd/server/main.go: Consumer
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port           int
	Driver         string
	DB             string
	RedisAddr      string
	PerSegment     int64
	StorageTimeout time.Duration
	CacheTTL       time.Duration
	AuditInterval  time.Duration
	LogLevel       string
	Seed           bool
}

// Load parses args (without the program name) on top of the environment.
func Load(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("shuttle-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.Port, "port", envOrDefaultInt("SHUTTLE_PORT", 8080), "HTTP server port")
	fs.StringVar(&cfg.Driver, "driver", envOrDefault("SHUTTLE_DRIVER", DriverSQLite), "storage driver: sqlite, postgres or memory")
	fs.StringVar(&cfg.DB, "db", envOrDefault("SHUTTLE_DB", "shuttle.db"), "SQLite database path or Postgres DSN")
	fs.StringVar(&cfg.RedisAddr, "redis", envOrDefault("SHUTTLE_REDIS_ADDR", ""), "Redis address for the booking cache")
	fs.Int64Var(&cfg.PerSegment, "per-segment", int64(envOrDefaultInt("SHUTTLE_PER_SEGMENT", 10)), "points per stop segment")
	fs.DurationVar(&cfg.StorageTimeout, "storage-timeout", envOrDefaultDuration("SHUTTLE_STORAGE_TIMEOUT", 5*time.Second), "storage deadline per operation")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", envOrDefaultDuration("SHUTTLE_CACHE_TTL", 10*time.Minute), "booking cache TTL")
	fs.DurationVar(&cfg.AuditInterval, "audit-interval", envOrDefaultDuration("SHUTTLE_AUDIT_INTERVAL", 15*time.Minute), "wallet audit period, 0 disables")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("SHUTTLE_LOG_LEVEL", "info"), "log level")
	fs.BoolVar(&cfg.Seed, "seed", envOrDefaultBool("SHUTTLE_SEED", false), "load demo data")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q", c.Driver))
	}
	if c.Driver != DriverMemory && c.DB == "" {
		errs = append(errs, errors.New("db is required for the sqlite and postgres drivers"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.PerSegment <= 0 {
		errs = append(errs, errors.New("per-segment must be positive"))
	}
	if c.StorageTimeout <= 0 {
		errs = append(errs, errors.New("storage-timeout must be positive"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache-ttl must be positive"))
	}
	if c.AuditInterval < 0 {
		errs = append(errs, errors.New("audit-interval must not be negative"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
