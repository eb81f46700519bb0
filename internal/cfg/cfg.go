package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds incidentd's application settings. It satisfies the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL       string
	DBMaxConns        int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	DBSlowQuery       time.Duration

	DefaultEnvironment string
	IngestTimeout      time.Duration
	BreakerFailures    uint
	BreakerCooldown    time.Duration

	CORSAllowedOrigins string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum open PostgreSQL connections (1..1000)")
	fs.DurationVar(&c.DBConnMaxLifetime, "db-conn-max-lifetime", time.Hour, "maximum lifetime of a PostgreSQL connection")
	fs.DurationVar(&c.DBConnMaxIdleTime, "db-conn-max-idle-time", 30*time.Minute, "maximum idle time of a PostgreSQL connection")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 0, "log successful queries only when slower than this (0 = log all)")

	fs.StringVar(&c.DefaultEnvironment, "default-environment", "", "environment for alerts that carry none (empty = reject them)")
	fs.DurationVar(&c.IngestTimeout, "ingest-timeout", 10*time.Second, "store time budget per ingested alert (0 = none, max 5m)")
	fs.UintVar(&c.BreakerFailures, "breaker-failures", 5, "consecutive store failures that open the ingestion breaker (0 = disabled)")
	fs.DurationVar(&c.BreakerCooldown, "breaker-cooldown", 30*time.Second, "how long the ingestion breaker stays open before probing")

	fs.StringVar(&c.CORSAllowedOrigins, "cors-allowed-origins", "", "comma-separated browser origins allowed to call the API, or * (empty = CORS disabled)")
}

// AllowedOrigins returns the parsed CORS origin list, nil when CORS is disabled.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for o := range strings.SplitSeq(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Database settings, the URL itself is checked by pgx at startup
	if c.DatabaseURL != "" && !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		errs = append(errs, errors.New("DATABASE_URL must start with postgres:// or postgresql://"))
	}
	if c.DBMaxConns <= 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..1000)", c.DBMaxConns))
	}
	if c.DBConnMaxLifetime < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME %s (must not be negative)", c.DBConnMaxLifetime))
	}
	if c.DBConnMaxIdleTime < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_CONN_MAX_IDLE_TIME %s (must not be negative)", c.DBConnMaxIdleTime))
	}
	if c.DBSlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY %s (must not be negative)", c.DBSlowQuery))
	}

	// Ingestion failure handling
	if c.IngestTimeout < 0 || c.IngestTimeout > 5*time.Minute {
		errs = append(errs, fmt.Errorf("invalid INGEST_TIMEOUT %s (must be 0..5m)", c.IngestTimeout))
	}
	if c.BreakerFailures > 1000 {
		errs = append(errs, fmt.Errorf("invalid BREAKER_FAILURES %d (must be 0..1000)", c.BreakerFailures))
	}
	if c.BreakerFailures > 0 && c.BreakerCooldown <= 0 {
		errs = append(errs, fmt.Errorf("BREAKER_COOLDOWN %s must be positive when the breaker is enabled", c.BreakerCooldown))
	}

	// CORS origins are scheme://host[:port] or a lone *
	for _, o := range c.AllowedOrigins() {
		if o == "*" {
			continue
		}
		u, err := url.Parse(o)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
			errs = append(errs, fmt.Errorf("invalid CORS_ALLOWED_ORIGINS entry %q (must be scheme://host[:port] or *)", o))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
