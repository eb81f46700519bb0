package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		DBMaxConns:            10,
		DBConnMaxLifetime:     time.Hour,
		DBConnMaxIdleTime:     30 * time.Minute,
		IngestTimeout:         10 * time.Second,
		BreakerFailures:       5,
		BreakerCooldown:       30 * time.Second,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want empty (in-memory store)", c.DatabaseURL)
	}
	if c.IngestTimeout != 10*time.Second {
		t.Errorf("IngestTimeout = %s, want 10s", c.IngestTimeout)
	}
	if c.BreakerFailures != 5 || c.BreakerCooldown != 30*time.Second {
		t.Errorf("breaker = %d/%s, want 5/30s", c.BreakerFailures, c.BreakerCooldown)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-database-url", "postgres://incidentd@db/incidentd",
		"-db-max-conns", "25",
		"-default-environment", "prod",
		"-ingest-timeout", "2s",
		"-breaker-failures", "0",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.DatabaseURL != "postgres://incidentd@db/incidentd" {
		t.Errorf("DatabaseURL = %q", c.DatabaseURL)
	}
	if c.DBMaxConns != 25 {
		t.Errorf("DBMaxConns = %d, want 25", c.DBMaxConns)
	}
	if c.DefaultEnvironment != "prod" {
		t.Errorf("DefaultEnvironment = %q, want prod", c.DefaultEnvironment)
	}
	if c.IngestTimeout != 2*time.Second {
		t.Errorf("IngestTimeout = %s, want 2s", c.IngestTimeout)
	}
	if c.BreakerFailures != 0 {
		t.Errorf("BreakerFailures = %d, want 0", c.BreakerFailures)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(mut func(*Config)) Config {
		c := validBase()
		mut(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "minimum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort, c.DBMaxConns = 1, 2, 1, 1
				c.IngestTimeout, c.BreakerFailures = 0, 0
			}),
			wantErr: false,
		},
		{
			name: "maximum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort, c.DBMaxConns = 299, 300, 65535, 1000
				c.IngestTimeout, c.BreakerFailures = 5*time.Minute, 1000
			}),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain negative",
			cfg:       with(func(c *Config) { c.DrainSeconds = -1 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Database
		{
			name:    "postgres url",
			cfg:     with(func(c *Config) { c.DatabaseURL = "postgresql://u:p@localhost:5432/incidentd?sslmode=disable" }),
			wantErr: false,
		},
		{
			name:      "non-postgres url",
			cfg:       with(func(c *Config) { c.DatabaseURL = "mysql://localhost/incidentd" }),
			wantErr:   true,
			errSubstr: []string{"DATABASE_URL"},
		},
		{
			name:      "max conns zero",
			cfg:       with(func(c *Config) { c.DBMaxConns = 0 }),
			wantErr:   true,
			errSubstr: []string{"DB_MAX_CONNS"},
		},
		{
			name:      "negative lifetimes",
			cfg:       with(func(c *Config) { c.DBConnMaxLifetime, c.DBConnMaxIdleTime, c.DBSlowQuery = -1, -1, -1 }),
			wantErr:   true,
			errSubstr: []string{"DB_CONN_MAX_LIFETIME", "DB_CONN_MAX_IDLE_TIME", "DB_SLOW_QUERY"},
		},
		// Ingestion
		{
			name:      "ingest timeout too long",
			cfg:       with(func(c *Config) { c.IngestTimeout = 6 * time.Minute }),
			wantErr:   true,
			errSubstr: []string{"INGEST_TIMEOUT"},
		},
		{
			name:      "too many breaker failures",
			cfg:       with(func(c *Config) { c.BreakerFailures = 1001 }),
			wantErr:   true,
			errSubstr: []string{"BREAKER_FAILURES"},
		},
		{
			name:      "breaker without cooldown",
			cfg:       with(func(c *Config) { c.BreakerCooldown = 0 }),
			wantErr:   true,
			errSubstr: []string{"BREAKER_COOLDOWN"},
		},
		{
			name:    "disabled breaker needs no cooldown",
			cfg:     with(func(c *Config) { c.BreakerFailures, c.BreakerCooldown = 0, 0 }),
			wantErr: false,
		},
		// CORS
		{
			name:    "cors origins",
			cfg:     with(func(c *Config) { c.CORSAllowedOrigins = "https://ops.example.com, http://localhost:3000" }),
			wantErr: false,
		},
		{
			name:    "cors wildcard",
			cfg:     with(func(c *Config) { c.CORSAllowedOrigins = "*" }),
			wantErr: false,
		},
		{
			name:      "cors origin with path",
			cfg:       with(func(c *Config) { c.CORSAllowedOrigins = "https://ops.example.com/ui" }),
			wantErr:   true,
			errSubstr: []string{"CORS_ALLOWED_ORIGINS"},
		},
		{
			name:      "cors origin without scheme",
			cfg:       with(func(c *Config) { c.CORSAllowedOrigins = "ops.example.com" }),
			wantErr:   true,
			errSubstr: []string{"CORS_ALLOWED_ORIGINS"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{IngestTimeout: -1, BreakerFailures: 1, DatabaseURL: "x"},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "DATABASE_URL", "DB_MAX_CONNS", "INGEST_TIMEOUT", "BREAKER_COOLDOWN"},
		},
		// Extreme values
		{
			name:      "extreme negative values",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	t.Parallel()

	tests := map[string][]string{
		"":                          nil,
		" , ":                       nil,
		"*":                         {"*"},
		"https://a.example.com":     {"https://a.example.com"},
		" https://a.com ,http://b ": {"https://a.com", "http://b"},
	}
	for in, want := range tests {
		c := Config{CORSAllowedOrigins: in}
		got := c.AllowedOrigins()
		if len(got) != len(want) {
			t.Errorf("AllowedOrigins(%q) = %q, want %q", in, got, want)
			continue
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("AllowedOrigins(%q)[%d] = %q, want %q", in, i, got[i], want[i])
			}
		}
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, conns int
		dbURL                      string
		timeout                    int64
	}{
		{60, 90, 8080, 10, "", int64(10 * time.Second)},
		{1, 2, 1, 1, "postgres://x", 0},
		{299, 300, 65535, 1000, "postgresql://x", int64(5 * time.Minute)},
		{0, 0, 0, 0, "", 0},
		{-1, -1, -1, -1, "mysql://x", -1},
		{300, 300, 65535, 10, "", 0},
		{301, 302, 65536, 1001, "", int64(time.Hour)},
		{150, 100, 8080, 10, "", 0},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, "", math.MinInt64},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, "", math.MaxInt64},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.conns, s.dbURL, s.timeout)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, conns int, dbURL string, timeout int64) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.DBMaxConns = conns
		c.DatabaseURL = dbURL
		c.IngestTimeout = time.Duration(timeout)
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		connsOK := conns >= 1 && conns <= 1000
		urlOK := dbURL == "" || strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://")
		timeoutOK := timeout >= 0 && time.Duration(timeout) <= 5*time.Minute

		allValid := drainOK && budgetOK && portOK && crossOK && connsOK && urlOK && timeoutOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
