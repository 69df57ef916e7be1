package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"background-tasks/internal/models"

	"github.com/robfig/cron/v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	defaultBunchSize     = 50
	defaultRetentionDays = 3
	defaultSchedule      = "@every 1m"
	defaultAuthLimit     = 30
	defaultAuthWindow    = time.Minute
)

type Config struct {
	DatabaseURL string
	Driver      string

	// run selection
	Status        models.Status
	BunchSize     int
	GroupCode     string
	RetentionDays int

	Schedule string

	MetricsAddr        string
	MetricsAuthToken   string
	MetricsAllowCIDRs  []string
	MetricsAuthLimit   int
	MetricsAuthWindow  time.Duration
	MetricsTLSCert     string
	MetricsTLSKey      string
	MetricsTLSClientCA string

	LogLevel string

	Services map[string]ServiceConfig
}

// ServiceConfig binds a "service.method" target to an external command.
type ServiceConfig struct {
	Command   []string
	Timeout   time.Duration
	Dir       string
	Env       []string
	MaxOutput int
}

func DefaultConfig() *Config {
	return &Config{
		Driver:            DriverPostgres,
		Status:            models.StatusQueued,
		BunchSize:         defaultBunchSize,
		RetentionDays:     defaultRetentionDays,
		Schedule:          defaultSchedule,
		MetricsAuthLimit:  defaultAuthLimit,
		MetricsAuthWindow: defaultAuthWindow,
		LogLevel:          "info",
		Services:          map[string]ServiceConfig{},
	}
}

// Load returns the defaults overlaid with the environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("BGTASKS_DRIVER"); v != "" {
		cfg.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("BGTASKS_STATUS"); v != "" {
		status, err := models.ParseStatus(v)
		if err != nil {
			return fmt.Errorf("invalid BGTASKS_STATUS: %w", err)
		}
		cfg.Status = status
	}
	if v := os.Getenv("BGTASKS_BUNCH_SIZE"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid BGTASKS_BUNCH_SIZE: %w", err)
		}
		cfg.BunchSize = n
	}
	if v, ok := os.LookupEnv("BGTASKS_GROUP_CODE"); ok {
		cfg.GroupCode = v
	}
	if v := os.Getenv("BGTASKS_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid BGTASKS_RETENTION_DAYS: %w", err)
		}
		cfg.RetentionDays = n
	}
	if v := os.Getenv("BGTASKS_SCHEDULE"); v != "" {
		cfg.Schedule = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("METRICS_AUTH_TOKEN"); v != "" {
		cfg.MetricsAuthToken = v
	}
	if v := os.Getenv("METRICS_ALLOW_CIDRS"); v != "" {
		cfg.MetricsAllowCIDRs = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// statusValue lets --status accept a code or a name.
type statusValue struct {
	target *models.Status
}

func (s statusValue) String() string {
	if s.target == nil {
		return "0"
	}
	return strconv.Itoa(int(*s.target))
}

func (s statusValue) Set(v string) error {
	status, err := models.ParseStatus(v)
	if err != nil {
		return err
	}
	*s.target = status
	return nil
}

// BindFlags registers the connection flags shared by every subcommand.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Database connection string")
	fs.StringVar(&c.Driver, "driver", c.Driver, "Storage driver (postgres|sqlite|memory)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug|info|warn|error)")
}

// BindRunFlags registers the flags that select what a run processes.
func (c *Config) BindRunFlags(fs *flag.FlagSet) {
	fs.Var(statusValue{target: &c.Status}, "status", "Run tasks with this status (code or name)")
	fs.IntVar(&c.BunchSize, "bunch_size", c.BunchSize, "Page size to be processed")
	fs.StringVar(&c.GroupCode, "group_code", c.GroupCode, "Group to be processed, empty processes tasks without a group only")
	fs.IntVar(&c.RetentionDays, "retention-days", c.RetentionDays, "Remove succeeded tasks finished more than this many days ago")
}

func (c *Config) BindScheduleFlags(fs *flag.FlagSet) {
	c.BindRunFlags(fs)
	fs.StringVar(&c.Schedule, "schedule", c.Schedule, "Cron expression for run passes")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "HTTP address for health and metrics (empty disables)")
	fs.StringVar(&c.MetricsAuthToken, "metrics-auth-token", c.MetricsAuthToken, "Bearer token required for /metrics")
	fs.StringVar(&c.MetricsTLSCert, "metrics-tls-cert", c.MetricsTLSCert, "TLS certificate for the metrics server")
	fs.StringVar(&c.MetricsTLSKey, "metrics-tls-key", c.MetricsTLSKey, "TLS key for the metrics server")
	fs.StringVar(&c.MetricsTLSClientCA, "metrics-tls-client-ca", c.MetricsTLSClientCA, "CA bundle for client certificate verification")
}

func (c *Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("a dsn is required for the %s driver (set DATABASE_URL or --dsn)", c.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("unknown status %d", int(c.Status))
	}
	if c.BunchSize <= 0 {
		return fmt.Errorf("bunch_size must be > 0, got %d", c.BunchSize)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention-days must be > 0, got %d", c.RetentionDays)
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
	}
	if (c.MetricsTLSCert == "") != (c.MetricsTLSKey == "") {
		return fmt.Errorf("metrics TLS requires both a certificate and a key")
	}
	for name, svc := range c.Services {
		if len(svc.Command) == 0 {
			return fmt.Errorf("service %q has no command", name)
		}
	}
	return nil
}
