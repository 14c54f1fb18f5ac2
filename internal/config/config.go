package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/example/preorder-escrow/internal/payout"
	"github.com/example/preorder-escrow/internal/policy"
)

// Config holds the application configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Lock      LockConfig      `yaml:"lock"`
	Events    EventsConfig    `yaml:"events"`
	Policy    PolicyConfig    `yaml:"policy"`
	Payout    PayoutConfig    `yaml:"payout"`
	Release   ReleaseConfig   `yaml:"release"`
	Deposit   DepositConfig   `yaml:"deposit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// TLSConfig points at PEM files. Transport security is off when CertFile is
// empty.
type TLSConfig struct {
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	CAFile            string `yaml:"ca_file"`
	RequireClientAuth bool   `yaml:"require_client_auth"`
}

func (t TLSConfig) Enabled() bool { return t.CertFile != "" }

type HTTPConfig struct {
	Addr            string          `yaml:"addr"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	AllowedCIDRs    []string        `yaml:"allowed_cidrs"`
	AuditLogPath    string          `yaml:"audit_log_path"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	TLS             TLSConfig       `yaml:"tls"`
}

// RateLimitConfig is a per-client token bucket kept in Redis.
type RateLimitConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

type GRPCConfig struct {
	Addr       string    `yaml:"addr"`
	Reflection bool      `yaml:"reflection"`
	TLS        TLSConfig `yaml:"tls"`
}

// DatabaseConfig selects the store. Driver is postgres, sqlite or memory.
type DatabaseConfig struct {
	Driver     string        `yaml:"driver"`
	URL        string        `yaml:"url"`
	MaxRetries int           `yaml:"max_retries"`
	TxTimeout  time.Duration `yaml:"tx_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// LockConfig selects the per-order lock. Driver is local or redis.
type LockConfig struct {
	Driver     string        `yaml:"driver"`
	Prefix     string        `yaml:"prefix"`
	Expiry     time.Duration `yaml:"expiry"`
	Tries      int           `yaml:"tries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// EventsConfig selects where outbox events go. Driver is log, rabbitmq or
// kafka.
type EventsConfig struct {
	Driver         string        `yaml:"driver"`
	URL            string        `yaml:"url"`
	Exchange       string        `yaml:"exchange"`
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	BatchSize      int           `yaml:"batch_size"`
	// MaxAttempts is how many failed publishes an event gets before it is
	// dead-lettered and the order's later events are released.
	MaxAttempts    int           `yaml:"max_attempts"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// TierConfig is one cancellation tier. Percentages are decimal strings.
type TierConfig struct {
	DaysBeforeEvent int    `yaml:"days_before_event"`
	PenaltyPercent  string `yaml:"penalty_percent"`
}

type PolicyConfig struct {
	// Scale is the number of decimal places money is rounded to.
	Scale int32        `yaml:"scale"`
	Tiers []TierConfig `yaml:"tiers"`
}

// PayoutConfig holds commission rates as fractions, e.g. "0.05".
type PayoutConfig struct {
	DefaultRate string            `yaml:"default_rate"`
	SellerRates map[string]string `yaml:"seller_rates"`
}

type ReleaseConfig struct {
	RequiredConditions []string      `yaml:"required_conditions"`
	AutoReleaseBuffer  time.Duration `yaml:"auto_release_buffer"`
}

type DepositConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// SchedulerConfig holds six-field cron specs. An empty spec disables a job.
type SchedulerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	ScanLimit      int           `yaml:"scan_limit"`
	AutoRelease    string        `yaml:"auto_release"`
	ExpireDeposits string        `yaml:"expire_deposits"`
	DispatchEvents string        `yaml:"dispatch_events"`
	Reconcile      string        `yaml:"reconcile"`
}

// Default returns a configuration that runs a single in-memory node.
func Default() *Config {
	return &Config{
		App:  AppConfig{Name: "escrowd", Environment: "development"},
		HTTP: HTTPConfig{Addr: ":8080", ReadTimeout: 10 * time.Second, WriteTimeout: 15 * time.Second, ShutdownTimeout: 15 * time.Second, MaxBodyBytes: 1 << 20},
		GRPC: GRPCConfig{Addr: ":9090"},
		Database: DatabaseConfig{
			Driver:     "memory",
			MaxRetries: 3,
			TxTimeout:  5 * time.Second,
		},
		Log:    LogConfig{Level: "info", Format: "text"},
		Lock:   LockConfig{Driver: "local", Prefix: "escrow:lock:", Expiry: 10 * time.Second, Tries: 32, RetryDelay: 50 * time.Millisecond},
		Events: EventsConfig{Driver: "log", Exchange: "escrow.events", Topic: "escrow.events", BatchSize: 100, MaxAttempts: 20, ConfirmTimeout: 5 * time.Second},
		Policy: PolicyConfig{Tiers: []TierConfig{
			{DaysBeforeEvent: 14, PenaltyPercent: "0"},
			{DaysBeforeEvent: 7, PenaltyPercent: "20"},
			{DaysBeforeEvent: 0, PenaltyPercent: "50"},
		}},
		Payout:  PayoutConfig{DefaultRate: "0.05"},
		Release: ReleaseConfig{RequiredConditions: []string{"delivery_confirmed", "dispute_window_elapsed"}, AutoReleaseBuffer: 72 * time.Hour},
		Deposit: DepositConfig{Timeout: 48 * time.Hour},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			JobTimeout:     time.Minute,
			ScanLimit:      500,
			AutoRelease:    "0 */5 * * * *",
			ExpireDeposits: "0 0 * * * *",
			DispatchEvents: "*/10 * * * * *",
			Reconcile:      "0 30 3 * * *",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.overrideWithEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// overrideWithEnv overrides config values with environment variables.
func (c *Config) overrideWithEnv() error {
	set := func(name string, dst *string) {
		if val := os.Getenv(name); val != "" {
			*dst = val
		}
	}
	set("APP_ENV", &c.App.Environment)
	set("HTTP_ADDR", &c.HTTP.Addr)
	set("GRPC_ADDR", &c.GRPC.Addr)
	set("DATABASE_DRIVER", &c.Database.Driver)
	set("DATABASE_URL", &c.Database.URL)
	set("REDIS_ADDR", &c.Redis.Addr)
	set("REDIS_PASSWORD", &c.Redis.Password)
	set("LOG_LEVEL", &c.Log.Level)
	set("LOG_FORMAT", &c.Log.Format)
	set("LOCK_DRIVER", &c.Lock.Driver)
	set("EVENTS_DRIVER", &c.Events.Driver)
	set("EVENTS_URL", &c.Events.URL)
	set("EVENTS_TOPIC", &c.Events.Topic)

	if val := os.Getenv("KAFKA_BROKERS"); val != "" {
		c.Events.Brokers = splitList(val)
	}
	if val := os.Getenv("HTTP_ALLOWED_CIDRS"); val != "" {
		c.HTTP.AllowedCIDRs = splitList(val)
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		db, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("REDIS_DB must be an integer: %w", err)
		}
		c.Redis.DB = db
	}
	if val := os.Getenv("SCHEDULER_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("SCHEDULER_ENABLED must be a boolean: %w", err)
		}
		c.Scheduler.Enabled = enabled
	}
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var missing []string
	if c.App.Environment == "" {
		missing = append(missing, "app.environment (APP_ENV)")
	}
	if c.HTTP.Addr == "" && c.GRPC.Addr == "" {
		missing = append(missing, "http.addr or grpc.addr")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			missing = append(missing, "database.url (DATABASE_URL)")
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite or memory, got %q", c.Database.Driver)
	}

	switch c.Lock.Driver {
	case "redis":
		if c.Redis.Addr == "" {
			missing = append(missing, "redis.addr (REDIS_ADDR)")
		}
	case "local":
	default:
		return fmt.Errorf("lock.driver must be local or redis, got %q", c.Lock.Driver)
	}
	if c.HTTP.RateLimit.Enabled && c.Redis.Addr == "" {
		missing = append(missing, "redis.addr (REDIS_ADDR) for rate limiting")
	}

	switch c.Events.Driver {
	case "log":
	case "rabbitmq":
		if c.Events.URL == "" {
			missing = append(missing, "events.url (EVENTS_URL)")
		}
	case "kafka":
		if len(c.Events.Brokers) == 0 {
			missing = append(missing, "events.brokers (KAFKA_BROKERS)")
		}
	default:
		return fmt.Errorf("events.driver must be log, rabbitmq or kafka, got %q", c.Events.Driver)
	}

	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}

	// Several replicas share one database in production, so they must also
	// share their locks.
	if c.App.Environment == "production" || c.App.Environment == "staging" {
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("database.driver must be postgres in %s", c.App.Environment)
		}
		if c.Lock.Driver != "redis" {
			return fmt.Errorf("lock.driver must be redis in %s", c.App.Environment)
		}
	}

	if _, err := c.Policy.Evaluator(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if _, err := c.Payout.Calculator(c.Policy.Scale); err != nil {
		return fmt.Errorf("payout: %w", err)
	}
	if c.Release.AutoReleaseBuffer < 0 || c.Deposit.Timeout < 0 {
		return errors.New("release.auto_release_buffer and deposit.timeout must not be negative")
	}
	return nil
}

// Evaluator builds the cancellation policy from the tier table.
func (p PolicyConfig) Evaluator() (*policy.Evaluator, error) {
	tiers := make([]policy.Tier, 0, len(p.Tiers))
	for i, t := range p.Tiers {
		pct, err := decimal.NewFromString(t.PenaltyPercent)
		if err != nil {
			return nil, fmt.Errorf("tier %d: invalid penalty_percent %q", i, t.PenaltyPercent)
		}
		tiers = append(tiers, policy.Tier{DaysBeforeEvent: t.DaysBeforeEvent, PenaltyPercent: pct})
	}
	return policy.NewEvaluator(tiers, p.Scale)
}

// Calculator builds the commission calculator.
func (p PayoutConfig) Calculator(scale int32) (*payout.Calculator, error) {
	rate, err := decimal.NewFromString(p.DefaultRate)
	if err != nil {
		return nil, fmt.Errorf("invalid default_rate %q", p.DefaultRate)
	}
	overrides := make(map[string]decimal.Decimal, len(p.SellerRates))
	for seller, raw := range p.SellerRates {
		r, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid rate %q for seller %s", raw, seller)
		}
		overrides[seller] = r
	}
	return payout.NewCalculator(rate, overrides, scale)
}

// NewLogger creates a structured logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level := parseLogLevel(c.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
