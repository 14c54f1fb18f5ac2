package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "local", cfg.Lock.Driver)
	assert.Equal(t, 72*time.Hour, cfg.Release.AutoReleaseBuffer)
	assert.Len(t, cfg.Policy.Tiers, 3)
	assert.Equal(t, 20, cfg.Events.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Events.ConfirmTimeout)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
app:
  environment: staging
database:
  driver: postgres
  url: postgres://escrow@db/escrow
redis:
  addr: redis:6379
lock:
  driver: redis
  expiry: 5s
events:
  driver: kafka
  brokers: [kafka-1:9092, kafka-2:9092]
  topic: escrow.events
  max_attempts: 8
  confirm_timeout: 2s
policy:
  scale: 0
  tiers:
    - {days_before_event: 30, penalty_percent: "0"}
    - {days_before_event: 0, penalty_percent: "100"}
payout:
  default_rate: "0.07"
  seller_rates:
    seller-vip: "0.03"
release:
  auto_release_buffer: 24h
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.App.Environment)
	assert.Equal(t, 5*time.Second, cfg.Lock.Expiry)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Events.Brokers)
	assert.Equal(t, 8, cfg.Events.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Events.ConfirmTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Release.AutoReleaseBuffer)
	assert.Equal(t, ":8080", cfg.HTTP.Addr, "unset keys keep their defaults")

	calc, err := cfg.Payout.Calculator(cfg.Policy.Scale)
	require.NoError(t, err)
	assert.True(t, calc.RateFor("seller-vip").Equal(decimal.RequireFromString("0.03")))
	assert.True(t, calc.RateFor("anyone").Equal(decimal.RequireFromString("0.07")))

	ev, err := cfg.Policy.Evaluator()
	require.NoError(t, err)
	assert.Len(t, ev.Tiers(), 2)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "file:escrow.db")
	t.Setenv("KAFKA_BROKERS", "a:1, b:2")
	t.Setenv("EVENTS_DRIVER", "kafka")
	t.Setenv("SCHEDULER_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.App.Environment)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Events.Brokers)
	assert.False(t, cfg.Scheduler.Enabled)

	t.Setenv("REDIS_DB", "one")
	_, err = Load("")
	assert.ErrorContains(t, err, "REDIS_DB")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing environment", func(c *Config) { c.App.Environment = "" }, "APP_ENV"},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }, "DATABASE_URL"},
		{"unknown store", func(c *Config) { c.Database.Driver = "mongo" }, "database.driver"},
		{"redis lock without redis", func(c *Config) { c.Lock.Driver = "redis" }, "REDIS_ADDR"},
		{"rabbit without url", func(c *Config) { c.Events.Driver = "rabbitmq" }, "EVENTS_URL"},
		{"production on memory", func(c *Config) { c.App.Environment = "production" }, "must be postgres"},
		{"production with local lock", func(c *Config) {
			c.App.Environment = "production"
			c.Database.Driver, c.Database.URL = "postgres", "postgres://x"
		}, "lock.driver must be redis"},
		{"bad tier", func(c *Config) { c.Policy.Tiers[1].PenaltyPercent = "lots" }, "penalty_percent"},
		{"tier above 100", func(c *Config) { c.Policy.Tiers[1].PenaltyPercent = "120" }, "policy"},
		{"bad rate", func(c *Config) { c.Payout.DefaultRate = "1.5" }, "payout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	require.NoError(t, Default().Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "order_id", "o-1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"order_id":"o-1"`)
}
