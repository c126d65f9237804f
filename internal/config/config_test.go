package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "paper"
log_level = "debug"
pairs = ["BTC/USD", "ETH/USD"]

[[venues]]
name = "alpha"
taker_rate = "0.001"
feed_url = "wss://alpha.example/ws"

[[venues]]
name = "beta"
taker_rate = "0.002"
maker_rate = "0.0005"
maker_eligible = true
feed_url = "wss://beta.example/ws"

[risk]
trade_size = "0.5"
min_profit = "1.25"
max_quote_age = "750ms"

[execution]
deadline = "3s"
unwind_order = "limit"
unwind_slippage = "0.002"

[retry]
max_attempts = 5
base_delay = "50ms"
requests_per_second = 20.0
burst = 2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, cfg.Pairs)
	require.Len(t, cfg.Venues, 2)
	assert.True(t, cfg.Venues[0].TakerRate.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, "0.5", cfg.Risk.TradeSize.String())
	assert.Equal(t, 750*time.Millisecond, cfg.Risk.MaxQuoteAge.Duration)
	assert.Equal(t, 3*time.Second, cfg.Execution.Deadline.Duration)
	assert.Equal(t, "limit", cfg.Execution.UnwindOrder)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 20.0, cfg.Retry.RequestsPerSecond)

	// Untouched sections keep their defaults.
	assert.Equal(t, 250*time.Millisecond, cfg.Execution.PollInterval.Duration)
	assert.Equal(t, 4, cfg.Risk.MaxOpenTrades)
	assert.Equal(t, "arbbot", cfg.Redis.KeyPrefix)

	fees := cfg.FeeTable()
	assert.Equal(t, "0.0005", fees.Rate("beta").String(), "maker-eligible venue pays maker")
	assert.Equal(t, "0.001", fees.Rate("alpha").String())
	assert.Equal(t, []string{"alpha", "beta"}, cfg.VenueNames())
	v, ok := cfg.Venue("beta")
	require.True(t, ok)
	assert.Equal(t, "wss://beta.example/ws", v.FeedURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ARBBOT_MODE", "live")
	t.Setenv("ARBBOT_RISK_MIN_PROFIT", "2.5")
	t.Setenv("ARBBOT_RISK_MIN_PROFIT_PERCENT", "0.15")
	t.Setenv("ARBBOT_RISK_MAX_QUOTE_AGE", "1s")
	t.Setenv("ARBBOT_PAIRS", " SOL/USD , ,ETH/USD")
	t.Setenv("ARBBOT_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("ARBBOT_RETRY_BURST", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, ModeLive, cfg.Mode)
	assert.Equal(t, "2.5", cfg.Risk.MinProfit.String())
	assert.Equal(t, "0.15", cfg.Risk.MinProfitPercent.String())
	assert.Equal(t, time.Second, cfg.Risk.MaxQuoteAge.Duration)
	assert.Equal(t, []string{"SOL/USD", "ETH/USD"}, cfg.Pairs)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	assert.Equal(t, 2, cfg.Retry.Burst, "unparsable values are ignored")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, sampleTOML+"\n[risk.extra]\nfoo = 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Mode, cfg.Mode)
}

func validConfig() Config {
	cfg := Defaults()
	cfg.Venues = []VenueConfig{
		{Name: "alpha", TakerRate: decimal.RequireFromString("0.001"), FeedURL: "wss://a"},
		{Name: "beta", TakerRate: decimal.RequireFromString("0.001"), FeedURL: "wss://b"},
	}
	return cfg
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Load("../../config.example.toml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	def := Defaults()
	assert.Equal(t, def.Execution, cfg.Execution)
	assert.Equal(t, def.Retry, cfg.Retry)
	assert.Equal(t, def.Metrics, cfg.Metrics)
	assert.Len(t, cfg.Venues, 2)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults with venues", mutate: func(*Config) {}},
		{name: "bad mode", mutate: func(c *Config) { c.Mode = "full" }, wantErr: "unknown mode"},
		{name: "one venue", mutate: func(c *Config) { c.Venues = c.Venues[:1] }, wantErr: "at least two venues"},
		{name: "duplicate venue", mutate: func(c *Config) { c.Venues[1].Name = "alpha" }, wantErr: "duplicate venue"},
		{name: "negative fee", mutate: func(c *Config) { c.Venues[0].TakerRate = decimal.NewFromInt(-1) }, wantErr: "must not be negative"},
		{name: "missing feed in paper", mutate: func(c *Config) { c.Venues[0].FeedURL = "" }, wantErr: "feed_url is required"},
		{name: "zero trade size", mutate: func(c *Config) { c.Risk.TradeSize = decimal.Zero }, wantErr: "trade_size"},
		{name: "negative profit percent", mutate: func(c *Config) { c.Risk.MinProfitPercent = decimal.NewFromInt(-1) }, wantErr: "min_profit_percent"},
		{name: "bad unwind order", mutate: func(c *Config) { c.Execution.UnwindOrder = "twap" }, wantErr: "unwind_order"},
		{name: "poll above deadline", mutate: func(c *Config) { c.Execution.PollInterval = dur(time.Minute) }, wantErr: "poll_interval"},
		{name: "jitter out of range", mutate: func(c *Config) { c.Retry.Jitter = 2 }, wantErr: "jitter"},
		{
			name: "backtest from s3 without s3",
			mutate: func(c *Config) {
				c.Mode = ModeBacktest
				c.Backtest.S3Prefix = "recordings/"
			},
			wantErr: "requires s3.enabled",
		},
		{
			name: "backtest does not need feeds",
			mutate: func(c *Config) {
				c.Mode = ModeBacktest
				c.Venues[0].FeedURL = ""
			},
		},
		{
			name:    "postgres without pool",
			mutate:  func(c *Config) { c.Postgres.Enabled, c.Postgres.PoolMaxConns = true, 0 },
			wantErr: "pool_max_conns",
		},
		{name: "half telegram", mutate: func(c *Config) { c.Notify.TelegramToken = "t" }, wantErr: "set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "nope"
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "secret"
	cfg.S3.SecretKey = "s3secret"
	cfg.Notify.DiscordWebhookURL = "https://discord/hook"
	cfg.Metrics.APIKey = "ops"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Equal(t, "***", out.Metrics.APIKey)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Venues[0].Name = "mutated"
	assert.Equal(t, "alpha", cfg.Venues[0].Name)
	assert.Equal(t, "secret", cfg.Postgres.Password)
}
