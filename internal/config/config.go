// Package config defines the top-level configuration for the arbitrage bot
// and provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBBOT_* environment variables.
type Config struct {
	Mode     string   `toml:"mode"`
	LogLevel string   `toml:"log_level"`
	Pairs    []string `toml:"pairs"`

	Venues    []VenueConfig   `toml:"venues"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Retry     RetryConfig     `toml:"retry"`
	Backtest  BacktestConfig  `toml:"backtest"`
	Record    RecordConfig    `toml:"record"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Notify    NotifyConfig    `toml:"notify"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// VenueConfig describes one trading venue: its fee schedule and the
// websocket endpoint its depth feed is read from.
type VenueConfig struct {
	Name          string          `toml:"name"`
	TakerRate     decimal.Decimal `toml:"taker_rate"`
	MakerRate     decimal.Decimal `toml:"maker_rate"`
	MakerEligible bool            `toml:"maker_eligible"`
	FeedURL       string          `toml:"feed_url"`
}

// RiskConfig holds the profitability and exposure limits.
type RiskConfig struct {
	TradeSize         decimal.Decimal `toml:"trade_size"`
	MinProfit         decimal.Decimal `toml:"min_profit"`
	MinProfitPercent  decimal.Decimal `toml:"min_profit_percent"`
	SlippageAllowance decimal.Decimal `toml:"slippage_allowance"`
	MaxOpenTrades     int             `toml:"max_open_trades"`
	MaxQuoteAge       Duration        `toml:"max_quote_age"`
}

// ExecutionConfig controls how one opportunity is executed.
type ExecutionConfig struct {
	Deadline      Duration `toml:"deadline"`
	PollInterval  Duration `toml:"poll_interval"`
	SettleTimeout Duration `toml:"settle_timeout"`
	QueueSize     int      `toml:"queue_size"`
	// UnwindOrder is "market" or "limit".
	UnwindOrder    string          `toml:"unwind_order"`
	UnwindSlippage decimal.Decimal `toml:"unwind_slippage"`
	UnwindTimeout  Duration        `toml:"unwind_timeout"`
	// LockTTL bounds how long a distributed in-flight lock outlives a
	// crashed holder.
	LockTTL Duration `toml:"lock_ttl"`
}

// RetryConfig is the backoff schedule for transient venue failures and the
// per-venue request pacing.
type RetryConfig struct {
	MaxAttempts       int      `toml:"max_attempts"`
	BaseDelay         Duration `toml:"base_delay"`
	MaxDelay          Duration `toml:"max_delay"`
	Multiplier        float64  `toml:"multiplier"`
	Jitter            float64  `toml:"jitter"`
	RateLimitDelay    Duration `toml:"rate_limit_delay"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
}

// BacktestConfig holds replay parameters.
type BacktestConfig struct {
	DataDir          string          `toml:"data_dir"`
	S3Prefix         string          `toml:"s3_prefix"`
	InitialBalance   decimal.Decimal `toml:"initial_balance"`
	FillMode         string          `toml:"fill_mode"`
	FillLatency      Duration        `toml:"fill_latency"`
	DefaultLevelSize decimal.Decimal `toml:"default_level_size"`
	ReportPath       string          `toml:"report_path"`
	TradeLogPath     string          `toml:"trade_log_path"`
	UploadReport     bool            `toml:"upload_report"`
}

// RecordConfig controls historical data collection.
type RecordConfig struct {
	Dir      string `toml:"dir"`
	Depth    int    `toml:"depth"`
	S3Prefix string `toml:"s3_prefix"`
	Upload   bool   `toml:"upload"`
}

// PostgresConfig holds PostgreSQL connection parameters. The ledger falls
// back to memory when disabled.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	KeyPrefix    string `toml:"key_prefix"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// ArchiveLimit caps how many ledger entries are archived on shutdown.
	ArchiveLimit int `toml:"archive_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig holds the address of the metrics and control server. An
// empty Addr disables it. APIKey, when set, guards /status and /resume.
type MetricsConfig struct {
	Addr      string `toml:"addr"`
	Namespace string `toml:"namespace"`
	APIKey    string `toml:"api_key"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "250ms", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) Duration { return Duration{d} }

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Pairs:    []string{"BTC/USD"},
		Risk: RiskConfig{
			TradeSize:         decimal.RequireFromString("0.01"),
			MinProfit:         decimal.RequireFromString("0.5"),
			SlippageAllowance: decimal.Zero,
			MaxOpenTrades:     4,
			MaxQuoteAge:       dur(2 * time.Second),
		},
		Execution: ExecutionConfig{
			Deadline:       dur(5 * time.Second),
			PollInterval:   dur(250 * time.Millisecond),
			SettleTimeout:  dur(3 * time.Second),
			QueueSize:      64,
			UnwindOrder:    "market",
			UnwindSlippage: decimal.RequireFromString("0.001"),
			UnwindTimeout:  dur(10 * time.Second),
			LockTTL:        dur(time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         dur(100 * time.Millisecond),
			MaxDelay:          dur(2 * time.Second),
			Multiplier:        2,
			Jitter:            0.2,
			RateLimitDelay:    dur(time.Second),
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Backtest: BacktestConfig{
			DataDir:          "data",
			InitialBalance:   decimal.NewFromInt(10000),
			FillMode:         "instant",
			FillLatency:      dur(200 * time.Millisecond),
			DefaultLevelSize: decimal.NewFromInt(1),
			ReportPath:       "backtest_report.json",
			TradeLogPath:     "backtest_trades.csv",
		},
		Record: RecordConfig{
			Dir:      "data",
			Depth:    10,
			S3Prefix: "recordings",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "arbbot",
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbbot-data",
			ForcePathStyle: true,
			ArchiveLimit:   10000,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_failed-recovered", "trade_stale", "feed_down", "execution_halted"},
		},
		Metrics: MetricsConfig{
			Addr:      ":9100",
			Namespace: "arbbot",
		},
	}
}

// Modes accepted by Config.Mode.
const (
	ModeLive     = "live"
	ModePaper    = "paper"
	ModeBacktest = "backtest"
	ModeRecord   = "record"
)

var validModes = map[string]bool{
	ModeLive:     true,
	ModePaper:    true,
	ModeBacktest: true,
	ModeRecord:   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// FeeTable builds the per-venue fee schedules.
func (c *Config) FeeTable() domain.FeeTable {
	t := make(domain.FeeTable, len(c.Venues))
	for _, v := range c.Venues {
		t[v.Name] = domain.FeeSchedule{
			Venue:         v.Name,
			Maker:         v.MakerRate,
			Taker:         v.TakerRate,
			MakerEligible: v.MakerEligible,
		}
	}
	return t
}

// Venue looks up a venue by name.
func (c *Config) Venue(name string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if v.Name == name {
			return v, true
		}
	}
	return VenueConfig{}, false
}

// VenueNames lists the configured venues in file order.
func (c *Config) VenueNames() []string {
	names := make([]string, 0, len(c.Venues))
	for _, v := range c.Venues {
		names = append(names, v.Name)
	}
	return names
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: live, paper, backtest, record)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	if len(c.Pairs) == 0 {
		add("pairs: at least one pair is required")
	}

	// Venues
	if len(c.Venues) < 2 {
		add("venues: at least two venues are required, got %d", len(c.Venues))
	}
	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		if v.Name == "" {
			add("venues[%d]: name must not be empty", i)
			continue
		}
		if seen[v.Name] {
			add("venues: duplicate venue %q", v.Name)
		}
		seen[v.Name] = true
		if v.TakerRate.IsNegative() || v.MakerRate.IsNegative() {
			add("venues[%s]: fee rates must not be negative", v.Name)
		}
		if v.TakerRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			add("venues[%s]: taker_rate is a fraction of notional and must be < 1", v.Name)
		}
		if (mode == ModeLive || mode == ModePaper || mode == ModeRecord) && v.FeedURL == "" {
			add("venues[%s]: feed_url is required for mode %s", v.Name, mode)
		}
	}

	// Risk
	if !c.Risk.TradeSize.IsPositive() {
		add("risk: trade_size must be > 0")
	}
	if c.Risk.MinProfit.IsNegative() {
		add("risk: min_profit must be >= 0")
	}
	if c.Risk.MinProfitPercent.IsNegative() {
		add("risk: min_profit_percent must be >= 0")
	}
	if c.Risk.SlippageAllowance.IsNegative() {
		add("risk: slippage_allowance must be >= 0")
	}
	if c.Risk.MaxOpenTrades < 1 {
		add("risk: max_open_trades must be >= 1")
	}
	if c.Risk.MaxQuoteAge.Duration <= 0 {
		add("risk: max_quote_age must be > 0")
	}

	// Execution
	if c.Execution.Deadline.Duration <= 0 {
		add("execution: deadline must be > 0")
	}
	if c.Execution.PollInterval.Duration <= 0 {
		add("execution: poll_interval must be > 0")
	}
	if c.Execution.PollInterval.Duration > c.Execution.Deadline.Duration {
		add("execution: poll_interval must not exceed deadline")
	}
	if c.Execution.QueueSize < 1 {
		add("execution: queue_size must be >= 1")
	}
	switch c.Execution.UnwindOrder {
	case "market", "limit":
	default:
		add("execution: unwind_order must be market or limit, got %q", c.Execution.UnwindOrder)
	}
	if c.Execution.UnwindSlippage.IsNegative() {
		add("execution: unwind_slippage must be >= 0")
	}
	if c.Execution.UnwindTimeout.Duration <= 0 {
		add("execution: unwind_timeout must be > 0")
	}

	// Retry
	if c.Retry.MaxAttempts < 1 {
		add("retry: max_attempts must be >= 1")
	}
	if c.Retry.BaseDelay.Duration < 0 || c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		add("retry: need 0 <= base_delay <= max_delay")
	}
	if c.Retry.Multiplier < 1 {
		add("retry: multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		add("retry: jitter must be within 0..1")
	}
	if c.Retry.RequestsPerSecond < 0 {
		add("retry: requests_per_second must be >= 0")
	}
	if c.Retry.RequestsPerSecond > 0 && c.Retry.Burst < 1 {
		add("retry: burst must be >= 1 when requests_per_second is set")
	}

	// Backtest
	if mode == ModeBacktest {
		switch c.Backtest.FillMode {
		case "instant", "realistic":
		default:
			add("backtest: fill_mode must be instant or realistic, got %q", c.Backtest.FillMode)
		}
		if c.Backtest.DataDir == "" && c.Backtest.S3Prefix == "" {
			add("backtest: data_dir or s3_prefix must be set")
		}
		if c.Backtest.S3Prefix != "" && !c.S3.Enabled {
			add("backtest: s3_prefix requires s3.enabled")
		}
		if c.Backtest.InitialBalance.IsNegative() {
			add("backtest: initial_balance must be >= 0")
		}
		if c.Backtest.FillLatency.Duration < 0 {
			add("backtest: fill_latency must be >= 0")
		}
	}

	// Record
	if mode == ModeRecord {
		if c.Record.Dir == "" {
			add("record: dir must not be empty")
		}
		if c.Record.Depth < 1 {
			add("record: depth must be >= 1")
		}
		if c.Record.Upload && !c.S3.Enabled {
			add("record: upload requires s3.enabled")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be within 0..pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}
