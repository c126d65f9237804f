package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file. Venue lists stay file-only.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "ARBBOT_MODE")
	setStr(&cfg.LogLevel, "ARBBOT_LOG_LEVEL")
	setStringSlice(&cfg.Pairs, "ARBBOT_PAIRS")

	// ── Risk ──
	setDecimal(&cfg.Risk.TradeSize, "ARBBOT_RISK_TRADE_SIZE")
	setDecimal(&cfg.Risk.MinProfit, "ARBBOT_RISK_MIN_PROFIT")
	setDecimal(&cfg.Risk.MinProfitPercent, "ARBBOT_RISK_MIN_PROFIT_PERCENT")
	setDecimal(&cfg.Risk.SlippageAllowance, "ARBBOT_RISK_SLIPPAGE_ALLOWANCE")
	setInt(&cfg.Risk.MaxOpenTrades, "ARBBOT_RISK_MAX_OPEN_TRADES")
	setDuration(&cfg.Risk.MaxQuoteAge, "ARBBOT_RISK_MAX_QUOTE_AGE")

	// ── Execution ──
	setDuration(&cfg.Execution.Deadline, "ARBBOT_EXECUTION_DEADLINE")
	setDuration(&cfg.Execution.PollInterval, "ARBBOT_EXECUTION_POLL_INTERVAL")
	setInt(&cfg.Execution.QueueSize, "ARBBOT_EXECUTION_QUEUE_SIZE")
	setStr(&cfg.Execution.UnwindOrder, "ARBBOT_EXECUTION_UNWIND_ORDER")
	setDecimal(&cfg.Execution.UnwindSlippage, "ARBBOT_EXECUTION_UNWIND_SLIPPAGE")
	setDuration(&cfg.Execution.UnwindTimeout, "ARBBOT_EXECUTION_UNWIND_TIMEOUT")

	// ── Retry ──
	setInt(&cfg.Retry.MaxAttempts, "ARBBOT_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "ARBBOT_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "ARBBOT_RETRY_MAX_DELAY")
	setFloat64(&cfg.Retry.RequestsPerSecond, "ARBBOT_RETRY_REQUESTS_PER_SECOND")
	setInt(&cfg.Retry.Burst, "ARBBOT_RETRY_BURST")

	// ── Backtest ──
	setStr(&cfg.Backtest.DataDir, "ARBBOT_BACKTEST_DATA_DIR")
	setStr(&cfg.Backtest.S3Prefix, "ARBBOT_BACKTEST_S3_PREFIX")
	setDecimal(&cfg.Backtest.InitialBalance, "ARBBOT_BACKTEST_INITIAL_BALANCE")
	setStr(&cfg.Backtest.FillMode, "ARBBOT_BACKTEST_FILL_MODE")
	setDuration(&cfg.Backtest.FillLatency, "ARBBOT_BACKTEST_FILL_LATENCY")
	setStr(&cfg.Backtest.ReportPath, "ARBBOT_BACKTEST_REPORT_PATH")
	setBool(&cfg.Backtest.UploadReport, "ARBBOT_BACKTEST_UPLOAD_REPORT")

	// ── Record ──
	setStr(&cfg.Record.Dir, "ARBBOT_RECORD_DIR")
	setBool(&cfg.Record.Upload, "ARBBOT_RECORD_UPLOAD")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ARBBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ARBBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ARBBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARBBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARBBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBBOT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "ARBBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ARBBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBBOT_S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBBOT_NOTIFY_EVENTS")

	// ── Metrics ──
	setStr(&cfg.Metrics.Addr, "ARBBOT_METRICS_ADDR")
	setStr(&cfg.Metrics.APIKey, "ARBBOT_METRICS_API_KEY")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
