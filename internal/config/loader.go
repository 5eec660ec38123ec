package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TOUCHEXEC_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TOUCHEXEC_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setBool(&cfg.Broker.Paper, "TOUCHEXEC_BROKER_PAPER")
	setStr(&cfg.Broker.TraderURL, "TOUCHEXEC_BROKER_TRADER_URL")
	setStr(&cfg.Broker.MarketDataURL, "TOUCHEXEC_BROKER_MARKET_DATA_URL")
	setStr(&cfg.Broker.TokenURL, "TOUCHEXEC_BROKER_TOKEN_URL")
	setStr(&cfg.Broker.AppKey, "TOUCHEXEC_BROKER_APP_KEY")
	setStr(&cfg.Broker.AppSecret, "TOUCHEXEC_BROKER_APP_SECRET")
	setStr(&cfg.Broker.TokenPath, "TOUCHEXEC_BROKER_TOKEN_PATH")
	setStr(&cfg.Broker.TokenPassword, "TOUCHEXEC_BROKER_TOKEN_PASSWORD")
	setStr(&cfg.Broker.AccountHash, "TOUCHEXEC_BROKER_ACCOUNT_HASH")
	setDuration(&cfg.Broker.Timeout, "TOUCHEXEC_BROKER_TIMEOUT")
	setInt(&cfg.Broker.RequestsPerSecond, "TOUCHEXEC_BROKER_REQUESTS_PER_SECOND")

	// ── Paper / stream ──
	setFloat64(&cfg.Paper.PassiveFillRate, "TOUCHEXEC_PAPER_PASSIVE_FILL_RATE")
	setBool(&cfg.Stream.Enabled, "TOUCHEXEC_STREAM_ENABLED")

	// ── Execution ──
	setDuration(&cfg.Execution.Cadence, "TOUCHEXEC_EXECUTION_CADENCE")
	setDuration(&cfg.Execution.SettleDelay, "TOUCHEXEC_EXECUTION_SETTLE_DELAY")
	setDuration(&cfg.Execution.RetryDelay, "TOUCHEXEC_EXECUTION_RETRY_DELAY")
	setDuration(&cfg.Execution.StopTimeout, "TOUCHEXEC_EXECUTION_STOP_TIMEOUT")
	setDuration(&cfg.Execution.LockTTL, "TOUCHEXEC_EXECUTION_LOCK_TTL")
	setDuration(&cfg.Execution.DedupTTL, "TOUCHEXEC_EXECUTION_DEDUP_TTL")
	setInt(&cfg.Execution.RetainFinished, "TOUCHEXEC_EXECUTION_RETAIN_FINISHED")

	// ── Feed ──
	setDuration(&cfg.Feed.Warmup, "TOUCHEXEC_FEED_WARMUP")
	setInt(&cfg.Feed.Levels, "TOUCHEXEC_FEED_LEVELS")
	setDuration(&cfg.Feed.CacheTTL, "TOUCHEXEC_FEED_CACHE_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "TOUCHEXEC_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TOUCHEXEC_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TOUCHEXEC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TOUCHEXEC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TOUCHEXEC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TOUCHEXEC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TOUCHEXEC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TOUCHEXEC_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TOUCHEXEC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TOUCHEXEC_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TOUCHEXEC_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TOUCHEXEC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TOUCHEXEC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TOUCHEXEC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TOUCHEXEC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TOUCHEXEC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TOUCHEXEC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TOUCHEXEC_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Prefix, "TOUCHEXEC_REDIS_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TOUCHEXEC_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TOUCHEXEC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TOUCHEXEC_S3_REGION")
	setStr(&cfg.S3.Bucket, "TOUCHEXEC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TOUCHEXEC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TOUCHEXEC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TOUCHEXEC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TOUCHEXEC_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "TOUCHEXEC_S3_PREFIX")

	// ── Server ──
	setInt(&cfg.Server.Port, "TOUCHEXEC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TOUCHEXEC_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TOUCHEXEC_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "TOUCHEXEC_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "TOUCHEXEC_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TOUCHEXEC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TOUCHEXEC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TOUCHEXEC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TOUCHEXEC_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Log.Level, "TOUCHEXEC_LOG_LEVEL")
	setStr(&cfg.Log.Format, "TOUCHEXEC_LOG_FORMAT")
	setStr(&cfg.Mode, "TOUCHEXEC_MODE")
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

func setDuration(dst *duration, key string) {
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
