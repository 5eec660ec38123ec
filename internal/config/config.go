// Package config defines the top-level configuration for touchexec and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TOUCHEXEC_* environment variables.
type Config struct {
	Broker    BrokerConfig    `toml:"broker"`
	Paper     PaperConfig     `toml:"paper"`
	Stream    StreamConfig    `toml:"stream"`
	Execution ExecutionConfig `toml:"execution"`
	Feed      FeedConfig      `toml:"feed"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Log       LogConfig       `toml:"log"`
	Mode      string          `toml:"mode"`
}

// BrokerConfig holds the brokerage API endpoints and OAuth credentials.
type BrokerConfig struct {
	// Paper routes every order to the in-process simulated venue.
	Paper         bool     `toml:"paper"`
	TraderURL     string   `toml:"trader_url"`
	MarketDataURL string   `toml:"market_data_url"`
	TokenURL      string   `toml:"token_url"`
	AppKey        string   `toml:"app_key"`
	AppSecret     string   `toml:"app_secret"`
	TokenPath     string   `toml:"token_path"`
	TokenPassword string   `toml:"token_password"`
	AccountHash   string   `toml:"account_hash"`
	Timeout       duration `toml:"timeout"`
	// RequestsPerSecond is the request budget shared by every execution
	// when redis is enabled.
	RequestsPerSecond int `toml:"requests_per_second"`
}

// PaperConfig seeds the simulated venue.
type PaperConfig struct {
	PassiveFillRate float64               `toml:"passive_fill_rate"`
	Quotes          map[string]PaperQuote `toml:"quotes"`
}

// PaperQuote is a fixed top of book for one symbol.
type PaperQuote struct {
	Bid     float64 `toml:"bid"`
	Ask     float64 `toml:"ask"`
	BidSize float64 `toml:"bid_size"`
	AskSize float64 `toml:"ask_size"`
}

// StreamConfig controls the level-two book stream.
type StreamConfig struct {
	Enabled bool `toml:"enabled"`
}

// ExecutionConfig holds the loop timing of the execution controller.
type ExecutionConfig struct {
	Cadence     duration `toml:"cadence"`
	SettleDelay duration `toml:"settle_delay"`
	RetryDelay  duration `toml:"retry_delay"`
	StopTimeout duration `toml:"stop_timeout"`
	LockTTL     duration `toml:"lock_ttl"`
	DedupTTL    duration `toml:"dedup_ttl"`
	// RetainFinished bounds the finished executions kept in memory.
	RetainFinished int `toml:"retain_finished"`
}

// FeedConfig controls depth subscriptions and the shared book cache.
type FeedConfig struct {
	Warmup   duration `toml:"warmup"`
	Levels   int      `toml:"levels"`
	CacheTTL duration `toml:"cache_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
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
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Prefix     string `toml:"prefix"`
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
	Prefix         string `toml:"prefix"`
	PartSize       int64  `toml:"part_size"`
}

// ServerConfig holds the HTTP control API settings.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds chat notification targets. Events lists the event
// types forwarded; "*" forwards everything.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "text"
}

// duration is a wrapper around time.Duration that supports TOML string decoding.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "500ms" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			TraderURL:         "https://api.schwabapi.com/trader/v1",
			MarketDataURL:     "https://api.schwabapi.com/marketdata/v1",
			TokenURL:          "https://api.schwabapi.com/v1/oauth/token",
			TokenPath:         "token.json",
			Timeout:           duration{30 * time.Second},
			RequestsPerSecond: 2,
		},
		Paper: PaperConfig{
			PassiveFillRate: 0.25,
			Quotes:          map[string]PaperQuote{},
		},
		Stream: StreamConfig{Enabled: true},
		Execution: ExecutionConfig{
			Cadence:     duration{500 * time.Millisecond},
			SettleDelay: duration{500 * time.Millisecond},
			RetryDelay:  duration{time.Second},
			StopTimeout: duration{5 * time.Second},
			LockTTL:     duration{time.Hour},
			DedupTTL:    duration{24 * time.Hour},

			RetainFinished: 256,
		},
		Feed: FeedConfig{
			Warmup:   duration{time.Second},
			Levels:   5,
			CacheTTL: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "touchexec",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			Prefix:     "touchexec",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "touchexec",
			ForcePathStyle: true,
			Prefix:         "executions",
			PartSize:       5 << 20,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"done", "stopped", "error"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Mode: "server",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"execute":       true,
	"server":        true,
	"positions":     true,
	"book":          true,
	"check":         true,
	"encrypt-token": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: execute, server, positions, book, check, encrypt-token)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log.level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("unknown log.format %q (valid: json, text)", c.Log.Format))
	}

	// Broker credentials are only needed when talking to the live API.
	if !c.Broker.Paper || mode == "check" || mode == "encrypt-token" {
		if c.Broker.TokenPath == "" {
			errs = append(errs, "broker: token_path must not be empty")
		}
	}
	if !c.Broker.Paper && mode != "encrypt-token" {
		if c.Broker.TraderURL == "" || c.Broker.MarketDataURL == "" {
			errs = append(errs, "broker: trader_url and market_data_url must not be empty")
		}
		if (c.Broker.AppKey == "") != (c.Broker.AppSecret == "") {
			errs = append(errs, "broker: app_key and app_secret must be set together")
		}
	}
	if mode == "encrypt-token" && c.Broker.TokenPassword == "" {
		errs = append(errs, "broker: token_password is required for mode encrypt-token")
	}
	if c.Broker.RequestsPerSecond < 1 {
		errs = append(errs, "broker: requests_per_second must be >= 1")
	}

	if c.Paper.PassiveFillRate < 0 || c.Paper.PassiveFillRate > 1 {
		errs = append(errs, "paper: passive_fill_rate must be within [0, 1]")
	}
	for sym, q := range c.Paper.Quotes {
		if q.Bid <= 0 || q.Ask <= 0 || q.Bid > q.Ask {
			errs = append(errs, fmt.Sprintf("paper: quote for %s needs 0 < bid <= ask", sym))
		}
	}

	if c.Execution.Cadence.Duration <= 0 {
		errs = append(errs, "execution: cadence must be > 0")
	}
	if c.Execution.SettleDelay.Duration < 0 || c.Execution.RetryDelay.Duration < 0 {
		errs = append(errs, "execution: settle_delay and retry_delay must not be negative")
	}
	if c.Execution.StopTimeout.Duration <= 0 {
		errs = append(errs, "execution: stop_timeout must be > 0")
	}

	if c.Feed.Levels < 1 {
		errs = append(errs, "feed: levels must be >= 1")
	}
	if c.Feed.Warmup.Duration < 0 {
		errs = append(errs, "feed: warmup must not be negative")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be within [0, pool_max_conns]")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if mode == "server" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
