package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/touchexec/internal/blob/s3"
	"github.com/alanyoungcy/touchexec/internal/book"
	"github.com/alanyoungcy/touchexec/internal/cache/redis"
	"github.com/alanyoungcy/touchexec/internal/config"
	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/alanyoungcy/touchexec/internal/feed"
	"github.com/alanyoungcy/touchexec/internal/marketdata"
	"github.com/alanyoungcy/touchexec/internal/notify"
	"github.com/alanyoungcy/touchexec/internal/platform/paper"
	"github.com/alanyoungcy/touchexec/internal/platform/schwab"
	"github.com/alanyoungcy/touchexec/internal/server/handler"
	"github.com/alanyoungcy/touchexec/internal/service"
	"github.com/alanyoungcy/touchexec/internal/store/postgres"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function. Infrastructure fields are
// nil when their config section is disabled.
type Dependencies struct {
	// Broker is the raw venue; Gateway decorates it with rate limiting,
	// persistence and audit.
	Broker  domain.Broker
	Gateway domain.OrderGateway
	Account *schwab.Client // nil in paper mode
	Paper   *paper.Venue   // nil in live mode

	// Market data
	Book   *book.Book
	Depth  *feed.Depth // nil when no depth stream is available
	Source *marketdata.Source

	// Background loops started by the long-running modes.
	Runners []func(context.Context) error

	// Stores
	ExecutionStore domain.ExecutionStore
	OrderStore     domain.OrderStore
	AuditStore     domain.AuditStore

	// Caches
	BookCache   domain.OrderbookCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobReader domain.BlobReader
	Archiver   domain.ReportArchiver

	// Events
	Notifier  *notify.Notifier
	Positions *service.PositionService
	Sink      domain.EventSink

	// Checks reports infrastructure health for GET /api/health.
	Checks map[string]handler.CheckFunc
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: map[string]handler.CheckFunc{}}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.ExecutionStore = postgres.NewExecutionStore(pool)
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.BookCache = redis.NewOrderbookCache(redisClient, cfg.Feed.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Broker.RequestsPerSecond, time.Second)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client, cfg.S3.PartSize),
			deps.AuditStore,
			cfg.S3.Prefix,
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Broker ---
	venue, err := wireBroker(ctx, cfg, deps, logger)
	if err != nil {
		return fail(err)
	}
	deps.Gateway = service.NewOrderService(service.OrderServiceDeps{
		Gateway: deps.Broker,
		Orders:  deps.OrderStore,
		Limiter: deps.RateLimiter,
		Bus:     deps.SignalBus,
		Audit:   deps.AuditStore,
	}, logger)

	// --- Market data ---
	deps.Book = book.New(logger)
	deps.Source = marketdata.New(deps.Book, deps.Broker, logger)
	if venue != nil {
		deps.Depth = feed.NewDepth(venue, deps.Book, deps.BookCache, logger)
		deps.Runners = append(deps.Runners, deps.Depth.Run)
	}

	// --- Events ---
	deps.Notifier = notify.NewNotifier(senders(cfg), cfg.Notify.Events, logger)
	closers = append(closers, deps.Notifier.Close)

	var bus domain.EventSink
	if deps.SignalBus != nil {
		bus = notify.NewBusSink(deps.SignalBus, logger)
	}
	deps.Positions = service.NewPositionService(
		deps.Broker,
		notify.Fanout{notify.NewLogSink(logger), bus, deps.Notifier},
		logger,
	)
	closers = append(closers, deps.Positions.Close)
	deps.Sink = deps.Positions

	return deps, cleanup, nil
}

// wireBroker selects the paper venue or the live brokerage client and
// returns the depth stream to feed the book, if any. The live stream runs as
// a background loop of its own.
func wireBroker(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (domain.DepthFeed, error) {
	if cfg.Broker.Paper {
		venue := paper.New(paper.Config{PassiveFillRate: cfg.Paper.PassiveFillRate}, logger)
		for sym, q := range cfg.Paper.Quotes {
			venue.SetQuote(sym, domain.TopOfBook{Bid: q.Bid, Ask: q.Ask, BidSize: q.BidSize, AskSize: q.AskSize})
		}
		deps.Broker = venue
		deps.Paper = venue
		logger.InfoContext(ctx, "using paper venue", slog.Int("quotes", len(cfg.Paper.Quotes)))
		return venue, nil
	}

	tokens := schwab.NewTokenStore(schwab.TokenConfig{
		Path:      cfg.Broker.TokenPath,
		Password:  cfg.Broker.TokenPassword,
		TokenURL:  cfg.Broker.TokenURL,
		AppKey:    cfg.Broker.AppKey,
		AppSecret: cfg.Broker.AppSecret,
	}, logger)
	if err := tokens.Load(); err != nil {
		return nil, fmt.Errorf("wire: broker token: %w", err)
	}

	client := schwab.NewClient(schwab.ClientConfig{
		TraderURL:     cfg.Broker.TraderURL,
		MarketDataURL: cfg.Broker.MarketDataURL,
		AccountHash:   cfg.Broker.AccountHash,
		Timeout:       cfg.Broker.Timeout.Duration,
	}, tokens, logger)
	deps.Broker = client
	deps.Account = client

	if !cfg.Stream.Enabled {
		return nil, nil
	}
	stream := schwab.NewStreamClient(client, tokens, logger)
	deps.Runners = append(deps.Runners, stream.Run)
	return stream, nil
}

func senders(cfg *config.Config) []notify.Sender {
	var out []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		out = append(out, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		out = append(out, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	return out
}
