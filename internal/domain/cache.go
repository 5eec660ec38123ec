package domain

import (
	"context"
	"time"
)

// OrderbookCache stores a shared copy of live depth books.
type OrderbookCache interface {
	SetSnapshot(ctx context.Context, symbol string, snap OrderbookSnapshot) error
	GetSnapshot(ctx context.Context, symbol string) (OrderbookSnapshot, error)
	GetBBO(ctx context.Context, symbol string) (bestBid, bestAsk float64, err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
