package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ domain.OrderbookCache = (*OrderbookCache)(nil)

// OrderbookCache mirrors depth books into Redis sorted sets so processes
// without a stream of their own can read them.
//
// Key schema (under the client prefix):
//
//	book:{symbol}:bids      sorted set of bid prices (score = price)
//	book:{symbol}:asks      sorted set of ask prices (score = price)
//	book:{symbol}:bid:size  hash price -> size
//	book:{symbol}:ask:size  hash price -> size
//	book:{symbol}:bbo       hash with "bid", "ask" and "ts" (unix nanos)
//
// Every key expires after ttl so a dead feed leaves no stale book behind.
type OrderbookCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewOrderbookCache creates an OrderbookCache. ttl <= 0 disables expiry.
func NewOrderbookCache(c *Client, ttl time.Duration) *OrderbookCache {
	return &OrderbookCache{rdb: c.Underlying(), prefix: c.prefix, ttl: ttl}
}

type bookKeys struct {
	bids, asks, bidSize, askSize, bbo string
}

func (oc *OrderbookCache) keys(symbol string) bookKeys {
	return bookKeys{
		bids:    joinKey(oc.prefix, "book", symbol, "bids"),
		asks:    joinKey(oc.prefix, "book", symbol, "asks"),
		bidSize: joinKey(oc.prefix, "book", symbol, "bid", "size"),
		askSize: joinKey(oc.prefix, "book", symbol, "ask", "size"),
		bbo:     joinKey(oc.prefix, "book", symbol, "bbo"),
	}
}

func (k bookKeys) all() []string {
	return []string{k.bids, k.asks, k.bidSize, k.askSize, k.bbo}
}

// SetSnapshot atomically replaces the mirrored book for symbol.
func (oc *OrderbookCache) SetSnapshot(ctx context.Context, symbol string, snap domain.OrderbookSnapshot) error {
	k := oc.keys(symbol)
	pipe := oc.rdb.TxPipeline()
	pipe.Del(ctx, k.all()...)

	writeSide(ctx, pipe, k.bids, k.bidSize, snap.Bids)
	writeSide(ctx, pipe, k.asks, k.askSize, snap.Asks)

	pipe.HSet(ctx, k.bbo,
		"bid", formatFloat(snap.BestBid),
		"ask", formatFloat(snap.BestAsk),
		"ts", strconv.FormatInt(snap.Timestamp.UnixNano(), 10),
	)
	if oc.ttl > 0 {
		for _, key := range k.all() {
			pipe.PExpire(ctx, key, oc.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set orderbook snapshot %s: %w", symbol, err)
	}
	return nil
}

// GetSnapshot reads the mirrored book for symbol, bids descending and asks
// ascending. A missing book returns domain.ErrNotFound.
func (oc *OrderbookCache) GetSnapshot(ctx context.Context, symbol string) (domain.OrderbookSnapshot, error) {
	k := oc.keys(symbol)
	pipe := oc.rdb.Pipeline()
	bidsCmd := pipe.ZRevRangeWithScores(ctx, k.bids, 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, k.asks, 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, k.bidSize)
	askSizeCmd := pipe.HGetAll(ctx, k.askSize)
	bboCmd := pipe.HGetAll(ctx, k.bbo)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: get orderbook snapshot %s: %w", symbol, err)
	}

	bbo, _ := bboCmd.Result()
	if len(bbo) == 0 {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: orderbook %s: %w", symbol, domain.ErrNotFound)
	}

	bidSizes, _ := bidSizeCmd.Result()
	bidsZ, _ := bidsCmd.Result()
	askSizes, _ := askSizeCmd.Result()
	asksZ, _ := asksCmd.Result()

	snap := domain.OrderbookSnapshot{
		Symbol: symbol,
		Bids:   readSide(bidsZ, bidSizes),
		Asks:   readSide(asksZ, askSizes),
	}
	snap.BestBid, snap.BestAsk, snap.Timestamp = parseBBO(bbo)
	return snap, nil
}

// GetBBO returns the mirrored best bid and ask.
func (oc *OrderbookCache) GetBBO(ctx context.Context, symbol string) (bestBid, bestAsk float64, err error) {
	vals, err := oc.rdb.HGetAll(ctx, oc.keys(symbol).bbo).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis: get bbo %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return 0, 0, fmt.Errorf("redis: bbo %s: %w", symbol, domain.ErrNotFound)
	}
	bestBid, bestAsk, _ = parseBBO(vals)
	return bestBid, bestAsk, nil
}

// ---- Internal helpers ----

func writeSide(ctx context.Context, pipe redis.Pipeliner, zKey, hKey string, levels []domain.PriceLevel) {
	for _, lvl := range levels {
		price := formatFloat(lvl.Price)
		pipe.ZAdd(ctx, zKey, redis.Z{Score: lvl.Price, Member: price})
		pipe.HSet(ctx, hKey, price, formatFloat(lvl.Size))
	}
}

func readSide(zs []redis.Z, sizes map[string]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(zs))
	for _, z := range zs {
		price, ok := z.Member.(string)
		if !ok {
			continue
		}
		size, _ := strconv.ParseFloat(sizes[price], 64)
		out = append(out, domain.PriceLevel{Price: z.Score, Size: size})
	}
	return out
}

func parseBBO(vals map[string]string) (bid, ask float64, ts time.Time) {
	bid, _ = strconv.ParseFloat(vals["bid"], 64)
	ask, _ = strconv.ParseFloat(vals["ask"], 64)
	if n, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil && n > 0 {
		ts = time.Unix(0, n).UTC()
	}
	return bid, ask, ts
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
