// Package feed connects a venue depth stream to the in-process book and its
// shared redis mirror.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/touchexec/internal/book"
	"github.com/alanyoungcy/touchexec/internal/domain"
)

// Depth subscribes symbols on a venue stream and applies every update to a
// book. When a cache is set, each applied snapshot is mirrored to it for
// other processes.
type Depth struct {
	venue  domain.DepthFeed
	book   *book.Book
	cache  domain.OrderbookCache
	logger *slog.Logger

	mu         sync.Mutex
	subscribed map[string]struct{}
}

// NewDepth wires venue into b. cache may be nil.
func NewDepth(venue domain.DepthFeed, b *book.Book, cache domain.OrderbookCache, logger *slog.Logger) *Depth {
	d := &Depth{
		venue:      venue,
		book:       b,
		cache:      cache,
		logger:     logger.With(slog.String("component", "depth_feed")),
		subscribed: make(map[string]struct{}),
	}
	if cache != nil {
		prev := b.OnUpdate
		b.OnUpdate = func(ctx context.Context, snap domain.OrderbookSnapshot) {
			if prev != nil {
				prev(ctx, snap)
			}
			d.mirror(ctx, snap)
		}
	}
	return d
}

// Subscribe requests depth for symbol once. fresh is true only for the call
// that created the subscription.
func (d *Depth) Subscribe(ctx context.Context, symbol string) (fresh bool, err error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return false, fmt.Errorf("feed: subscribe: %w: empty symbol", domain.ErrInvalidOrder)
	}

	d.mu.Lock()
	if _, ok := d.subscribed[symbol]; ok {
		d.mu.Unlock()
		return false, nil
	}
	d.subscribed[symbol] = struct{}{}
	d.mu.Unlock()

	if err := d.venue.Subscribe(ctx, symbol); err != nil {
		d.mu.Lock()
		delete(d.subscribed, symbol)
		d.mu.Unlock()
		return false, fmt.Errorf("feed: subscribe %s: %w", symbol, err)
	}
	d.logger.Info("subscribed to depth", slog.String("symbol", symbol), slog.String("asset_type", string(domain.AssetTypeOf(symbol))))
	return true, nil
}

// Subscribed lists the symbols subscribed so far.
func (d *Depth) Subscribed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.subscribed))
	for s := range d.subscribed {
		out = append(out, s)
	}
	return out
}

// Run consumes the venue stream until ctx is cancelled.
func (d *Depth) Run(ctx context.Context) error {
	err := d.book.Run(ctx, d.venue.Updates())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Depth) mirror(ctx context.Context, snap domain.OrderbookSnapshot) {
	if err := d.cache.SetSnapshot(ctx, snap.Symbol, snap); err != nil {
		d.logger.Debug("mirror snapshot failed",
			slog.String("symbol", snap.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

// CachedDepth reads a symbol's depth from the shared mirror, for processes
// that do not run a stream of their own.
func CachedDepth(ctx context.Context, cache domain.OrderbookCache, symbol string, levels int) (domain.Depth, error) {
	symbol = domain.NormalizeSymbol(symbol)
	snap, err := cache.GetSnapshot(ctx, symbol)
	if err != nil {
		return domain.Depth{Symbol: symbol}, fmt.Errorf("feed: cached depth %s: %w", symbol, err)
	}
	if levels <= 0 {
		levels = book.DefaultLevels
	}
	return domain.Depth{
		Symbol:    symbol,
		Bids:      headLevels(snap.Bids, levels),
		Asks:      headLevels(snap.Asks, levels),
		UpdatedAt: snap.Timestamp,
	}, nil
}

func headLevels(levels []domain.PriceLevel, n int) []domain.PriceLevel {
	if len(levels) > n {
		levels = levels[:n]
	}
	return append([]domain.PriceLevel(nil), levels...)
}
