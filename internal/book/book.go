// Package book maintains per-symbol depth books built from streaming venue
// updates. Each update replaces a whole side; the book never merges levels
// across updates.
package book

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

// DefaultLevels is the depth returned when a caller asks for zero levels.
const DefaultLevels = 5

// sides is an immutable view of one symbol's book. Writers build a new value
// and swap the pointer, so readers always see both sides from the same
// moment.
type sides struct {
	bids      []domain.PriceLevel // descending
	asks      []domain.PriceLevel // ascending
	venue     string
	updatedAt time.Time
}

type entry struct {
	mu  sync.Mutex // serializes writers for this symbol
	cur atomic.Pointer[sides]
}

// Book is a concurrent depth book keyed by symbol.
type Book struct {
	mu      sync.RWMutex
	symbols map[string]*entry
	logger  *slog.Logger

	// OnUpdate, when set, is called after every applied update with the new
	// snapshot. It runs on the applying goroutine.
	OnUpdate func(ctx context.Context, snap domain.OrderbookSnapshot)
}

// New returns an empty Book.
func New(logger *slog.Logger) *Book {
	return &Book{
		symbols: make(map[string]*entry),
		logger:  logger.With(slog.String("component", "depth_book")),
	}
}

func (b *Book) entry(symbol string, create bool) *entry {
	b.mu.RLock()
	e, ok := b.symbols[symbol]
	b.mu.RUnlock()
	if ok || !create {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok = b.symbols[symbol]; ok {
		return e
	}
	e = &entry{}
	e.cur.Store(&sides{})
	b.symbols[symbol] = e
	return e
}

// Apply replaces the bid side, the ask side, or both for the update's
// symbol. Sides whose Has flag is false are carried over unchanged.
func (b *Book) Apply(ctx context.Context, u domain.DepthUpdate) {
	symbol := domain.NormalizeSymbol(u.Symbol)
	if symbol == "" || (!u.HasBids && !u.HasAsks) {
		return
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	e := b.entry(symbol, true)
	e.mu.Lock()
	old := e.cur.Load()
	next := &sides{
		bids:      old.bids,
		asks:      old.asks,
		venue:     u.Venue,
		updatedAt: ts,
	}
	if u.HasBids {
		next.bids = buildSide(u.Bids, true)
	}
	if u.HasAsks {
		next.asks = buildSide(u.Asks, false)
	}
	e.cur.Store(next)
	e.mu.Unlock()

	if b.OnUpdate != nil {
		b.OnUpdate(ctx, toSnapshot(symbol, next))
	}
}

// Run applies updates from ch until ctx is done or ch is closed. It is the
// single consumer of a feed's update channel.
func (b *Book) Run(ctx context.Context, ch <-chan domain.DepthUpdate) error {
	b.logger.Info("depth book consumer started")
	defer b.logger.Info("depth book consumer stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-ch:
			if !ok {
				return nil
			}
			b.Apply(ctx, u)
		}
	}
}

// BestBidAsk returns the highest bid and lowest ask for symbol. ok is false
// if either side is empty.
func (b *Book) BestBidAsk(symbol string) (top domain.TopOfBook, ok bool) {
	e := b.entry(domain.NormalizeSymbol(symbol), false)
	if e == nil {
		return domain.TopOfBook{}, false
	}
	s := e.cur.Load()
	if len(s.bids) == 0 || len(s.asks) == 0 {
		return domain.TopOfBook{}, false
	}
	return domain.TopOfBook{
		Bid:     s.bids[0].Price,
		BidSize: s.bids[0].Size,
		Ask:     s.asks[0].Price,
		AskSize: s.asks[0].Size,
	}, true
}

// Depth returns up to levels rows per side (DefaultLevels when levels <= 0).
// ok is false when the symbol has never been updated.
func (b *Book) Depth(symbol string, levels int) (domain.Depth, bool) {
	symbol = domain.NormalizeSymbol(symbol)
	e := b.entry(symbol, false)
	if e == nil {
		return domain.Depth{Symbol: symbol}, false
	}
	if levels <= 0 {
		levels = DefaultLevels
	}
	s := e.cur.Load()
	return domain.Depth{
		Symbol:    symbol,
		Bids:      head(s.bids, levels),
		Asks:      head(s.asks, levels),
		UpdatedAt: s.updatedAt,
	}, true
}

// Snapshot returns the full book for symbol in cache form.
func (b *Book) Snapshot(symbol string) (domain.OrderbookSnapshot, bool) {
	symbol = domain.NormalizeSymbol(symbol)
	e := b.entry(symbol, false)
	if e == nil {
		return domain.OrderbookSnapshot{Symbol: symbol}, false
	}
	return toSnapshot(symbol, e.cur.Load()), true
}

// Symbols lists every symbol the book has seen.
func (b *Book) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.symbols))
	for s := range b.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// buildSide collapses levels into a price->size set (last size per price
// wins) and orders it best first. Non-positive prices are dropped; a price
// reported without volume is kept with size zero.
func buildSide(levels []domain.PriceLevel, desc bool) []domain.PriceLevel {
	set := make(map[float64]float64, len(levels))
	for _, lvl := range levels {
		if lvl.Price <= 0 {
			continue
		}
		set[lvl.Price] = max(lvl.Size, 0)
	}
	out := make([]domain.PriceLevel, 0, len(set))
	for p, sz := range set {
		out = append(out, domain.PriceLevel{Price: p, Size: sz})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

func head(levels []domain.PriceLevel, n int) []domain.PriceLevel {
	if len(levels) < n {
		n = len(levels)
	}
	out := make([]domain.PriceLevel, n)
	copy(out, levels[:n])
	return out
}

func toSnapshot(symbol string, s *sides) domain.OrderbookSnapshot {
	snap := domain.OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      head(s.bids, len(s.bids)),
		Asks:      head(s.asks, len(s.asks)),
		Timestamp: s.updatedAt,
	}
	if len(s.bids) > 0 {
		snap.BestBid = s.bids[0].Price
	}
	if len(s.asks) > 0 {
		snap.BestAsk = s.asks[0].Price
	}
	return snap
}
