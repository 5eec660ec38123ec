// Package paper is an in-process simulated broker. Orders rest until the
// configured quote crosses them; orders resting at the touch can also fill
// passively a fraction at a time.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/google/uuid"
)

// Compile-time checks.
var (
	_ domain.Broker    = (*Venue)(nil)
	_ domain.DepthFeed = (*Venue)(nil)
)

// Config tunes the simulation.
type Config struct {
	// PassiveFillRate is the fraction of an order's remaining quantity that
	// fills per status poll while it rests exactly at the touch. Zero disables
	// passive fills.
	PassiveFillRate float64
}

// market is the current quote plus the displayed size not yet taken by
// crossing orders.
type market struct {
	quote   domain.TopOfBook
	bidLeft float64
	askLeft float64
}

type order struct {
	req    domain.OrderRequest
	status domain.OrderStatus
	filled int64
}

// Venue simulates a broker account.
type Venue struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	markets   map[string]*market
	orders    map[string]*order
	positions map[string]*domain.Position
	subs      map[string]struct{}

	updates chan domain.DepthUpdate
}

// New creates an empty paper venue.
func New(cfg Config, logger *slog.Logger) *Venue {
	if cfg.PassiveFillRate < 0 {
		cfg.PassiveFillRate = 0
	}
	if cfg.PassiveFillRate > 1 {
		cfg.PassiveFillRate = 1
	}
	return &Venue{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "paper_venue")),
		now:       time.Now,
		markets:   make(map[string]*market),
		orders:    make(map[string]*order),
		positions: make(map[string]*domain.Position),
		subs:      make(map[string]struct{}),
		updates:   make(chan domain.DepthUpdate, 64),
	}
}

// SetQuote moves the market for symbol and fills any resting order the new
// quote crosses.
func (v *Venue) SetQuote(symbol string, q domain.TopOfBook) {
	symbol = domain.NormalizeSymbol(symbol)

	v.mu.Lock()
	m := &market{quote: q, bidLeft: shown(q.BidSize), askLeft: shown(q.AskSize)}
	v.markets[symbol] = m
	for id, o := range v.orders {
		if o.req.Symbol == symbol && o.status == domain.OrderStatusWorking {
			v.matchLocked(id, o, m, false)
		}
	}
	_, subscribed := v.subs[symbol]
	v.mu.Unlock()

	if subscribed {
		v.publish(symbol, q)
	}
}

// publish sends q as a one-level depth update.
func (v *Venue) publish(symbol string, q domain.TopOfBook) {
	u := domain.DepthUpdate{
		Symbol:    symbol,
		Venue:     "PAPER",
		HasBids:   true,
		HasAsks:   true,
		Timestamp: v.now().UTC(),
	}
	if q.Bid > 0 {
		u.Bids = []domain.PriceLevel{{Price: q.Bid, Size: q.BidSize}}
	}
	if q.Ask > 0 {
		u.Asks = []domain.PriceLevel{{Price: q.Ask, Size: q.AskSize}}
	}
	select {
	case v.updates <- u:
	default:
		v.logger.Debug("depth update dropped", slog.String("symbol", symbol))
	}
}

// PlaceOrder accepts a limit order. An order that crosses the current quote
// fills immediately up to the displayed size.
func (v *Venue) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("paper: place order: %w: %v", domain.ErrOrderRejected, err)
	}
	req.Symbol = domain.NormalizeSymbol(req.Symbol)
	id := "paper-" + uuid.New().String()

	v.mu.Lock()
	defer v.mu.Unlock()
	o := &order{req: req, status: domain.OrderStatusWorking}
	v.orders[id] = o
	if m, ok := v.markets[req.Symbol]; ok {
		v.matchLocked(id, o, m, false)
	}
	v.logger.Info("order accepted",
		slog.String("order_id", id),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Int64("quantity", req.Quantity),
		slog.Float64("price", req.Price),
	)
	return id, nil
}

// CancelOrder cancels a working order.
func (v *Venue) CancelOrder(_ context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: cancel order %s: %w", orderID, domain.ErrNotFound)
	}
	if o.status.Terminal() {
		return fmt.Errorf("paper: cancel order %s (%s): %w", orderID, o.status, domain.ErrOrderGone)
	}
	o.status = domain.OrderStatusCanceled
	return nil
}

// GetOrderStatus reports an order, first applying any passive fill.
func (v *Venue) GetOrderStatus(_ context.Context, orderID string) (domain.OrderStatusReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[orderID]
	if !ok {
		return domain.OrderStatusReport{}, fmt.Errorf("paper: get order %s: %w", orderID, domain.ErrNotFound)
	}
	if o.status == domain.OrderStatusWorking {
		if m, ok := v.markets[o.req.Symbol]; ok {
			v.matchLocked(orderID, o, m, true)
		}
	}
	return domain.OrderStatusReport{OrderID: orderID, Status: o.status, FilledQuantity: o.filled}, nil
}

// GetQuote returns the current simulated quote.
func (v *Venue) GetQuote(_ context.Context, symbol string) (domain.TopOfBook, error) {
	symbol = domain.NormalizeSymbol(symbol)
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.markets[symbol]
	if !ok {
		return domain.TopOfBook{}, fmt.Errorf("paper: quote %s: %w", symbol, domain.ErrNotFound)
	}
	return m.quote, nil
}

// GetPositions returns the holdings accumulated from fills, sorted by symbol.
func (v *Venue) GetPositions(_ context.Context) ([]domain.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]domain.Position, 0, len(v.positions))
	for _, p := range v.positions {
		pos := *p
		if m, ok := v.markets[pos.Symbol]; ok && m.quote.Bid > 0 && m.quote.Ask > 0 {
			pos.MarketValue = pos.NetQuantity() * (m.quote.Bid + m.quote.Ask) / 2
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Subscribe makes SetQuote publish depth updates for symbol. The current
// quote, if any, is published right away.
func (v *Venue) Subscribe(_ context.Context, symbol string) error {
	symbol = domain.NormalizeSymbol(symbol)
	v.mu.Lock()
	v.subs[symbol] = struct{}{}
	m, ok := v.markets[symbol]
	var q domain.TopOfBook
	if ok {
		q = m.quote
	}
	v.mu.Unlock()

	if ok {
		v.publish(symbol, q)
	}
	return nil
}

// Updates returns the depth updates published by SetQuote.
func (v *Venue) Updates() <-chan domain.DepthUpdate { return v.updates }

// matchLocked fills o against m. A crossing order takes from the displayed
// size left at the touch (unlimited when the quote shows no size). With
// passive set, an order resting at the touch fills PassiveFillRate of its
// remainder. Caller must hold v.mu.
func (v *Venue) matchLocked(id string, o *order, m *market, passive bool) {
	remaining := o.req.Quantity - o.filled
	if remaining <= 0 {
		return
	}

	q := m.quote
	var take int64
	switch o.req.Side {
	case domain.SideBuy:
		switch {
		case q.Ask > 0 && o.req.Price >= q.Ask:
			take = takeFrom(&m.askLeft, remaining)
		case passive && q.Bid > 0 && o.req.Price == q.Bid:
			take = v.passive(remaining)
		}
	case domain.SideSell:
		switch {
		case q.Bid > 0 && o.req.Price <= q.Bid:
			take = takeFrom(&m.bidLeft, remaining)
		case passive && q.Ask > 0 && o.req.Price == q.Ask:
			take = v.passive(remaining)
		}
	}
	if take <= 0 {
		return
	}

	o.filled += take
	if o.filled >= o.req.Quantity {
		o.status = domain.OrderStatusFilled
	}
	v.applyFillLocked(o.req, take)
	v.logger.Debug("paper fill",
		slog.String("order_id", id),
		slog.Int64("quantity", take),
		slog.Int64("filled", o.filled),
	)
}

func (v *Venue) passive(remaining int64) int64 {
	if v.cfg.PassiveFillRate <= 0 {
		return 0
	}
	n := int64(math.Ceil(float64(remaining) * v.cfg.PassiveFillRate))
	return min(n, remaining)
}

func shown(size float64) float64 {
	if size <= 0 {
		return math.Inf(1)
	}
	return size
}

func takeFrom(left *float64, remaining int64) int64 {
	if math.IsInf(*left, 1) {
		return remaining
	}
	n := min(remaining, int64(*left))
	*left -= float64(n)
	return n
}

func (v *Venue) applyFillLocked(req domain.OrderRequest, qty int64) {
	p, ok := v.positions[req.Symbol]
	if !ok {
		p = &domain.Position{Symbol: req.Symbol, AssetType: domain.AssetTypeOf(req.Symbol)}
		v.positions[req.Symbol] = p
	}
	q := float64(qty)
	if req.Side == domain.SideBuy {
		cost := p.AveragePrice*p.LongQuantity + req.Price*q
		p.LongQuantity += q
		p.AveragePrice = cost / p.LongQuantity
	} else {
		p.ShortQuantity += q
	}
	p.MarketValue = p.NetQuantity() * req.Price
}
