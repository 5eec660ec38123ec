// Package marketdata produces per-cycle book snapshots, preferring the
// streaming depth book and falling back to an on-demand quote.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/alanyoungcy/touchexec/internal/pricing"
)

// TopOfBookReader is the read side of a depth book.
type TopOfBookReader interface {
	BestBidAsk(symbol string) (domain.TopOfBook, bool)
}

// Source implements domain.MarketDataSource over an optional depth book and
// an optional quote provider. With neither configured every call fails with
// domain.ErrMarketDataUnavailable.
type Source struct {
	book   TopOfBookReader
	quotes domain.QuoteProvider
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Source. Either argument may be nil: a nil book yields a
// quote-only (LEVEL1) source, a nil quote provider a depth-only one.
func New(book TopOfBookReader, quotes domain.QuoteProvider, logger *slog.Logger) *Source {
	return &Source{
		book:   book,
		quotes: quotes,
		logger: logger.With(slog.String("component", "market_data")),
		now:    time.Now,
	}
}

// Snapshot returns a LEVEL2 snapshot when the depth book has both sides for
// symbol, otherwise a LEVEL1 snapshot from a quote fetch.
func (s *Source) Snapshot(ctx context.Context, symbol string) (domain.BookSnapshot, error) {
	symbol = domain.NormalizeSymbol(symbol)

	if s.book != nil {
		if top, ok := s.book.BestBidAsk(symbol); ok {
			return s.build(symbol, top, domain.SourceLevel2), nil
		}
	}

	if s.quotes == nil {
		return domain.BookSnapshot{}, fmt.Errorf("marketdata: %s: %w", symbol, domain.ErrMarketDataUnavailable)
	}

	q, err := s.quotes.GetQuote(ctx, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrGatewayUnavailable) || errors.Is(err, domain.ErrUnauthorized) {
			return domain.BookSnapshot{}, fmt.Errorf("marketdata: quote %s: %w", symbol, err)
		}
		s.logger.DebugContext(ctx, "quote fallback failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return domain.BookSnapshot{}, fmt.Errorf("marketdata: quote %s: %w: %v", symbol, domain.ErrMarketDataUnavailable, err)
	}
	if q.Bid <= 0 || q.Ask <= 0 {
		return domain.BookSnapshot{}, fmt.Errorf("marketdata: %s: empty quote: %w", symbol, domain.ErrMarketDataUnavailable)
	}
	return s.build(symbol, q, domain.SourceLevel1), nil
}

func (s *Source) build(symbol string, top domain.TopOfBook, src domain.DataSource) domain.BookSnapshot {
	return domain.BookSnapshot{
		Symbol:      symbol,
		Bid:         top.Bid,
		Ask:         top.Ask,
		BidSize:     top.BidSize,
		AskSize:     top.AskSize,
		TickSize:    pricing.TickSize(top.Bid),
		AskTickSize: pricing.TickSize(top.Ask),
		Source:      src,
		Time:        s.now(),
	}
}

var _ domain.MarketDataSource = (*Source)(nil)
