package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

var _ domain.EventSink = (*PositionService)(nil)

// Exposure is the net holding in one symbol.
type Exposure struct {
	Symbol      string           `json:"symbol"`
	AssetType   domain.AssetType `json:"asset_type"`
	Quantity    float64          `json:"quantity"`
	MarketValue float64          `json:"market_value"`
}

// positionTimeout bounds the background position refresh after a fill.
const positionTimeout = 10 * time.Second

// PositionService reads account holdings and follows executions: after a
// fill it fetches positions and emits a position event to the next sink.
type PositionService struct {
	positions domain.PositionProvider
	next      domain.EventSink
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewPositionService creates a PositionService. next receives the position
// events and may be nil when only Exposure is used.
func NewPositionService(positions domain.PositionProvider, next domain.EventSink, logger *slog.Logger) *PositionService {
	return &PositionService{
		positions: positions,
		next:      next,
		logger:    logger.With(slog.String("component", "position_service")),
		inflight:  make(map[string]bool),
	}
}

// Exposure returns net quantity (long minus short) and market value per
// symbol, sorted by symbol.
func (s *PositionService) Exposure(ctx context.Context) ([]Exposure, error) {
	positions, err := s.positions.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: get positions: %w", err)
	}
	return ToExposure(positions), nil
}

// ToExposure folds positions by symbol.
func ToExposure(positions []domain.Position) []Exposure {
	bySymbol := make(map[string]*Exposure, len(positions))
	for _, p := range positions {
		sym := domain.NormalizeSymbol(p.Symbol)
		e, ok := bySymbol[sym]
		if !ok {
			at := p.AssetType
			if at == "" {
				at = domain.AssetTypeOf(sym)
			}
			e = &Exposure{Symbol: sym, AssetType: at}
			bySymbol[sym] = e
		}
		e.Quantity += p.NetQuantity()
		e.MarketValue += p.MarketValue
	}

	out := make([]Exposure, 0, len(bySymbol))
	for _, e := range bySymbol {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Emit forwards ev to the next sink and, for fills and completed
// executions, schedules a position refresh. At most one refresh per
// execution runs at a time; fills arriving meanwhile are covered by it.
func (s *PositionService) Emit(ctx context.Context, ev domain.Event) {
	if s.next != nil {
		s.next.Emit(ctx, ev)
	}
	if ev.Type != domain.EventFill && ev.Type != domain.EventDone {
		return
	}
	if ev.Type == domain.EventDone && ev.Filled == 0 {
		return
	}

	s.mu.Lock()
	if s.inflight[ev.ExecutionID] {
		s.mu.Unlock()
		return
	}
	s.inflight[ev.ExecutionID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, ev.ExecutionID)
			s.mu.Unlock()
		}()
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), positionTimeout)
		defer cancel()
		s.refresh(refreshCtx, ev)
	}()
}

// Close waits for pending refreshes.
func (s *PositionService) Close() {
	s.wg.Wait()
}

func (s *PositionService) refresh(ctx context.Context, cause domain.Event) {
	positions, err := s.positions.GetPositions(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "position refresh failed",
			slog.String("execution_id", cause.ExecutionID),
			slog.String("error", err.Error()),
		)
		return
	}

	var held []domain.Position
	var net float64
	for _, p := range positions {
		if domain.NormalizeSymbol(p.Symbol) == cause.Symbol {
			held = append(held, p)
			net += p.NetQuantity()
		}
	}
	if s.next == nil {
		return
	}
	s.next.Emit(ctx, domain.Event{
		Type:        domain.EventPosition,
		ExecutionID: cause.ExecutionID,
		Symbol:      cause.Symbol,
		Side:        cause.Side,
		Message:     fmt.Sprintf("Position %s: %g", cause.Symbol, net),
		Positions:   held,
		Time:        time.Now().UTC(),
	})
}
