package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubGateway struct {
	placeErr  error
	cancelErr error
	report    domain.OrderStatusReport
}

func (g *stubGateway) PlaceOrder(context.Context, domain.OrderRequest) (string, error) {
	if g.placeErr != nil {
		return "", g.placeErr
	}
	return "ord-1", nil
}

func (g *stubGateway) CancelOrder(context.Context, string) error { return g.cancelErr }

func (g *stubGateway) GetOrderStatus(_ context.Context, id string) (domain.OrderStatusReport, error) {
	r := g.report
	r.OrderID = id
	return r, nil
}

type memOrders struct {
	mu      sync.Mutex
	records map[string]domain.OrderRecord
}

func (m *memOrders) Create(_ context.Context, rec domain.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = map[string]domain.OrderRecord{}
	}
	m.records[rec.OrderID] = rec
	return nil
}

func (m *memOrders) UpdateStatus(_ context.Context, id string, st domain.OrderStatus, filled int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = st
	rec.FilledQuantity = max(rec.FilledQuantity, filled)
	m.records[id] = rec
	return nil
}

func (m *memOrders) ListByExecution(context.Context, string) ([]domain.OrderRecord, error) {
	return nil, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memBus struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	var m map[string]any
	_ = json.Unmarshal(payload, &m)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, m)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("unsupported")
}

type countingLimiter struct {
	mu    sync.Mutex
	waits int
	err   error
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return l.err
}

func TestOrderServiceRecordsLifecycle(t *testing.T) {
	gw := &stubGateway{report: domain.OrderStatusReport{Status: domain.OrderStatusFilled, FilledQuantity: 100}}
	orders, audit, bus, lim := &memOrders{}, &memAudit{}, &memBus{}, &countingLimiter{}
	svc := NewOrderService(OrderServiceDeps{Gateway: gw, Orders: orders, Limiter: lim, Bus: bus, Audit: audit}, discardLogger())

	ctx := context.Background()
	id, err := svc.PlaceOrder(ctx, domain.OrderRequest{ExecutionID: "e1", Symbol: "AAPL", Side: domain.SideBuy, Quantity: 100, Price: 50})
	if err != nil || id != "ord-1" {
		t.Fatalf("PlaceOrder = %q, %v", id, err)
	}
	if rec := orders.records["ord-1"]; rec.ExecutionID != "e1" || rec.Status != domain.OrderStatusWorking {
		t.Fatalf("record = %+v", rec)
	}

	rep, err := svc.GetOrderStatus(ctx, "ord-1")
	if err != nil || rep.FilledQuantity != 100 {
		t.Fatalf("GetOrderStatus = %+v, %v", rep, err)
	}
	if rec := orders.records["ord-1"]; rec.Status != domain.OrderStatusFilled || rec.FilledQuantity != 100 {
		t.Fatalf("record after status = %+v", rec)
	}

	if lim.waits != 2 {
		t.Fatalf("limiter waits = %d", lim.waits)
	}
	if len(bus.payloads) != 2 || bus.payloads[0]["event"] != "order_placed" || bus.payloads[1]["event"] != "order_filled" {
		t.Fatalf("bus = %v", bus.payloads)
	}
	if len(audit.events) != 1 || audit.events[0] != "order_placed" {
		t.Fatalf("audit = %v", audit.events)
	}
}

func TestOrderServicePassesErrorsThrough(t *testing.T) {
	gw := &stubGateway{placeErr: domain.ErrOrderRejected, cancelErr: domain.ErrOrderGone}
	audit := &memAudit{}
	svc := NewOrderService(OrderServiceDeps{Gateway: gw, Audit: audit}, discardLogger())

	ctx := context.Background()
	if _, err := svc.PlaceOrder(ctx, domain.OrderRequest{}); !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("place err = %v", err)
	}
	if err := svc.CancelOrder(ctx, "x"); !errors.Is(err, domain.ErrOrderGone) {
		t.Fatalf("cancel err = %v", err)
	}
	if len(audit.events) != 2 || audit.events[0] != "order_rejected" || audit.events[1] != "order_cancel_failed" {
		t.Fatalf("audit = %v", audit.events)
	}

	limited := NewOrderService(OrderServiceDeps{Gateway: gw, Limiter: &countingLimiter{err: context.Canceled}}, discardLogger())
	if err := limited.CancelOrder(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("limited cancel err = %v", err)
	}
}

type fixedPositions []domain.Position

func (p fixedPositions) GetPositions(context.Context) ([]domain.Position, error) { return p, nil }

func TestExposureNetsLongAndShort(t *testing.T) {
	svc := NewPositionService(fixedPositions{
		{Symbol: "msft", LongQuantity: 10, MarketValue: 4000},
		{Symbol: "AAPL", LongQuantity: 100, ShortQuantity: 30, MarketValue: 13300},
		{Symbol: "SPY   250117C00500000", AssetType: domain.AssetOption, ShortQuantity: 2, MarketValue: -500},
	}, nil, discardLogger())

	got, err := svc.Exposure(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []Exposure{
		{Symbol: "AAPL", AssetType: domain.AssetEquity, Quantity: 70, MarketValue: 13300},
		{Symbol: "MSFT", AssetType: domain.AssetEquity, Quantity: 10, MarketValue: 4000},
		{Symbol: "SPY   250117C00500000", AssetType: domain.AssetOption, Quantity: -2, MarketValue: -500},
	}
	if len(got) != len(want) {
		t.Fatalf("exposure = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("exposure[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Emit(_ context.Context, ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func TestPositionEventsAfterFill(t *testing.T) {
	log := &eventLog{}
	svc := NewPositionService(fixedPositions{
		{Symbol: "AAPL", LongQuantity: 40},
		{Symbol: "MSFT", LongQuantity: 1},
	}, log, discardLogger())

	ctx := context.Background()
	svc.Emit(ctx, domain.Event{Type: domain.EventPlacement, ExecutionID: "e1", Symbol: "AAPL"})
	svc.Emit(ctx, domain.Event{Type: domain.EventFill, ExecutionID: "e1", Symbol: "AAPL", Filled: 40})
	svc.Close()

	if len(log.events) != 3 {
		t.Fatalf("events = %+v", log.events)
	}
	pos := log.events[2]
	if pos.Type != domain.EventPosition || len(pos.Positions) != 1 || pos.Message != "Position AAPL: 40" {
		t.Fatalf("position event = %+v", pos)
	}
}
