package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

func newVenue(rate float64) *Venue {
	return New(Config{PassiveFillRate: rate}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRestingOrderFillsWhenCrossed(t *testing.T) {
	ctx := context.Background()
	v := newVenue(0)
	v.SetQuote("AAPL", domain.TopOfBook{Bid: 50.00, Ask: 50.05, BidSize: 100, AskSize: 100})

	id, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "aapl", Side: domain.SideBuy, Quantity: 150, Price: 50.00})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	rep, _ := v.GetOrderStatus(ctx, id)
	if rep.Status != domain.OrderStatusWorking || rep.FilledQuantity != 0 {
		t.Fatalf("resting order = %+v", rep)
	}

	// Ask drops onto the bid with 100 shown: partial fill.
	v.SetQuote("AAPL", domain.TopOfBook{Bid: 49.95, Ask: 50.00, AskSize: 100})
	rep, _ = v.GetOrderStatus(ctx, id)
	if rep.Status != domain.OrderStatusWorking || rep.FilledQuantity != 100 {
		t.Fatalf("after partial cross = %+v", rep)
	}

	v.SetQuote("AAPL", domain.TopOfBook{Bid: 49.90, Ask: 49.99, AskSize: 500})
	rep, _ = v.GetOrderStatus(ctx, id)
	if rep.Status != domain.OrderStatusFilled || rep.FilledQuantity != 150 {
		t.Fatalf("after full cross = %+v", rep)
	}

	if err := v.CancelOrder(ctx, id); !errors.Is(err, domain.ErrOrderGone) {
		t.Fatalf("cancel filled order: got %v, want ErrOrderGone", err)
	}

	pos, _ := v.GetPositions(ctx)
	if len(pos) != 1 || pos[0].Symbol != "AAPL" || pos[0].NetQuantity() != 150 {
		t.Fatalf("positions = %+v", pos)
	}
}

func TestMarketableOrderFillsOnPlacement(t *testing.T) {
	ctx := context.Background()
	v := newVenue(0)
	v.SetQuote("MSFT", domain.TopOfBook{Bid: 10.00, Ask: 10.05})

	id, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "MSFT", Side: domain.SideSell, Quantity: 10, Price: 10.00})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	rep, _ := v.GetOrderStatus(ctx, id)
	if rep.Status != domain.OrderStatusFilled || rep.FilledQuantity != 10 {
		t.Fatalf("rep = %+v", rep)
	}
}

func TestPassiveFillAtTouch(t *testing.T) {
	ctx := context.Background()
	v := newVenue(0.5)
	v.SetQuote("IBM", domain.TopOfBook{Bid: 150.00, Ask: 150.10})

	id, _ := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "IBM", Side: domain.SideBuy, Quantity: 10, Price: 150.00})
	wantFilled := []int64{5, 8, 9, 10}
	for i, want := range wantFilled {
		rep, _ := v.GetOrderStatus(ctx, id)
		if rep.FilledQuantity != want {
			t.Fatalf("poll %d filled = %d, want %d", i+1, rep.FilledQuantity, want)
		}
	}

	// Off-touch orders never fill passively.
	off, _ := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "IBM", Side: domain.SideBuy, Quantity: 10, Price: 149.99})
	rep, _ := v.GetOrderStatus(ctx, off)
	if rep.FilledQuantity != 0 {
		t.Fatalf("off-touch filled = %d", rep.FilledQuantity)
	}
}

func TestCancelAndUnknownOrders(t *testing.T) {
	ctx := context.Background()
	v := newVenue(0)

	if _, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "X", Side: domain.SideBuy, Quantity: 0, Price: 1}); !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("invalid order: got %v, want ErrOrderRejected", err)
	}
	id, _ := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "X", Side: domain.SideBuy, Quantity: 1, Price: 1})
	if err := v.CancelOrder(ctx, id); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	rep, _ := v.GetOrderStatus(ctx, id)
	if rep.Status != domain.OrderStatusCanceled {
		t.Fatalf("status = %s", rep.Status)
	}
	if err := v.CancelOrder(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown cancel: %v", err)
	}
	if _, err := v.GetQuote(ctx, "NOPE"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown quote: %v", err)
	}
}

func TestSubscribedQuotesPublishDepth(t *testing.T) {
	v := newVenue(0)
	if err := v.Subscribe(context.Background(), "spy"); err != nil {
		t.Fatal(err)
	}
	v.SetQuote("SPY", domain.TopOfBook{Bid: 500, Ask: 500.01, BidSize: 3, AskSize: 4})
	v.SetQuote("QQQ", domain.TopOfBook{Bid: 400, Ask: 400.01})

	select {
	case u := <-v.Updates():
		if u.Symbol != "SPY" || u.Bids[0].Price != 500 || u.Asks[0].Size != 4 {
			t.Fatalf("update = %+v", u)
		}
	default:
		t.Fatal("no update for subscribed symbol")
	}
	select {
	case u := <-v.Updates():
		t.Fatalf("unexpected update %+v", u)
	default:
	}
}

func TestSubscribePublishesCurrentQuote(t *testing.T) {
	v := newVenue(0)
	v.SetQuote("AAPL", domain.TopOfBook{Bid: 49.99, Ask: 50.01, BidSize: 300, AskSize: 200})
	if err := v.Subscribe(context.Background(), "aapl"); err != nil {
		t.Fatal(err)
	}
	select {
	case u := <-v.Updates():
		if u.Symbol != "AAPL" || u.Bids[0].Price != 49.99 || u.Asks[0].Price != 50.01 {
			t.Fatalf("update = %+v", u)
		}
	default:
		t.Fatal("subscribe did not publish the current quote")
	}
}
