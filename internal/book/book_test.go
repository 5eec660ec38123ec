package book

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func levels(pairs ...float64) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, domain.PriceLevel{Price: pairs[i], Size: pairs[i+1]})
	}
	return out
}

func TestBestBidAskPicksMaxBidMinAsk(t *testing.T) {
	b := New(testLogger())
	b.Apply(context.Background(), domain.DepthUpdate{
		Symbol:  "aapl",
		Bids:    levels(49.98, 300, 50.00, 100, 49.99, 200),
		Asks:    levels(50.05, 50, 50.02, 400, 50.03, 10),
		HasBids: true,
		HasAsks: true,
	})

	top, ok := b.BestBidAsk("AAPL")
	if !ok {
		t.Fatal("BestBidAsk returned no data")
	}
	want := domain.TopOfBook{Bid: 50.00, BidSize: 100, Ask: 50.02, AskSize: 400}
	if top != want {
		t.Errorf("top = %+v, want %+v", top, want)
	}
}

func TestBestBidAskNeedsBothSides(t *testing.T) {
	b := New(testLogger())
	if _, ok := b.BestBidAsk("MSFT"); ok {
		t.Fatal("unknown symbol should have no top of book")
	}
	b.Apply(context.Background(), domain.DepthUpdate{Symbol: "MSFT", Bids: levels(300, 1), HasBids: true})
	if _, ok := b.BestBidAsk("MSFT"); ok {
		t.Fatal("book with empty ask side should have no top of book")
	}
	b.Apply(context.Background(), domain.DepthUpdate{Symbol: "MSFT", Asks: levels(301, 1), HasAsks: true})
	if _, ok := b.BestBidAsk("MSFT"); !ok {
		t.Fatal("book with both sides should have top of book")
	}
}

func TestApplyReplacesWholeSide(t *testing.T) {
	b := New(testLogger())
	ctx := context.Background()
	b.Apply(ctx, domain.DepthUpdate{Symbol: "X", Bids: levels(10, 1, 9, 2, 8, 3), Asks: levels(11, 1), HasBids: true, HasAsks: true})
	b.Apply(ctx, domain.DepthUpdate{Symbol: "X", Bids: levels(7, 5), HasBids: true})

	d, ok := b.Depth("X", 5)
	if !ok {
		t.Fatal("Depth returned no data")
	}
	if len(d.Bids) != 1 || d.Bids[0].Price != 7 {
		t.Errorf("bids = %+v, want only 7", d.Bids)
	}
	if len(d.Asks) != 1 || d.Asks[0].Price != 11 {
		t.Errorf("asks should be untouched, got %+v", d.Asks)
	}

	b.Apply(ctx, domain.DepthUpdate{Symbol: "X", Asks: nil, HasAsks: true})
	if _, ok := b.BestBidAsk("X"); ok {
		t.Error("an empty ask replacement should clear the side")
	}
}

func TestDepthOrderingAndTruncation(t *testing.T) {
	b := New(testLogger())
	b.Apply(context.Background(), domain.DepthUpdate{
		Symbol:  "SPY",
		Bids:    levels(1, 1, 7, 1, 3, 1, 5, 1, 2, 1, 6, 1, 4, 1),
		Asks:    levels(14, 1, 10, 1, 12, 1),
		HasBids: true,
		HasAsks: true,
	})

	d, _ := b.Depth("spy", 0)
	if len(d.Bids) != DefaultLevels {
		t.Fatalf("len(bids) = %d, want %d", len(d.Bids), DefaultLevels)
	}
	for i := 1; i < len(d.Bids); i++ {
		if d.Bids[i].Price >= d.Bids[i-1].Price {
			t.Errorf("bids not strictly descending: %+v", d.Bids)
		}
	}
	if d.Bids[0].Price != 7 {
		t.Errorf("best bid = %v, want 7", d.Bids[0].Price)
	}
	if len(d.Asks) != 3 {
		t.Fatalf("len(asks) = %d, want 3", len(d.Asks))
	}
	for i := 1; i < len(d.Asks); i++ {
		if d.Asks[i].Price <= d.Asks[i-1].Price {
			t.Errorf("asks not strictly ascending: %+v", d.Asks)
		}
	}
}

func TestDepthKeepsZeroVolumeLevels(t *testing.T) {
	b := New(testLogger())
	b.Apply(context.Background(), domain.DepthUpdate{
		Symbol:  "Z",
		Bids:    levels(5, 0, 4, 10, 0, 3),
		HasBids: true,
		Asks:    levels(6, 2),
		HasAsks: true,
	})
	d, _ := b.Depth("Z", 5)
	if len(d.Bids) != 2 || d.Bids[0] != (domain.PriceLevel{Price: 5}) || d.Bids[1].Price != 4 {
		t.Errorf("bids = %+v, want 5.00 x 0 then 4.00, zero price dropped", d.Bids)
	}
	top, ok := b.BestBidAsk("Z")
	if !ok || top.Bid != 5 || top.BidSize != 0 {
		t.Errorf("top = %+v ok=%v, want bid 5 size 0", top, ok)
	}
}

// Readers must never observe bids from one update paired with asks from
// another. Every update keeps ask - bid == 1.
func TestConcurrentApplyNoTornReads(t *testing.T) {
	b := New(testLogger())
	ctx := context.Background()
	b.Apply(ctx, domain.DepthUpdate{Symbol: "T", Bids: levels(1, 1), Asks: levels(2, 1), HasBids: true, HasAsks: true})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 1)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				top, ok := b.BestBidAsk("T")
				if !ok {
					continue
				}
				if top.Ask-top.Bid != 1 {
					select {
					case errs <- "torn read":
					default:
					}
					return
				}
			}
		}()
	}

	for i := 1; i <= 5000; i++ {
		p := float64(i)
		b.Apply(ctx, domain.DepthUpdate{Symbol: "T", Bids: levels(p, 1), Asks: levels(p+1, 1), HasBids: true, HasAsks: true})
	}
	close(stop)
	wg.Wait()

	select {
	case msg := <-errs:
		t.Fatal(msg)
	default:
	}
}

func TestRunConsumesChannel(t *testing.T) {
	b := New(testLogger())
	var mirrored []domain.OrderbookSnapshot
	var mu sync.Mutex
	b.OnUpdate = func(_ context.Context, snap domain.OrderbookSnapshot) {
		mu.Lock()
		mirrored = append(mirrored, snap)
		mu.Unlock()
	}

	ch := make(chan domain.DepthUpdate, 2)
	ch <- domain.DepthUpdate{Symbol: "QQQ", Bids: levels(400, 5), HasBids: true}
	ch <- domain.DepthUpdate{Symbol: "QQQ", Asks: levels(400.05, 7), HasAsks: true}
	close(ch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Run(ctx, ch); err != nil {
		t.Fatalf("Run: %v", err)
	}

	top, ok := b.BestBidAsk("QQQ")
	if !ok || top.Bid != 400 || top.Ask != 400.05 {
		t.Errorf("top = %+v ok=%v", top, ok)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(mirrored) != 2 || mirrored[1].BestAsk != 400.05 {
		t.Errorf("OnUpdate snapshots = %+v", mirrored)
	}
	if got := b.Symbols(); len(got) != 1 || got[0] != "QQQ" {
		t.Errorf("Symbols = %v", got)
	}
}

func TestFormat(t *testing.T) {
	out := Format(domain.Depth{
		Symbol: "AAPL",
		Bids:   levels(50.00, 100, 49.99, 200),
		Asks:   levels(50.02, 400),
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "BID") || !strings.Contains(lines[0], "ASK") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], "$50.00 x 100") || !strings.Contains(lines[2], "$50.02 x 400") {
		t.Errorf("first row = %q", lines[2])
	}
	if !strings.Contains(lines[3], "$49.99 x 200") || strings.Contains(lines[3], "$50.02") {
		t.Errorf("second row = %q", lines[3])
	}

	if got := Format(domain.Depth{Symbol: "NONE"}); !strings.Contains(got, "No depth data") {
		t.Errorf("empty format = %q", got)
	}
}
