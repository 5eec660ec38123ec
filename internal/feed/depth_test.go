package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/touchexec/internal/book"
	"github.com/alanyoungcy/touchexec/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeVenue struct {
	mu      sync.Mutex
	subs    []string
	failFor string
	ch      chan domain.DepthUpdate
}

func (v *fakeVenue) Subscribe(_ context.Context, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if symbol == v.failFor {
		return errors.New("boom")
	}
	v.subs = append(v.subs, symbol)
	return nil
}

func (v *fakeVenue) Updates() <-chan domain.DepthUpdate { return v.ch }

type memCache struct {
	mu    sync.Mutex
	snaps map[string]domain.OrderbookSnapshot
}

func (c *memCache) SetSnapshot(_ context.Context, symbol string, snap domain.OrderbookSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snaps == nil {
		c.snaps = make(map[string]domain.OrderbookSnapshot)
	}
	c.snaps[symbol] = snap
	return nil
}

func (c *memCache) GetSnapshot(_ context.Context, symbol string) (domain.OrderbookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[symbol]
	if !ok {
		return domain.OrderbookSnapshot{}, domain.ErrNotFound
	}
	return s, nil
}

func (c *memCache) GetBBO(ctx context.Context, symbol string) (float64, float64, error) {
	s, err := c.GetSnapshot(ctx, symbol)
	return s.BestBid, s.BestAsk, err
}

func TestSubscribeOncePerSymbol(t *testing.T) {
	v := &fakeVenue{ch: make(chan domain.DepthUpdate), failFor: "BAD"}
	d := NewDepth(v, book.New(discardLogger()), nil, discardLogger())

	fresh, err := d.Subscribe(context.Background(), "aapl")
	if err != nil || !fresh {
		t.Fatalf("first Subscribe = %v, %v", fresh, err)
	}
	fresh, err = d.Subscribe(context.Background(), "AAPL")
	if err != nil || fresh {
		t.Fatalf("second Subscribe = %v, %v", fresh, err)
	}
	if len(v.subs) != 1 {
		t.Fatalf("venue subscriptions = %v", v.subs)
	}

	if _, err := d.Subscribe(context.Background(), "bad"); err == nil {
		t.Fatal("failed venue subscribe returned nil")
	}
	if got := d.Subscribed(); len(got) != 1 {
		t.Fatalf("Subscribed = %v, want only AAPL", got)
	}
}

func TestRunAppliesAndMirrors(t *testing.T) {
	v := &fakeVenue{ch: make(chan domain.DepthUpdate, 1)}
	b := book.New(discardLogger())
	cache := &memCache{}
	d := NewDepth(v, b, cache, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	v.ch <- domain.DepthUpdate{
		Symbol:  "AAPL",
		Bids:    []domain.PriceLevel{{Price: 10, Size: 1}, {Price: 9.99, Size: 2}},
		Asks:    []domain.PriceLevel{{Price: 10.01, Size: 3}},
		HasBids: true,
		HasAsks: true,
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := cache.GetSnapshot(context.Background(), "AAPL"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot not mirrored")
		}
		time.Sleep(2 * time.Millisecond)
	}

	top, ok := b.BestBidAsk("AAPL")
	if !ok || top.Bid != 10 || top.Ask != 10.01 {
		t.Fatalf("BestBidAsk = %+v, %v", top, ok)
	}

	depth, err := CachedDepth(context.Background(), cache, "aapl", 1)
	if err != nil {
		t.Fatalf("CachedDepth: %v", err)
	}
	if len(depth.Bids) != 1 || depth.Bids[0].Price != 10 || len(depth.Asks) != 1 {
		t.Fatalf("CachedDepth = %+v", depth)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestCachedDepthMissing(t *testing.T) {
	if _, err := CachedDepth(context.Background(), &memCache{}, "X", 5); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
