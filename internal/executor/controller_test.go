package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		Cadence:     5 * time.Millisecond,
		SettleDelay: 5 * time.Millisecond,
		RetryDelay:  5 * time.Millisecond,
		StopTimeout: time.Second,
	}
}

// fakeGateway is a scripted venue. Orders are named ord-1, ord-2, ... in
// placement order.
type fakeGateway struct {
	mu       sync.Mutex
	placed   []domain.OrderRequest
	cancels  []string
	polls    map[string]int
	orders   map[string]*domain.OrderStatusReport
	placeErr map[int]error // keyed by 1-based placement attempt
	attempts int

	cancelErr error
	statusErr error

	// onPoll may rewrite the report for an order on its n-th poll.
	onPoll func(id string, n int, rep *domain.OrderStatusReport)
	// onPlace runs after a successful placement.
	onPlace func(n int)
	// onCancel may rewrite the report of an order as it is cancelled.
	onCancel func(id string, rep *domain.OrderStatusReport)
	// pollErr, when it returns non-nil, fails a status poll of id.
	pollErr func(id string) error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		polls:    make(map[string]int),
		orders:   make(map[string]*domain.OrderStatusReport),
		placeErr: make(map[int]error),
	}
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	g.mu.Lock()
	g.attempts++
	if err := g.placeErr[g.attempts]; err != nil {
		g.mu.Unlock()
		return "", err
	}
	g.placed = append(g.placed, req)
	n := len(g.placed)
	id := fmt.Sprintf("ord-%d", n)
	g.orders[id] = &domain.OrderStatusReport{OrderID: id, Status: domain.OrderStatusWorking}
	hook := g.onPlace
	g.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return id, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, id)
	if g.cancelErr != nil {
		return g.cancelErr
	}
	rep, ok := g.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rep.Status.Terminal() {
		return domain.ErrOrderGone
	}
	if g.onCancel != nil {
		g.onCancel(id, rep)
	}
	rep.Status = domain.OrderStatusCanceled
	return nil
}

func (g *fakeGateway) GetOrderStatus(_ context.Context, id string) (domain.OrderStatusReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return domain.OrderStatusReport{}, g.statusErr
	}
	if g.pollErr != nil {
		if err := g.pollErr(id); err != nil {
			return domain.OrderStatusReport{}, err
		}
	}
	rep, ok := g.orders[id]
	if !ok {
		return domain.OrderStatusReport{}, domain.ErrNotFound
	}
	g.polls[id]++
	if g.onPoll != nil {
		g.onPoll(id, g.polls[id], rep)
	}
	return *rep, nil
}

func (g *fakeGateway) prices() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]float64, len(g.placed))
	for i, p := range g.placed {
		out[i] = p.Price
	}
	return out
}

func (g *fakeGateway) cancelCount(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.cancels {
		if c == id {
			n++
		}
	}
	return n
}

// fakeSource returns a fixed snapshot; failOn lists 1-based calls that fail.
type fakeSource struct {
	mu     sync.Mutex
	snap   domain.BookSnapshot
	calls  int
	failOn map[int]error
}

func (s *fakeSource) Snapshot(_ context.Context, symbol string) (domain.BookSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.failOn[s.calls]; err != nil {
		return domain.BookSnapshot{}, err
	}
	snap := s.snap
	snap.Symbol = symbol
	return snap, nil
}

// recorder is an EventSink that checks the quantity invariant on every
// event it receives.
type recorder struct {
	t      *testing.T
	total  int64
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Filled+ev.Remaining != r.total || ev.Filled < 0 || ev.Remaining < 0 {
		r.t.Errorf("quantity invariant broken at %q: filled=%d remaining=%d total=%d", ev.Message, ev.Filled, ev.Remaining, r.total)
	}
	r.events = append(r.events, ev)
}

func (r *recorder) has(typ domain.EventType, substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ && strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T, side domain.Side, qty int64, gw *fakeGateway, src *fakeSource) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{t: t, total: qty}
	c, err := NewController(Params{Symbol: "aapl", Side: side, Quantity: qty}, gw, src, rec, fastConfig(), discardLogger())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c, rec
}

func runWithTimeout(t *testing.T, c *Controller, d time.Duration) (domain.ExecutionState, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	type result struct {
		st  domain.ExecutionState
		err error
	}
	ch := make(chan result, 1)
	go func() {
		st, err := c.Run(ctx)
		ch <- result{st, err}
	}()
	select {
	case r := <-ch:
		return r.st, r.err
	case <-time.After(d + time.Second):
		t.Fatal("Run did not return")
		return domain.ExecutionState{}, nil
	}
}

func TestEndToEndBuyAlternatesAndFills(t *testing.T) {
	gw := newFakeGateway()
	gw.onPoll = func(id string, n int, rep *domain.OrderStatusReport) {
		if id == "ord-2" {
			rep.Status = domain.OrderStatusFilled
			rep.FilledQuantity = 100
		}
	}
	src := &fakeSource{snap: domain.BookSnapshot{Bid: 50.00, Ask: 50.02, TickSize: 0.01, Source: domain.SourceLevel1}}
	c, rec := newTestController(t, domain.SideBuy, 100, gw, src)

	st, err := runWithTimeout(t, c, 2*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	prices := gw.prices()
	if len(prices) != 2 || prices[0] != 49.99 || prices[1] != 50.00 {
		t.Fatalf("placed prices = %v, want [49.99 50]", prices)
	}
	if st.RemainingQuantity != 0 || st.FilledQuantity != 100 {
		t.Errorf("filled/remaining = %d/%d", st.FilledQuantity, st.RemainingQuantity)
	}
	if st.Phase != domain.PhaseDone || st.Outcome != domain.OutcomeFilled {
		t.Errorf("phase/outcome = %s/%s", st.Phase, st.Outcome)
	}
	if st.WorkingOrder != nil {
		t.Errorf("working order = %+v, want none after fill", st.WorkingOrder)
	}
	report := c.Report()
	if len(report.Orders) != 2 || report.Orders[0].Status != domain.OrderStatusCanceled || report.Orders[1].Status != domain.OrderStatusFilled {
		t.Errorf("order history = %+v", report.Orders)
	}
	if n := gw.cancelCount("ord-2"); n != 0 {
		t.Errorf("filled order cancelled %d times", n)
	}
	if n := gw.cancelCount("ord-1"); n != 1 {
		t.Errorf("ord-1 cancelled %d times, want 1", n)
	}
	if !rec.has(domain.EventFill, "FILL: 100 shares filled. Total: 100/100") {
		t.Error("missing fill event")
	}
	if !rec.has(domain.EventDone, "Order fully filled!") {
		t.Error("missing done event")
	}
	if !rec.has(domain.EventState, "Using LEVEL1 market data") {
		t.Error("missing source event")
	}
}

func TestSellAlternationAndStop(t *testing.T) {
	gw := newFakeGateway()
	src := &fakeSource{snap: domain.BookSnapshot{Bid: 10.00, Ask: 10.05, TickSize: 0.01}}
	c, rec := newTestController(t, domain.SideSell, 10, gw, src)
	gw.onPlace = func(n int) {
		if n == 4 {
			c.Stop()
		}
	}

	st, err := runWithTimeout(t, c, 2*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []float64{10.06, 10.05, 10.06, 10.05}
	got := gw.prices()
	if len(got) != len(want) {
		t.Fatalf("prices = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("price[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if st.Outcome != domain.OutcomeStopped {
		t.Errorf("outcome = %s, want STOPPED", st.Outcome)
	}
	if n := gw.cancelCount("ord-4"); n != 1 {
		t.Errorf("working order cancelled %d times on stop, want 1", n)
	}
	if !rec.has(domain.EventStopped, "") {
		t.Error("missing stopped event")
	}
}

func TestCancelRaceFillIsCountedOnce(t *testing.T) {
	gw := newFakeGateway()
	// ord-1 reports 30 filled only on the poll that follows the cancel.
	gw.onPoll = func(id string, n int, rep *domain.OrderStatusReport) {
		switch {
		case id == "ord-1" && n >= 2:
			rep.FilledQuantity = 30
		case id == "ord-2" && n >= 1:
			rep.FilledQuantity = 70
			rep.Status = domain.OrderStatusFilled
		}
	}
	src := &fakeSource{snap: domain.BookSnapshot{Bid: 20, Ask: 20.10, TickSize: 0.01}}
	c, rec := newTestController(t, domain.SideBuy, 100, gw, src)

	st, err := runWithTimeout(t, c, 2*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	gw.mu.Lock()
	qtys := []int64{}
	for _, p := range gw.placed {
		qtys = append(qtys, p.Quantity)
	}
	gw.mu.Unlock()
	if len(qtys) != 2 || qtys[0] != 100 || qtys[1] != 70 {
		t.Fatalf("placed quantities = %v, want [100 70]", qtys)
	}
	if st.FilledQuantity != 100 || st.RemainingQuantity != 0 {
		t.Errorf("filled/remaining = %d/%d", st.FilledQuantity, st.RemainingQuantity)
	}
	if !rec.has(domain.EventFill, "Total: 30/100") || !rec.has(domain.EventFill, "Total: 100/100") {
		t.Error("missing fill events")
	}
}

func TestFillDuringCancelSurvivesFailedRecheck(t *testing.T) {
	gw := newFakeGateway()
	cancelled, failed := false, false
	gw.onCancel = func(id string, rep *domain.OrderStatusReport) {
		if id == "ord-1" {
			rep.FilledQuantity = 40
			cancelled = true
		}
	}
	gw.pollErr = func(id string) error {
		if id == "ord-1" && cancelled && !failed {
			failed = true
			return domain.ErrRateLimited
		}
		return nil
	}
	gw.onPoll = func(id string, n int, rep *domain.OrderStatusReport) {
		if id == "ord-2" {
			rep.FilledQuantity = 60
			rep.Status = domain.OrderStatusFilled
		}
	}
	src := &fakeSource{snap: domain.BookSnapshot{Bid: 20, Ask: 20.10, TickSize: 0.01}}
	c, rec := newTestController(t, domain.SideBuy, 100, gw, src)

	st, err := runWithTimeout(t, c, 2*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	gw.mu.Lock()
	var qtys []int64
	for _, p := range gw.placed {
		qtys = append(qtys, p.Quantity)
	}
	gw.mu.Unlock()
	if len(qtys) != 2 || qtys[0] != 100 || qtys[1] != 60 {
		t.Fatalf("placed quantities = %v, want [100 60]", qtys)
	}
	if st.FilledQuantity != 100 || st.RemainingQuantity != 0 || st.Outcome != domain.OutcomeFilled {
		t.Errorf("filled/remaining/outcome = %d/%d/%s", st.FilledQuantity, st.RemainingQuantity, st.Outcome)
	}
	if !rec.has(domain.EventWarning, "Could not confirm cancelled order") {
		t.Error("missing recheck warning")
	}
	if !rec.has(domain.EventFill, "Total: 40/100") {
		t.Error("fill from the cancelled order was not counted")
	}
}

func TestOrderGonePlacesFreshOrder(t *testing.T) {
	gw := newFakeGateway()
	gw.onPoll = func(id string, n int, rep *domain.OrderStatusReport) {
		switch id {
		case "ord-1":
			rep.Status = domain.OrderStatusExpired
		case "ord-2":
			rep.Status = domain.OrderStatusFilled
			rep.FilledQuantity = 5
		}
	}
	src := &fakeSource{snap: domain.BookSnapshot{Bid: 5, Ask: 5.02, TickSize: 0.01}}
	c, rec := newTestController(t, domain.SideBuy, 5, gw, src)

	if _, err := runWithTimeout(t, c, 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := gw.cancelCount("ord-1"); n != 0 {
		t.Errorf("expired order cancelled %d times, want 0", n)
	}
	if got := gw.prices(); len(got) != 2 {
		t.Fatalf("placements = %v, want 2", got)
	}
	if !rec.has(domain.EventWarning, "Order status: EXPIRED") {
		t.Error("missing order gone warning")
	}
}

func TestMarketDataUnavailableBacksOffWithoutMutation(t *testing.T) {
	gw := newFakeGateway()
	gw.onPoll = func(id string, n int, rep *domain.OrderStatusReport) {
		if id == "ord-2" {
			rep.Status = domain.OrderStatusFilled
			rep.FilledQuantity = 1
		}
	}
	// Call 1 is the initial placement; calls 2 and 3 fail.
	src := &fakeSource{
		snap:   domain.BookSnapshot{Bid: 3, Ask: 3.01, TickSize: 0.01},
		failOn: map[int]error{2: domain.ErrMarketDataUnavailable, 3: domain.ErrMarketDataUnavailable},
	}
	c, rec := newTestController(t, domain.SideBuy, 1, gw, src)

	if _, err := runWithTimeout(t, c, 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := gw.cancelCount("ord-1"); n != 1 {
		t.Errorf("ord-1 cancelled %d times, want 1 (only once data returned)", n)
	}
	if got := gw.prices(); len(got) != 2 || got[1] != 3.00 {
		t.Errorf("prices = %v, want second placement at touch", got)
	}
	if !rec.has(domain.EventWarning, "Could not retrieve market data") {
		t.Error("missing market data warning")
	}
}

func TestRejectedReplaceKeepsAlternation(t *testing.T) {
	gw := newFakeGateway()
	gw.placeErr[2] = fmt.Errorf("venue said no: %w", domain.ErrOrderRejected)
	gw.onPoll = func(id string, n int, rep *domain.OrderStatusReport) {
		if id == "ord-2" {
			rep.Status = domain.OrderStatusFilled
			rep.FilledQuantity = 10
		}
	}
	src := &fakeSource{snap: domain.BookSnapshot{Bid: 50, Ask: 50.02, TickSize: 0.01}}
	c, rec := newTestController(t, domain.SideBuy, 10, gw, src)

	if _, err := runWithTimeout(t, c, 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := gw.prices()
	if len(got) != 2 || got[0] != 49.99 || got[1] != 50.00 {
		t.Errorf("prices = %v, want [49.99 50] (rejected attempt must not advance alternation)", got)
	}
	if !rec.has(domain.EventWarning, "Failed to replace order, retrying") {
		t.Error("missing replace warning")
	}
}

func TestGatewayUnavailableTerminates(t *testing.T) {
	gw := newFakeGateway()
	src := &fakeSource{snap: domain.BookSnapshot{Bid: 50, Ask: 50.02, TickSize: 0.01}}
	c, rec := newTestController(t, domain.SideBuy, 10, gw, src)
	gw.onPlace = func(int) {
		gw.statusErr = domain.ErrGatewayUnavailable
	}

	st, err := runWithTimeout(t, c, 2*time.Second)
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
	if st.Outcome != domain.OutcomeFailed || st.Phase != domain.PhaseDone {
		t.Errorf("outcome/phase = %s/%s", st.Outcome, st.Phase)
	}
	if !rec.has(domain.EventError, "gateway unavailable") {
		t.Error("missing error event")
	}
}

func TestInitialSnapshotFailureTerminates(t *testing.T) {
	gw := newFakeGateway()
	src := &fakeSource{failOn: map[int]error{1: domain.ErrMarketDataUnavailable}}
	c, _ := newTestController(t, domain.SideBuy, 10, gw, src)

	st, err := runWithTimeout(t, c, time.Second)
	if !errors.Is(err, domain.ErrMarketDataUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if len(gw.prices()) != 0 {
		t.Error("no order may be placed without market data")
	}
	if st.Outcome != domain.OutcomeFailed {
		t.Errorf("outcome = %s", st.Outcome)
	}
}

func TestStopExitsPromptlyWhenCancelFails(t *testing.T) {
	gw := newFakeGateway()
	gw.cancelErr = errors.New("venue timeout")
	src := &fakeSource{snap: domain.BookSnapshot{Bid: 50, Ask: 50.02, TickSize: 0.01}}
	rec := &recorder{t: t, total: 10}
	cfg := fastConfig()
	cfg.Cadence = 50 * time.Millisecond
	// Keep the loop parked in the settle wait so the only cancel is the
	// one issued by Stop.
	cfg.SettleDelay = 10 * time.Second
	c, err := NewController(Params{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 10}, gw, src, rec, cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Run(context.Background())
	}()

	deadline := time.Now().Add(time.Second)
	for len(gw.prices()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	before := gw.cancelCount("ord-1")
	stopAt := time.Now()
	c.Stop()
	select {
	case <-done:
	case <-time.After(cfg.Cadence + 200*time.Millisecond):
		t.Fatal("loop did not exit within one cadence of Stop")
	}
	if elapsed := time.Since(stopAt); elapsed > cfg.Cadence+200*time.Millisecond {
		t.Errorf("stop took %v", elapsed)
	}
	st := c.State()
	if st.Outcome != domain.OutcomeStopped {
		t.Errorf("outcome = %s, want STOPPED", st.Outcome)
	}
	if st.WorkingOrder == nil || st.WorkingOrder.OrderID != "ord-1" {
		t.Fatalf("working order after failed cancel = %+v", st.WorkingOrder)
	}
	if after := gw.cancelCount("ord-1"); after-before != 1 {
		t.Errorf("stop issued %d cancels, want exactly 1", after-before)
	}
	if !rec.has(domain.EventWarning, "Failed to cancel order on stop") {
		t.Error("missing cancel failure warning")
	}
}

func TestPauseSuspendsPolling(t *testing.T) {
	gw := newFakeGateway()
	src := &fakeSource{snap: domain.BookSnapshot{Bid: 50, Ask: 50.02, TickSize: 0.01}}
	c, _ := newTestController(t, domain.SideBuy, 10, gw, src)
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Run(ctx)
	}()

	time.Sleep(60 * time.Millisecond)
	gw.mu.Lock()
	polls, placed := gw.polls["ord-1"], len(gw.placed)
	gw.mu.Unlock()
	if placed != 1 || polls != 0 {
		t.Fatalf("while paused: placed=%d polls=%d, want 1 and 0", placed, polls)
	}
	if st := c.State(); st.Control != domain.ControlPaused || st.WorkingOrder == nil {
		t.Fatalf("state while paused = %+v", st)
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(gw.prices()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(gw.prices()) < 2 {
		t.Fatal("execution did not continue after resume")
	}

	c.Stop()
	<-done
	if err := c.Pause(); !errors.Is(err, ErrFinished) {
		t.Errorf("Pause after done = %v, want ErrFinished", err)
	}
}

func TestStopBeforeRunPlacesNothing(t *testing.T) {
	gw := newFakeGateway()
	src := &fakeSource{snap: domain.BookSnapshot{Bid: 1, Ask: 1.01}}
	c, _ := newTestController(t, domain.SideBuy, 1, gw, src)
	c.Stop()
	st, err := runWithTimeout(t, c, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Outcome != domain.OutcomeStopped || len(gw.prices()) != 0 {
		t.Errorf("outcome=%s placements=%d", st.Outcome, len(gw.prices()))
	}
}

func TestNewControllerValidation(t *testing.T) {
	gw, src := newFakeGateway(), &fakeSource{}
	bad := []Params{
		{Symbol: "", Side: domain.SideBuy, Quantity: 1},
		{Symbol: "AAPL", Side: "HOLD", Quantity: 1},
		{Symbol: "AAPL", Side: domain.SideSell, Quantity: 0},
	}
	for _, p := range bad {
		if _, err := NewController(p, gw, src, nil, Config{}, discardLogger()); !errors.Is(err, domain.ErrInvalidOrder) {
			t.Errorf("NewController(%+v) err = %v, want ErrInvalidOrder", p, err)
		}
	}

	c, err := NewController(Params{Symbol: " msft ", Side: "sell", Quantity: 3}, gw, src, nil, Config{}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	st := c.State()
	if st.Symbol != "MSFT" || st.Side != domain.SideSell || st.Alternation != domain.OffTouch || st.Phase != domain.PhaseInit {
		t.Errorf("initial state = %+v", st)
	}
	if c.ID() == "" {
		t.Error("missing generated ID")
	}
}
