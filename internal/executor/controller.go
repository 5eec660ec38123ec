package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/alanyoungcy/touchexec/internal/pricing"
	"github.com/google/uuid"
)

// ErrFinished is returned by control calls on an execution that has reached
// PhaseDone.
var ErrFinished = errors.New("executor: execution finished")

// maxReportEvents bounds the events kept for the archived report.
const maxReportEvents = 1000

// Config holds the timing of an execution loop.
type Config struct {
	// Cadence is the interval between repricing cycles.
	Cadence time.Duration
	// SettleDelay is waited after the initial placement before the first
	// status poll.
	SettleDelay time.Duration
	// RetryDelay is waited after a market data miss or a rejected placement.
	RetryDelay time.Duration
	// StopTimeout bounds the best-effort cancel issued when an execution
	// stops.
	StopTimeout time.Duration
}

// DefaultConfig returns the standard loop timing.
func DefaultConfig() Config {
	return Config{
		Cadence:     500 * time.Millisecond,
		SettleDelay: 500 * time.Millisecond,
		RetryDelay:  time.Second,
		StopTimeout: 5 * time.Second,
	}
}

// Params identifies what an execution trades.
type Params struct {
	ID       string
	Symbol   string
	Side     domain.Side
	Quantity int64
}

// IsFatal reports whether err must terminate an execution rather than be
// retried on the next cycle.
func IsFatal(err error) bool {
	return errors.Is(err, domain.ErrGatewayUnavailable) || errors.Is(err, domain.ErrUnauthorized)
}

// Controller keeps exactly one working limit order alive for a symbol,
// alternating its price between the touch and one tick passive of it until
// the target quantity fills or the execution is stopped.
//
// Run drives the loop on the caller's goroutine. Pause, Resume, Stop and
// State are safe to call from any goroutine.
type Controller struct {
	gateway domain.OrderGateway
	source  domain.MarketDataSource
	sink    domain.EventSink
	cfg     Config
	logger  *slog.Logger

	mu            sync.Mutex
	state         domain.ExecutionState
	resumeCh      chan struct{} // non-nil while paused, closed on resume
	cancel        context.CancelFunc
	stopRequested bool
	orders        []domain.OrderRecord
	events        []domain.Event
	done          chan struct{}

	// Loop-private fill accounting. baseFilled holds fills from retired
	// orders; orderFilled is the last venue-reported fill of the working
	// order. Both only move forward.
	baseFilled  int64
	orderFilled int64
}

// NewController validates p and returns a controller in PhaseInit.
func NewController(
	p Params,
	gateway domain.OrderGateway,
	source domain.MarketDataSource,
	sink domain.EventSink,
	cfg Config,
	logger *slog.Logger,
) (*Controller, error) {
	symbol := domain.NormalizeSymbol(p.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("executor: %w: empty symbol", domain.ErrInvalidOrder)
	}
	side, err := domain.ParseSide(string(p.Side))
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	if p.Quantity <= 0 {
		return nil, fmt.Errorf("executor: %w: quantity must be positive, got %d", domain.ErrInvalidOrder, p.Quantity)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if sink == nil {
		sink = domain.EventSinkFunc(func(context.Context, domain.Event) {})
	}
	def := DefaultConfig()
	if cfg.Cadence <= 0 {
		cfg.Cadence = def.Cadence
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = cfg.Cadence
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	return &Controller{
		gateway: gateway,
		source:  source,
		sink:    sink,
		cfg:     cfg,
		logger: logger.With(
			slog.String("component", "executor"),
			slog.String("execution_id", p.ID),
			slog.String("symbol", symbol),
			slog.String("side", string(side)),
		),
		state: domain.ExecutionState{
			ID:                p.ID,
			Symbol:            symbol,
			Side:              side,
			TotalQuantity:     p.Quantity,
			RemainingQuantity: p.Quantity,
			Alternation:       domain.OffTouch,
			Phase:             domain.PhaseInit,
			Control:           domain.ControlActive,
			StartedAt:         time.Now().UTC(),
		},
		done: make(chan struct{}),
	}, nil
}

// ID returns the execution ID.
func (c *Controller) ID() string { return c.state.ID }

// State returns a copy of the current execution state.
func (c *Controller) State() domain.ExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() domain.ExecutionState {
	st := c.state
	if st.WorkingOrder != nil {
		wo := *st.WorkingOrder
		st.WorkingOrder = &wo
	}
	if st.FinishedAt != nil {
		t := *st.FinishedAt
		st.FinishedAt = &t
	}
	return st
}

// Report returns the state together with the order history and events.
func (c *Controller) Report() domain.ExecutionReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ExecutionReport{
		State:  c.stateLocked(),
		Orders: append([]domain.OrderRecord(nil), c.orders...),
		Events: append([]domain.Event(nil), c.events...),
	}
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Pause suspends repricing. The working order keeps resting at the venue.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase == domain.PhaseDone {
		return ErrFinished
	}
	if c.state.Control == domain.ControlPaused {
		return nil
	}
	c.state.Control = domain.ControlPaused
	c.resumeCh = make(chan struct{})
	c.logger.Info("execution paused")
	return nil
}

// Resume continues a paused execution where it left off.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase == domain.PhaseDone {
		return ErrFinished
	}
	if c.state.Control != domain.ControlPaused {
		return nil
	}
	c.state.Control = domain.ControlActive
	close(c.resumeCh)
	c.resumeCh = nil
	c.logger.Info("execution resumed")
	return nil
}

// Stop ends the execution at its next suspension point. Run cancels the
// working order once, best effort, and returns. Stop does not wait.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopRequested = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the execution until the quantity fills, ctx is cancelled, Stop
// is called, or a fatal gateway error occurs. A stopped or filled execution
// returns a nil error.
func (c *Controller) Run(ctx context.Context) (domain.ExecutionState, error) {
	c.mu.Lock()
	if c.state.Phase != domain.PhaseInit {
		c.mu.Unlock()
		return c.State(), errors.New("executor: controller already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	stopped := c.stopRequested
	c.state.Phase = domain.PhasePlacingInitial
	c.mu.Unlock()
	defer cancel()
	defer close(c.done)

	c.logger.InfoContext(ctx, "execution started", slog.Int64("quantity", c.state.TotalQuantity))

	var err error
	if stopped {
		err = context.Canceled
	} else {
		err = c.loop(ctx)
	}
	return c.finish(ctx, err)
}

func (c *Controller) loop(ctx context.Context) error {
	if err := c.placeInitial(ctx); err != nil {
		return err
	}
	if err := sleep(ctx, c.cfg.SettleDelay); err != nil {
		return err
	}

	for {
		if c.remaining() == 0 {
			return nil
		}

		if resume := c.pausedCh(); resume != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-resume:
			}
			continue
		}

		delay, err := c.cycle(ctx)
		if err != nil {
			return err
		}
		if c.remaining() == 0 {
			return nil
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Controller) placeInitial(ctx context.Context) error {
	snap, err := c.source.Snapshot(ctx, c.state.Symbol)
	if err != nil {
		c.emit(ctx, domain.Event{Type: domain.EventError, Message: "ERROR: Could not retrieve market data"})
		return fmt.Errorf("executor: initial snapshot: %w", err)
	}
	c.setSource(snap.Source)
	c.emit(ctx, domain.Event{Type: domain.EventState, Message: fmt.Sprintf("Using %s market data", snap.Source)})

	alt := c.alternation()
	price, next := pricing.NextPrice(c.state.Side, alt, snap)
	qty := c.remaining()
	c.emit(ctx, domain.Event{
		Type:     domain.EventPlacement,
		Message:  fmt.Sprintf("Placing initial order: %s %d %s @ %s", c.state.Side, qty, c.state.Symbol, pricing.FormatPrice(price)),
		Price:    price,
		Quantity: qty,
	})

	id, err := c.place(ctx, price, qty)
	if err != nil {
		c.emit(ctx, domain.Event{Type: domain.EventError, Message: "ERROR: Failed to place initial order: " + err.Error(), Price: price})
		return fmt.Errorf("executor: initial order: %w", err)
	}
	c.setWorking(id, price, qty, next)
	c.emit(ctx, domain.Event{Type: domain.EventPlacement, Message: "Order placed: ID " + id, OrderID: id, Price: price, Quantity: qty})
	c.setPhase(domain.PhaseMonitoring)
	return nil
}

// cycle runs one monitor/reprice pass and returns how long to wait before
// the next one. A non-nil error is fatal.
func (c *Controller) cycle(ctx context.Context) (time.Duration, error) {
	c.setPhase(domain.PhaseMonitoring)

	if wo := c.working(); wo != nil {
		rep, err := c.gateway.GetOrderStatus(ctx, wo.OrderID)
		switch {
		case err != nil && IsFatal(err):
			return 0, fmt.Errorf("executor: order status %s: %w", wo.OrderID, err)
		case err != nil:
			c.emit(ctx, domain.Event{Type: domain.EventWarning, Message: "WARNING: Could not get order status: " + err.Error(), OrderID: wo.OrderID})
		default:
			c.observe(ctx, rep)
			if c.remaining() == 0 {
				return 0, nil
			}
			if rep.Status.Terminal() {
				c.retire(rep.Status)
				c.emit(ctx, domain.Event{
					Type:    domain.EventWarning,
					Message: fmt.Sprintf("Order status: %s (%v), placing a fresh order", rep.Status, domain.ErrOrderGone),
					OrderID: wo.OrderID,
				})
			}
		}
	}

	c.setPhase(domain.PhaseRepricing)
	snap, err := c.source.Snapshot(ctx, c.state.Symbol)
	if err != nil {
		if IsFatal(err) {
			return 0, fmt.Errorf("executor: snapshot: %w", err)
		}
		c.emit(ctx, domain.Event{Type: domain.EventWarning, Message: "WARNING: Could not retrieve market data, retrying..."})
		return c.cfg.RetryDelay, nil
	}
	c.setSource(snap.Source)

	alt := c.alternation()
	price, next := pricing.NextPrice(c.state.Side, alt, snap)

	if c.working() != nil {
		retired, err := c.cancelWorking(ctx)
		if err != nil {
			return 0, err
		}
		if !retired {
			return c.cfg.RetryDelay, nil
		}
		if c.remaining() == 0 {
			return 0, nil
		}
	}

	qty := c.remaining()
	c.emit(ctx, domain.Event{
		Type:     domain.EventReprice,
		Message:  fmt.Sprintf("Replacing order: %s %d @ %s [%s] (%s)", c.state.Side, qty, pricing.FormatPrice(price), alt, snap.Source),
		Price:    price,
		Quantity: qty,
	})

	id, err := c.place(ctx, price, qty)
	if err != nil {
		if IsFatal(err) {
			return 0, fmt.Errorf("executor: replace order: %w", err)
		}
		c.emit(ctx, domain.Event{Type: domain.EventWarning, Message: "WARNING: Failed to replace order, retrying... (" + err.Error() + ")", Price: price})
		return c.cfg.RetryDelay, nil
	}
	c.setWorking(id, price, qty, next)
	c.emit(ctx, domain.Event{Type: domain.EventReprice, Message: "Order replaced: ID " + id, OrderID: id, Price: price, Quantity: qty})
	return c.cfg.Cadence, nil
}

// cancelWorking cancels the working order and polls it once more so a fill
// that raced the cancel is counted before the replacement is sized. It
// reports false when the order may still be live, in which case no new order
// may be placed this cycle.
func (c *Controller) cancelWorking(ctx context.Context) (bool, error) {
	wo := c.working()
	cancelErr := c.gateway.CancelOrder(ctx, wo.OrderID)
	if cancelErr != nil && IsFatal(cancelErr) {
		return false, fmt.Errorf("executor: cancel %s: %w", wo.OrderID, cancelErr)
	}

	before := c.filled()
	rep, pollErr := c.gateway.GetOrderStatus(ctx, wo.OrderID)
	if pollErr != nil && IsFatal(pollErr) {
		return false, fmt.Errorf("executor: order status %s: %w", wo.OrderID, pollErr)
	}

	if pollErr == nil {
		c.observe(ctx, rep)
		if c.filled() > before {
			c.logger.InfoContext(ctx, "fill raced cancel",
				slog.String("order_id", wo.OrderID),
				slog.String("error", domain.ErrCancelRace.Error()),
			)
		}
	}

	switch {
	case cancelErr == nil && pollErr == nil:
		status := rep.Status
		if !status.Terminal() {
			status = domain.OrderStatusCanceled
		}
		c.retire(status)
		return true, nil
	case cancelErr == nil:
		// The cancel went through but its fill is unknown. Keep the order so
		// the next cycle's poll reads its final fill before retiring it.
		c.emit(ctx, domain.Event{
			Type:    domain.EventWarning,
			Message: "WARNING: Could not confirm cancelled order, rechecking: " + pollErr.Error(),
			OrderID: wo.OrderID,
		})
		return false, nil
	case pollErr == nil && rep.Status.Terminal():
		c.retire(rep.Status)
		return true, nil
	default:
		c.emit(ctx, domain.Event{
			Type:    domain.EventWarning,
			Message: "WARNING: Cancel failed, keeping order: " + cancelErr.Error(),
			OrderID: wo.OrderID,
		})
		return false, nil
	}
}

func (c *Controller) place(ctx context.Context, price float64, qty int64) (string, error) {
	req := domain.OrderRequest{
		ExecutionID: c.state.ID,
		Symbol:      c.state.Symbol,
		Side:        c.state.Side,
		Quantity:    qty,
		Price:       price,
	}
	id, err := c.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: venue returned no order id", domain.ErrOrderRejected)
	}
	return id, nil
}

// observe advances fill accounting from a venue report of the working order.
func (c *Controller) observe(ctx context.Context, rep domain.OrderStatusReport) {
	c.mu.Lock()
	if c.state.WorkingOrder == nil || rep.OrderID != "" && rep.OrderID != c.state.WorkingOrder.OrderID {
		c.mu.Unlock()
		return
	}
	if rep.FilledQuantity <= c.orderFilled {
		c.mu.Unlock()
		return
	}
	delta := rep.FilledQuantity - c.orderFilled
	c.orderFilled = rep.FilledQuantity
	if delta > c.state.RemainingQuantity {
		delta = c.state.RemainingQuantity
	}
	c.state.FilledQuantity += delta
	c.state.RemainingQuantity -= delta
	filled, total := c.state.FilledQuantity, c.state.TotalQuantity
	orderID := c.state.WorkingOrder.OrderID
	if n := len(c.orders); n > 0 {
		c.orders[n-1].FilledQuantity = rep.FilledQuantity
		c.orders[n-1].Status = rep.Status
		c.orders[n-1].UpdatedAt = time.Now().UTC()
	}
	c.mu.Unlock()

	if delta <= 0 {
		return
	}
	c.emit(ctx, domain.Event{
		Type:     domain.EventFill,
		Message:  fmt.Sprintf("FILL: %d shares filled. Total: %d/%d", delta, filled, total),
		OrderID:  orderID,
		Quantity: delta,
	})
}

// retire drops the working order after it reached status.
func (c *Controller) retire(status domain.OrderStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.WorkingOrder == nil {
		return
	}
	c.baseFilled += c.orderFilled
	c.orderFilled = 0
	if n := len(c.orders); n > 0 {
		c.orders[n-1].Status = status
		c.orders[n-1].UpdatedAt = time.Now().UTC()
	}
	c.state.WorkingOrder = nil
}

func (c *Controller) setWorking(id string, price float64, qty int64, next domain.Alternation) {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.WorkingOrder = &domain.WorkingOrder{OrderID: id, Price: price, Quantity: qty, PlacedAt: now}
	c.state.Alternation = next
	c.orderFilled = 0
	c.orders = append(c.orders, domain.OrderRecord{
		OrderID:     id,
		ExecutionID: c.state.ID,
		Symbol:      c.state.Symbol,
		Side:        c.state.Side,
		Price:       price,
		Quantity:    qty,
		Status:      domain.OrderStatusWorking,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// finish moves the execution to PhaseDone, cancelling any working order when
// the execution did not fill.
func (c *Controller) finish(ctx context.Context, runErr error) (domain.ExecutionState, error) {
	bg := context.WithoutCancel(ctx)

	outcome := domain.OutcomeFilled
	switch {
	case runErr == nil && c.remaining() == 0:
	case runErr == nil, ctx.Err() != nil, errors.Is(runErr, context.Canceled):
		outcome = domain.OutcomeStopped
		runErr = nil
	default:
		outcome = domain.OutcomeFailed
	}

	if outcome == domain.OutcomeFilled {
		c.retire(domain.OrderStatusFilled)
	}
	if wo := c.working(); wo != nil {
		cctx, cancel := context.WithTimeout(bg, c.cfg.StopTimeout)
		err := c.gateway.CancelOrder(cctx, wo.OrderID)
		cancel()
		if err != nil {
			c.emit(bg, domain.Event{Type: domain.EventWarning, Message: "WARNING: Failed to cancel order on stop: " + err.Error(), OrderID: wo.OrderID})
		} else {
			c.retire(domain.OrderStatusCanceled)
			c.emit(bg, domain.Event{Type: domain.EventState, Message: "Order cancelled: ID " + wo.OrderID, OrderID: wo.OrderID})
		}
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.state.Phase = domain.PhaseDone
	c.state.Outcome = outcome
	c.state.FinishedAt = &now
	if runErr != nil {
		c.state.Error = runErr.Error()
	}
	if c.resumeCh != nil {
		close(c.resumeCh)
		c.resumeCh = nil
	}
	c.state.Control = domain.ControlActive
	c.mu.Unlock()

	switch outcome {
	case domain.OutcomeFilled:
		c.emit(bg, domain.Event{Type: domain.EventDone, Message: "Order fully filled!"})
	case domain.OutcomeStopped:
		c.emit(bg, domain.Event{Type: domain.EventStopped, Message: "Execution stopped"})
	default:
		c.emit(bg, domain.Event{Type: domain.EventError, Message: "ERROR: " + runErr.Error()})
	}
	c.emit(bg, domain.Event{Type: domain.EventState, Message: "Order management loop stopped"})

	c.logger.InfoContext(bg, "execution finished",
		slog.String("outcome", string(outcome)),
		slog.Int64("filled", c.filled()),
	)
	return c.State(), runErr
}

func (c *Controller) emit(ctx context.Context, ev domain.Event) {
	c.mu.Lock()
	ev.ExecutionID = c.state.ID
	ev.Symbol = c.state.Symbol
	ev.Side = c.state.Side
	ev.Phase = c.state.Phase
	ev.Filled = c.state.FilledQuantity
	ev.Remaining = c.state.RemainingQuantity
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if len(c.events) < maxReportEvents {
		c.events = append(c.events, ev)
	}
	c.mu.Unlock()

	c.sink.Emit(ctx, ev)
}

func (c *Controller) pausedCh() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Control != domain.ControlPaused {
		return nil
	}
	return c.resumeCh
}

func (c *Controller) working() *domain.WorkingOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.WorkingOrder == nil {
		return nil
	}
	wo := *c.state.WorkingOrder
	return &wo
}

func (c *Controller) remaining() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.RemainingQuantity
}

func (c *Controller) filled() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.FilledQuantity
}

func (c *Controller) alternation() domain.Alternation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Alternation
}

func (c *Controller) setPhase(p domain.Phase) {
	c.mu.Lock()
	c.state.Phase = p
	c.mu.Unlock()
}

func (c *Controller) setSource(src domain.DataSource) {
	c.mu.Lock()
	c.state.Source = src
	c.mu.Unlock()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
