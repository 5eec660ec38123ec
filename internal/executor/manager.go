package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/google/uuid"
)

// ErrNotRunning is returned by Start before Run has been called or after it
// returned.
var ErrNotRunning = errors.New("executor: manager not running")

// Subscriber requests streaming depth for a symbol. fresh reports whether
// this call created the subscription, in which case the book needs a
// warm-up before its first read.
type Subscriber interface {
	Subscribe(ctx context.Context, symbol string) (fresh bool, err error)
}

// ManagerDeps are the collaborators shared by every execution. Only Gateway
// and Source are required.
type ManagerDeps struct {
	Gateway    domain.OrderGateway
	Source     domain.MarketDataSource
	Sink       domain.EventSink
	Executions domain.ExecutionStore
	Archiver   domain.ReportArchiver
	Locks      domain.LockManager
	Feed       Subscriber
}

// ManagerConfig tunes the manager.
type ManagerConfig struct {
	Loop     Config
	Warmup   time.Duration // wait after a fresh depth subscription
	LockTTL  time.Duration // lifetime of the per-symbol distributed lock
	DedupTTL time.Duration // how long idempotency keys are remembered
	Retain   int           // finished executions kept in memory
}

// Manager starts and tracks executions. At most one execution per symbol is
// active at a time, in process and, when Locks is set, across processes.
type Manager struct {
	deps   ManagerDeps
	cfg    ManagerConfig
	logger *slog.Logger
	keys   *Dedup
	keyMu  sync.Mutex

	mu     sync.Mutex
	base   context.Context
	execs  map[string]*Controller
	active map[string]string // symbol -> execution ID
	wg     sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once
}

// NewManager creates a Manager. Call Run before Start.
func NewManager(deps ManagerDeps, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 12 * time.Hour
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 256
	}
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "execution_manager")),
		keys:   NewDedup(cfg.DedupTTL),
		execs:  make(map[string]*Controller),
		active: make(map[string]string),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once Run accepts executions.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Run makes the manager accept executions until ctx is cancelled, then stops
// every active execution and waits for them to finish.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
	m.readyOnce.Do(func() { close(m.ready) })

	m.logger.Info("execution manager started")
	ticker := time.NewTicker(m.cfg.DedupTTL)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			m.keys.Cleanup()
		}
	}

	m.mu.Lock()
	m.base = nil
	for _, c := range m.execs {
		c.Stop()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("execution manager stopped")
	return ctx.Err()
}

// Start validates the request, claims the symbol, and launches the execution
// loop in the background. ctx only bounds the setup calls.
func (m *Manager) Start(ctx context.Context, symbol string, side domain.Side, quantity int64) (domain.ExecutionState, error) {
	symbol = domain.NormalizeSymbol(symbol)
	id := uuid.New().String()

	ctrl, err := NewController(
		Params{ID: id, Symbol: symbol, Side: side, Quantity: quantity},
		m.deps.Gateway, m.deps.Source, m.deps.Sink, m.cfg.Loop, m.logger,
	)
	if err != nil {
		return domain.ExecutionState{}, err
	}

	m.mu.Lock()
	base := m.base
	if base == nil {
		m.mu.Unlock()
		return domain.ExecutionState{}, ErrNotRunning
	}
	if other, ok := m.active[symbol]; ok {
		m.mu.Unlock()
		return domain.ExecutionState{}, fmt.Errorf("executor: %s (execution %s): %w", symbol, other, domain.ErrExecutionExists)
	}
	m.active[symbol] = id
	m.execs[id] = ctrl
	m.wg.Add(1)
	m.mu.Unlock()

	unlock := func() {}
	if m.deps.Locks != nil {
		u, err := m.deps.Locks.Acquire(ctx, "exec:"+symbol, m.cfg.LockTTL)
		if err != nil {
			m.release(id, symbol, true)
			if errors.Is(err, domain.ErrLockHeld) {
				return domain.ExecutionState{}, fmt.Errorf("executor: %s held by another process: %w", symbol, domain.ErrExecutionExists)
			}
			return domain.ExecutionState{}, fmt.Errorf("executor: lock %s: %w", symbol, err)
		}
		unlock = u
	}

	m.persist(ctx, ctrl.State())

	go m.run(base, ctrl, unlock)
	return ctrl.State(), nil
}

// StartKeyed is Start with a client idempotency key. A key seen within the
// dedup window returns the execution it created and created=false.
func (m *Manager) StartKeyed(ctx context.Context, key, symbol string, side domain.Side, quantity int64) (st domain.ExecutionState, created bool, err error) {
	if key == "" {
		st, err = m.Start(ctx, symbol, side, quantity)
		return st, err == nil, err
	}

	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	if id, ok := m.keys.Lookup(key); ok {
		st, err = m.Get(ctx, id)
		return st, false, err
	}
	st, err = m.Start(ctx, symbol, side, quantity)
	if err != nil {
		return st, false, err
	}
	m.keys.Remember(key, st.ID)
	return st, true, nil
}

func (m *Manager) run(ctx context.Context, ctrl *Controller, unlock func()) {
	defer m.wg.Done()
	st := ctrl.State()
	log := m.logger.With(slog.String("execution_id", st.ID), slog.String("symbol", st.Symbol))

	defer func() {
		unlock()
		m.release(st.ID, st.Symbol, false)
	}()

	if m.deps.Feed != nil {
		fresh, err := m.deps.Feed.Subscribe(ctx, st.Symbol)
		switch {
		case err != nil:
			log.Warn("depth subscription failed, using quotes", slog.String("error", err.Error()))
		case fresh && m.cfg.Warmup > 0:
			if m.deps.Sink != nil {
				m.deps.Sink.Emit(ctx, domain.Event{
					Type:        domain.EventState,
					ExecutionID: st.ID,
					Symbol:      st.Symbol,
					Side:        st.Side,
					Phase:       st.Phase,
					Remaining:   st.RemainingQuantity,
					Message:     "Subscribed to Level 2 data for " + st.Symbol,
					Time:        time.Now().UTC(),
				})
			}
			if err := sleep(ctx, m.cfg.Warmup); err != nil {
				log.Debug("warm-up interrupted")
			}
		}
	}

	final, err := ctrl.Run(ctx)
	if err != nil {
		log.Error("execution failed", slog.String("error", err.Error()))
	}

	bg := context.WithoutCancel(ctx)
	m.persist(bg, final)
	if m.deps.Archiver != nil {
		path, err := m.deps.Archiver.ArchiveReport(bg, ctrl.Report())
		if err != nil {
			log.Warn("archive report failed", slog.String("error", err.Error()))
		} else {
			log.Info("execution report archived", slog.String("path", path))
		}
	}
	m.prune()
}

// prune drops the oldest finished executions beyond cfg.Retain. Dropped
// executions remain readable through the store.
func (m *Manager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finished []domain.ExecutionState
	for _, c := range m.execs {
		select {
		case <-c.Done():
			finished = append(finished, c.State())
		default:
		}
	}
	if len(finished) <= m.cfg.Retain {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		a, b := finished[i].FinishedAt, finished[j].FinishedAt
		return a != nil && b != nil && a.Before(*b)
	})
	for _, st := range finished[:len(finished)-m.cfg.Retain] {
		delete(m.execs, st.ID)
	}
}

func (m *Manager) release(id, symbol string, drop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[symbol] == id {
		delete(m.active, symbol)
	}
	if drop {
		delete(m.execs, id)
		m.wg.Done()
	}
}

func (m *Manager) persist(ctx context.Context, st domain.ExecutionState) {
	if m.deps.Executions == nil {
		return
	}
	if err := m.deps.Executions.Upsert(ctx, st); err != nil {
		m.logger.Warn("persist execution failed",
			slog.String("execution_id", st.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) get(id string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.execs[id]
	if !ok {
		return nil, fmt.Errorf("executor: execution %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// Pause suspends repricing of execution id.
func (m *Manager) Pause(id string) (domain.ExecutionState, error) {
	c, err := m.get(id)
	if err != nil {
		return domain.ExecutionState{}, err
	}
	if err := c.Pause(); err != nil {
		return c.State(), err
	}
	m.emitControl(c, "Execution paused")
	return c.State(), nil
}

// Resume continues execution id.
func (m *Manager) Resume(id string) (domain.ExecutionState, error) {
	c, err := m.get(id)
	if err != nil {
		return domain.ExecutionState{}, err
	}
	if err := c.Resume(); err != nil {
		return c.State(), err
	}
	m.emitControl(c, "Execution resumed")
	return c.State(), nil
}

// Stop requests execution id to stop and returns without waiting.
func (m *Manager) Stop(id string) (domain.ExecutionState, error) {
	c, err := m.get(id)
	if err != nil {
		return domain.ExecutionState{}, err
	}
	c.Stop()
	return c.State(), nil
}

// Wait blocks until execution id finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (domain.ExecutionState, error) {
	c, err := m.get(id)
	if err != nil {
		return domain.ExecutionState{}, err
	}
	select {
	case <-ctx.Done():
		return c.State(), ctx.Err()
	case <-c.Done():
		return c.State(), nil
	}
}

// Get returns the state of execution id, falling back to the store for
// executions started by an earlier process.
func (m *Manager) Get(ctx context.Context, id string) (domain.ExecutionState, error) {
	if c, err := m.get(id); err == nil {
		return c.State(), nil
	}
	if m.deps.Executions == nil {
		return domain.ExecutionState{}, fmt.Errorf("executor: execution %s: %w", id, domain.ErrNotFound)
	}
	return m.deps.Executions.GetByID(ctx, id)
}

// Report returns the in-memory report of execution id.
func (m *Manager) Report(id string) (domain.ExecutionReport, error) {
	c, err := m.get(id)
	if err != nil {
		return domain.ExecutionReport{}, err
	}
	return c.Report(), nil
}

// List returns every execution known to this process, newest first.
func (m *Manager) List() []domain.ExecutionState {
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.execs))
	for _, c := range m.execs {
		ctrls = append(ctrls, c)
	}
	m.mu.Unlock()

	out := make([]domain.ExecutionState, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) emitControl(c *Controller, msg string) {
	if m.deps.Sink == nil {
		return
	}
	st := c.State()
	m.deps.Sink.Emit(context.Background(), domain.Event{
		Type:        domain.EventState,
		ExecutionID: st.ID,
		Symbol:      st.Symbol,
		Side:        st.Side,
		Phase:       st.Phase,
		Filled:      st.FilledQuantity,
		Remaining:   st.RemainingQuantity,
		Message:     msg,
		Time:        time.Now().UTC(),
	})
}
