package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/touchexec/internal/book"
	"github.com/alanyoungcy/touchexec/internal/crypto"
	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/alanyoungcy/touchexec/internal/executor"
	"github.com/alanyoungcy/touchexec/internal/feed"
	"github.com/alanyoungcy/touchexec/internal/server"
	"github.com/alanyoungcy/touchexec/internal/server/handler"
	"github.com/alanyoungcy/touchexec/internal/server/ws"
)

// bookWait bounds how long book mode waits for the first depth update after
// the warm-up.
const bookWait = 5 * time.Second

// ExecuteMode runs one execution from the command-line request and exits
// when it is done. Cancelling ctx stops the execution and cancels its
// working order.
func (a *App) ExecuteMode(ctx context.Context, deps *Dependencies) error {
	side, err := domain.ParseSide(a.opts.Side)
	if err != nil {
		return fmt.Errorf("execute mode: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	a.startRunners(runCtx, g, deps)
	mgr := a.newManager(deps)
	g.Go(func() error { return quiet(mgr.Run(runCtx)) })

	select {
	case <-mgr.Ready():
	case <-runCtx.Done():
		stop()
		return g.Wait()
	}

	st, err := mgr.Start(runCtx, a.opts.Symbol, side, a.opts.Quantity)
	if err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("execute mode: %w", err)
	}
	a.logger.InfoContext(ctx, "execution started",
		slog.String("execution_id", st.ID),
		slog.String("symbol", st.Symbol),
		slog.String("side", string(st.Side)),
		slog.Int64("quantity", st.TotalQuantity),
	)

	_, _ = mgr.Wait(runCtx, st.ID)
	stop()
	if err := g.Wait(); err != nil {
		return fmt.Errorf("execute mode: %w", err)
	}

	final, err := mgr.Get(context.WithoutCancel(ctx), st.ID)
	if err != nil {
		return fmt.Errorf("execute mode: %w", err)
	}
	fmt.Fprintf(a.out, "%s %s %s: %d/%d filled (%s)\n",
		final.ID, final.Side, final.Symbol, final.FilledQuantity, final.TotalQuantity, final.Outcome)
	if final.Outcome == domain.OutcomeFailed {
		return fmt.Errorf("execute mode: execution failed: %s", final.Error)
	}
	return nil
}

// ServerMode runs the execution manager behind the HTTP control API until
// ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startRunners(ctx, g, deps)
	mgr := a.newManager(deps)
	g.Go(func() error { return quiet(mgr.Run(ctx)) })

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, ws.Config{Mode: a.cfg.Mode, StartedAt: time.Now().UTC()}, a.logger)
		g.Go(func() error { return hub.Run(ctx) })
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks),
		Executions: handler.NewExecutionHandler(mgr, deps.ExecutionStore, a.logger),
		Positions:  handler.NewPositionHandler(deps.Positions),
		Book:       handler.NewBookHandler(deps.Book, deps.BookCache, subscriber(deps)),
	}
	if deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, a.cfg.S3.Prefix)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// PositionsMode prints the account's net exposure.
func (a *App) PositionsMode(ctx context.Context, deps *Dependencies) error {
	exposure, err := deps.Positions.Exposure(ctx)
	if err != nil {
		return fmt.Errorf("positions mode: %w", err)
	}
	if len(exposure) == 0 {
		fmt.Fprintln(a.out, "No positions")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tTYPE\tQUANTITY\tMARKET VALUE")
	for _, e := range exposure {
		fmt.Fprintf(tw, "%s\t%s\t%g\t$%.2f\n", e.Symbol, e.AssetType, e.Quantity, e.MarketValue)
	}
	return tw.Flush()
}

// BookMode subscribes one symbol, waits for its depth and prints it. Without
// a depth stream it reads the shared redis mirror instead.
func (a *App) BookMode(ctx context.Context, deps *Dependencies) error {
	symbol := domain.NormalizeSymbol(a.opts.Symbol)
	if symbol == "" {
		return fmt.Errorf("book mode: %w: symbol is required", domain.ErrInvalidOrder)
	}

	if deps.Depth == nil {
		if deps.BookCache == nil {
			return fmt.Errorf("book mode: no depth stream or book cache configured")
		}
		d, err := feed.CachedDepth(ctx, deps.BookCache, symbol, a.opts.Levels)
		if err != nil {
			return fmt.Errorf("book mode: %w", err)
		}
		fmt.Fprint(a.out, book.Format(d))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()
	a.startRunners(runCtx, g, deps)

	d, err := a.awaitDepth(runCtx, deps, symbol)
	stop()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return fmt.Errorf("book mode: %w", err)
	}
	fmt.Fprint(a.out, book.Format(d))
	return nil
}

// CheckMode verifies broker credentials: account discovery and one quote.
func (a *App) CheckMode(ctx context.Context, deps *Dependencies) error {
	const probe = "SPY"

	if deps.Account != nil {
		accounts, err := deps.Account.AccountNumbers(ctx)
		if err != nil {
			return fmt.Errorf("check mode: accounts: %w", err)
		}
		fmt.Fprintf(a.out, "Accounts: %d\n", len(accounts))
		for _, acct := range accounts {
			fmt.Fprintf(a.out, "  %s\n", maskAccount(acct.AccountNumber))
		}
	} else {
		fmt.Fprintln(a.out, "Broker: paper venue")
	}

	q, err := deps.Broker.GetQuote(ctx, probe)
	if err != nil {
		if deps.Paper != nil && errors.Is(err, domain.ErrNotFound) {
			fmt.Fprintf(a.out, "Quote %s: not configured\n", probe)
			return nil
		}
		return fmt.Errorf("check mode: quote %s: %w", probe, err)
	}
	fmt.Fprintf(a.out, "Quote %s: bid $%.2f x %g, ask $%.2f x %g\n", probe, q.Bid, q.BidSize, q.Ask, q.AskSize)
	fmt.Fprintln(a.out, "Connection OK")
	return nil
}

// EncryptTokenMode encrypts the broker token file in place.
func (a *App) EncryptTokenMode(ctx context.Context) error {
	path := a.cfg.Broker.TokenPath
	if err := crypto.EncryptFile(path, a.cfg.Broker.TokenPassword); err != nil {
		return fmt.Errorf("encrypt-token mode: %w", err)
	}
	a.logger.InfoContext(ctx, "token file encrypted", slog.String("path", path))
	fmt.Fprintf(a.out, "Encrypted %s\n", path)
	return nil
}

// ---- Internal helpers ----

func (a *App) newManager(deps *Dependencies) *executor.Manager {
	ex := a.cfg.Execution
	return executor.NewManager(executor.ManagerDeps{
		Gateway:    deps.Gateway,
		Source:     deps.Source,
		Sink:       deps.Sink,
		Executions: deps.ExecutionStore,
		Archiver:   deps.Archiver,
		Locks:      deps.LockManager,
		Feed:       subscriber(deps),
	}, executor.ManagerConfig{
		Loop: executor.Config{
			Cadence:     ex.Cadence.Duration,
			SettleDelay: ex.SettleDelay.Duration,
			RetryDelay:  ex.RetryDelay.Duration,
			StopTimeout: ex.StopTimeout.Duration,
		},
		Warmup:   a.cfg.Feed.Warmup.Duration,
		LockTTL:  ex.LockTTL.Duration,
		DedupTTL: ex.DedupTTL.Duration,
		Retain:   ex.RetainFinished,
	}, a.logger)
}

func (a *App) startRunners(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	for _, run := range deps.Runners {
		g.Go(func() error { return quiet(run(ctx)) })
	}
}

// awaitDepth subscribes symbol and polls the book until both sides are
// present.
func (a *App) awaitDepth(ctx context.Context, deps *Dependencies, symbol string) (domain.Depth, error) {
	if _, err := deps.Depth.Subscribe(ctx, symbol); err != nil {
		return domain.Depth{}, err
	}

	deadline := time.NewTimer(a.cfg.Feed.Warmup.Duration + bookWait)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if d, ok := deps.Book.Depth(symbol, a.opts.Levels); ok && len(d.Bids) > 0 && len(d.Asks) > 0 {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return domain.Depth{}, ctx.Err()
		case <-deadline.C:
			d, _ := deps.Book.Depth(symbol, a.opts.Levels)
			d.Symbol = symbol
			return d, nil
		case <-ticker.C:
		}
	}
}

// subscriber returns the depth feed as an executor.Subscriber, or nil.
func subscriber(deps *Dependencies) executor.Subscriber {
	if deps.Depth == nil {
		return nil
	}
	return deps.Depth
}

// quiet maps a clean shutdown to nil so errgroup reports real failures only.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func maskAccount(n string) string {
	if len(n) <= 4 {
		return n
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}
