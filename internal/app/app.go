// Package app provides the top-level application lifecycle management for
// touchexec. It wires together the broker, market data, stores, caches, blob
// storage and notifications, and runs the configured operating mode.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alanyoungcy/touchexec/internal/config"
)

// Options carries the command-line request for the one-shot modes.
type Options struct {
	Symbol   string
	Side     string
	Quantity int64
	Levels   int
	// Out receives the human-readable output of the one-shot modes.
	// Defaults to os.Stdout.
	Out io.Writer
}

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	opts    Options
	out     io.Writer
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, opts Options, logger *slog.Logger) *App {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Levels <= 0 {
		opts.Levels = cfg.Feed.Levels
	}
	return &App{
		cfg:    cfg,
		opts:   opts,
		out:    out,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, runs the selected mode, and blocks until it
// finishes or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", mode),
		slog.Bool("paper", a.cfg.Broker.Paper),
	)

	// encrypt-token only touches the token file.
	if mode == "encrypt-token" {
		return a.EncryptTokenMode(ctx)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode {
	case "execute":
		return a.ExecuteMode(ctx, deps)
	case "server":
		return a.ServerMode(ctx, deps)
	case "positions":
		return a.PositionsMode(ctx, deps)
	case "book":
		return a.BookMode(ctx, deps)
	case "check":
		return a.CheckMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
