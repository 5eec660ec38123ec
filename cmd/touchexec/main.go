// Command touchexec works a limit order at the touch until it is filled. It
// loads configuration, validates it, wires dependencies, sets up signal
// handling, and starts the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/touchexec/internal/app"
	"github.com/alanyoungcy/touchexec/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to TOML configuration file (optional)")
	mode := flag.String("mode", "", "override mode: execute, server, positions, book, check, encrypt-token")
	symbol := flag.String("symbol", "", "symbol for execute and book modes")
	side := flag.String("side", "", "BUY or SELL for execute mode")
	quantity := flag.Int64("qty", 0, "quantity for execute mode")
	levels := flag.Int("levels", 0, "depth levels for book mode")
	paper := flag.Bool("paper", false, "route orders to the simulated paper venue")
	flag.Parse()

	logger := newLogger("info", "json")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return 1
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *paper {
		cfg.Broker.Paper = true
	}

	logger = newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}
	if strings.EqualFold(cfg.Mode, "execute") && (*symbol == "" || *side == "" || *quantity <= 0) {
		fmt.Fprintln(os.Stderr, "usage: touchexec -mode execute -symbol SYMBOL -side BUY|SELL -qty N")
		return 2
	}

	logger.Debug("configuration", slog.Any("config", config.RedactedConfig(cfg)))
	logger.Info("touchexec starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, app.Options{
		Symbol:   *symbol,
		Side:     *side,
		Quantity: *quantity,
		Levels:   *levels,
	}, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}

	logger.Info("touchexec stopped")
	return 0
}

// newLogger builds the process logger. Logs go to stderr so the one-shot
// modes keep stdout for their output.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
