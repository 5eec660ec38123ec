package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

// ExecutionsChannel is the bus channel execution events are published on.
const ExecutionsChannel = "executions"

// Fanout delivers each event to every sink in order.
type Fanout []domain.EventSink

// Emit implements domain.EventSink.
func (f Fanout) Emit(ctx context.Context, ev domain.Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// LogSink writes every event as a structured log line. Warnings and errors
// are logged at their own level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "execution_events"))}
}

// Emit implements domain.EventSink.
func (s *LogSink) Emit(ctx context.Context, ev domain.Event) {
	attrs := []slog.Attr{
		slog.String("event", string(ev.Type)),
		slog.String("execution_id", ev.ExecutionID),
		slog.String("symbol", ev.Symbol),
	}
	if ev.Phase != "" {
		attrs = append(attrs, slog.String("phase", string(ev.Phase)))
	}
	if ev.OrderID != "" {
		attrs = append(attrs, slog.String("order_id", ev.OrderID))
	}
	if ev.Price != 0 {
		attrs = append(attrs, slog.Float64("price", ev.Price))
	}
	if ev.Quantity != 0 {
		attrs = append(attrs, slog.Int64("quantity", ev.Quantity))
	}
	if ev.Type == domain.EventFill || ev.Type == domain.EventDone {
		attrs = append(attrs, slog.Int64("filled", ev.Filled), slog.Int64("remaining", ev.Remaining))
	}

	level := slog.LevelInfo
	switch ev.Type {
	case domain.EventWarning:
		level = slog.LevelWarn
	case domain.EventError:
		level = slog.LevelError
	}
	s.logger.LogAttrs(ctx, level, ev.Message, attrs...)
}

// BusSink publishes every event as JSON on the signal bus so the HTTP
// server's websocket hub and other processes can follow executions.
type BusSink struct {
	bus     domain.SignalBus
	channel string
	logger  *slog.Logger
}

// NewBusSink creates a BusSink publishing on ExecutionsChannel.
func NewBusSink(bus domain.SignalBus, logger *slog.Logger) *BusSink {
	return &BusSink{
		bus:     bus,
		channel: ExecutionsChannel,
		logger:  logger.With(slog.String("component", "event_bus_sink")),
	}
}

// Emit implements domain.EventSink.
func (s *BusSink) Emit(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(context.WithoutCancel(ctx), s.channel, payload); err != nil {
		s.logger.Warn("publish event failed",
			slog.String("execution_id", ev.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}
