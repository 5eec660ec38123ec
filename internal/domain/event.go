package domain

import (
	"context"
	"time"
)

// EventType classifies execution progress notifications.
type EventType string

const (
	EventState     EventType = "state"
	EventPlacement EventType = "placement"
	EventFill      EventType = "fill"
	EventReprice   EventType = "reprice"
	EventWarning   EventType = "warning"
	EventError     EventType = "error"
	EventDone      EventType = "done"
	EventStopped   EventType = "stopped"
	EventPosition  EventType = "position"
)

// Event is a single progress notification. Message is the human-readable
// line; the remaining fields carry the structured context.
type Event struct {
	Type        EventType  `json:"event"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Symbol      string     `json:"symbol,omitempty"`
	Side        Side       `json:"side,omitempty"`
	Phase       Phase      `json:"phase,omitempty"`
	Message     string     `json:"message"`
	OrderID     string     `json:"order_id,omitempty"`
	Price       float64    `json:"price,omitempty"`
	Quantity    int64      `json:"quantity,omitempty"`
	Filled      int64      `json:"filled,omitempty"`
	Remaining   int64      `json:"remaining,omitempty"`
	Positions   []Position `json:"positions,omitempty"`
	Time        time.Time  `json:"time"`
}

// EventSink receives execution events. Implementations must not block the
// caller for long; delivery failures are the sink's concern.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }
