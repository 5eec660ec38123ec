// Package notify delivers execution events to operators. Every event is
// logged; selected event types are also published on the signal bus and
// pushed to chat senders (Telegram, Discord).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

var _ domain.EventSink = (*Notifier)(nil)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// DefaultEvents are forwarded to senders when no filter is configured.
var DefaultEvents = []string{
	string(domain.EventDone),
	string(domain.EventStopped),
	string(domain.EventError),
}

// Notifier pushes execution events to chat senders. Only event types in the
// allowed set are forwarded.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	timeout time.Duration
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewNotifier creates a Notifier for senders. An empty events list selects
// DefaultEvents; "*" allows every type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if len(events) == 0 {
		events = DefaultEvents
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.ToLower(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		timeout: senderTimeout,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Allowed reports whether events of type t are forwarded.
func (n *Notifier) Allowed(t domain.EventType) bool {
	return n.events["*"] || n.events[string(t)]
}

// Emit forwards ev to every sender in the background so a slow chat API
// never stalls an execution loop.
func (n *Notifier) Emit(ctx context.Context, ev domain.Event) {
	if len(n.senders) == 0 || !n.Allowed(ev.Type) {
		return
	}
	title := Title(ev)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		_ = n.dispatch(sendCtx, title, ev.Message)
	}()
}

// Notify sends title and message to all senders regardless of the filter.
func (n *Notifier) Notify(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Close waits for in-flight deliveries.
func (n *Notifier) Close() {
	n.wg.Wait()
}

// Title renders the headline for an event, e.g. "AAPL BUY done".
func Title(ev domain.Event) string {
	parts := make([]string, 0, 3)
	if ev.Symbol != "" {
		parts = append(parts, ev.Symbol)
	}
	if ev.Side != "" {
		parts = append(parts, string(ev.Side))
	}
	parts = append(parts, string(ev.Type))
	return strings.Join(parts, " ")
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
