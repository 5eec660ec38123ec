package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ domain.SignalBus = (*SignalBus)(nil)

// subscriberBuffer is the per-subscription channel capacity.
const subscriberBuffer = 128

// SignalBus implements domain.SignalBus using Redis Pub/Sub. Channel names
// are namespaced under the client's prefix.
type SignalBus struct {
	rdb    *redis.Client
	prefix string
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying(), prefix: c.prefix}
}

// Publish sends payload to channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, sb.channel(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel. Glob
// patterns use PSUBSCRIBE. The subscription and the returned channel are
// closed when ctx is cancelled.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.channel(channel)
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = sb.rdb.PSubscribe(ctx, name)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, name)
	}

	// Wait for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (sb *SignalBus) channel(name string) string {
	return joinKey(sb.prefix, "bus", name)
}

// hasPattern returns true when the channel includes glob-style wildcards.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}
