package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	pkglog "github.com/weiawesome/thumbing/pkg/log"
)

// subscriberBuffer is how many events a slow reader may fall behind before
// new ones are dropped.
const subscriberBuffer = 100

// RedisPubSub implements PubSub over Redis PUBLISH/SUBSCRIBE. Delivery is
// fire-and-forget: subscribers only see events published while they listen.
type RedisPubSub struct {
	client        redis.UniversalClient
	subscriptions map[string]*redis.PubSub
	mu            sync.Mutex
}

// NewRedisPubSub wraps client. The caller keeps ownership of the client.
func NewRedisPubSub(client redis.UniversalClient) *RedisPubSub {
	return &RedisPubSub{
		client:        client,
		subscriptions: make(map[string]*redis.PubSub),
	}
}

// Publish publishes event to channel.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to channel and returns once Redis has acknowledged
// the subscription, so events published afterwards are not missed.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	r.mu.Lock()
	if prev, ok := r.subscriptions[channel]; ok {
		_ = prev.Close()
	}
	r.subscriptions[channel] = ps
	r.mu.Unlock()

	eventCh := make(chan *Event, subscriberBuffer)
	go r.processMessages(ctx, channel, ps, eventCh)
	return eventCh, nil
}

// Unsubscribe closes the subscription to channel, if any.
func (r *RedisPubSub) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ps, ok := r.subscriptions[channel]; ok {
		delete(r.subscriptions, channel)
		return ps.Close()
	}
	return nil
}

// Close closes every subscription. The Redis client is left open.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for channel, ps := range r.subscriptions {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.subscriptions, channel)
	}
	return firstErr
}

func (r *RedisPubSub) processMessages(ctx context.Context, channel string, ps *redis.PubSub, eventCh chan<- *Event) {
	defer close(eventCh)
	l := pkglog.L().With().Str("channel", channel).Logger()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				l.Warn().Err(err).Msg("dropping malformed pubsub message")
				continue
			}

			select {
			case eventCh <- &event:
			case <-ctx.Done():
				return
			default:
				l.Warn().Str("type", event.Type).Msg("subscriber buffer full, dropping event")
			}
		}
	}
}
