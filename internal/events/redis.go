package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const publishTimeout = time.Second

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	log     *slog.Logger
}

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(client redis.UniversalClient, channel string, log *slog.Logger) *RedisPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		log:     log.With(slog.String("component", "events")),
	}
}

// Publish sends ev. Failures are logged at debug level and dropped.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Debug("event encode failed", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.Debug("event publish failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// Subscription is an active Redis channel subscription.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Subscribe listens on channel and calls fn for every message until ctx is
// cancelled or Close is called. It returns once the subscription is
// confirmed by the server.
func Subscribe(ctx context.Context, client redis.UniversalClient, channel string, fn func(payload string)) (*Subscription, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	s := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	msgs := pubsub.Channel()
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				_ = s.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
	return s, nil
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

// Done is closed when the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
