// Package publish forwards core events to Redis pub/sub so dashboards and
// other processes can follow order flow without touching the core.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"brokergate/internal/config"
	"brokergate/internal/event"
	"brokergate/internal/metrics"
	"brokergate/internal/util"
)

const publishAttempts = 3

// redisClient is the part of *redis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// NewRedisClient creates a client from the redis config section.
func NewRedisClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisPublisher publishes hub events as Envelopes on "<prefix>.<kind>"
// channels. Handlers enqueue; Run publishes with a short retry. A full
// queue drops the event.
type RedisPublisher struct {
	client  redisClient
	prefix  string
	queue   chan event.Envelope
	backoff util.Backoff
	metrics metrics.Sink
	log     *slog.Logger

	mu     sync.Mutex
	unsubs []func()
}

// NewRedisPublisher creates a publisher on rdb.
func NewRedisPublisher(rdb *redis.Client, prefix string, buffer int, sink metrics.Sink, log *slog.Logger) *RedisPublisher {
	return newRedisPublisher(rdb, prefix, buffer, sink, log)
}

func newRedisPublisher(c redisClient, prefix string, buffer int, sink metrics.Sink, log *slog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = "brokergate"
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisPublisher{
		client:  c,
		prefix:  prefix,
		queue:   make(chan event.Envelope, buffer),
		backoff: util.Backoff{Base: 50 * time.Millisecond, Factor: 2, Max: time.Second},
		metrics: sink,
		log:     log.With("component", "publisher"),
	}
}

// Channel returns the channel name for kind.
func (p *RedisPublisher) Channel(kind string) string {
	return p.prefix + "." + kind
}

// Attach subscribes to every stream of hub.
func (p *RedisPublisher) Attach(hub *event.Hub) {
	unsub := hub.SubscribeAll(p.enqueue)
	p.mu.Lock()
	p.unsubs = append(p.unsubs, unsub)
	p.mu.Unlock()
}

// Detach removes every hub subscription.
func (p *RedisPublisher) Detach() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (p *RedisPublisher) enqueue(env event.Envelope) {
	select {
	case p.queue <- env:
	default:
		p.metrics.Incr(metrics.PublishDropped, 1, "kind", env.Kind)
		p.log.Warn("publish queue full, event dropped", "kind", env.Kind)
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-p.queue:
			if err := p.publish(ctx, env); err != nil && ctx.Err() == nil {
				p.metrics.Incr(metrics.PublishDropped, 1, "kind", env.Kind)
				p.log.Error("publish failed", "kind", env.Kind, "error", err)
			}
		}
	}
}

func (p *RedisPublisher) publish(ctx context.Context, env event.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", env.Kind, err)
	}
	channel := p.Channel(env.Kind)
	return util.Retry(ctx, publishAttempts, p.backoff, nil, func() error {
		return p.client.Publish(ctx, channel, payload).Err()
	})
}
