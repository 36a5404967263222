package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokergate/internal/domain"
	"brokergate/internal/event"
	"brokergate/internal/metrics"
	"brokergate/internal/util"
)

type published struct {
	channel string
	payload []byte
}

type fakeRedis struct {
	mu       sync.Mutex
	failures int
	calls    int
	messages []published
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return redis.NewIntResult(0, errors.New("connection reset"))
	}
	f.messages = append(f.messages, published{channel: channel, payload: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

func runPublisher(t *testing.T, p *RedisPublisher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestPublishesHubEvents(t *testing.T) {
	fake := &fakeRedis{}
	hub := event.NewHub()
	p := newRedisPublisher(fake, "bg", 8, nil, nil)
	p.Attach(hub)
	stop := runPublisher(t, p)
	defer stop()

	at := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	hub.Lifecycle.Publish(domain.LifecycleEvent{LocalID: "L1", New: domain.OrderStatusPending, Version: 1, At: at})
	hub.Breaker.Publish(domain.BreakerEvent{Tripped: true, Reason: domain.TripDailyLoss, At: at})

	require.Eventually(t, func() bool { return len(fake.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := fake.Messages()
	assert.Equal(t, "bg.lifecycle", msgs[0].channel)
	assert.Equal(t, "bg.breaker", msgs[1].channel)

	var env struct {
		Kind string                `json:"kind"`
		At   time.Time             `json:"timestamp"`
		Data domain.LifecycleEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].payload, &env))
	assert.Equal(t, event.KindLifecycle, env.Kind)
	assert.Equal(t, "L1", env.Data.LocalID)
	assert.Equal(t, uint64(1), env.Data.Version)
	assert.True(t, env.At.Equal(at))
}

func TestPublishRetries(t *testing.T) {
	fake := &fakeRedis{failures: 2}
	p := newRedisPublisher(fake, "", 8, nil, nil)
	p.backoff = util.Backoff{Base: time.Millisecond, Max: time.Millisecond}

	require.NoError(t, p.publish(context.Background(), event.Envelope{Kind: event.KindSession}))
	assert.Equal(t, 3, fake.calls)
	assert.Equal(t, "brokergate.session", fake.Messages()[0].channel)
}

func TestPublishGivesUp(t *testing.T) {
	fake := &fakeRedis{failures: 10}
	p := newRedisPublisher(fake, "", 8, nil, nil)
	p.backoff = util.Backoff{Base: time.Millisecond, Max: time.Millisecond}

	assert.Error(t, p.publish(context.Background(), event.Envelope{Kind: event.KindRisk}))
	assert.Equal(t, publishAttempts, fake.calls)
}

func TestQueueOverflowDrops(t *testing.T) {
	counters := metrics.NewCounters()
	hub := event.NewHub()
	p := newRedisPublisher(&fakeRedis{}, "", 1, counters, nil)
	p.Attach(hub)
	defer p.Detach()

	for i := 0; i < 4; i++ {
		hub.Session.Publish(domain.SessionEvent{Current: domain.SessionConnected})
	}
	assert.Equal(t, int64(3), counters.Get(metrics.PublishDropped, "kind", event.KindSession))
}
