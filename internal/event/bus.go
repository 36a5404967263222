// Package event provides the in-process fan-out used to hand lifecycle,
// session, risk and breaker events to persistence, publishing and metrics
// collaborators.
package event

import (
	"sort"
	"sync"
	"time"

	"brokergate/internal/domain"
)

// Bus delivers each published value to every subscriber, synchronously and
// in subscription order. Handlers must return quickly; slow consumers should
// queue internally.
type Bus[T any] struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(T)
}

// NewBus creates an empty Bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{handlers: make(map[int]func(T))}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus[T]) Subscribe(h func(T)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// SubscribeChan returns a buffered channel fed with published values. Values
// are dropped when the channel is full.
func (b *Bus[T]) SubscribeChan(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	unsub := b.Subscribe(func(v T) {
		select {
		case ch <- v:
		default:
		}
	})
	return ch, unsub
}

// Publish hands v to every subscriber.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]func(T), len(ids))
	for i, id := range ids {
		hs[i] = b.handlers[id]
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(v)
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Hub groups the outbound event streams of the core.
type Hub struct {
	Lifecycle     *Bus[domain.LifecycleEvent]
	Session       *Bus[domain.SessionEvent]
	Risk          *Bus[domain.RiskRejectionEvent]
	Breaker       *Bus[domain.BreakerEvent]
	Inconsistency *Bus[domain.InconsistencyEvent]
}

// NewHub creates a Hub with empty buses.
func NewHub() *Hub {
	return &Hub{
		Lifecycle:     NewBus[domain.LifecycleEvent](),
		Session:       NewBus[domain.SessionEvent](),
		Risk:          NewBus[domain.RiskRejectionEvent](),
		Breaker:       NewBus[domain.BreakerEvent](),
		Inconsistency: NewBus[domain.InconsistencyEvent](),
	}
}

// Event kinds carried in Envelope.Kind.
const (
	KindLifecycle     = "lifecycle"
	KindSession       = "session"
	KindRisk          = "risk"
	KindBreaker       = "breaker"
	KindInconsistency = "inconsistency"
)

// Kinds lists every event kind in a stable order.
var Kinds = []string{KindLifecycle, KindSession, KindRisk, KindBreaker, KindInconsistency}

// Envelope wraps one hub event with its kind and timestamp.
type Envelope struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"timestamp"`
	Data any       `json:"data"`
}

// SubscribeAll registers fn on every bus of the hub and returns a function
// removing all of those subscriptions.
func (h *Hub) SubscribeAll(fn func(Envelope)) (unsubscribe func()) {
	unsubs := []func(){
		h.Lifecycle.Subscribe(func(ev domain.LifecycleEvent) { fn(Envelope{Kind: KindLifecycle, At: ev.At, Data: ev}) }),
		h.Session.Subscribe(func(ev domain.SessionEvent) { fn(Envelope{Kind: KindSession, At: ev.At, Data: ev}) }),
		h.Risk.Subscribe(func(ev domain.RiskRejectionEvent) { fn(Envelope{Kind: KindRisk, At: ev.At, Data: ev}) }),
		h.Breaker.Subscribe(func(ev domain.BreakerEvent) { fn(Envelope{Kind: KindBreaker, At: ev.At, Data: ev}) }),
		h.Inconsistency.Subscribe(func(ev domain.InconsistencyEvent) { fn(Envelope{Kind: KindInconsistency, At: ev.At, Data: ev}) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
