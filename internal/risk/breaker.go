package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"brokergate/internal/domain"
	"brokergate/internal/event"
	"brokergate/internal/metrics"
)

// OperatorCooldown is the operator recorded when a trip expires on its own.
const OperatorCooldown = "cooldown"

// Breaker halts all order flow after a daily loss breach or an abnormal
// broker rejection rate. It stays open until Reset, except that rejection
// rate trips close by themselves once the configured cooldown has passed.
type Breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       domain.BreakerState
	submissions []time.Time
	rejections  []time.Time

	hub     *event.Hub
	metrics metrics.Sink
	log     *slog.Logger
	now     func() time.Time
}

// NewBreaker creates a closed Breaker.
func NewBreaker(cfg BreakerConfig, hub *event.Hub, sink metrics.Sink, log *slog.Logger) *Breaker {
	if hub == nil {
		hub = event.NewHub()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		cfg:     cfg,
		hub:     hub,
		metrics: sink,
		log:     log.With("component", "breaker"),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// State returns the current state, closing an expired rejection-rate trip.
func (b *Breaker) State() domain.BreakerState {
	b.mu.Lock()
	ev := b.expireLocked(b.now())
	st := b.state
	b.mu.Unlock()
	b.publish(ev)
	return st
}

// Open reports whether orders are currently halted.
func (b *Breaker) Open() (domain.BreakerState, bool) {
	st := b.State()
	return st, st.Tripped
}

// Trip opens the breaker. Tripping an open breaker is a no-op.
func (b *Breaker) Trip(reason domain.TripReason, detail string) {
	b.mu.Lock()
	ev := b.tripLocked(reason, detail, b.now())
	b.mu.Unlock()
	b.publish(ev)
}

// Reset closes the breaker on behalf of operator and clears the rejection
// window.
func (b *Breaker) Reset(operator string) {
	b.mu.Lock()
	if !b.state.Tripped {
		b.mu.Unlock()
		return
	}
	ev := b.closeLocked(operator, b.now())
	b.mu.Unlock()
	b.publish(ev)
}

// RecordSubmission counts an order handed to the broker.
func (b *Breaker) RecordSubmission(at time.Time) {
	b.mu.Lock()
	b.submissions = append(b.submissions, at)
	b.pruneLocked(at)
	b.mu.Unlock()
}

// RecordRejection counts a broker rejection and trips the breaker when the
// rejection count or ratio within the window crosses its threshold.
func (b *Breaker) RecordRejection(at time.Time) {
	b.mu.Lock()
	b.rejections = append(b.rejections, at)
	b.pruneLocked(at)

	var ev *domain.BreakerEvent
	if !b.state.Tripped {
		if detail, ok := b.rejectionBreachLocked(); ok {
			ev = b.tripLocked(domain.TripRejectionRate, detail, at)
		}
	}
	b.mu.Unlock()
	b.publish(ev)
}

func (b *Breaker) rejectionBreachLocked() (string, bool) {
	n := len(b.rejections)
	if b.cfg.MaxRejections > 0 && n >= b.cfg.MaxRejections {
		return fmt.Sprintf("%d broker rejections within %s", n, b.cfg.RejectionWindow), true
	}
	if !b.cfg.MaxRejectionRatio.IsPositive() {
		return "", false
	}
	sample := len(b.submissions)
	if sample == 0 || sample < b.cfg.MinSample {
		return "", false
	}
	ratio := decimal.NewFromInt(int64(n)).Div(decimal.NewFromInt(int64(sample)))
	if ratio.GreaterThanOrEqual(b.cfg.MaxRejectionRatio) {
		return fmt.Sprintf("rejection ratio %s of %d submissions", ratio.StringFixed(2), sample), true
	}
	return "", false
}

func (b *Breaker) pruneLocked(now time.Time) {
	if b.cfg.RejectionWindow <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.RejectionWindow)
	b.submissions = prune(b.submissions, cutoff)
	b.rejections = prune(b.rejections, cutoff)
}

func (b *Breaker) tripLocked(reason domain.TripReason, detail string, at time.Time) *domain.BreakerEvent {
	if b.state.Tripped {
		return nil
	}
	b.state = domain.BreakerState{Tripped: true, TrippedAt: at, Reason: reason, Detail: detail}
	b.metrics.Incr(metrics.BreakerTrips, 1, "reason", string(reason))
	b.log.Warn("circuit breaker tripped", "reason", reason, "detail", detail)
	return &domain.BreakerEvent{Tripped: true, Reason: reason, Detail: detail, At: at}
}

func (b *Breaker) closeLocked(operator string, at time.Time) *domain.BreakerEvent {
	prev := b.state
	b.state = domain.BreakerState{}
	b.rejections = nil
	b.submissions = nil
	b.log.Info("circuit breaker reset", "reason", prev.Reason, "operator", operator)
	return &domain.BreakerEvent{Tripped: false, Reason: prev.Reason, Detail: prev.Detail, Operator: operator, At: at}
}

func (b *Breaker) expireLocked(now time.Time) *domain.BreakerEvent {
	if !b.state.Tripped || b.state.Reason != domain.TripRejectionRate || b.cfg.Cooldown <= 0 {
		return nil
	}
	if now.Sub(b.state.TrippedAt) < b.cfg.Cooldown {
		return nil
	}
	return b.closeLocked(OperatorCooldown, now)
}

func (b *Breaker) publish(ev *domain.BreakerEvent) {
	if ev != nil {
		b.hub.Breaker.Publish(*ev)
	}
}

// prune drops timestamps at or before cutoff. ts is in arrival order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
