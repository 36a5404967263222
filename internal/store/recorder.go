package store

import (
	"context"
	"log/slog"
	"sync"

	"brokergate/internal/domain"
	"brokergate/internal/event"
	"brokergate/internal/metrics"
)

// Recorder journals hub events. Bus handlers only enqueue; Run performs the
// writes so persistence never blocks the order path. When the queue is full
// the event is dropped and counted.
type Recorder struct {
	journal Journal
	queue   chan job
	metrics metrics.Sink
	log     *slog.Logger

	mu     sync.Mutex
	unsubs []func()
}

type job struct {
	kind string
	run  func(ctx context.Context) error
}

// NewRecorder creates a Recorder writing to j with a queue of buffer events.
func NewRecorder(j Journal, buffer int, sink metrics.Sink, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		journal: j,
		queue:   make(chan job, buffer),
		metrics: sink,
		log:     log.With("component", "recorder"),
	}
}

// Attach subscribes the recorder to every stream of hub.
func (r *Recorder) Attach(hub *event.Hub) {
	unsubs := []func(){
		hub.Lifecycle.Subscribe(func(ev domain.LifecycleEvent) {
			r.enqueue("lifecycle", func(ctx context.Context) error {
				if err := r.journal.SaveLifecycle(ctx, ev); err != nil {
					return err
				}
				if ev.Fill != nil {
					return r.journal.SaveFill(ctx, *ev.Fill)
				}
				return nil
			})
		}),
		hub.Risk.Subscribe(func(ev domain.RiskRejectionEvent) {
			r.enqueue("risk", func(ctx context.Context) error { return r.journal.SaveRiskRejection(ctx, ev) })
		}),
		hub.Session.Subscribe(func(ev domain.SessionEvent) {
			r.enqueue("session", func(ctx context.Context) error { return r.journal.SaveSessionEvent(ctx, ev) })
		}),
		hub.Breaker.Subscribe(func(ev domain.BreakerEvent) {
			r.enqueue("breaker", func(ctx context.Context) error { return r.journal.SaveBreakerEvent(ctx, ev) })
		}),
	}
	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsubs...)
	r.mu.Unlock()
}

// Detach removes every hub subscription.
func (r *Recorder) Detach() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (r *Recorder) enqueue(kind string, fn func(ctx context.Context) error) {
	select {
	case r.queue <- job{kind: kind, run: fn}:
	default:
		r.metrics.Incr(metrics.JournalDropped, 1, "kind", kind)
		r.log.Error("journal queue full, event dropped", "kind", kind)
	}
}

// Run writes queued events until ctx is cancelled, then drains what is
// already queued before returning. Writes never see the cancellation, so an
// event dequeued during shutdown is still journaled.
func (r *Recorder) Run(ctx context.Context) error {
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.drain(wctx)
			return nil
		case j := <-r.queue:
			r.write(wctx, j)
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case j := <-r.queue:
			r.write(ctx, j)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, j job) {
	if err := j.run(ctx); err != nil {
		r.metrics.Incr(metrics.JournalErrors, 1, "kind", j.kind)
		r.log.Error("journal write failed", "kind", j.kind, "error", err)
	}
}
