// Package tracker is the authoritative record of every order's lifecycle.
// It applies broker events idempotently, never moves an order backward and
// emits one lifecycle event per accepted transition.
package tracker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"brokergate/internal/domain"
	"brokergate/internal/event"
	"brokergate/internal/metrics"
)

// priceScale is the number of decimal places kept for average fill prices.
const priceScale = 8

// Reject reasons set by the tracker itself.
const (
	ReasonLostInTransit = "lost_in_transit"
	ReasonSubmitFailed  = "submit_failed"
)

// Tracker stores orders keyed by local ID. Reads return copies. Lifecycle
// and inconsistency events are published after the state change, in the
// order the changes were made. Event handlers must not call back into the
// Tracker's mutating methods.
type Tracker struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order
	byBroker map[string]string       // broker ID -> local ID
	execs    map[string]*domain.Fill // execution ID -> applied fill
	created  []string                // local IDs in creation order

	// Synthetic orders whose broker quantity has not been reported yet.
	// Their Qty tracks the filled quantity until it is.
	sizeUnknown map[string]bool

	// Pending orders whose submit returned without a known outcome.
	unresolved map[string]time.Time

	emitMu  sync.Mutex
	hub     *event.Hub
	metrics metrics.Sink
	log     *slog.Logger
	now     func() time.Time
}

// New creates an empty Tracker publishing on hub.
func New(hub *event.Hub, sink metrics.Sink, log *slog.Logger) *Tracker {
	if hub == nil {
		hub = event.NewHub()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		orders:      make(map[string]*domain.Order),
		byBroker:    make(map[string]string),
		execs:       make(map[string]*domain.Fill),
		sizeUnknown: make(map[string]bool),
		unresolved:  make(map[string]time.Time),
		hub:         hub,
		metrics:     sink,
		log:         log.With("component", "tracker"),
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Mutation plumbing
// ---------------------------------------------------------------------------

// batch collects the events produced by one mutation.
type batch struct {
	lifecycle       []domain.LifecycleEvent
	inconsistencies []domain.InconsistencyEvent
}

// update runs fn under the write lock and publishes what it produced. The
// emission mutex is taken before the write lock is released so events from
// consecutive mutations are never reordered.
func (t *Tracker) update(fn func(b *batch)) {
	var b batch
	t.mu.Lock()
	fn(&b)
	t.emitMu.Lock()
	t.mu.Unlock()
	defer t.emitMu.Unlock()

	for _, ev := range b.lifecycle {
		t.metrics.Incr(metrics.OrderTransitions, 1, "status", string(ev.New))
		if ev.Fill != nil {
			t.metrics.Incr(metrics.FillsApplied, 1)
		}
		t.hub.Lifecycle.Publish(ev)
	}
	for _, ev := range b.inconsistencies {
		t.metrics.Incr(metrics.Inconsistencies, 1, "kind", string(ev.Kind))
		t.log.Warn("broker event inconsistent with order state",
			"local_id", ev.LocalID, "broker_id", ev.BrokerID, "status", ev.Status,
			"kind", ev.Kind, "detail", ev.Detail)
		t.hub.Inconsistency.Publish(ev)
	}
}

// transitionLocked moves o to next, bumps its version and records the
// lifecycle event. The caller has checked the edge.
func (t *Tracker) transitionLocked(b *batch, o *domain.Order, next domain.OrderStatus, fill *domain.Fill, reason string, at time.Time) {
	prev := o.Status
	o.Status = next
	o.Version++
	if next != domain.OrderStatusPending {
		delete(t.unresolved, o.LocalID)
	}
	if at.IsZero() {
		at = t.now()
	}
	o.UpdatedAt = at
	if next == domain.OrderStatusRejected && reason != "" {
		o.RejectReason = reason
	}

	ev := domain.LifecycleEvent{
		LocalID:  o.LocalID,
		BrokerID: o.BrokerID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Previous: prev,
		New:      next,
		Version:  o.Version,
		Reason:   reason,
		At:       at,
		Order:    o.Clone(),
	}
	if fill != nil {
		f := *fill
		ev.Fill = &f
	}
	b.lifecycle = append(b.lifecycle, ev)
}

func (t *Tracker) inconsistentLocked(b *batch, o *domain.Order, kind domain.BrokerEventKind, detail string) {
	ev := domain.InconsistencyEvent{Kind: kind, Detail: detail, At: t.now()}
	if o != nil {
		ev.LocalID, ev.BrokerID, ev.Status = o.LocalID, o.BrokerID, o.Status
	}
	b.inconsistencies = append(b.inconsistencies, ev)
}

// ---------------------------------------------------------------------------
// Submission and local transitions
// ---------------------------------------------------------------------------

// RecordSubmission stores o as Pending and returns its local ID, assigning
// one when empty. The stored order is a copy.
func (t *Tracker) RecordSubmission(o *domain.Order) string {
	c := o.Clone()
	if c.LocalID == "" {
		c.LocalID = uuid.NewString()
	}
	t.update(func(b *batch) {
		if _, exists := t.orders[c.LocalID]; exists {
			return
		}
		now := t.now()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.Status = domain.OrderStatusPending
		c.Version = 1
		c.UpdatedAt = c.CreatedAt
		t.orders[c.LocalID] = &c
		t.created = append(t.created, c.LocalID)
		if c.BrokerID != "" {
			t.byBroker[c.BrokerID] = c.LocalID
		}
		b.lifecycle = append(b.lifecycle, domain.LifecycleEvent{
			LocalID: c.LocalID, Symbol: c.Symbol, Side: c.Side,
			New: domain.OrderStatusPending, Version: c.Version, At: c.CreatedAt, Order: c.Clone(),
		})
	})
	return c.LocalID
}

// ApplyAck records the broker's synchronous acknowledgement.
func (t *Tracker) ApplyAck(ack domain.BrokerAck) {
	t.ApplyBrokerEvent(domain.AckEvent(ack.LocalID, ack.BrokerID, ack.At))
}

// MarkRejected rejects a non-terminal order locally, used when a submit
// definitely failed.
func (t *Tracker) MarkRejected(localID, reason string) error {
	var err error
	t.update(func(b *batch) {
		o, ok := t.orders[localID]
		switch {
		case !ok:
			err = fmt.Errorf("mark rejected %s: %w", localID, domain.ErrOrderNotFound)
		case o.Status.IsTerminal():
			err = fmt.Errorf("mark rejected %s: %w", localID, domain.ErrOrderTerminal)
		default:
			t.transitionLocked(b, o, domain.OrderStatusRejected, nil, reason, time.Time{})
		}
	})
	return err
}

// MarkUnresolved flags a Pending order whose submit returned without a
// known outcome. Only flagged orders can be rejected as lost in transit by
// a later reconcile; the flag clears when the order leaves Pending.
func (t *Tracker) MarkUnresolved(localID string) error {
	var err error
	t.update(func(*batch) {
		o, ok := t.orders[localID]
		switch {
		case !ok:
			err = fmt.Errorf("mark unresolved %s: %w", localID, domain.ErrOrderNotFound)
		case o.Status != domain.OrderStatusPending:
			// Settled by an event that raced the submit's return.
		default:
			t.unresolved[localID] = t.now()
		}
	})
	return err
}

// Unresolved returns the local IDs of flagged Pending orders marked at or
// before cutoff, oldest first.
func (t *Tracker) Unresolved(cutoff time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, id := range t.created {
		if at, ok := t.unresolved[id]; ok && !at.After(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// ExpireDue expires acknowledged orders whose local deadline is at or
// before now and returns copies of them. Pending orders are left for the
// ack or the next reconcile.
func (t *Tracker) ExpireDue(now time.Time) []domain.Order {
	var expired []domain.Order
	t.update(func(b *batch) {
		for _, id := range t.created {
			o := t.orders[id]
			if o.ExpiresAt.IsZero() || now.Before(o.ExpiresAt) {
				continue
			}
			if !domain.CanTransition(o.Status, domain.OrderStatusExpired) {
				continue
			}
			t.transitionLocked(b, o, domain.OrderStatusExpired, nil, "expires_at reached", now)
			expired = append(expired, o.Clone())
		}
	})
	return expired
}

// ---------------------------------------------------------------------------
// Broker events
// ---------------------------------------------------------------------------

// ApplyBrokerEvent applies one broker event. It is idempotent: duplicated
// fills, repeated statuses and backward transitions are ignored.
func (t *Tracker) ApplyBrokerEvent(ev domain.BrokerEvent) {
	switch ev.Kind {
	case domain.EventAck, domain.EventFill, domain.EventStatusChange, domain.EventRejection:
	default:
		return
	}
	t.update(func(b *batch) { t.applyLocked(b, ev) })
}

func (t *Tracker) applyLocked(b *batch, ev domain.BrokerEvent) {
	if ev.Kind == domain.EventFill {
		if ev.Fill == nil {
			return
		}
		if prior, seen := t.execs[ev.Fill.ExecutionID]; seen {
			t.correctExecutionLocked(b, prior, *ev.Fill)
			return
		}
	}

	o := t.resolveLocked(ev.LocalID, ev.BrokerID)
	if o == nil {
		o = t.upsertSyntheticLocked(b, ev)
		if o == nil {
			return
		}
	}
	if ev.BrokerID != "" && o.BrokerID == "" {
		o.BrokerID = ev.BrokerID
		t.byBroker[ev.BrokerID] = o.LocalID
	}
	if ev.OrderQty > 0 {
		t.learnQtyLocked(b, o, ev.OrderQty, ev.At)
	}

	switch ev.Kind {
	case domain.EventAck:
		t.applyAckLocked(b, o, ev)
	case domain.EventFill:
		t.applyFillLocked(b, o, *ev.Fill, ev.Kind)
	case domain.EventStatusChange:
		t.applyStatusLocked(b, o, ev.Status, ev.Reason, ev.At, ev.Kind)
	case domain.EventRejection:
		t.applyStatusLocked(b, o, domain.OrderStatusRejected, ev.Reason, ev.At, ev.Kind)
	}
}

func (t *Tracker) resolveLocked(localID, brokerID string) *domain.Order {
	if localID != "" {
		if o, ok := t.orders[localID]; ok {
			return o
		}
	}
	if brokerID != "" {
		if id, ok := t.byBroker[brokerID]; ok {
			return t.orders[id]
		}
	}
	return nil
}

// upsertSyntheticLocked creates a Submitted order for an event that refers
// to a broker order this process never placed, such as one left over from a
// previous run. Events without a broker ID are dropped. When the event does
// not carry the broker's order quantity the order's size stays open and
// grows with its fills until the broker reports it.
func (t *Tracker) upsertSyntheticLocked(b *batch, ev domain.BrokerEvent) *domain.Order {
	if ev.BrokerID == "" {
		t.inconsistentLocked(b, nil, ev.Kind, fmt.Sprintf("event for unknown order %q without broker id", ev.LocalID))
		return nil
	}
	now := t.now()
	localID := ev.LocalID
	if localID == "" {
		localID = "broker:" + ev.BrokerID
	}
	o := &domain.Order{
		LocalID:   localID,
		BrokerID:  ev.BrokerID,
		Status:    domain.OrderStatusSubmitted,
		Version:   1,
		Synthetic: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ev.Fill != nil {
		o.Symbol, o.Side = ev.Fill.Symbol, ev.Fill.Side
	}
	if ev.OrderQty > 0 {
		o.Qty = ev.OrderQty
	} else {
		t.sizeUnknown[o.LocalID] = true
	}
	t.insertSyntheticLocked(b, o)
	return o
}

// learnQtyLocked records the broker's quantity for a synthetic order. An
// open-sized order that is already fully filled at that quantity completes.
func (t *Tracker) learnQtyLocked(b *batch, o *domain.Order, qty int64, at time.Time) {
	if !o.Synthetic {
		return
	}
	if !t.sizeUnknown[o.LocalID] {
		if o.Qty < qty {
			o.Qty = qty
		}
		return
	}
	delete(t.sizeUnknown, o.LocalID)
	o.Qty = max(qty, o.FilledQty)
	if o.Status == domain.OrderStatusPartiallyFilled && o.FilledQty == o.Qty {
		t.transitionLocked(b, o, domain.OrderStatusFilled, nil, "", at)
	}
}

func (t *Tracker) insertSyntheticLocked(b *batch, o *domain.Order) {
	t.orders[o.LocalID] = o
	t.byBroker[o.BrokerID] = o.LocalID
	t.created = append(t.created, o.LocalID)
	t.log.Info("tracking order not placed by this process", "local_id", o.LocalID, "broker_id", o.BrokerID)
	b.lifecycle = append(b.lifecycle, domain.LifecycleEvent{
		LocalID: o.LocalID, BrokerID: o.BrokerID, Symbol: o.Symbol, Side: o.Side,
		New: o.Status, Version: o.Version, Reason: "synthetic", At: o.CreatedAt, Order: o.Clone(),
	})
}

// implicitAckLocked moves a Pending order to Submitted when an event shows
// the broker already has it.
func (t *Tracker) implicitAckLocked(b *batch, o *domain.Order, at time.Time) {
	if o.Status == domain.OrderStatusPending {
		t.transitionLocked(b, o, domain.OrderStatusSubmitted, nil, "", at)
	}
}

func (t *Tracker) applyAckLocked(b *batch, o *domain.Order, ev domain.BrokerEvent) {
	switch {
	case o.Status == domain.OrderStatusPending:
		t.transitionLocked(b, o, domain.OrderStatusSubmitted, nil, "", ev.At)
	case o.Status.IsTerminal() && ev.BrokerID != "" && ev.BrokerID != o.BrokerID:
		t.inconsistentLocked(b, o, ev.Kind, "ack with a different broker id for a terminal order")
	case o.Status == domain.OrderStatusRejected && o.RejectReason == ReasonSubmitFailed:
		t.inconsistentLocked(b, o, ev.Kind, "ack for an order whose submit was reported failed")
	}
}

func (t *Tracker) applyFillLocked(b *batch, o *domain.Order, f domain.Fill, kind domain.BrokerEventKind) {
	if o.Status.IsTerminal() {
		t.inconsistentLocked(b, o, kind, fmt.Sprintf("fill %s of %d shares for %s order", f.ExecutionID, f.Shares, o.Status))
		return
	}
	t.implicitAckLocked(b, o, f.Timestamp)

	open := t.sizeUnknown[o.LocalID]
	if open && f.Shares > 0 {
		o.Qty = o.FilledQty + f.Shares
	}
	remaining := o.Remaining()
	if f.Shares <= 0 || remaining <= 0 {
		t.inconsistentLocked(b, o, kind, fmt.Sprintf("fill %s has %d shares, %d remaining", f.ExecutionID, f.Shares, remaining))
		return
	}
	if f.Shares > remaining {
		t.inconsistentLocked(b, o, kind, fmt.Sprintf("overfill: fill %s has %d shares, %d remaining; clamped", f.ExecutionID, f.Shares, remaining))
		f.Shares = remaining
	}

	f.OrderLocalID = o.LocalID
	if f.BrokerID == "" {
		f.BrokerID = o.BrokerID
	}
	if f.Symbol == "" {
		f.Symbol = o.Symbol
	}
	if f.Side == "" {
		f.Side = o.Side
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = t.now()
	}

	prevNotional := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
	o.FilledQty += f.Shares
	o.AvgFillPrice = prevNotional.Add(f.Notional()).DivRound(decimal.NewFromInt(o.FilledQty), priceScale)
	o.Fills = append(o.Fills, f)
	t.execs[f.ExecutionID] = &o.Fills[len(o.Fills)-1]
	t.reindexFillsLocked(o)

	next := domain.OrderStatusPartiallyFilled
	if o.FilledQty == o.Qty && !open {
		next = domain.OrderStatusFilled
	}
	t.transitionLocked(b, o, next, &f, "", f.Timestamp)
}

// reindexFillsLocked repoints the execution index at o's fills after the
// slice may have been reallocated.
func (t *Tracker) reindexFillsLocked(o *domain.Order) {
	for i := range o.Fills {
		t.execs[o.Fills[i].ExecutionID] = &o.Fills[i]
	}
}

// correctExecutionLocked handles a re-reported execution. The broker's
// price wins and the average is recomputed; share counts never decrease.
func (t *Tracker) correctExecutionLocked(b *batch, prior *domain.Fill, f domain.Fill) {
	if f.Price.Equal(prior.Price) && f.Shares == prior.Shares {
		return
	}
	o := t.orders[prior.OrderLocalID]
	conflict := &domain.ReconciliationConflict{LocalID: prior.OrderLocalID, BrokerID: prior.BrokerID}

	if f.Shares != prior.Shares {
		conflict.Detail = fmt.Sprintf("execution %s re-reported with %d shares, kept %d", f.ExecutionID, f.Shares, prior.Shares)
		t.log.Warn("execution conflict", "error", conflict)
	}
	if f.Price.Equal(prior.Price) || o == nil {
		return
	}

	conflict.Detail = fmt.Sprintf("execution %s price %s corrected to %s", f.ExecutionID, prior.Price, f.Price)
	t.log.Warn("execution conflict", "error", conflict)

	shares := decimal.NewFromInt(prior.Shares)
	total := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty)).Sub(prior.Price.Mul(shares)).Add(f.Price.Mul(shares))
	prior.Price = f.Price
	if o.FilledQty > 0 {
		o.AvgFillPrice = total.DivRound(decimal.NewFromInt(o.FilledQty), priceScale)
	}
	corrected := *prior
	// Corrections keep the status; a terminal order's version still moves
	// so consumers see the new average.
	o.Version++
	o.UpdatedAt = t.now()
	b.lifecycle = append(b.lifecycle, domain.LifecycleEvent{
		LocalID: o.LocalID, BrokerID: o.BrokerID, Symbol: o.Symbol, Side: o.Side,
		Previous: o.Status, New: o.Status, Version: o.Version, Fill: &corrected,
		Reason: "execution_corrected", At: o.UpdatedAt, Order: o.Clone(),
	})
}

func (t *Tracker) applyStatusLocked(b *batch, o *domain.Order, next domain.OrderStatus, reason string, at time.Time, kind domain.BrokerEventKind) {
	if o.Status.IsTerminal() {
		if o.Status != next {
			t.inconsistentLocked(b, o, kind, fmt.Sprintf("%s reported for %s order", next, o.Status))
		}
		return
	}
	if o.Status == next {
		return
	}
	switch next {
	case domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled:
		// Fill quantities only come from executions or reconcile.
		t.implicitAckLocked(b, o, at)
		return
	case domain.OrderStatusSubmitted, domain.OrderStatusPending:
		t.implicitAckLocked(b, o, at)
		return
	}
	if next != domain.OrderStatusRejected {
		t.implicitAckLocked(b, o, at)
	}
	if !domain.CanTransition(o.Status, next) {
		t.log.Debug("ignoring transition", "local_id", o.LocalID, "from", o.Status, "to", next)
		return
	}
	t.transitionLocked(b, o, next, nil, reason, at)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Get returns a copy of the order with the given local ID.
func (t *Tracker) Get(localID string) (domain.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[localID]
	if !ok {
		return domain.Order{}, false
	}
	return o.Clone(), true
}

// GetByBrokerID returns a copy of the order with the given broker ID.
func (t *Tracker) GetByBrokerID(brokerID string) (domain.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byBroker[brokerID]
	if !ok {
		return domain.Order{}, false
	}
	return t.orders[id].Clone(), true
}

// Query looks an order up by local ID, then by broker ID.
func (t *Tracker) Query(id string) (domain.Order, bool) {
	if o, ok := t.Get(id); ok {
		return o, true
	}
	return t.GetByBrokerID(id)
}

// ListOpen returns the non-terminal orders in creation order.
func (t *Tracker) ListOpen() []domain.Order {
	return t.list(func(o *domain.Order) bool { return !o.Status.IsTerminal() })
}

// List returns every order in creation order, optionally filtered by status.
func (t *Tracker) List(statuses ...domain.OrderStatus) []domain.Order {
	if len(statuses) == 0 {
		return t.list(func(*domain.Order) bool { return true })
	}
	want := make(map[domain.OrderStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return t.list(func(o *domain.Order) bool { return want[o.Status] })
}

func (t *Tracker) list(keep func(*domain.Order) bool) []domain.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Order, 0)
	for _, id := range t.created {
		if o := t.orders[id]; keep(o) {
			out = append(out, o.Clone())
		}
	}
	return out
}
