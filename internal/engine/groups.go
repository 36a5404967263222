package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"brokergate/internal/domain"
)

// groupState is an order group and the bookkeeping the engine needs to
// drive it. Fields are guarded by groupBook.mu.
type groupState struct {
	group   domain.OrderGroup
	bracket *domain.BracketRequest

	// ready is set once every initial order of the group went out.
	ready bool
	// exitsPlaced is set once a bracket's exit legs went out; tpPlaced is
	// set once the take profit did, while the stop loss may still wait.
	exitsPlaced bool
	tpPlaced    bool
	// closing is set by the first fill on a leg; winner is that leg.
	closing bool
	winner  string
	// cancelled is a caller's request to stop the group; failed marks a
	// group that could not be set up.
	cancelled bool
	failed    bool
	// cancelSent holds legs whose cancel went out.
	cancelSent map[string]bool
}

// groupBook holds every group and a queue of groups to re-examine. Tracker
// lifecycle handlers only enqueue: placing or cancelling orders from inside
// a handler would re-enter the tracker.
type groupBook struct {
	mu      sync.Mutex
	groups  map[string]*groupState
	ids     []string
	byOrder map[string]string

	queue  []string
	queued map[string]bool
	wake   chan struct{}
}

func newGroupBook() *groupBook {
	return &groupBook{
		groups:  make(map[string]*groupState),
		byOrder: make(map[string]string),
		queued:  make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

// add registers st, links orderIDs to it and schedules a first look, which
// catches fills that arrived before registration.
func (b *groupBook) add(st *groupState, orderIDs ...string) domain.OrderGroup {
	b.mu.Lock()
	b.groups[st.group.ID] = st
	b.ids = append(b.ids, st.group.ID)
	for _, id := range orderIDs {
		b.byOrder[id] = st.group.ID
	}
	g := cloneGroup(st.group)
	b.mu.Unlock()
	b.enqueue(g.ID)
	return g
}

// link adds orderID to the legs of group id.
func (b *groupBook) link(id, orderID string) {
	b.mu.Lock()
	if st, ok := b.groups[id]; ok {
		b.byOrder[orderID] = id
		st.group.Legs = append(st.group.Legs, orderID)
	}
	b.mu.Unlock()
	b.enqueue(id)
}

func (b *groupBook) enqueue(id string) {
	b.mu.Lock()
	if !b.queued[id] {
		b.queued[id] = true
		b.queue = append(b.queue, id)
	}
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// enqueueActive schedules every group still running.
func (b *groupBook) enqueueActive() {
	b.mu.Lock()
	var active []string
	for _, id := range b.ids {
		if !b.groups[id].group.Status.IsTerminal() {
			active = append(active, id)
		}
	}
	b.mu.Unlock()
	for _, id := range active {
		b.enqueue(id)
	}
}

func (b *groupBook) next() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return "", false
	}
	id := b.queue[0]
	b.queue = b.queue[1:]
	delete(b.queued, id)
	return id, true
}

func (b *groupBook) groupOf(orderID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byOrder[orderID]
	return id, ok
}

// with runs fn on group id under the lock.
func (b *groupBook) with(id string, fn func(st *groupState)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.groups[id]
	if ok {
		fn(st)
	}
	return ok
}

func cloneGroup(g domain.OrderGroup) domain.OrderGroup {
	g.Legs = append([]string{}, g.Legs...)
	return g
}

// ---------------------------------------------------------------------------
// Placement
// ---------------------------------------------------------------------------

// PlaceBracket places the entry of req and returns its group. The exits go
// out once the entry is done, sized to what it filled; an entry that ends
// with no fills cancels the group.
func (e *Engine) PlaceBracket(ctx context.Context, req domain.BracketRequest) (domain.OrderGroup, error) {
	if err := req.Validate(); err != nil {
		return domain.OrderGroup{}, fmt.Errorf("%w: %v", domain.ErrInvalidOrder, err)
	}
	entry, err := e.placeLeg(ctx, req.Entry)
	if err != nil {
		return domain.OrderGroup{}, fmt.Errorf("bracket entry: %w", err)
	}
	now := e.now()
	g := e.groups.add(&groupState{
		group: domain.OrderGroup{
			ID:        uuid.NewString(),
			Kind:      domain.GroupBracket,
			Symbol:    strings.ToUpper(strings.TrimSpace(req.Entry.Symbol)),
			Status:    domain.GroupActive,
			Entry:     entry,
			Legs:      []string{},
			CreatedAt: now,
			UpdatedAt: now,
		},
		bracket:    &req,
		ready:      true,
		cancelSent: make(map[string]bool),
	}, entry)
	e.log.Info("bracket placed", "group", g.ID, "entry", entry, "symbol", g.Symbol,
		"take_profit", req.TakeProfit, "stop_loss", req.StopLoss)
	return g, nil
}

// PlaceOCO places both legs of req. When the second leg fails the first
// is cancelled and the group ends failed.
func (e *Engine) PlaceOCO(ctx context.Context, req domain.OCORequest) (domain.OrderGroup, error) {
	if err := req.Validate(); err != nil {
		return domain.OrderGroup{}, fmt.Errorf("%w: %v", domain.ErrInvalidOrder, err)
	}
	first, err := e.placeLeg(ctx, req.Legs[0])
	if err != nil {
		return domain.OrderGroup{}, fmt.Errorf("oco leg 1: %w", err)
	}
	now := e.now()
	g := e.groups.add(&groupState{
		group: domain.OrderGroup{
			ID:        uuid.NewString(),
			Kind:      domain.GroupOCO,
			Symbol:    strings.ToUpper(strings.TrimSpace(req.Legs[0].Symbol)),
			Status:    domain.GroupActive,
			Legs:      []string{first},
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancelSent: make(map[string]bool),
	}, first)

	second, err := e.placeLeg(ctx, req.Legs[1])
	if err != nil {
		e.groups.with(g.ID, func(st *groupState) {
			st.ready, st.cancelled, st.failed = true, true, true
			st.group.Reason = "leg 2: " + err.Error()
		})
		e.groups.enqueue(g.ID)
		return domain.OrderGroup{}, fmt.Errorf("oco leg 2: %w", err)
	}
	e.groups.with(g.ID, func(st *groupState) { st.ready = true })
	e.groups.link(g.ID, second)
	g.Legs = append(g.Legs, second)
	e.log.Info("oco placed", "group", g.ID, "legs", g.Legs, "symbol", g.Symbol)
	return g, nil
}

// placeLeg places one group order and returns its local ID. A submit with
// an unknown outcome still counts: the order is tracked and will settle.
func (e *Engine) placeLeg(ctx context.Context, req domain.OrderRequest) (string, error) {
	acc, err := e.PlaceOrder(ctx, req)
	if err == nil {
		return acc.LocalID, nil
	}
	var sub *domain.SubmissionError
	if errors.Is(err, domain.ErrUnknownOutcome) && errors.As(err, &sub) && sub.LocalID != "" {
		return sub.LocalID, nil
	}
	return "", err
}

// ---------------------------------------------------------------------------
// Queries and cancellation
// ---------------------------------------------------------------------------

// GetGroup returns the group with the given ID.
func (e *Engine) GetGroup(id string) (domain.OrderGroup, bool) {
	var g domain.OrderGroup
	ok := e.groups.with(id, func(st *groupState) { g = cloneGroup(st.group) })
	return g, ok
}

// ListGroups returns every group, oldest first.
func (e *Engine) ListGroups() []domain.OrderGroup {
	e.groups.mu.Lock()
	defer e.groups.mu.Unlock()
	out := make([]domain.OrderGroup, 0, len(e.groups.ids))
	for _, id := range e.groups.ids {
		out = append(out, cloneGroup(e.groups.groups[id].group))
	}
	return out
}

// CancelGroup stops group id: a bracket whose entry is still working never
// places its exits, and every working leg is cancelled. The group reaches
// its final status once the broker confirms.
func (e *Engine) CancelGroup(id string) (domain.OrderGroup, error) {
	var (
		g        domain.OrderGroup
		terminal bool
	)
	ok := e.groups.with(id, func(st *groupState) {
		if st.group.Status.IsTerminal() {
			terminal = true
		} else {
			st.cancelled = true
		}
		g = cloneGroup(st.group)
	})
	switch {
	case !ok:
		return domain.OrderGroup{}, fmt.Errorf("cancel group %s: %w", id, domain.ErrGroupNotFound)
	case terminal:
		return g, fmt.Errorf("cancel group %s (%s): %w", id, g.Status, domain.ErrOrderTerminal)
	}
	e.groups.enqueue(id)
	e.log.Info("group cancel requested", "group", id)
	return g, nil
}

// ---------------------------------------------------------------------------
// Driving groups
// ---------------------------------------------------------------------------

// noteGroupOrder queues the group of a lifecycle event's order.
func (e *Engine) noteGroupOrder(ev domain.LifecycleEvent) {
	if id, ok := e.groups.groupOf(ev.LocalID); ok {
		e.groups.enqueue(id)
	}
}

// runGroups advances queued groups until ctx is cancelled.
func (e *Engine) runGroups(ctx context.Context) {
	defer close(e.groupsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.groups.wake:
		}
		for id, ok := e.groups.next(); ok && ctx.Err() == nil; id, ok = e.groups.next() {
			e.advanceGroup(ctx, id)
		}
	}
}

// advanceGroup moves group id forward from the tracker's current view of
// its orders. It is idempotent, so redundant wakeups are harmless.
func (e *Engine) advanceGroup(ctx context.Context, id string) {
	var (
		st      groupState
		running bool
	)
	e.groups.with(id, func(s *groupState) {
		running = s.ready && !s.group.Status.IsTerminal()
		st = *s
		st.group = cloneGroup(s.group)
	})
	if !running {
		return
	}
	if st.bracket != nil && !st.exitsPlaced {
		e.advanceEntry(ctx, id, st)
		return
	}
	e.advanceLegs(ctx, id, st)
}

// advanceEntry waits for a bracket's entry to finish, then places the exits.
func (e *Engine) advanceEntry(ctx context.Context, id string, st groupState) {
	entry, ok := e.tracker.Get(st.group.Entry)
	if !ok {
		e.finishGroup(id, domain.GroupFailed, "entry order not tracked")
		return
	}
	if !entry.Status.IsTerminal() {
		if st.cancelled {
			e.cancelLeg(ctx, id, entry)
		}
		return
	}
	switch {
	case entry.FilledQty == 0:
		e.finishGroup(id, domain.GroupCancelled, "entry "+string(entry.Status))
		return
	case st.cancelled && !st.tpPlaced:
		e.finishGroup(id, domain.GroupCancelled, "cancelled before exits were placed")
		return
	}

	tp, sl := st.bracket.Exits(entry.FilledQty)
	if !st.tpPlaced {
		tpID, err := e.placeLeg(ctx, tp)
		if err != nil {
			if errors.Is(err, domain.ErrNotConnected) {
				// Housekeeping retries once the session is back.
				e.deferExit(id, "take profit", err)
				return
			}
			e.finishGroup(id, domain.GroupFailed, "take profit: "+err.Error())
			e.log.Error("bracket take profit failed, position unprotected", "group", id, "entry", entry.LocalID, "error", err)
			return
		}
		e.groups.with(id, func(s *groupState) {
			s.tpPlaced = true
			s.group.Reason = ""
			s.group.UpdatedAt = e.now()
		})
		e.groups.link(id, tpID)
		e.log.Info("bracket take profit placed", "group", id, "order", tpID, "qty", entry.FilledQty)
	} else if e.legActivity(st) {
		// The take profit traded or the group was cancelled while the stop
		// loss waited; there is nothing left to protect.
		e.groups.with(id, func(s *groupState) { s.exitsPlaced = true })
		e.groups.enqueue(id)
		return
	}

	slID, err := e.placeLeg(ctx, sl)
	if err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			e.deferExit(id, "stop loss", err)
			return
		}
		e.groups.with(id, func(s *groupState) {
			s.exitsPlaced = true
			s.group.Reason = "stop loss: " + err.Error()
		})
		e.log.Error("bracket stop loss failed", "group", id, "entry", entry.LocalID, "error", err)
		return
	}
	e.groups.with(id, func(s *groupState) {
		s.exitsPlaced = true
		s.group.Reason = ""
		s.group.UpdatedAt = e.now()
	})
	e.groups.link(id, slID)
	e.log.Info("bracket stop loss placed", "group", id, "order", slID, "qty", entry.FilledQty)
}

// deferExit records why a bracket exit is waiting for the session.
func (e *Engine) deferExit(id, leg string, err error) {
	e.groups.with(id, func(s *groupState) { s.group.Reason = leg + ": " + err.Error() })
	e.log.Warn("bracket exit deferred", "group", id, "leg", leg, "error", err)
}

// legActivity reports whether a placed leg of st has traded or finished, or
// the group was cancelled.
func (e *Engine) legActivity(st groupState) bool {
	if st.cancelled {
		return true
	}
	for _, lid := range st.group.Legs {
		if o, ok := e.tracker.Get(lid); ok && (o.FilledQty > 0 || o.Status.IsTerminal()) {
			return true
		}
	}
	return false
}

// advanceLegs applies one-cancels-other to the legs and closes the group
// once all of them are terminal.
func (e *Engine) advanceLegs(ctx context.Context, id string, st groupState) {
	legs := make([]domain.Order, 0, len(st.group.Legs))
	for _, lid := range st.group.Legs {
		if o, ok := e.tracker.Get(lid); ok {
			legs = append(legs, o)
		}
	}

	if !st.closing {
		for _, o := range legs {
			if o.FilledQty > 0 {
				st.closing, st.winner = true, o.LocalID
				e.groups.with(id, func(s *groupState) { s.closing, s.winner = true, o.LocalID })
				e.log.Info("group leg filled, cancelling the rest", "group", id, "leg", o.LocalID)
				break
			}
		}
	}

	done, filled := true, false
	for _, o := range legs {
		if o.FilledQty > 0 {
			filled = true
		}
		if o.Status.IsTerminal() {
			continue
		}
		done = false
		if (st.closing || st.cancelled) && o.LocalID != st.winner {
			e.cancelLeg(ctx, id, o)
		}
	}
	if !done {
		return
	}
	switch {
	case filled:
		e.finishGroup(id, domain.GroupCompleted, "")
	case st.failed:
		e.finishGroup(id, domain.GroupFailed, "")
	default:
		e.finishGroup(id, domain.GroupCancelled, "")
	}
}

// cancelLeg sends one cancel for o. Orders without a broker ID are skipped;
// their ack wakes the group again.
func (e *Engine) cancelLeg(ctx context.Context, id string, o domain.Order) {
	if o.BrokerID == "" {
		return
	}
	var sent bool
	e.groups.with(id, func(s *groupState) {
		sent = s.cancelSent[o.LocalID]
		s.cancelSent[o.LocalID] = true
	})
	if sent {
		return
	}
	err := e.CancelOrder(ctx, o.LocalID)
	if err == nil || errors.Is(err, domain.ErrOrderTerminal) {
		return
	}
	e.groups.with(id, func(s *groupState) { delete(s.cancelSent, o.LocalID) })
	e.log.Warn("group leg cancel failed", "group", id, "leg", o.LocalID, "error", err)
}

// finishGroup moves group id to status. A non-empty reason replaces the
// recorded one.
func (e *Engine) finishGroup(id string, status domain.GroupStatus, reason string) {
	var g domain.OrderGroup
	e.groups.with(id, func(s *groupState) {
		s.group.Status = status
		if reason != "" {
			s.group.Reason = reason
		}
		s.group.UpdatedAt = e.now()
		g = cloneGroup(s.group)
	})
	e.log.Info("group finished", "group", id, "kind", g.Kind, "status", status, "reason", g.Reason)
}
