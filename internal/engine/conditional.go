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

// conditionalBook holds conditional orders in creation order.
type conditionalBook struct {
	mu    sync.Mutex
	items map[string]*domain.ConditionalOrder
	ids   []string
}

func newConditionalBook() *conditionalBook {
	return &conditionalBook{items: make(map[string]*domain.ConditionalOrder)}
}

// PlaceConditional registers req. Its order is placed through PlaceOrder by
// the first housekeeping pass that sees the watched symbol's reference price
// cross the level. Market data for the symbol is requested when connected.
func (e *Engine) PlaceConditional(ctx context.Context, req domain.ConditionalRequest) (domain.ConditionalOrder, error) {
	if err := req.Validate(); err != nil {
		return domain.ConditionalOrder{}, fmt.Errorf("%w: %v", domain.ErrInvalidOrder, err)
	}
	c := &domain.ConditionalOrder{
		ID:        uuid.NewString(),
		Condition: req.Condition,
		Symbol:    strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Price:     req.Price,
		Order:     req.Order,
		Status:    domain.ConditionalActive,
		CreatedAt: e.now(),
	}
	if e.session.State() == domain.SessionConnected {
		if err := e.session.Subscribe(ctx, c.Symbol); err != nil {
			e.log.Warn("market data for conditional order unavailable", "id", c.ID, "symbol", c.Symbol, "error", err)
		}
	}

	b := e.conditionals
	b.mu.Lock()
	b.items[c.ID] = c
	b.ids = append(b.ids, c.ID)
	out := *c
	b.mu.Unlock()

	e.log.Info("conditional order registered", "id", c.ID, "condition", c.Condition,
		"symbol", c.Symbol, "price", c.Price, "order_symbol", c.Order.Symbol)
	return out, nil
}

// GetConditional returns the conditional order with the given ID.
func (e *Engine) GetConditional(id string) (domain.ConditionalOrder, bool) {
	b := e.conditionals
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.items[id]
	if !ok {
		return domain.ConditionalOrder{}, false
	}
	return *c, true
}

// ListConditionals returns conditional orders in any of statuses, or all of
// them when none are given, oldest first.
func (e *Engine) ListConditionals(statuses ...domain.ConditionalStatus) []domain.ConditionalOrder {
	want := make(map[domain.ConditionalStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	b := e.conditionals
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.ConditionalOrder, 0, len(b.ids))
	for _, id := range b.ids {
		if c := b.items[id]; len(want) == 0 || want[c.Status] {
			out = append(out, *c)
		}
	}
	return out
}

// CancelConditional withdraws an active conditional order.
func (e *Engine) CancelConditional(id string) (domain.ConditionalOrder, error) {
	b := e.conditionals
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.items[id]
	if !ok {
		return domain.ConditionalOrder{}, fmt.Errorf("cancel conditional %s: %w", id, domain.ErrConditionalNotFound)
	}
	if c.Status != domain.ConditionalActive {
		return *c, fmt.Errorf("cancel conditional %s (%s): %w", id, c.Status, domain.ErrOrderTerminal)
	}
	c.Status = domain.ConditionalCancelled
	e.log.Info("conditional order cancelled", "id", id)
	return *c, nil
}

// CheckConditionals evaluates every active conditional order against the
// latest quotes and places the orders whose condition holds. It returns the
// conditional orders it triggered.
func (e *Engine) CheckConditionals(ctx context.Context) []domain.ConditionalOrder {
	now := e.now()
	b := e.conditionals

	var due, unwatched []string
	b.mu.Lock()
	for _, id := range b.ids {
		c := b.items[id]
		if c.Status != domain.ConditionalActive {
			continue
		}
		q, ok := e.session.LastQuote(c.Symbol)
		if !ok {
			if !e.session.Subscribed(c.Symbol) {
				unwatched = append(unwatched, c.Symbol)
			}
			continue
		}
		px := q.Reference()
		if !px.IsPositive() {
			continue
		}
		c.LastPrice, c.CheckedAt = px, now
		if c.Condition.Met(px, c.Price) {
			// Claimed here so a concurrent check or cancel cannot act on it.
			c.Status, c.TriggeredAt = domain.ConditionalTriggered, now
			due = append(due, id)
		}
	}
	b.mu.Unlock()
	e.watchSymbols(ctx, unwatched)

	out := make([]domain.ConditionalOrder, 0, len(due))
	for _, id := range due {
		out = append(out, e.triggerConditional(ctx, id))
	}
	return out
}

// watchSymbols requests market data for conditional orders registered
// while the session was down.
func (e *Engine) watchSymbols(ctx context.Context, symbols []string) {
	if len(symbols) == 0 || e.session.State() != domain.SessionConnected {
		return
	}
	seen := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		if seen[sym] {
			continue
		}
		seen[sym] = true
		if err := e.session.Subscribe(ctx, sym); err != nil {
			e.log.Warn("market data for conditional order unavailable", "symbol", sym, "error", err)
		}
	}
}

func (e *Engine) triggerConditional(ctx context.Context, id string) domain.ConditionalOrder {
	b := e.conditionals
	b.mu.Lock()
	req, last := b.items[id].Order, b.items[id].LastPrice
	b.mu.Unlock()

	acc, err := e.PlaceOrder(ctx, req)

	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.items[id]
	var sub *domain.SubmissionError
	switch {
	case err == nil:
		c.OrderID = acc.LocalID
		e.log.Info("conditional order triggered", "id", id, "symbol", c.Symbol, "price", last, "local_id", acc.LocalID)
	case errors.Is(err, domain.ErrUnknownOutcome) && errors.As(err, &sub):
		c.OrderID, c.Error = sub.LocalID, err.Error()
		e.log.Warn("conditional order triggered, submit outcome unknown", "id", id, "local_id", sub.LocalID, "error", err)
	default:
		c.Status, c.Error = domain.ConditionalFailed, err.Error()
		e.log.Warn("conditional order could not be placed", "id", id, "symbol", c.Symbol, "error", err)
	}
	return *c
}
