package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GroupKind names how the orders of a group depend on each other.
type GroupKind string

const (
	// GroupBracket places a take-profit and a stop-loss, one cancelling the
	// other, once its entry order is done.
	GroupBracket GroupKind = "bracket"
	// GroupOCO is a pair where the first fill on one leg cancels the other.
	GroupOCO GroupKind = "oco"
)

// GroupStatus is the progress of an order group.
type GroupStatus string

const (
	GroupActive    GroupStatus = "active"
	GroupCompleted GroupStatus = "completed"
	GroupCancelled GroupStatus = "cancelled"
	GroupFailed    GroupStatus = "failed"
)

// IsTerminal reports whether the group has stopped managing its orders.
func (s GroupStatus) IsTerminal() bool { return s != GroupActive }

// OrderGroup links orders the engine manages together. Entry is set for
// brackets only; Legs holds the exit pair of a bracket once placed, or the
// two orders of an OCO.
type OrderGroup struct {
	ID        string      `json:"id"`
	Kind      GroupKind   `json:"kind"`
	Symbol    string      `json:"symbol"`
	Status    GroupStatus `json:"status"`
	Entry     string      `json:"entry,omitempty"`
	Legs      []string    `json:"legs"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// BracketRequest is an entry order with a profit target and a protective
// stop placed on the opposite side once the entry is done.
type BracketRequest struct {
	Entry      OrderRequest    `json:"entry"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
}

// Validate checks the entry and that the exit prices bracket it: below the
// take-profit and above the stop for a buy, the reverse for a sell.
func (r BracketRequest) Validate() error {
	if err := r.Entry.Validate(); err != nil {
		return fmt.Errorf("entry: %w", err)
	}
	switch r.Entry.Type {
	case OrderTypeMarket, OrderTypeLimit:
	default:
		return fmt.Errorf("bracket entry must be market or limit, got %s", r.Entry.Type)
	}
	if !r.TakeProfit.IsPositive() || !r.StopLoss.IsPositive() {
		return fmt.Errorf("take_profit and stop_loss must be positive")
	}
	low, high, rel := r.StopLoss, r.TakeProfit, "below"
	if r.Entry.Side == OrderSideSell {
		low, high, rel = r.TakeProfit, r.StopLoss, "above"
	}
	if !low.LessThan(high) {
		return fmt.Errorf("%s bracket needs stop_loss %s take_profit", r.Entry.Side, rel)
	}
	if px := r.Entry.LimitPrice; px.IsPositive() && (!low.LessThan(px) || !px.LessThan(high)) {
		return fmt.Errorf("entry limit %s must lie between %s and %s", px, low, high)
	}
	return nil
}

// Exits returns the take-profit limit and the stop-loss stop closing qty
// shares of the entry.
func (r BracketRequest) Exits(qty int64) (takeProfit, stopLoss OrderRequest) {
	side := OrderSideSell
	if r.Entry.Side == OrderSideSell {
		side = OrderSideBuy
	}
	takeProfit = OrderRequest{
		Symbol: r.Entry.Symbol, Side: side, Type: OrderTypeLimit, Qty: qty,
		LimitPrice: r.TakeProfit, TimeInForce: r.Entry.TimeInForce,
	}
	stopLoss = OrderRequest{
		Symbol: r.Entry.Symbol, Side: side, Type: OrderTypeStop, Qty: qty,
		StopPrice: r.StopLoss, TimeInForce: r.Entry.TimeInForce,
	}
	return takeProfit, stopLoss
}

// OCORequest is two orders on one symbol where the first fill on either
// cancels the other.
type OCORequest struct {
	Legs []OrderRequest `json:"legs"`
}

// Validate requires exactly two valid, non-market legs on the same symbol.
func (r OCORequest) Validate() error {
	if len(r.Legs) != 2 {
		return fmt.Errorf("oco needs exactly 2 legs, got %d", len(r.Legs))
	}
	for i, l := range r.Legs {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("leg %d: %w", i+1, err)
		}
		if l.Type == OrderTypeMarket {
			return fmt.Errorf("leg %d: market orders cannot be one-cancels-other", i+1)
		}
	}
	if !strings.EqualFold(strings.TrimSpace(r.Legs[0].Symbol), strings.TrimSpace(r.Legs[1].Symbol)) {
		return fmt.Errorf("oco legs must share a symbol")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conditional orders
// ---------------------------------------------------------------------------

// ConditionKind is the price test a conditional order waits for.
type ConditionKind string

const (
	ConditionPriceAbove ConditionKind = "price_above"
	ConditionPriceBelow ConditionKind = "price_below"
)

// Met reports whether price satisfies the condition against level.
func (c ConditionKind) Met(price, level decimal.Decimal) bool {
	switch c {
	case ConditionPriceAbove:
		return price.GreaterThanOrEqual(level)
	case ConditionPriceBelow:
		return price.LessThanOrEqual(level)
	}
	return false
}

// ConditionalStatus is the state of a conditional order.
type ConditionalStatus string

const (
	ConditionalActive    ConditionalStatus = "active"
	ConditionalTriggered ConditionalStatus = "triggered"
	ConditionalCancelled ConditionalStatus = "cancelled"
	ConditionalFailed    ConditionalStatus = "failed"
)

// ConditionalRequest holds Order back until Symbol trades through Price.
// The watched symbol may differ from the order's.
type ConditionalRequest struct {
	Condition ConditionKind   `json:"condition"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Order     OrderRequest    `json:"order"`
}

// Validate checks the condition and the order it guards.
func (r ConditionalRequest) Validate() error {
	switch r.Condition {
	case ConditionPriceAbove, ConditionPriceBelow:
	default:
		return fmt.Errorf("unknown condition %q", r.Condition)
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("condition symbol is required")
	}
	if !r.Price.IsPositive() {
		return fmt.Errorf("condition price must be positive")
	}
	if err := r.Order.Validate(); err != nil {
		return fmt.Errorf("order: %w", err)
	}
	return nil
}

// ConditionalOrder is a registered ConditionalRequest and its outcome.
// OrderID is the local ID of the order placed on trigger.
type ConditionalOrder struct {
	ID          string            `json:"id"`
	Condition   ConditionKind     `json:"condition"`
	Symbol      string            `json:"symbol"`
	Price       decimal.Decimal   `json:"price"`
	Order       OrderRequest      `json:"order"`
	Status      ConditionalStatus `json:"status"`
	LastPrice   decimal.Decimal   `json:"last_price"`
	OrderID     string            `json:"order_id,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CheckedAt   time.Time         `json:"checked_at"`
	TriggeredAt time.Time         `json:"triggered_at"`
}
