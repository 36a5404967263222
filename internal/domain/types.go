// Package domain defines the core types shared across brokergate: orders,
// fills, positions, session state and the events that flow between the
// session manager, the order tracker and the risk engine.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() int64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// TimeInForce is the broker-enforced validity window of an order.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
	TimeInForceOPG TimeInForce = "opg"
	TimeInForceCLS TimeInForce = "cls"
)

// PositionSide describes whether a position is long or short.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// OrderRequest is what the application asks brokergate to place.
type OrderRequest struct {
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Qty          int64           `json:"qty"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	TrailPrice   decimal.Decimal `json:"trail_price"`
	TrailPercent decimal.Decimal `json:"trail_percent"`
	TimeInForce  TimeInForce     `json:"time_in_force"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// Validate checks the request shape: positive quantity, known enums and the
// prices each order type demands.
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Qty <= 0 {
		return fmt.Errorf("qty must be positive, got %d", r.Qty)
	}
	switch r.Side {
	case OrderSideBuy, OrderSideSell:
	default:
		return fmt.Errorf("unknown side %q", r.Side)
	}
	switch r.TimeInForce {
	case "", TimeInForceDay, TimeInForceGTC, TimeInForceIOC, TimeInForceFOK, TimeInForceOPG, TimeInForceCLS:
	default:
		return fmt.Errorf("unknown time in force %q", r.TimeInForce)
	}

	needLimit, needStop := false, false
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		needLimit = true
	case OrderTypeStop:
		needStop = true
	case OrderTypeStopLimit:
		needLimit, needStop = true, true
	case OrderTypeTrailingStop:
	default:
		return fmt.Errorf("unknown order type %q", r.Type)
	}

	if err := priceRequirement("limit_price", r.LimitPrice, needLimit, r.Type); err != nil {
		return err
	}
	if err := priceRequirement("stop_price", r.StopPrice, needStop, r.Type); err != nil {
		return err
	}
	return r.validateTrail()
}

// validateTrail requires exactly one of trail_price or trail_percent on
// trailing stops and neither on anything else.
func (r OrderRequest) validateTrail() error {
	if r.Type != OrderTypeTrailingStop {
		if err := priceRequirement("trail_price", r.TrailPrice, false, r.Type); err != nil {
			return err
		}
		return priceRequirement("trail_percent", r.TrailPercent, false, r.Type)
	}
	byPrice, byPercent := !r.TrailPrice.IsZero(), !r.TrailPercent.IsZero()
	switch {
	case byPrice == byPercent:
		return fmt.Errorf("trailing_stop orders need exactly one of trail_price or trail_percent")
	case byPrice && !r.TrailPrice.IsPositive():
		return fmt.Errorf("trail_price must be positive for %s orders", r.Type)
	case byPercent && (!r.TrailPercent.IsPositive() || r.TrailPercent.GreaterThanOrEqual(decimal.NewFromInt(100))):
		return fmt.Errorf("trail_percent must be between 0 and 100, got %s", r.TrailPercent)
	}
	return nil
}

func priceRequirement(name string, v decimal.Decimal, required bool, t OrderType) error {
	switch {
	case required && !v.IsPositive():
		return fmt.Errorf("%s must be positive for %s orders", name, t)
	case !required && !v.IsZero():
		return fmt.Errorf("%s is not allowed for %s orders", name, t)
	}
	return nil
}

// Order is the tracker's authoritative record of a single order.
type Order struct {
	LocalID      string          `json:"local_id"`
	BrokerID     string          `json:"broker_id,omitempty"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Qty          int64           `json:"qty"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	TrailPrice   decimal.Decimal `json:"trail_price"`
	TrailPercent decimal.Decimal `json:"trail_percent"`
	TimeInForce  TimeInForce     `json:"time_in_force"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Status       OrderStatus     `json:"status"`
	FilledQty    int64           `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	RejectReason string          `json:"reject_reason,omitempty"`
	Version      uint64          `json:"version"`
	Synthetic    bool            `json:"synthetic,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Fills        []Fill          `json:"fills,omitempty"`
}

// NewOrder builds a Pending order from a validated request.
func NewOrder(localID string, req OrderRequest, now time.Time) *Order {
	tif := req.TimeInForce
	if tif == "" {
		tif = TimeInForceDay
	}
	return &Order{
		LocalID:      localID,
		Symbol:       strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:         req.Side,
		Type:         req.Type,
		Qty:          req.Qty,
		LimitPrice:   req.LimitPrice,
		StopPrice:    req.StopPrice,
		TrailPrice:   req.TrailPrice,
		TrailPercent: req.TrailPercent,
		TimeInForce:  tif,
		ExpiresAt:    req.ExpiresAt,
		Status:       OrderStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Qty - o.FilledQty
}

// Clone returns a deep copy safe to hand to other goroutines.
func (o *Order) Clone() Order {
	c := *o
	if o.Fills != nil {
		c.Fills = append([]Fill(nil), o.Fills...)
	}
	return c
}

// Fill is one execution against an order.
type Fill struct {
	OrderLocalID string          `json:"order_local_id"`
	BrokerID     string          `json:"broker_id,omitempty"`
	ExecutionID  string          `json:"execution_id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Shares       int64           `json:"shares"`
	Price        decimal.Decimal `json:"price"`
	Commission   decimal.Decimal `json:"commission"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Notional returns shares × price.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Shares))
}

// Position is a signed holding in one symbol. Qty is negative for shorts.
type Position struct {
	Symbol      string          `json:"symbol"`
	Qty         int64           `json:"qty"`
	Side        PositionSide    `json:"side"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	MarketPrice decimal.Decimal `json:"market_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Notional returns the signed market value of the position, using the
// average cost when no market price is known.
func (p Position) Notional() decimal.Decimal {
	px := p.MarketPrice
	if px.IsZero() {
		px = p.AvgCost
	}
	return px.Mul(decimal.NewFromInt(p.Qty))
}

// SideOf returns the side matching a signed quantity.
func SideOf(qty int64) PositionSide {
	switch {
	case qty > 0:
		return PositionSideLong
	case qty < 0:
		return PositionSideShort
	}
	return PositionSideFlat
}

// AccountInfo is a snapshot of the account's financial metrics.
type AccountInfo struct {
	AccountID      string          `json:"account_id"`
	NetLiquidation decimal.Decimal `json:"net_liquidation"`
	Cash           decimal.Decimal `json:"cash"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Quote is the latest top-of-book for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// Reference returns the best single price for the quote: last trade, else
// the bid/ask midpoint, else whichever side is present.
func (q Quote) Reference() decimal.Decimal {
	switch {
	case q.Last.IsPositive():
		return q.Last
	case q.Bid.IsPositive() && q.Ask.IsPositive():
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	case q.Ask.IsPositive():
		return q.Ask
	}
	return q.Bid
}

// BrokerAck is the synchronous result of a successful submission.
type BrokerAck struct {
	LocalID  string    `json:"local_id"`
	BrokerID string    `json:"broker_id"`
	At       time.Time `json:"at"`
}

// OrderAccepted is returned to the application when an order passed risk and
// was handed to the broker.
type OrderAccepted struct {
	LocalID  string      `json:"local_id"`
	BrokerID string      `json:"broker_id,omitempty"`
	Status   OrderStatus `json:"status"`
	Warnings []string    `json:"warnings,omitempty"`
}

// BrokerOrderState is the broker's view of one order, as reported in a
// reconnect snapshot.
type BrokerOrderState struct {
	BrokerID     string          `json:"broker_id"`
	LocalID      string          `json:"local_id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Qty          int64           `json:"qty"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	Status       OrderStatus     `json:"status"`
	FilledQty    int64           `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Reason       string          `json:"reason,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// BrokerSnapshot is the broker's authoritative state fetched after a
// reconnect.
type BrokerSnapshot struct {
	Orders     []BrokerOrderState `json:"orders"`
	Executions []Fill             `json:"executions"`
	Positions  []Position         `json:"positions"`
	Account    *AccountInfo       `json:"account,omitempty"`
	TakenAt    time.Time          `json:"taken_at"`
}
