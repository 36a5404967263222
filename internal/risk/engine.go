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

// ReasonExecutionCorrected marks a lifecycle event that re-prices an
// execution already applied.
const ReasonExecutionCorrected = "execution_corrected"

var (
	lossWarnRatio     = decimal.RequireFromString("0.8")
	leverageWarnRatio = decimal.RequireFromString("0.9")
)

// QuoteSource supplies the last known quote for a symbol.
type QuoteSource interface {
	LastQuote(symbol string) (domain.Quote, bool)
}

// Decision is the outcome of a pre-trade evaluation. Reasons lists every
// violated rule; Warnings flag limits that are close to being reached.
type Decision struct {
	Approved       bool                 `json:"approved"`
	Reasons        []domain.Violation   `json:"reasons,omitempty"`
	Warnings       []string             `json:"warnings,omitempty"`
	ReferencePrice decimal.Decimal      `json:"reference_price"`
	Notional       decimal.Decimal      `json:"notional"`
	Breaker        *domain.BreakerState `json:"breaker,omitempty"`
}

// Err converts a rejected decision to the error returned to the caller.
func (d Decision) Err() error {
	if d.Approved {
		return nil
	}
	if d.Breaker != nil {
		return &domain.CircuitOpenError{State: *d.Breaker}
	}
	return &domain.RiskRejection{Reasons: d.Reasons}
}

// reservation is the capacity held by an approved order until it reaches a
// terminal state.
type reservation struct {
	symbol    string
	side      domain.OrderSide
	remaining int64
	price     decimal.Decimal
}

func (r *reservation) notional() decimal.Decimal {
	return r.price.Mul(decimal.NewFromInt(r.side.Sign() * r.remaining))
}

// Engine runs the pre-trade checks and keeps the state they depend on:
// daily realized P&L, the rolling approval window, reservations of open
// orders and a position book. All of it is guarded by one mutex so that an
// approval reserves capacity atomically with the decision.
type Engine struct {
	mu            sync.Mutex
	limits        Limits
	breaker       *Breaker
	book          *Book
	quotes        QuoteSource
	dailyRealized decimal.Decimal
	window        []time.Time
	reserved      map[string]*reservation

	hub     *event.Hub
	metrics metrics.Sink
	log     *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine. quotes may be nil.
func NewEngine(limits Limits, breaker *Breaker, quotes QuoteSource, hub *event.Hub, sink metrics.Sink, log *slog.Logger) *Engine {
	if hub == nil {
		hub = event.NewHub()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if breaker == nil {
		breaker = NewBreaker(BreakerConfig{}, hub, sink, log)
	}
	return &Engine{
		limits:   limits,
		breaker:  breaker,
		book:     NewBook(),
		quotes:   quotes,
		reserved: make(map[string]*reservation),
		hub:      hub,
		metrics:  sink,
		log:      log.With("component", "risk"),
		now:      time.Now,
	}
}

// SetClock replaces the time source of the engine and its breaker.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
	e.breaker.SetClock(now)
}

// Breaker returns the engine's circuit breaker.
func (e *Engine) Breaker() *Breaker { return e.breaker }

// Limits returns the configured limits.
func (e *Engine) Limits() Limits { return e.limits }

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

// Evaluate runs every check against o. On approval the order's window slot
// and notional are reserved under o.LocalID before Evaluate returns. A
// daily loss breach trips the breaker; while the breaker is open every
// order is rejected with circuit_open alone.
func (e *Engine) Evaluate(o *domain.Order, positions map[string]domain.Position, account domain.AccountInfo) Decision {
	e.mu.Lock()
	now := e.now()
	d, lossBreach := e.assessLocked(o, positions, account, now)
	if d.Approved {
		e.window = append(e.window, now)
		e.reserved[o.LocalID] = &reservation{
			symbol:    o.Symbol,
			side:      o.Side,
			remaining: o.Remaining(),
			price:     d.ReferencePrice,
		}
	}
	e.mu.Unlock()

	if lossBreach != "" {
		e.breaker.Trip(domain.TripDailyLoss, lossBreach)
	}
	if d.Approved {
		e.breaker.RecordSubmission(now)
		e.metrics.Incr(metrics.RiskApproved, 1)
	} else {
		for _, v := range d.Reasons {
			e.metrics.Incr(metrics.RiskRejected, 1, "rule", string(v.Rule))
		}
	}
	return d
}

// Assess runs the same checks as Evaluate without reserving anything or
// tripping the breaker.
func (e *Engine) Assess(o *domain.Order, positions map[string]domain.Position, account domain.AccountInfo) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, _ := e.assessLocked(o, positions, account, e.now())
	return d
}

func (e *Engine) assessLocked(o *domain.Order, positions map[string]domain.Position, account domain.AccountInfo, now time.Time) (Decision, string) {
	if st, open := e.breaker.Open(); open {
		return Decision{
			Reasons: []domain.Violation{{Rule: domain.RuleCircuitOpen, Detail: fmt.Sprintf("%s: %s", st.Reason, st.Detail)}},
			Breaker: &st,
		}, ""
	}
	if positions == nil {
		positions = e.book.Positions()
	}

	var d Decision
	violate := func(rule domain.RuleCode, format string, args ...any) {
		d.Reasons = append(d.Reasons, domain.Violation{Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}
	l := e.limits

	// 1. Symbol lists.
	if len(l.AllowedSymbols) > 0 && !l.AllowedSymbols[o.Symbol] {
		violate(domain.RuleSymbolNotAllowed, "%s is not on the allow list", o.Symbol)
	}
	if l.BlockedSymbols[o.Symbol] {
		violate(domain.RuleSymbolBlocked, "%s is blocked", o.Symbol)
	}

	// 2. Order notional.
	px := e.referencePrice(o, positions)
	qty := decimal.NewFromInt(o.Remaining())
	signed := decimal.NewFromInt(o.Side.Sign() * o.Remaining())
	priced := px.IsPositive()
	if priced {
		d.ReferencePrice = px
		d.Notional = px.Mul(qty)
		if l.MaxOrderNotional.IsPositive() && d.Notional.GreaterThan(l.MaxOrderNotional) {
			violate(domain.RuleOrderNotionalExceeded, "order notional %s exceeds %s", d.Notional.StringFixed(2), l.MaxOrderNotional)
		}
	} else {
		violate(domain.RuleNoReferencePrice, "no price to value %s %s order", o.Symbol, o.Type)
	}

	// 3. Position notional.
	pos := positions[o.Symbol]
	if limit := l.PositionLimit(o.Symbol); priced && limit.IsPositive() {
		projected := pos.Notional().Add(e.reservedLocked(o.Symbol)).Add(px.Mul(signed))
		if projected.Abs().GreaterThan(limit) {
			violate(domain.RulePositionNotionalExceed, "%s position notional %s exceeds %s", o.Symbol, projected.Abs().StringFixed(2), limit)
		}
	}

	// 4. Rolling order window.
	e.window = prune(e.window, now.Add(-l.OrderWindow))
	if l.MaxOrdersPerWindow > 0 && len(e.window) >= l.MaxOrdersPerWindow {
		violate(domain.RuleRateLimitExceeded, "%d orders within %s", len(e.window), l.OrderWindow)
	}

	// 5. Leverage.
	if l.MaxLeverage.IsPositive() && priced {
		if !account.NetLiquidation.IsPositive() {
			violate(domain.RuleLeverageExceeded, "net liquidation %s is not positive", account.NetLiquidation)
		} else {
			gross := e.grossExposureLocked(positions, o.Symbol, px.Mul(signed))
			lev := gross.DivRound(account.NetLiquidation, 4)
			switch {
			case lev.GreaterThan(l.MaxLeverage):
				violate(domain.RuleLeverageExceeded, "leverage %s exceeds %s", lev, l.MaxLeverage)
			case lev.GreaterThanOrEqual(l.MaxLeverage.Mul(leverageWarnRatio)):
				d.Warnings = append(d.Warnings, fmt.Sprintf("leverage %s is near the %s limit", lev, l.MaxLeverage))
			}
		}
	}

	// 6. Daily loss.
	var lossBreach string
	if l.MaxDailyLoss.IsPositive() {
		projected := e.dailyRealized
		if priced {
			projected = projected.Add(decimal.Min(projectedClosePnL(pos, o.Side, o.Remaining(), px), decimal.Zero))
		}
		floor := l.MaxDailyLoss.Neg()
		switch {
		case projected.LessThan(floor):
			lossBreach = fmt.Sprintf("daily P&L %s would breach -%s", projected.StringFixed(2), l.MaxDailyLoss)
			violate(domain.RuleDailyLossExceeded, "%s", lossBreach)
		case projected.LessThanOrEqual(floor.Mul(lossWarnRatio)):
			d.Warnings = append(d.Warnings, fmt.Sprintf("daily P&L %s is near the -%s limit", projected.StringFixed(2), l.MaxDailyLoss))
		}
	}

	d.Approved = len(d.Reasons) == 0
	return d, lossBreach
}

// referencePrice values o: market and trailing stop orders use the last
// quote, then the position mark; priced orders use their own limit or stop.
func (e *Engine) referencePrice(o *domain.Order, positions map[string]domain.Position) decimal.Decimal {
	switch o.Type {
	case domain.OrderTypeLimit, domain.OrderTypeStopLimit:
		return o.LimitPrice
	case domain.OrderTypeStop:
		return o.StopPrice
	}
	if e.quotes != nil {
		if q, ok := e.quotes.LastQuote(o.Symbol); ok {
			if px := q.Reference(); px.IsPositive() {
				return px
			}
		}
	}
	return positions[o.Symbol].MarketPrice
}

func (e *Engine) reservedLocked(symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, r := range e.reserved {
		if r.symbol == symbol {
			total = total.Add(r.notional())
		}
	}
	return total
}

// grossExposureLocked sums absolute per-symbol exposure including open
// reservations and the candidate's signed notional.
func (e *Engine) grossExposureLocked(positions map[string]domain.Position, symbol string, candidate decimal.Decimal) decimal.Decimal {
	exposure := make(map[string]decimal.Decimal, len(positions)+1)
	for sym, p := range positions {
		exposure[sym] = p.Notional()
	}
	for _, r := range e.reserved {
		exposure[r.symbol] = exposure[r.symbol].Add(r.notional())
	}
	exposure[symbol] = exposure[symbol].Add(candidate)

	gross := decimal.Zero
	for _, v := range exposure {
		gross = gross.Add(v.Abs())
	}
	return gross
}

// projectedClosePnL is the P&L of the part of an order that would close the
// existing position at px.
func projectedClosePnL(pos domain.Position, side domain.OrderSide, qty int64, px decimal.Decimal) decimal.Decimal {
	if pos.Qty == 0 || (pos.Qty > 0) == (side == domain.OrderSideBuy) {
		return decimal.Zero
	}
	closed := min(qty, absQty(pos.Qty))
	return closingPnL(pos.Qty, pos.AvgCost, px, closed)
}

// ---------------------------------------------------------------------------
// State maintenance
// ---------------------------------------------------------------------------

// OnLifecycle keeps risk state in step with the order tracker: fills update
// the book and daily P&L, terminal states release reservations and broker
// rejections feed the breaker.
func (e *Engine) OnLifecycle(ev domain.LifecycleEvent) {
	if ev.Fill != nil && ev.Reason != ReasonExecutionCorrected {
		e.ApplyFill(*ev.Fill)
	}
	if ev.New.IsTerminal() {
		e.Release(ev.LocalID)
	}
	if ev.New == domain.OrderStatusRejected && ev.Previous != "" {
		e.breaker.RecordRejection(ev.At)
	}
}

// ApplyFill books a fill: the position changes, its realized P&L is added
// to the daily total and the order's reservation shrinks. A realized loss
// beyond the limit trips the breaker.
func (e *Engine) ApplyFill(f domain.Fill) {
	e.mu.Lock()
	realized := e.book.ApplyFill(f)
	e.dailyRealized = e.dailyRealized.Add(realized)
	if r, ok := e.reserved[f.OrderLocalID]; ok {
		r.remaining -= f.Shares
		if r.remaining <= 0 {
			delete(e.reserved, f.OrderLocalID)
		}
	}
	daily := e.dailyRealized
	limit := e.limits.MaxDailyLoss
	e.mu.Unlock()

	if limit.IsPositive() && daily.LessThan(limit.Neg()) {
		e.breaker.Trip(domain.TripDailyLoss, fmt.Sprintf("realized daily P&L %s breached -%s", daily.StringFixed(2), limit))
	}
}

// Release drops the reservation held by localID.
func (e *Engine) Release(localID string) {
	e.mu.Lock()
	delete(e.reserved, localID)
	e.mu.Unlock()
}

// SeedPositions replaces the book with broker-reported positions.
func (e *Engine) SeedPositions(positions []domain.Position) {
	e.mu.Lock()
	e.book.Seed(positions)
	e.mu.Unlock()
	e.log.Info("positions seeded", "count", len(positions))
}

// Positions returns the book's open positions, marked to the last quote
// where one is known.
func (e *Engine) Positions() map[string]domain.Position {
	e.mu.Lock()
	out := e.book.Positions()
	e.mu.Unlock()
	if e.quotes == nil {
		return out
	}
	for sym, p := range out {
		if q, ok := e.quotes.LastQuote(sym); ok {
			if px := q.Reference(); px.IsPositive() {
				p.MarketPrice = px
				out[sym] = p
			}
		}
	}
	return out
}

// DailyRealized returns the realized P&L since the last session reset.
func (e *Engine) DailyRealized() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dailyRealized
}

// Reserved returns the number of orders holding a reservation.
func (e *Engine) Reserved() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reserved)
}

// ResetSession starts a new trading day: daily P&L and the order window are
// cleared. Positions, reservations and an open breaker are kept.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	prev := e.dailyRealized
	e.dailyRealized = decimal.Zero
	e.window = nil
	e.book.ResetRealized()
	e.mu.Unlock()
	e.log.Info("risk session reset", "previous_daily_pnl", prev.StringFixed(2))
}
