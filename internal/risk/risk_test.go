package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokergate/internal/config"
	"brokergate/internal/domain"
	"brokergate/internal/event"
)

var t0 = time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type quoteMap map[string]domain.Quote

func (q quoteMap) LastQuote(symbol string) (domain.Quote, bool) {
	v, ok := q[symbol]
	return v, ok
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func account(netLiq string) domain.AccountInfo {
	return domain.AccountInfo{AccountID: "T", NetLiquidation: dec(netLiq)}
}

func limitOrder(id, symbol string, side domain.OrderSide, qty int64, px string) *domain.Order {
	return domain.NewOrder(id, domain.OrderRequest{
		Symbol: symbol, Side: side, Type: domain.OrderTypeLimit, Qty: qty, LimitPrice: dec(px),
	}, t0)
}

func marketOrder(id, symbol string, side domain.OrderSide, qty int64) *domain.Order {
	return domain.NewOrder(id, domain.OrderRequest{
		Symbol: symbol, Side: side, Type: domain.OrderTypeMarket, Qty: qty,
	}, t0)
}

type fixture struct {
	engine   *Engine
	clock    *clock
	quotes   quoteMap
	breakers []domain.BreakerEvent
}

func newFixture(t *testing.T, l Limits, bc BreakerConfig) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{now: t0}, quotes: quoteMap{}}
	if l.OrderWindow == 0 {
		l.OrderWindow = time.Minute
	}
	hub := event.NewHub()
	hub.Breaker.Subscribe(func(ev domain.BreakerEvent) { f.breakers = append(f.breakers, ev) })
	f.engine = NewEngine(l, NewBreaker(bc, hub, nil, nil), f.quotes, hub, nil, nil)
	f.engine.SetClock(f.clock.Now)
	return f
}

func rules(d Decision) []domain.RuleCode {
	out := make([]domain.RuleCode, len(d.Reasons))
	for i, v := range d.Reasons {
		out[i] = v.Rule
	}
	return out
}

// ---------------------------------------------------------------------------
// Checks
// ---------------------------------------------------------------------------

func TestEvaluateApproves(t *testing.T) {
	f := newFixture(t, Limits{MaxOrderNotional: dec("5000")}, BreakerConfig{})

	d := f.engine.Evaluate(limitOrder("L1", "AAPL", domain.OrderSideBuy, 10, "100"), nil, account("100000"))
	require.True(t, d.Approved, "reasons: %v", d.Reasons)
	assert.NoError(t, d.Err())
	assert.True(t, d.ReferencePrice.Equal(dec("100")))
	assert.True(t, d.Notional.Equal(dec("1000")))
	assert.Equal(t, 1, f.engine.Reserved())
}

func TestEvaluateReportsAllViolations(t *testing.T) {
	f := newFixture(t, Limits{
		AllowedSymbols:      map[string]bool{"AAPL": true},
		BlockedSymbols:      map[string]bool{"TSLA": true},
		MaxOrderNotional:    dec("1000"),
		MaxPositionNotional: dec("5000"),
		MaxLeverage:         dec("1"),
	}, BreakerConfig{})

	d := f.engine.Evaluate(limitOrder("L1", "TSLA", domain.OrderSideBuy, 100, "200"), nil, account("10000"))
	require.False(t, d.Approved)
	assert.Equal(t, []domain.RuleCode{
		domain.RuleSymbolNotAllowed,
		domain.RuleSymbolBlocked,
		domain.RuleOrderNotionalExceeded,
		domain.RulePositionNotionalExceed,
		domain.RuleLeverageExceeded,
	}, rules(d))

	var rej *domain.RiskRejection
	require.ErrorAs(t, d.Err(), &rej)
	assert.True(t, rej.Has(domain.RuleSymbolBlocked))
	assert.Equal(t, 0, f.engine.Reserved(), "rejected orders reserve nothing")
}

func TestReferencePrice(t *testing.T) {
	f := newFixture(t, Limits{MaxOrderNotional: dec("100000")}, BreakerConfig{})

	d := f.engine.Assess(marketOrder("L1", "AAPL", domain.OrderSideBuy, 10), nil, account("100000"))
	assert.Equal(t, []domain.RuleCode{domain.RuleNoReferencePrice}, rules(d))

	positions := map[string]domain.Position{"AAPL": {Symbol: "AAPL", Qty: 5, MarketPrice: dec("150")}}
	d = f.engine.Assess(marketOrder("L1", "AAPL", domain.OrderSideBuy, 10), positions, account("100000"))
	require.True(t, d.Approved)
	assert.True(t, d.ReferencePrice.Equal(dec("150")), "falls back to the mark")

	f.quotes["AAPL"] = domain.Quote{Symbol: "AAPL", Bid: dec("159"), Ask: dec("161")}
	d = f.engine.Assess(marketOrder("L1", "AAPL", domain.OrderSideBuy, 10), positions, account("100000"))
	assert.True(t, d.ReferencePrice.Equal(dec("160")), "quote midpoint wins over the mark")

	stop := domain.NewOrder("L2", domain.OrderRequest{
		Symbol: "AAPL", Side: domain.OrderSideSell, Type: domain.OrderTypeStop, Qty: 10, StopPrice: dec("140"),
	}, t0)
	d = f.engine.Assess(stop, positions, account("100000"))
	assert.True(t, d.ReferencePrice.Equal(dec("140")))
}

func TestSymbolPositionLimitOverride(t *testing.T) {
	f := newFixture(t, Limits{
		MaxPositionNotional:  dec("10000"),
		SymbolPositionLimits: map[string]decimal.Decimal{"GME": dec("500")},
	}, BreakerConfig{})

	d := f.engine.Assess(limitOrder("L1", "GME", domain.OrderSideBuy, 10, "60"), nil, account("100000"))
	assert.Equal(t, []domain.RuleCode{domain.RulePositionNotionalExceed}, rules(d))
	d = f.engine.Assess(limitOrder("L2", "AAPL", domain.OrderSideBuy, 10, "60"), nil, account("100000"))
	assert.True(t, d.Approved)
}

func TestPositionLimitAllowsReducingOrders(t *testing.T) {
	f := newFixture(t, Limits{MaxPositionNotional: dec("10000")}, BreakerConfig{})
	positions := map[string]domain.Position{"AAPL": {Symbol: "AAPL", Qty: 120, AvgCost: dec("100"), MarketPrice: dec("100")}}

	d := f.engine.Assess(limitOrder("L1", "AAPL", domain.OrderSideBuy, 1, "100"), positions, account("100000"))
	assert.False(t, d.Approved)
	d = f.engine.Assess(limitOrder("L2", "AAPL", domain.OrderSideSell, 50, "100"), positions, account("100000"))
	assert.True(t, d.Approved, "reasons: %v", d.Reasons)
}

func TestReservationsCountAgainstPositionLimit(t *testing.T) {
	f := newFixture(t, Limits{MaxPositionNotional: dec("1500")}, BreakerConfig{})

	first := f.engine.Evaluate(limitOrder("L1", "AAPL", domain.OrderSideBuy, 10, "100"), nil, account("100000"))
	require.True(t, first.Approved)

	second := f.engine.Evaluate(limitOrder("L2", "AAPL", domain.OrderSideBuy, 10, "100"), nil, account("100000"))
	assert.Equal(t, []domain.RuleCode{domain.RulePositionNotionalExceed}, rules(second))

	f.engine.OnLifecycle(domain.LifecycleEvent{LocalID: "L1", Previous: domain.OrderStatusSubmitted, New: domain.OrderStatusCancelled})
	assert.Equal(t, 0, f.engine.Reserved())

	third := f.engine.Evaluate(limitOrder("L3", "AAPL", domain.OrderSideBuy, 10, "100"), nil, account("100000"))
	assert.True(t, third.Approved)
}

func TestRateLimitWindow(t *testing.T) {
	f := newFixture(t, Limits{MaxOrdersPerWindow: 3, OrderWindow: time.Minute}, BreakerConfig{})

	for i := 0; i < 3; i++ {
		d := f.engine.Evaluate(limitOrder("L", "AAPL", domain.OrderSideBuy, 1, "10"), nil, account("100000"))
		require.True(t, d.Approved, "order %d", i+1)
		f.clock.advance(time.Second)
	}
	d := f.engine.Evaluate(limitOrder("L4", "AAPL", domain.OrderSideBuy, 1, "10"), nil, account("100000"))
	assert.Equal(t, []domain.RuleCode{domain.RuleRateLimitExceeded}, rules(d))

	f.clock.advance(time.Minute)
	d = f.engine.Evaluate(limitOrder("L5", "AAPL", domain.OrderSideBuy, 1, "10"), nil, account("100000"))
	assert.True(t, d.Approved)
}

func TestLeverage(t *testing.T) {
	f := newFixture(t, Limits{MaxLeverage: dec("2")}, BreakerConfig{})
	positions := map[string]domain.Position{"MSFT": {Symbol: "MSFT", Qty: -20, MarketPrice: dec("400")}}

	// |-8000| + 10500 = 18500 gross on 10000 equity.
	d := f.engine.Assess(limitOrder("L1", "AAPL", domain.OrderSideBuy, 105, "100"), positions, account("10000"))
	require.True(t, d.Approved)
	require.Len(t, d.Warnings, 1)
	assert.Contains(t, d.Warnings[0], "leverage")

	d = f.engine.Assess(limitOrder("L2", "AAPL", domain.OrderSideBuy, 121, "100"), positions, account("10000"))
	assert.Equal(t, []domain.RuleCode{domain.RuleLeverageExceeded}, rules(d))

	d = f.engine.Assess(limitOrder("L3", "AAPL", domain.OrderSideBuy, 1, "100"), nil, account("0"))
	assert.Equal(t, []domain.RuleCode{domain.RuleLeverageExceeded}, rules(d))
}

func TestAssessHasNoSideEffects(t *testing.T) {
	f := newFixture(t, Limits{MaxOrdersPerWindow: 1, MaxPositionNotional: dec("1000")}, BreakerConfig{})
	o := limitOrder("L1", "AAPL", domain.OrderSideBuy, 10, "100")

	a := f.engine.Assess(o, nil, account("100000"))
	b := f.engine.Assess(o, nil, account("100000"))
	assert.Equal(t, a, b)
	assert.True(t, a.Approved)
	assert.Equal(t, 0, f.engine.Reserved())

	assert.True(t, f.engine.Evaluate(o, nil, account("100000")).Approved)
}

// ---------------------------------------------------------------------------
// Daily loss and the breaker
// ---------------------------------------------------------------------------

func lossFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, Limits{MaxDailyLoss: dec("1000")}, BreakerConfig{Cooldown: time.Minute})
	f.engine.SeedPositions([]domain.Position{{Symbol: "AAPL", Qty: 200, AvgCost: dec("100")}})
	f.engine.ApplyFill(domain.Fill{
		OrderLocalID: "OLD", ExecutionID: "E0", Symbol: "AAPL", Side: domain.OrderSideSell,
		Shares: 95, Price: dec("90"), Timestamp: t0,
	})
	require.True(t, f.engine.DailyRealized().Equal(dec("-950")), "daily = %s", f.engine.DailyRealized())
	return f
}

func TestDailyLossRejectsAndTripsBreaker(t *testing.T) {
	f := lossFixture(t)

	near := f.engine.Assess(limitOrder("L0", "AAPL", domain.OrderSideBuy, 1, "90"), nil, account("100000"))
	require.True(t, near.Approved)
	assert.Len(t, near.Warnings, 1, "-950 is past 80%% of the limit")

	// Selling 10 more at 90 against a 100 cost realizes another -100.
	d := f.engine.Evaluate(limitOrder("L1", "AAPL", domain.OrderSideSell, 10, "90"), nil, account("100000"))
	assert.Equal(t, []domain.RuleCode{domain.RuleDailyLossExceeded}, rules(d))

	st, open := f.engine.Breaker().Open()
	require.True(t, open)
	assert.Equal(t, domain.TripDailyLoss, st.Reason)
	require.Len(t, f.breakers, 1)
	assert.True(t, f.breakers[0].Tripped)

	// Any order now, even a risk-free one.
	d = f.engine.Evaluate(limitOrder("L2", "AAPL", domain.OrderSideBuy, 1, "1"), nil, account("100000"))
	assert.Equal(t, []domain.RuleCode{domain.RuleCircuitOpen}, rules(d))
	var coe *domain.CircuitOpenError
	require.ErrorAs(t, d.Err(), &coe)
	assert.Equal(t, domain.TripDailyLoss, coe.State.Reason)
}

func TestLossTripRequiresReset(t *testing.T) {
	f := lossFixture(t)
	f.engine.Evaluate(limitOrder("L1", "AAPL", domain.OrderSideSell, 10, "90"), nil, account("100000"))

	f.clock.advance(time.Hour)
	_, open := f.engine.Breaker().Open()
	require.True(t, open, "loss trips ignore the cooldown")

	f.engine.ResetSession()
	_, open = f.engine.Breaker().Open()
	require.True(t, open, "a new session does not close the breaker")
	assert.True(t, f.engine.DailyRealized().IsZero())

	f.engine.Breaker().Reset("ops")
	_, open = f.engine.Breaker().Open()
	assert.False(t, open)
	require.Len(t, f.breakers, 2)
	assert.False(t, f.breakers[1].Tripped)
	assert.Equal(t, "ops", f.breakers[1].Operator)

	d := f.engine.Evaluate(limitOrder("L2", "AAPL", domain.OrderSideSell, 10, "90"), nil, account("100000"))
	assert.True(t, d.Approved, "reasons: %v", d.Reasons)
}

func TestRealizedLossTripsBreaker(t *testing.T) {
	f := lossFixture(t)
	f.engine.ApplyFill(domain.Fill{Symbol: "AAPL", Side: domain.OrderSideSell, Shares: 10, Price: dec("90")})

	st, open := f.engine.Breaker().Open()
	require.True(t, open)
	assert.Equal(t, domain.TripDailyLoss, st.Reason)
}

func TestRejectionCountTripAndCooldown(t *testing.T) {
	f := newFixture(t, Limits{}, BreakerConfig{RejectionWindow: 5 * time.Minute, MaxRejections: 3, Cooldown: 10 * time.Minute})
	reject := func(id string) {
		f.engine.OnLifecycle(domain.LifecycleEvent{
			LocalID: id, Previous: domain.OrderStatusSubmitted, New: domain.OrderStatusRejected, At: f.clock.now,
		})
	}

	reject("L1")
	reject("L2")
	_, open := f.engine.Breaker().Open()
	require.False(t, open)
	reject("L3")
	st, open := f.engine.Breaker().Open()
	require.True(t, open)
	assert.Equal(t, domain.TripRejectionRate, st.Reason)

	f.clock.advance(9 * time.Minute)
	_, open = f.engine.Breaker().Open()
	assert.True(t, open)

	f.clock.advance(time.Minute)
	_, open = f.engine.Breaker().Open()
	assert.False(t, open)
	require.Len(t, f.breakers, 2)
	assert.Equal(t, OperatorCooldown, f.breakers[1].Operator)
}

func TestRejectionRatio(t *testing.T) {
	b := NewBreaker(BreakerConfig{RejectionWindow: time.Minute, MaxRejectionRatio: dec("0.5"), MinSample: 4}, nil, nil, nil)
	b.SetClock(func() time.Time { return t0 })

	b.RecordSubmission(t0)
	b.RecordSubmission(t0)
	b.RecordRejection(t0)
	b.RecordRejection(t0)
	assert.False(t, b.State().Tripped, "below the minimum sample")

	b.RecordSubmission(t0)
	b.RecordSubmission(t0)
	b.RecordRejection(t0)
	assert.True(t, b.State().Tripped)
}

func TestRejectionWindowExpires(t *testing.T) {
	b := NewBreaker(BreakerConfig{RejectionWindow: time.Minute, MaxRejections: 2}, nil, nil, nil)

	b.RecordRejection(t0)
	b.RecordRejection(t0.Add(2 * time.Minute))
	assert.False(t, b.State().Tripped)
	b.RecordRejection(t0.Add(150 * time.Second))
	assert.True(t, b.State().Tripped)
}

func TestRejectionFromPendingCountsTowardBreaker(t *testing.T) {
	f := newFixture(t, Limits{}, BreakerConfig{RejectionWindow: time.Minute, MaxRejections: 1})
	f.engine.OnLifecycle(domain.LifecycleEvent{LocalID: "L1", New: domain.OrderStatusPending})
	_, open := f.engine.Breaker().Open()
	assert.False(t, open)

	f.engine.OnLifecycle(domain.LifecycleEvent{LocalID: "L1", Previous: domain.OrderStatusPending, New: domain.OrderStatusRejected})
	_, open = f.engine.Breaker().Open()
	assert.True(t, open)
}

// ---------------------------------------------------------------------------
// Book
// ---------------------------------------------------------------------------

func TestBookRealizedPnL(t *testing.T) {
	b := NewBook()
	fill := func(side domain.OrderSide, shares int64, px string) decimal.Decimal {
		return b.ApplyFill(domain.Fill{Symbol: "AAPL", Side: side, Shares: shares, Price: dec(px)})
	}

	assert.True(t, fill(domain.OrderSideBuy, 10, "100").IsZero())
	assert.True(t, fill(domain.OrderSideBuy, 10, "110").IsZero())
	p, _ := b.Position("AAPL")
	assert.True(t, p.AvgCost.Equal(dec("105")), "avg = %s", p.AvgCost)

	assert.True(t, fill(domain.OrderSideSell, 15, "120").Equal(dec("225")))
	// Close 5 at a loss and flip short 5 at 100.
	assert.True(t, fill(domain.OrderSideSell, 10, "100").Equal(dec("-25")))
	p, _ = b.Position("AAPL")
	assert.Equal(t, int64(-5), p.Qty)
	assert.Equal(t, domain.PositionSideShort, p.Side)
	assert.True(t, p.AvgCost.Equal(dec("100")))

	assert.True(t, fill(domain.OrderSideBuy, 5, "90").Equal(dec("50")))
	p, _ = b.Position("AAPL")
	assert.Equal(t, int64(0), p.Qty)
	assert.True(t, p.RealizedPnL.Equal(dec("250")), "realized = %s", p.RealizedPnL)
	assert.Empty(t, b.Symbols())
}

func TestBookSeedKeepsRealized(t *testing.T) {
	b := NewBook()
	b.ApplyFill(domain.Fill{Symbol: "AAPL", Side: domain.OrderSideBuy, Shares: 10, Price: dec("100")})
	b.ApplyFill(domain.Fill{Symbol: "AAPL", Side: domain.OrderSideSell, Shares: 5, Price: dec("110")})

	b.Seed([]domain.Position{{Symbol: "AAPL", Qty: 7, AvgCost: dec("101")}, {Symbol: "MSFT", Qty: -3, AvgCost: dec("400")}})
	p, ok := b.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, int64(7), p.Qty)
	assert.True(t, p.RealizedPnL.Equal(dec("50")))
	assert.Equal(t, []string{"AAPL", "MSFT"}, b.Symbols())
}

func TestPositionsMarkedToQuotes(t *testing.T) {
	f := newFixture(t, Limits{}, BreakerConfig{})
	f.engine.SeedPositions([]domain.Position{{Symbol: "AAPL", Qty: 10, AvgCost: dec("100")}})
	f.quotes["AAPL"] = domain.Quote{Symbol: "AAPL", Last: dec("105")}

	p := f.engine.Positions()["AAPL"]
	assert.True(t, p.MarketPrice.Equal(dec("105")))
	assert.True(t, p.Notional().Equal(dec("1050")))
}

func TestFillShrinksReservation(t *testing.T) {
	f := newFixture(t, Limits{}, BreakerConfig{})
	require.True(t, f.engine.Evaluate(limitOrder("L1", "AAPL", domain.OrderSideBuy, 10, "100"), nil, account("100000")).Approved)

	f.engine.OnLifecycle(domain.LifecycleEvent{
		LocalID: "L1", Previous: domain.OrderStatusSubmitted, New: domain.OrderStatusPartiallyFilled,
		Fill: &domain.Fill{OrderLocalID: "L1", Symbol: "AAPL", Side: domain.OrderSideBuy, Shares: 4, Price: dec("100")},
	})
	assert.Equal(t, 1, f.engine.Reserved())

	f.engine.OnLifecycle(domain.LifecycleEvent{
		LocalID: "L1", Previous: domain.OrderStatusPartiallyFilled, New: domain.OrderStatusPartiallyFilled,
		Fill:   &domain.Fill{OrderLocalID: "L1", Symbol: "AAPL", Side: domain.OrderSideBuy, Shares: 4, Price: dec("101")},
		Reason: ReasonExecutionCorrected,
	})
	p := f.engine.Positions()["AAPL"]
	assert.Equal(t, int64(4), p.Qty, "corrections do not re-book shares")

	f.engine.OnLifecycle(domain.LifecycleEvent{
		LocalID: "L1", Previous: domain.OrderStatusPartiallyFilled, New: domain.OrderStatusFilled,
		Fill: &domain.Fill{OrderLocalID: "L1", Symbol: "AAPL", Side: domain.OrderSideBuy, Shares: 6, Price: dec("100")},
	})
	assert.Equal(t, 0, f.engine.Reserved())
	assert.Equal(t, int64(10), f.engine.Positions()["AAPL"].Qty)
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestLimitsFromConfig(t *testing.T) {
	l, err := LimitsFromConfig(config.Risk{
		AllowedSymbols:      []string{"aapl", " msft "},
		MaxOrderNotional:    "25000",
		MaxDailyLoss:        "1000.50",
		SymbolPositionLimit: map[string]string{"gme": "500"},
	})
	require.NoError(t, err)
	assert.True(t, l.AllowedSymbols["AAPL"])
	assert.True(t, l.AllowedSymbols["MSFT"])
	assert.Nil(t, l.BlockedSymbols)
	assert.True(t, l.MaxOrderNotional.Equal(dec("25000")))
	assert.True(t, l.MaxDailyLoss.Equal(dec("1000.5")))
	assert.True(t, l.PositionLimit("GME").Equal(dec("500")))
	assert.True(t, l.PositionLimit("AAPL").IsZero())
	assert.Equal(t, time.Minute, l.OrderWindow)

	_, err = LimitsFromConfig(config.Risk{MaxLeverage: "lots"})
	assert.Error(t, err)
	_, err = LimitsFromConfig(config.Risk{MaxDailyLoss: "-5"})
	assert.Error(t, err)
}

func TestBreakerFromConfig(t *testing.T) {
	bc, err := BreakerFromConfig(config.Breaker{RejectionWindow: time.Minute, MaxRejections: 5, MaxRejectionRatio: "0.25", MinSample: 8})
	require.NoError(t, err)
	assert.True(t, bc.MaxRejectionRatio.Equal(dec("0.25")))
	assert.Equal(t, 5, bc.MaxRejections)
}
