package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"brokergate/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Gateway interface for paper trading and
// tests. It tracks orders, executions and positions in memory and lets the
// caller script broker behaviour: failed connects, dropped connections,
// fills, cancels, rejections and protocol errors.
//
// Fills generated while disconnected are recorded but not delivered; they
// surface through Snapshot on the next reconnect.
type SimulatorBroker struct {
	mu        sync.Mutex
	connected bool
	orders    map[string]*domain.BrokerOrderState // keyed by broker ID
	order     []string                            // broker IDs in submit order
	execs     []domain.Fill
	positions map[string]*domain.Position
	account   domain.AccountInfo
	subs      map[string]bool
	seq       int

	// Fault injection.
	connectFailures int
	authFailure     bool
	submitDelay     time.Duration
	submitErr       error
	dropSubmits     int
	snapshotHook    func(ctx context.Context)
	autoFill        decimal.Decimal
	connectCalls    int

	events chan domain.BrokerEvent
	now    func() time.Time
}

// NewSimulatorBroker creates a SimulatorBroker whose event channel holds
// buffer events. The simulated account starts with 100,000 of cash.
func NewSimulatorBroker(buffer int) *SimulatorBroker {
	if buffer <= 0 {
		buffer = 1024
	}
	start := decimal.NewFromInt(100_000)
	return &SimulatorBroker{
		orders:    make(map[string]*domain.BrokerOrderState),
		positions: make(map[string]*domain.Position),
		subs:      make(map[string]bool),
		account: domain.AccountInfo{
			AccountID:      "SIM",
			NetLiquidation: start,
			Cash:           start,
			BuyingPower:    start,
		},
		events: make(chan domain.BrokerEvent, buffer),
		now:    time.Now,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// ---------------------------------------------------------------------------
// Scripting
// ---------------------------------------------------------------------------

// FailConnects makes the next n Connect calls fail with a transient error.
func (b *SimulatorBroker) FailConnects(n int) {
	b.mu.Lock()
	b.connectFailures = n
	b.mu.Unlock()
}

// FailAuth makes every Connect call fail with an authentication error.
func (b *SimulatorBroker) FailAuth(fail bool) {
	b.mu.Lock()
	b.authFailure = fail
	b.mu.Unlock()
}

// SetSubmitDelay makes SubmitOrder wait d before answering. A context that
// expires first aborts the call, although the order is still recorded as
// received, which models a request whose outcome is unknown to the caller.
func (b *SimulatorBroker) SetSubmitDelay(d time.Duration) {
	b.mu.Lock()
	b.submitDelay = d
	b.mu.Unlock()
}

// SetSubmitError makes SubmitOrder fail with err until cleared with nil.
func (b *SimulatorBroker) SetSubmitError(err error) {
	b.mu.Lock()
	b.submitErr = err
	b.mu.Unlock()
}

// DropSubmits makes the next n SubmitOrder calls vanish: the order is never
// recorded and the call hangs until its context ends, like a request lost
// on the wire.
func (b *SimulatorBroker) DropSubmits(n int) {
	b.mu.Lock()
	b.dropSubmits = n
	b.mu.Unlock()
}

// SetSnapshotHook runs fn at the start of every Snapshot call, before any
// state is read. A blocking hook holds the snapshot back.
func (b *SimulatorBroker) SetSnapshotHook(fn func(ctx context.Context)) {
	b.mu.Lock()
	b.snapshotHook = fn
	b.mu.Unlock()
}

// SetAutoFill makes every accepted order fill completely. Market and stop
// orders fill at price; limit orders fill at their limit price. A zero price
// disables auto fills.
func (b *SimulatorBroker) SetAutoFill(price decimal.Decimal) {
	b.mu.Lock()
	b.autoFill = price
	b.mu.Unlock()
}

// SetAccount replaces the simulated account values.
func (b *SimulatorBroker) SetAccount(a domain.AccountInfo) {
	b.mu.Lock()
	b.account = a
	b.mu.Unlock()
}

// SetClock overrides the time source used for event timestamps.
func (b *SimulatorBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// ConnectCalls returns how many times Connect was called.
func (b *SimulatorBroker) ConnectCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectCalls
}

// Connected reports whether the simulated connection is up.
func (b *SimulatorBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Subscriptions returns the symbols with active market data, sorted.
func (b *SimulatorBroker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for s := range b.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DropConnection simulates the broker closing the connection and emits a
// Disconnection event.
func (b *SimulatorBroker) DropConnection(reason string) {
	b.mu.Lock()
	b.connected = false
	b.subs = make(map[string]bool)
	at := b.now()
	b.mu.Unlock()
	b.emit(domain.DisconnectionEvent(reason, at))
}

// Fill executes shares of the order at price. The event is delivered only
// while connected.
func (b *SimulatorBroker) Fill(brokerID string, shares int64, price decimal.Decimal) (domain.Fill, error) {
	b.mu.Lock()
	f, err := b.fillLocked(brokerID, shares, price)
	connected := b.connected
	b.mu.Unlock()
	if err != nil {
		return domain.Fill{}, err
	}
	if connected {
		b.emit(domain.FillEvent(f))
	}
	return f, nil
}

// Reject rejects an open order at the broker.
func (b *SimulatorBroker) Reject(brokerID, reason string) error {
	b.mu.Lock()
	o, ok := b.orders[brokerID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("simulator reject %s: %w", brokerID, domain.ErrOrderNotFound)
	}
	o.Status = domain.OrderStatusRejected
	o.Reason = reason
	o.UpdatedAt = b.now()
	ev := domain.RejectionEvent(o.LocalID, o.BrokerID, reason, o.UpdatedAt)
	connected := b.connected
	b.mu.Unlock()
	if connected {
		b.emit(ev)
	}
	return nil
}

// Expire expires an open order at the broker.
func (b *SimulatorBroker) Expire(brokerID string) error {
	return b.setStatus(brokerID, domain.OrderStatusExpired, "time in force elapsed")
}

// EmitError delivers a broker protocol error.
func (b *SimulatorBroker) EmitError(perr *domain.BrokerProtocolError) {
	b.emit(domain.ErrorEvent(perr, b.clock()))
}

// EmitEvent delivers an arbitrary event, used to model duplicated or
// reordered broker messages.
func (b *SimulatorBroker) EmitEvent(ev domain.BrokerEvent) {
	b.emit(ev)
}

// PushQuote delivers a quote if the symbol is subscribed.
func (b *SimulatorBroker) PushQuote(q domain.Quote) {
	b.mu.Lock()
	subscribed := b.connected && b.subs[q.Symbol]
	b.mu.Unlock()
	if subscribed {
		b.emit(domain.QuoteEvent(q))
	}
}

// ---------------------------------------------------------------------------
// Gateway
// ---------------------------------------------------------------------------

// Connect brings the simulated connection up unless a fault is scripted.
func (b *SimulatorBroker) Connect(ctx context.Context, ep Endpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectCalls++
	if b.authFailure {
		return &domain.AuthenticationError{Err: errors.New("client id rejected")}
	}
	if b.connectFailures > 0 {
		b.connectFailures--
		return fmt.Errorf("connect %s: connection refused", ep)
	}
	b.connected = true
	return nil
}

// Disconnect closes the simulated connection.
func (b *SimulatorBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	b.connected = false
	b.subs = make(map[string]bool)
	b.mu.Unlock()
	return nil
}

// SubmitOrder records the order and acknowledges it with a new broker ID.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.BrokerAck, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, notConnected("simulator submit")
	}
	if b.submitErr != nil {
		err := b.submitErr
		b.mu.Unlock()
		return nil, err
	}
	if b.dropSubmits > 0 {
		b.dropSubmits--
		b.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	b.seq++
	brokerID := fmt.Sprintf("SIM-%d", b.seq)
	now := b.now()
	b.orders[brokerID] = &domain.BrokerOrderState{
		BrokerID:   brokerID,
		LocalID:    order.LocalID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Type:       order.Type,
		Qty:        order.Qty,
		LimitPrice: order.LimitPrice,
		StopPrice:  order.StopPrice,
		Status:     domain.OrderStatusSubmitted,
		UpdatedAt:  now,
	}
	b.order = append(b.order, brokerID)
	delay := b.submitDelay
	autoFill := b.autoFill
	b.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if autoFill.IsPositive() {
		px := autoFill
		if order.LimitPrice.IsPositive() {
			px = order.LimitPrice
		}
		if _, err := b.Fill(brokerID, order.Qty, px); err != nil {
			return nil, err
		}
	}
	return &domain.BrokerAck{LocalID: order.LocalID, BrokerID: brokerID, At: now}, nil
}

// CancelOrder cancels an open order and emits the confirmation.
func (b *SimulatorBroker) CancelOrder(_ context.Context, brokerID string) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return notConnected("simulator cancel")
	}
	o, ok := b.orders[brokerID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("simulator cancel %s: %w", brokerID, domain.ErrOrderNotFound)
	}
	if o.Status.IsTerminal() {
		b.mu.Unlock()
		return fmt.Errorf("simulator cancel %s: %w", brokerID, domain.ErrOrderTerminal)
	}
	b.mu.Unlock()
	return b.setStatus(brokerID, domain.OrderStatusCancelled, "")
}

// Subscribe marks symbol as subscribed.
func (b *SimulatorBroker) Subscribe(_ context.Context, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return notConnected("simulator subscribe")
	}
	b.subs[symbol] = true
	return nil
}

// Unsubscribe removes symbol from the subscribed set.
func (b *SimulatorBroker) Unsubscribe(_ context.Context, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return notConnected("simulator unsubscribe")
	}
	delete(b.subs, symbol)
	return nil
}

// GetPositions returns all simulated positions.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, notConnected("simulator positions")
	}
	return b.positionsLocked(), nil
}

// GetAccount returns simulated account information.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, notConnected("simulator account")
	}
	a := b.account
	a.UpdatedAt = b.now()
	return &a, nil
}

// Snapshot returns every order, execution and position the simulator knows.
func (b *SimulatorBroker) Snapshot(ctx context.Context) (*domain.BrokerSnapshot, error) {
	b.mu.Lock()
	hook := b.snapshotHook
	b.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, notConnected("simulator snapshot")
	}
	snap := &domain.BrokerSnapshot{
		Orders:     make([]domain.BrokerOrderState, 0, len(b.order)),
		Executions: append([]domain.Fill(nil), b.execs...),
		Positions:  b.positionsLocked(),
		TakenAt:    b.now(),
	}
	for _, id := range b.order {
		snap.Orders = append(snap.Orders, *b.orders[id])
	}
	a := b.account
	snap.Account = &a
	return snap, nil
}

// Events returns the simulator's event channel.
func (b *SimulatorBroker) Events() <-chan domain.BrokerEvent {
	return b.events
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (b *SimulatorBroker) clock() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now()
}

func (b *SimulatorBroker) emit(ev domain.BrokerEvent) {
	b.events <- ev
}

func (b *SimulatorBroker) setStatus(brokerID string, status domain.OrderStatus, reason string) error {
	b.mu.Lock()
	o, ok := b.orders[brokerID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("simulator %s %s: %w", status, brokerID, domain.ErrOrderNotFound)
	}
	o.Status = status
	o.Reason = reason
	o.UpdatedAt = b.now()
	ev := domain.StatusEvent(o.LocalID, o.BrokerID, status, reason, o.UpdatedAt)
	connected := b.connected
	b.mu.Unlock()
	if connected {
		b.emit(ev)
	}
	return nil
}

func (b *SimulatorBroker) fillLocked(brokerID string, shares int64, price decimal.Decimal) (domain.Fill, error) {
	o, ok := b.orders[brokerID]
	if !ok {
		return domain.Fill{}, fmt.Errorf("simulator fill %s: %w", brokerID, domain.ErrOrderNotFound)
	}
	if o.Status.IsTerminal() {
		return domain.Fill{}, fmt.Errorf("simulator fill %s: %w", brokerID, domain.ErrOrderTerminal)
	}
	if shares <= 0 || shares > o.Qty-o.FilledQty {
		return domain.Fill{}, fmt.Errorf("simulator fill %s: %d shares exceeds remaining %d", brokerID, shares, o.Qty-o.FilledQty)
	}

	now := b.now()
	f := domain.Fill{
		OrderLocalID: o.LocalID,
		BrokerID:     brokerID,
		ExecutionID:  uuid.NewString(),
		Symbol:       o.Symbol,
		Side:         o.Side,
		Shares:       shares,
		Price:        price,
		Timestamp:    now,
	}
	b.execs = append(b.execs, f)

	prevNotional := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
	o.FilledQty += shares
	o.AvgFillPrice = prevNotional.Add(f.Notional()).DivRound(decimal.NewFromInt(o.FilledQty), 8)
	o.UpdatedAt = now
	if o.FilledQty == o.Qty {
		o.Status = domain.OrderStatusFilled
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}

	b.applyPositionLocked(f)
	return f, nil
}

func (b *SimulatorBroker) applyPositionLocked(f domain.Fill) {
	p, ok := b.positions[f.Symbol]
	if !ok {
		p = &domain.Position{Symbol: f.Symbol}
		b.positions[f.Symbol] = p
	}
	delta := f.Side.Sign() * f.Shares
	newQty := p.Qty + delta
	switch {
	case p.Qty == 0 || (p.Qty > 0) == (delta > 0):
		total := p.AvgCost.Mul(decimal.NewFromInt(abs(p.Qty))).Add(f.Notional())
		p.AvgCost = total.DivRound(decimal.NewFromInt(abs(newQty)), 8)
	case newQty == 0:
		p.AvgCost = decimal.Zero
	case (newQty > 0) != (p.Qty > 0):
		p.AvgCost = f.Price
	}
	p.Qty = newQty
	p.Side = domain.SideOf(newQty)
	p.MarketPrice = f.Price

	cashDelta := f.Notional().Neg().Mul(decimal.NewFromInt(f.Side.Sign()))
	b.account.Cash = b.account.Cash.Add(cashDelta)
}

func (b *SimulatorBroker) positionsLocked() []domain.Position {
	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Qty != 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
