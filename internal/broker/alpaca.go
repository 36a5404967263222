package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"

	"brokergate/internal/domain"
)

// Compile-time interface checks.
var (
	_ Gateway     = (*AlpacaBroker)(nil)
	_ quoteStream = (*stream.StocksClient)(nil)
)

// quoteStream is the part of the market data client the adapter drives.
type quoteStream interface {
	Connect(ctx context.Context) error
	Terminated() <-chan error
	SubscribeToQuotes(handler func(stream.Quote), symbols ...string) error
	UnsubscribeFromQuotes(symbols ...string) error
}

// snapshotPageSize is the page size used to fetch orders for a reconcile
// snapshot; Alpaca caps a page at 500.
const snapshotPageSize = 500

// AlpacaBroker implements the Gateway interface using the Alpaca brokerage
// API. Trade updates arrive over the account stream; quotes over the stock
// market data stream. Termination of the market data stream is reported as a
// Disconnection.
type AlpacaBroker struct {
	apiKey    string
	apiSecret string
	baseURL   string
	feed      marketdata.Feed
	log       *slog.Logger
	newQuotes func() quoteStream

	mu      sync.Mutex
	client  *alpaca.Client
	quotes  quoteStream
	done    <-chan struct{} // closed when the current streams stop
	cancel  context.CancelFunc
	started time.Time

	events chan domain.BrokerEvent
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials, trading API endpoint and market data feed ("iex" or "sip").
func NewAlpacaBroker(apiKey, apiSecret, baseURL, feed string, buffer int) *AlpacaBroker {
	if buffer <= 0 {
		buffer = 1024
	}
	f := marketdata.IEX
	if strings.EqualFold(feed, "sip") {
		f = marketdata.SIP
	}
	b := &AlpacaBroker{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		feed:      f,
		log:       slog.Default().With("broker", "alpaca"),
		events:    make(chan domain.BrokerEvent, buffer),
	}
	b.newQuotes = func() quoteStream {
		return stream.NewStocksClient(b.feed, stream.WithCredentials(b.apiKey, b.apiSecret))
	}
	return b
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Connect verifies the credentials against the account endpoint, then starts
// the trade update and quote streams.
func (b *AlpacaBroker) Connect(ctx context.Context, _ Endpoint) error {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    b.apiKey,
		APISecret: b.apiSecret,
		BaseURL:   b.baseURL,
	})
	if _, err := client.GetAccount(); err != nil {
		return classifyAlpacaError("get account", err)
	}

	quotes := b.newQuotes()
	streamCtx, cancel, err := startStream(ctx, quotes)
	if err != nil {
		return classifyAlpacaError("connect market data", err)
	}

	done := streamCtx.Done()
	client.StreamTradeUpdatesInBackground(streamCtx, func(tu alpaca.TradeUpdate) {
		b.onTradeUpdate(done, tu)
	})

	b.mu.Lock()
	b.client = client
	b.quotes = quotes
	b.done = done
	b.cancel = cancel
	b.started = time.Now()
	b.mu.Unlock()

	go b.watch(streamCtx, quotes)
	return nil
}

// startStream connects quotes on a context of its own. The SDK ties the
// stream's lifetime to the context given to Connect, so ctx only bounds the
// handshake: when it ends first the stream is torn down.
func startStream(ctx context.Context, quotes quoteStream) (context.Context, context.CancelFunc, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	err := quotes.Connect(streamCtx)
	if !stop() {
		cancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, nil, err
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return streamCtx, cancel, nil
}

// watch reports an unexpected market data stream termination.
func (b *AlpacaBroker) watch(ctx context.Context, quotes quoteStream) {
	select {
	case <-ctx.Done():
	case err := <-quotes.Terminated():
		if ctx.Err() != nil {
			return
		}
		reason := "market data stream terminated"
		if err != nil {
			reason = err.Error()
		}
		b.log.Warn("alpaca stream terminated", "error", reason)
		b.emit(ctx.Done(), domain.DisconnectionEvent(reason, time.Now()))
	}
}

// emit delivers ev unless the streams that produced it have stopped.
func (b *AlpacaBroker) emit(done <-chan struct{}, ev domain.BrokerEvent) {
	select {
	case b.events <- ev:
	case <-done:
	}
}

// Disconnect stops both streams.
func (b *AlpacaBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.client = nil
	b.quotes = nil
	b.done = nil
	b.cancel = nil
	return nil
}

func (b *AlpacaBroker) conn(op string) (*alpaca.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, notConnected(op)
	}
	return b.client, nil
}

// SubmitOrder places the order, using the local ID as client order ID.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.BrokerAck, error) {
	client, err := b.conn("alpaca submit")
	if err != nil {
		return nil, err
	}
	req := toPlaceOrderRequest(order)
	placed, err := callWithContext(ctx, func() (*alpaca.Order, error) {
		return client.PlaceOrder(req)
	})
	if err != nil {
		return nil, classifyAlpacaError("place order", err)
	}
	return &domain.BrokerAck{LocalID: order.LocalID, BrokerID: placed.ID, At: placed.SubmittedAt}, nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerID string) error {
	client, err := b.conn("alpaca cancel")
	if err != nil {
		return err
	}
	_, err = callWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, client.CancelOrder(brokerID)
	})
	if err != nil {
		return classifyAlpacaError("cancel order", err)
	}
	return nil
}

// Subscribe starts quote streaming for symbol.
func (b *AlpacaBroker) Subscribe(_ context.Context, symbol string) error {
	b.mu.Lock()
	quotes, done := b.quotes, b.done
	b.mu.Unlock()
	if quotes == nil {
		return notConnected("alpaca subscribe")
	}
	return quotes.SubscribeToQuotes(func(q stream.Quote) { b.onQuote(done, q) }, symbol)
}

// Unsubscribe stops quote streaming for symbol.
func (b *AlpacaBroker) Unsubscribe(_ context.Context, symbol string) error {
	b.mu.Lock()
	quotes := b.quotes
	b.mu.Unlock()
	if quotes == nil {
		return notConnected("alpaca unsubscribe")
	}
	return quotes.UnsubscribeFromQuotes(symbol)
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	client, err := b.conn("alpaca positions")
	if err != nil {
		return nil, err
	}
	positions, err := callWithContext(ctx, client.GetPositions)
	if err != nil {
		return nil, classifyAlpacaError("get positions", err)
	}
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, fromAlpacaPosition(p))
	}
	return out, nil
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	client, err := b.conn("alpaca account")
	if err != nil {
		return nil, err
	}
	acct, err := callWithContext(ctx, client.GetAccount)
	if err != nil {
		return nil, classifyAlpacaError("get account", err)
	}
	return &domain.AccountInfo{
		AccountID:      acct.ID,
		NetLiquidation: acct.Equity,
		Cash:           acct.Cash,
		BuyingPower:    acct.BuyingPower,
		UpdatedAt:      time.Now(),
	}, nil
}

// Snapshot fetches orders updated since the process connected, current
// positions and the account. Alpaca does not replay executions, so the
// tracker reconciles fills from each order's filled quantity.
func (b *AlpacaBroker) Snapshot(ctx context.Context) (*domain.BrokerSnapshot, error) {
	client, err := b.conn("alpaca snapshot")
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	since := b.started.Add(-24 * time.Hour)
	b.mu.Unlock()

	orders, err := pageOrders(since, snapshotPageSize, func(after time.Time) ([]alpaca.Order, error) {
		return callWithContext(ctx, func() ([]alpaca.Order, error) {
			return client.GetOrders(alpaca.GetOrdersRequest{
				Status:    "all",
				Limit:     snapshotPageSize,
				After:     after,
				Direction: "asc",
			})
		})
	})
	if err != nil {
		return nil, classifyAlpacaError("get orders", err)
	}
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	account, err := b.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	snap := &domain.BrokerSnapshot{
		Orders:    make([]domain.BrokerOrderState, 0, len(orders)),
		Positions: positions,
		Account:   account,
		TakenAt:   time.Now(),
	}
	for _, o := range orders {
		snap.Orders = append(snap.Orders, fromAlpacaOrder(o))
	}
	return snap, nil
}

// pageOrders walks order pages oldest first, starting after since, until a
// page comes back short. Pages overlap at the boundary timestamp, so orders
// are deduplicated by ID.
func pageOrders(since time.Time, size int, fetch func(after time.Time) ([]alpaca.Order, error)) ([]alpaca.Order, error) {
	var out []alpaca.Order
	seen := make(map[string]bool)
	after := since
	for {
		page, err := fetch(after)
		if err != nil {
			return nil, err
		}
		added := 0
		for _, o := range page {
			if seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			out = append(out, o)
			added++
		}
		if len(page) < size || added == 0 {
			return out, nil
		}
		next := page[len(page)-1].SubmittedAt.Add(-time.Nanosecond)
		if !next.After(after) {
			next = after.Add(time.Nanosecond)
		}
		after = next
	}
}

// Events returns the broker event channel.
func (b *AlpacaBroker) Events() <-chan domain.BrokerEvent {
	return b.events
}

// ---------------------------------------------------------------------------
// Stream handlers
// ---------------------------------------------------------------------------

func (b *AlpacaBroker) onTradeUpdate(done <-chan struct{}, tu alpaca.TradeUpdate) {
	if ev, ok := tradeUpdateEvent(tu); ok {
		b.emit(done, ev)
	}
}

func (b *AlpacaBroker) onQuote(done <-chan struct{}, q stream.Quote) {
	b.emit(done, domain.QuoteEvent(domain.Quote{
		Symbol:    q.Symbol,
		Bid:       decimal.NewFromFloat(q.BidPrice),
		Ask:       decimal.NewFromFloat(q.AskPrice),
		Timestamp: q.Timestamp,
	}))
}

// tradeUpdateEvent converts an account stream message. Events without a
// lifecycle meaning (pending_cancel, replaced, ...) are dropped.
func tradeUpdateEvent(tu alpaca.TradeUpdate) (domain.BrokerEvent, bool) {
	at := tu.At
	if tu.Timestamp != nil {
		at = *tu.Timestamp
	}
	localID := tu.Order.ClientOrderID
	brokerID := tu.Order.ID

	switch tu.Event {
	case "new", "accepted", "pending_new":
		return domain.AckEvent(localID, brokerID, at), true
	case "fill", "partial_fill":
		if tu.Qty == nil || tu.Price == nil {
			return domain.BrokerEvent{}, false
		}
		execID := tu.ExecutionID
		if execID == "" {
			execID = tu.EventID
		}
		ev := domain.FillEvent(domain.Fill{
			OrderLocalID: localID,
			BrokerID:     brokerID,
			ExecutionID:  execID,
			Symbol:       tu.Order.Symbol,
			Side:         domain.OrderSide(tu.Order.Side),
			Shares:       tu.Qty.IntPart(),
			Price:        *tu.Price,
			Timestamp:    at,
		})
		if tu.Order.Qty != nil {
			ev.OrderQty = tu.Order.Qty.IntPart()
		}
		return ev, true
	case "canceled":
		return domain.StatusEvent(localID, brokerID, domain.OrderStatusCancelled, "", at), true
	case "expired", "done_for_day":
		return domain.StatusEvent(localID, brokerID, domain.OrderStatusExpired, tu.Event, at), true
	case "rejected":
		return domain.RejectionEvent(localID, brokerID, "rejected by broker", at), true
	}
	return domain.BrokerEvent{}, false
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func toPlaceOrderRequest(o *domain.Order) alpaca.PlaceOrderRequest {
	qty := decimal.NewFromInt(o.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        o.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(o.Side),
		Type:          alpaca.OrderType(o.Type),
		TimeInForce:   alpaca.TimeInForce(o.TimeInForce),
		ClientOrderID: o.LocalID,
	}
	if o.LimitPrice.IsPositive() {
		px := o.LimitPrice
		req.LimitPrice = &px
	}
	if o.StopPrice.IsPositive() {
		px := o.StopPrice
		req.StopPrice = &px
	}
	if o.TrailPrice.IsPositive() {
		px := o.TrailPrice
		req.TrailPrice = &px
	}
	if o.TrailPercent.IsPositive() {
		pct := o.TrailPercent
		req.TrailPercent = &pct
	}
	return req
}

func fromAlpacaOrder(o alpaca.Order) domain.BrokerOrderState {
	s := domain.BrokerOrderState{
		BrokerID:  o.ID,
		LocalID:   o.ClientOrderID,
		Symbol:    o.Symbol,
		Side:      domain.OrderSide(o.Side),
		Type:      domain.OrderType(o.Type),
		Status:    alpacaStatus(o.Status),
		FilledQty: o.FilledQty.IntPart(),
		UpdatedAt: o.UpdatedAt,
	}
	if o.Qty != nil {
		s.Qty = o.Qty.IntPart()
	}
	if o.LimitPrice != nil {
		s.LimitPrice = *o.LimitPrice
	}
	if o.StopPrice != nil {
		s.StopPrice = *o.StopPrice
	}
	if o.FilledAvgPrice != nil {
		s.AvgFillPrice = *o.FilledAvgPrice
	}
	return s
}

func fromAlpacaPosition(p alpaca.Position) domain.Position {
	qty := p.Qty.IntPart()
	if strings.EqualFold(p.Side, "short") && qty > 0 {
		qty = -qty
	}
	pos := domain.Position{
		Symbol:  p.Symbol,
		Qty:     qty,
		Side:    domain.SideOf(qty),
		AvgCost: p.AvgEntryPrice,
	}
	if p.CurrentPrice != nil {
		pos.MarketPrice = *p.CurrentPrice
	}
	return pos
}

// alpacaStatus maps an Alpaca order status onto the lifecycle states.
func alpacaStatus(s string) domain.OrderStatus {
	switch s {
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled":
		return domain.OrderStatusCancelled
	case "expired", "done_for_day":
		return domain.OrderStatusExpired
	case "rejected":
		return domain.OrderStatusRejected
	}
	return domain.OrderStatusSubmitted
}

// classifyAlpacaError marks 401/403 responses as authentication failures.
func classifyAlpacaError(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
			return &domain.AuthenticationError{Err: fmt.Errorf("%s: %w", op, err)}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// callWithContext runs a blocking SDK call and returns early when ctx is
// done. The SDK call itself keeps running to completion in the background.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
